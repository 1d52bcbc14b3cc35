package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tg_events/internal/domain"
)

// sweepRequest overrides the scheduled sweep options for one manual sweep.
type sweepRequest struct {
	PerChannelLimit             *int     `json:"per_channel_limit"`
	PauseBetweenChannelsSeconds *float64 `json:"pause_between_channels_seconds"`
	PauseBetweenMessagesSeconds *float64 `json:"pause_between_messages_seconds"`
	LoginModeOverride           *string  `json:"login_mode_override"`
}

func (r sweepRequest) options(defaults domain.SweepOptions) (domain.SweepOptions, error) {
	opts := defaults
	if r.PerChannelLimit != nil {
		if *r.PerChannelLimit < 1 {
			return opts, errors.New("per_channel_limit must be positive")
		}
		opts.PerChannelLimit = *r.PerChannelLimit
	}
	if r.PauseBetweenChannelsSeconds != nil {
		if *r.PauseBetweenChannelsSeconds < 0 {
			return opts, errors.New("pause_between_channels_seconds must not be negative")
		}
		opts.PauseBetweenChannels = seconds(*r.PauseBetweenChannelsSeconds)
	}
	if r.PauseBetweenMessagesSeconds != nil {
		if *r.PauseBetweenMessagesSeconds < 0 {
			return opts, errors.New("pause_between_messages_seconds must not be negative")
		}
		opts.PauseBetweenMessages = seconds(*r.PauseBetweenMessagesSeconds)
	}
	if r.LoginModeOverride != nil && strings.TrimSpace(*r.LoginModeOverride) != "" {
		opts.LoginMode = domain.LoginMode(strings.ToLower(strings.TrimSpace(*r.LoginModeOverride)))
	}
	return opts, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (h *handler) triggerSweep(c *gin.Context) {
	var req sweepRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	opts, err := req.options(h.sweeper.Defaults())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.sweeper.Sweep(c.Request.Context(), opts)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, domain.ErrSweepInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("manual sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *handler) telegramCreds(c *gin.Context) {
	channels := []string(h.telegram.Channels)
	if channels == nil {
		channels = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"login_mode":            h.telegram.LoginMode,
		"channel_ids":           channels,
		"bot_token_masked":      maskSecret(h.telegram.BotToken, 4),
		"session_string_masked": maskSecret(h.telegram.SessionString, 4),
	})
}

// maskSecret keeps the last keep characters. Empty secrets mask to nil.
func maskSecret(value string, keep int) *string {
	if value == "" {
		return nil
	}
	var masked string
	if len(value) <= keep {
		masked = strings.Repeat("*", len(value))
	} else {
		masked = strings.Repeat("*", len(value)-keep) + value[len(value)-keep:]
	}
	return &masked
}
