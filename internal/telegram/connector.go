// Package telegram reads public channels through their web preview and
// verifies the service credential against the Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"tg_events/internal/config"
	"tg_events/internal/domain"
)

const userAgent = "tg-events/1.0 (+https://t.me)"

// keepRedirects hands 3xx responses back to the caller instead of following them.
var keepRedirects = resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
})

type Connector struct {
	cfg     config.TelegramConfig
	preview *resty.Client
	files   *resty.Client
	botAPI  *resty.Client
	logger  *slog.Logger
}

func NewConnector(cfg config.TelegramConfig, logger *slog.Logger) *Connector {
	newClient := func() *resty.Client {
		return resty.New().
			SetTimeout(cfg.Timeout).
			SetHeader("User-Agent", userAgent).
			SetRedirectPolicy(keepRedirects)
	}

	return &Connector{
		cfg:     cfg,
		preview: newClient().SetBaseURL(strings.TrimRight(cfg.PreviewURL, "/")),
		files:   newClient(),
		botAPI:  newClient().SetBaseURL(strings.TrimRight(cfg.BotAPIURL, "/")),
		logger:  logger.With("component", "telegram"),
	}
}

// Connect opens a session in mode, or in the configured mode when mode is
// empty. Missing or rejected credentials wrap domain.ErrConfiguration.
func (c *Connector) Connect(ctx context.Context, mode domain.LoginMode) (*Session, error) {
	if mode == "" {
		mode = c.cfg.LoginMode
	}

	secret, err := c.cfg.Credential(mode)
	if err != nil {
		return nil, err
	}

	sess := newSession(c, mode)
	switch mode {
	case domain.LoginModeBot:
		me, err := c.getMe(ctx, secret)
		if err != nil {
			return nil, err
		}
		sess.botToken = secret
		c.logger.Debug("bot credential verified", "bot", me.Username)
	case domain.LoginModeUser:
		sess.sessionCookie = secret
	}

	return sess, nil
}

type botResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type botUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type botChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Username string `json:"username"`
}

func (c *Connector) getMe(ctx context.Context, token string) (*botUser, error) {
	var me botUser
	if err := c.callBot(ctx, token, "getMe", nil, &me); err != nil {
		return nil, fmt.Errorf("verify bot token: %w", err)
	}
	return &me, nil
}

func (c *Connector) getChat(ctx context.Context, token, handle string) (*botChat, error) {
	var chat botChat
	params := map[string]string{"chat_id": "@" + handle}
	if err := c.callBot(ctx, token, "getChat", params, &chat); err != nil {
		return nil, fmt.Errorf("get chat %s: %w", handle, err)
	}
	return &chat, nil
}

func (c *Connector) callBot(ctx context.Context, token, method string, params map[string]string, out any) error {
	resp, err := c.botAPI.R().
		SetContext(ctx).
		SetPathParam("token", token).
		SetPathParam("method", method).
		SetQueryParams(params).
		Get("/bot{token}/{method}")
	if err != nil {
		return transportError(err)
	}

	var body botResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fmt.Errorf("decode bot api response (status %d): %w", resp.StatusCode(), err)
	}

	if !body.OK {
		code := body.ErrorCode
		if code == 0 {
			code = resp.StatusCode()
		}
		switch code {
		case http.StatusUnauthorized, http.StatusNotFound:
			if method == "getMe" {
				return fmt.Errorf("%w: %s", domain.ErrCredentialRejected, body.Description)
			}
		case http.StatusTooManyRequests:
			wait := 0
			if body.Parameters != nil {
				wait = body.Parameters.RetryAfter
			}
			return &domain.FloodWaitError{Seconds: wait}
		}
		return fmt.Errorf("bot api %s: %d %s", method, code, body.Description)
	}

	if err := json.Unmarshal(body.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// channelIDFromChatID strips the -100 prefix the Bot API puts on channel ids.
func channelIDFromChatID(chatID int64) int64 {
	const channelOffset = 1_000_000_000_000
	if chatID <= -channelOffset {
		return -chatID - channelOffset
	}
	if chatID < 0 {
		return -chatID
	}
	return chatID
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("execute request: %w", err)
}

func floodWaitFromResponse(resp *resty.Response) *domain.FloodWaitError {
	seconds, err := strconv.Atoi(strings.TrimSpace(resp.Header().Get("Retry-After")))
	if err != nil || seconds < 0 {
		seconds = 0
	}
	return &domain.FloodWaitError{Seconds: seconds}
}
