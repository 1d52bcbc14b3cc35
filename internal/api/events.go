package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tg_events/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (h *handler) listEvents(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 200"})
			return
		}
		limit = n
	}

	var (
		cards []domain.EventCard
		err   error
	)
	if channel := strings.TrimSpace(c.Query("channel")); channel != "" {
		cards, err = h.store.ListByChannel(c.Request.Context(), channel, limit)
	} else {
		cards, err = h.store.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}

	c.JSON(http.StatusOK, cards)
}

func (h *handler) ingestEvent(c *gin.Context) {
	var req domain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.PublishedAt = domain.NormalizeTimestamp(req.PublishedAt)

	res, err := h.store.Upsert(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("failed to ingest event", "channel", req.Channel, "message_id", req.MessageID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest event"})
		return
	}

	if h.publisher != nil && (res.Created || res.Backfilled) {
		if err := h.publisher.Publish(c.Request.Context(), &res.Card, res.Created); err != nil {
			h.logger.Warn("failed to publish card", "card_id", res.Card.ID, "error", err)
		}
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	c.JSON(status, res.Card)
}
