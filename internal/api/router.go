// Package api exposes stored cards and operator endpoints over HTTP.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"tg_events/internal/config"
	"tg_events/internal/domain"
	"tg_events/internal/service"
)

// Sweeper runs an ad-hoc sweep.
type Sweeper interface {
	Sweep(ctx context.Context, opts domain.SweepOptions) (*domain.SweepResult, error)
	Defaults() domain.SweepOptions
}

type Deps struct {
	Store     service.EventStore
	Sweeper   Sweeper
	Publisher service.Publisher // optional
	Telegram  config.TelegramConfig
	MediaRoot string
	Logger    *slog.Logger
}

type handler struct {
	store     service.EventStore
	sweeper   Sweeper
	publisher service.Publisher
	telegram  config.TelegramConfig
	logger    *slog.Logger
}

// NewRouter constructs a Gin engine with registered routes.
func NewRouter(deps Deps) *gin.Engine {
	h := &handler{
		store:     deps.Store,
		sweeper:   deps.Sweeper,
		publisher: deps.Publisher,
		telegram:  deps.Telegram,
		logger:    deps.Logger.With("component", "api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/health", handleHealth)

	events := r.Group("/events")
	events.GET("", h.listEvents)
	events.POST("/ingest", h.ingestEvent)

	debug := r.Group("/debug")
	debug.POST("/ingest", h.triggerSweep)
	debug.GET("/telegram-creds", h.telegramCreds)

	if deps.MediaRoot != "" {
		r.Static("/media", deps.MediaRoot)
	}

	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
