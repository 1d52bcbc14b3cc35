package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"tg_events/internal/domain"
)

const maxFailureReason = 500

// ConnectFunc adapts a function to the Connector interface.
type ConnectFunc func(ctx context.Context, mode domain.LoginMode) (FeedSession, error)

func (f ConnectFunc) Connect(ctx context.Context, mode domain.LoginMode) (FeedSession, error) {
	return f(ctx, mode)
}

// Ingestor runs sweeps over the configured channels.
type Ingestor struct {
	connector Connector
	store     EventStore
	media     MediaFetcher
	publisher Publisher
	locker    Locker
	channels  []string
	defaults  domain.SweepOptions
	logger    *slog.Logger
	sleep     func(time.Duration)
}

type IngestorOption func(*Ingestor)

// WithPublisher announces created and backfilled cards.
func WithPublisher(p Publisher) IngestorOption {
	return func(i *Ingestor) { i.publisher = p }
}

// WithLocker makes every sweep hold l for its duration.
func WithLocker(l Locker) IngestorOption {
	return func(i *Ingestor) { i.locker = l }
}

// WithSleep replaces time.Sleep for pauses and cooldowns.
func WithSleep(sleep func(time.Duration)) IngestorOption {
	return func(i *Ingestor) { i.sleep = sleep }
}

func NewIngestor(
	connector Connector,
	store EventStore,
	media MediaFetcher,
	channels []string,
	defaults domain.SweepOptions,
	logger *slog.Logger,
	opts ...IngestorOption,
) *Ingestor {
	i := &Ingestor{
		connector: connector,
		store:     store,
		media:     media,
		channels:  uniqueChannels(channels),
		defaults:  defaults,
		logger:    logger.With("component", "ingestor"),
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Ingestor) Channels() []string {
	return append([]string(nil), i.channels...)
}

func (i *Ingestor) Defaults() domain.SweepOptions {
	return i.defaults
}

// Sweep ingests the most recent messages of every channel once. Failures of a
// single channel are recorded in the result; only configuration errors and
// failures to start the sweep are returned.
func (i *Ingestor) Sweep(ctx context.Context, opts domain.SweepOptions) (*domain.SweepResult, error) {
	opts = i.withDefaults(opts)
	startTime := time.Now()

	if i.locker != nil {
		release, err := i.locker.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				i.logger.Warn("failed to release sweep lock", "error", err)
			}
		}()
	}

	session, err := i.connector.Connect(ctx, opts.LoginMode)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer session.Close()

	i.logger.Info("starting sweep",
		"channels", len(i.channels),
		"per_channel_limit", opts.PerChannelLimit,
	)

	result := domain.NewSweepResult(len(i.channels), opts.PerChannelLimit)
	for _, channel := range i.channels {
		err := i.sweepChannel(ctx, session, channel, opts, result)

		var flood *domain.FloodWaitError
		switch {
		case err == nil:
			result.ChannelsOK = append(result.ChannelsOK, channel)
		case errors.Is(err, domain.ErrConfiguration):
			return result, fmt.Errorf("channel %s: %w", channel, err)
		case errors.As(err, &flood):
			i.logger.Warn("rate limited", "channel", channel, "wait", flood.Wait())
			i.pause(flood.Wait())
			result.ChannelsFailed[channel] = fmt.Sprintf("FloodWait(%ds)", int(flood.Wait()/time.Second))
		default:
			i.logger.Error("channel failed", "channel", channel, "error", err)
			result.ChannelsFailed[channel] = truncate(err.Error(), maxFailureReason)
		}

		i.pause(opts.PauseBetweenChannels)
	}

	i.logger.Info("sweep completed",
		"channels_ok", len(result.ChannelsOK),
		"channels_failed", len(result.ChannelsFailed),
		"ingested", result.IngestedMessages,
		"media", result.DownloadedMedia,
		"duration", time.Since(startTime),
	)

	return result, nil
}

func (i *Ingestor) sweepChannel(ctx context.Context, session FeedSession, channel string, opts domain.SweepOptions, result *domain.SweepResult) error {
	logger := i.logger.With("channel", channel)
	ingested := 0

	err := session.IterRecentMessages(ctx, channel, opts.PerChannelLimit, func(msg *domain.SourceMessage) error {
		if strings.TrimSpace(msg.Text) != "" {
			media, err := i.ingestMessage(ctx, session, channel, msg)
			if err != nil {
				return err
			}
			ingested++
			result.IngestedMessages++
			result.DownloadedMedia += media
		}
		i.pause(opts.PauseBetweenMessages)
		return nil
	})
	if err != nil {
		logger.Debug("channel aborted", "ingested", ingested)
		return err
	}

	logger.Debug("channel done", "ingested", ingested)
	return nil
}

func (i *Ingestor) ingestMessage(ctx context.Context, session FeedSession, channel string, msg *domain.SourceMessage) (int, error) {
	urls := i.media.Fetch(ctx, session, msg)

	req := &domain.IngestRequest{
		Channel:     channel,
		MessageID:   msg.ID,
		Text:        msg.Text,
		MediaURLs:   urls,
		PublishedAt: domain.NormalizeTimestamp(msg.Date),
	}

	res, err := i.store.Upsert(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("upsert message %d: %w", msg.ID, err)
	}

	if i.publisher != nil && (res.Created || res.Backfilled) {
		if err := i.publisher.Publish(ctx, &res.Card, res.Created); err != nil {
			i.logger.Warn("failed to publish card", "card_id", res.Card.ID, "error", err)
		}
	}

	i.logger.Debug("ingested message",
		"channel", channel,
		"message_id", msg.ID,
		"card_id", res.Card.ID,
		"created", res.Created,
	)

	return len(urls), nil
}

func (i *Ingestor) withDefaults(opts domain.SweepOptions) domain.SweepOptions {
	if opts.PerChannelLimit <= 0 {
		opts.PerChannelLimit = i.defaults.PerChannelLimit
	}
	if opts.LoginMode == "" {
		opts.LoginMode = i.defaults.LoginMode
	}
	return opts
}

func (i *Ingestor) pause(d time.Duration) {
	if d > 0 {
		i.sleep(d)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func uniqueChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
