// Package media retrieves message attachments into the served media directory.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"time"

	"tg_events/internal/domain"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 400 * time.Millisecond
	DefaultExtension   = ".jpg"

	// URLPrefix is where stored assets are served from.
	URLPrefix = "/media/"
)

// Downloader is the raw upstream capability the fetcher drives.
type Downloader interface {
	DownloadMedia(ctx context.Context, msg *domain.SourceMessage, dest string) (string, error)
}

type Config struct {
	Root        string
	MaxAttempts int
	BaseDelay   time.Duration
}

type Fetcher struct {
	root        string
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
	logger      *slog.Logger
}

func NewFetcher(cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	return &Fetcher{
		root:        cfg.Root,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		sleep:       time.Sleep,
		logger:      logger.With("component", "media"),
	}
}

// Root returns the directory assets are stored in.
func (f *Fetcher) Root() string {
	return f.root
}

// Fetch retrieves the media of msg and returns its served references: empty
// when the message has no media or retrieval failed, one element otherwise.
// Failures are logged, never returned.
func (f *Fetcher) Fetch(ctx context.Context, dl Downloader, msg *domain.SourceMessage) []string {
	if !msg.HasMedia() {
		return []string{}
	}

	if err := os.MkdirAll(f.root, 0o755); err != nil {
		f.logger.Error("create media root", "root", f.root, "error", err)
		return []string{}
	}

	filename := FileName(msg)
	dest := filepath.Join(f.root, filename)

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return []string{URLPrefix + filename}
	}

	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		stored, err := dl.DownloadMedia(ctx, msg, dest)
		if err == nil {
			if stored == "" {
				return []string{}
			}
			return []string{URLPrefix + filepath.Base(stored)}
		}

		if !retryable(err) {
			f.logger.Error("media download failed",
				"channel", msg.Channel,
				"message_id", msg.ID,
				"error", err,
			)
			return []string{}
		}

		if attempt == f.maxAttempts {
			f.logger.Warn("media download failed after retries",
				"attempts", attempt,
				"channel", msg.Channel,
				"message_id", msg.ID,
				"error", err,
			)
			break
		}

		delay := f.backoff(attempt)
		f.logger.Warn("retrying media download",
			"attempt", attempt+1,
			"max_attempts", f.maxAttempts,
			"channel", msg.Channel,
			"message_id", msg.ID,
			"backoff", delay,
			"error", err,
		)
		f.sleep(delay)
	}

	return []string{}
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	delay := f.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// retryable is the closed set of transient failures; everything else aborts.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrFileMigrated) || errors.Is(err, domain.ErrTimeout)
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// FileName derives the stored file name of a message's media from the
// channel's numeric id (or its sanitized handle when the id is unknown), the
// message id and the upstream file extension.
func FileName(msg *domain.SourceMessage) string {
	ext := DefaultExtension
	if msg.Media != nil && msg.Media.FileName != "" {
		if e := path.Ext(msg.Media.FileName); len(e) > 1 && !unsafeChars.MatchString(e[1:]) {
			ext = e
		}
	}

	owner := "ch"
	switch {
	case msg.ChannelID != 0:
		owner = fmt.Sprintf("%d", msg.ChannelID)
	case msg.Channel != "":
		if cleaned := unsafeChars.ReplaceAllString(msg.Channel, ""); cleaned != "" {
			owner = cleaned
		}
	}

	return fmt.Sprintf("%s_%d%s", owner, msg.ID, ext)
}
