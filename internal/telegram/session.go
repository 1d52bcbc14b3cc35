package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"tg_events/internal/domain"
)

const sessionCookieName = "stel_ssid"

// Session is a connected view of the upstream platform. It is safe for
// concurrent use.
type Session struct {
	conn          *Connector
	mode          domain.LoginMode
	botToken      string
	sessionCookie string
	logger        *slog.Logger

	mu         sync.Mutex
	channelIDs map[string]int64
	migrated   map[string]string
}

func newSession(conn *Connector, mode domain.LoginMode) *Session {
	return &Session{
		conn:       conn,
		mode:       mode,
		logger:     conn.logger.With("login_mode", string(mode)),
		channelIDs: make(map[string]int64),
		migrated:   make(map[string]string),
	}
}

func (s *Session) Mode() domain.LoginMode {
	return s.mode
}

// IterRecentMessages calls fn with up to limit of the channel's most recent
// messages, newest first. It stops at the first error fn returns.
func (s *Session) IterRecentMessages(ctx context.Context, channel string, limit int, fn func(msg *domain.SourceMessage) error) error {
	handle := strings.TrimPrefix(strings.TrimSpace(channel), "@")
	if handle == "" {
		return fmt.Errorf("empty channel handle %q", channel)
	}
	channelID := s.resolveChannelID(ctx, handle)

	var before int64
	yielded := 0
	for yielded < limit {
		page, err := s.fetchPage(ctx, handle, before)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for i := len(page) - 1; i >= 0 && yielded < limit; i-- {
			msg := page[i]
			if before != 0 && msg.ID >= before {
				continue
			}
			msg.Channel = channel
			msg.ChannelID = channelID
			if err := fn(&msg); err != nil {
				return err
			}
			yielded++
		}

		oldest := page[0].ID
		if oldest <= 1 || (before != 0 && oldest >= before) {
			return nil
		}
		before = oldest
	}
	return nil
}

func (s *Session) fetchPage(ctx context.Context, handle string, before int64) ([]domain.SourceMessage, error) {
	req := s.conn.preview.R().
		SetContext(ctx).
		SetPathParam("channel", handle)
	if before > 0 {
		req.SetQueryParam("before", strconv.FormatInt(before, 10))
	}
	if s.sessionCookie != "" {
		req.SetCookie(&http.Cookie{Name: sessionCookieName, Value: s.sessionCookie})
	}

	resp, err := req.Get("/s/{channel}")
	if err != nil {
		return nil, transportError(err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusTooManyRequests:
		return nil, floodWaitFromResponse(resp)
	case (code == http.StatusUnauthorized || code == http.StatusForbidden) && s.mode == domain.LoginModeUser:
		return nil, fmt.Errorf("%w: preview returned %d", domain.ErrCredentialRejected, code)
	case code >= 300 && code < 400:
		return nil, fmt.Errorf("channel %s has no public preview (redirected to %s)", handle, resp.Header().Get("Location"))
	default:
		return nil, fmt.Errorf("unexpected status: %d", code)
	}

	page, err := parsePreview(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("parse preview of %s: %w", handle, err)
	}

	s.logger.Debug("fetched preview page", "channel", handle, "before", before, "messages", len(page))
	return page, nil
}

// resolveChannelID looks the numeric id up through the Bot API. It is best
// effort: 0 means unknown.
func (s *Session) resolveChannelID(ctx context.Context, handle string) int64 {
	s.mu.Lock()
	id, ok := s.channelIDs[handle]
	s.mu.Unlock()
	if ok || s.botToken == "" {
		return id
	}

	chat, err := s.conn.getChat(ctx, s.botToken, handle)
	if err != nil {
		s.logger.Debug("channel id lookup failed", "channel", handle, "error", err)
		return 0
	}
	id = channelIDFromChatID(chat.ID)

	s.mu.Lock()
	s.channelIDs[handle] = id
	s.mu.Unlock()
	return id
}

// DownloadMedia stores the media of msg at dest and returns the stored path.
// A redirect is remembered so the next attempt goes to the new location.
func (s *Session) DownloadMedia(ctx context.Context, msg *domain.SourceMessage, dest string) (string, error) {
	if !msg.HasMedia() {
		return "", nil
	}

	src := s.location(msg.Media.URL)
	resp, err := s.conn.files.R().SetContext(ctx).Get(src)
	if err != nil {
		return "", transportError(err)
	}

	switch code := resp.StatusCode(); code {
	case http.StatusOK:
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		next, err := resolveLocation(src, resp.Header().Get("Location"))
		if err != nil {
			return "", fmt.Errorf("media redirect: %w", err)
		}
		s.mu.Lock()
		s.migrated[msg.Media.URL] = next
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrFileMigrated, next)
	case http.StatusNotFound, http.StatusGone:
		return "", fmt.Errorf("%w: %s", domain.ErrMediaNotFound, src)
	case http.StatusTooManyRequests:
		return "", floodWaitFromResponse(resp)
	default:
		return "", fmt.Errorf("unexpected status: %d", code)
	}

	body := resp.Body()
	if len(body) == 0 {
		return "", fmt.Errorf("empty media body from %s", src)
	}

	tmp := dest + ".part"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store media: %w", err)
	}
	return dest, nil
}

func (s *Session) location(original string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.migrated[original]; ok {
		return next
	}
	return original
}

// Close releases the session's caches.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.channelIDs)
	clear(s.migrated)
	return nil
}

func resolveLocation(base, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("missing Location header")
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(l).String(), nil
}
