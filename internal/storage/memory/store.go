// Package memory holds the volatile event store used when no database is configured.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tg_events/internal/domain"
)

type key struct {
	channel   string
	messageID int64
}

type EventStore struct {
	mu    sync.RWMutex
	cards map[key]*domain.EventCard
	now   func() time.Time
}

func NewEventStore() *EventStore {
	return &EventStore{
		cards: make(map[key]*domain.EventCard),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Upsert inserts a card for an unseen (channel, message_id) or returns the
// existing one, backfilling empty media.
func (s *EventStore) Upsert(_ context.Context, req *domain.IngestRequest) (*domain.UpsertResult, error) {
	k := key{channel: req.Channel, messageID: req.MessageID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cards[k]; ok {
		backfilled := existing.BackfillMedia(req)
		return &domain.UpsertResult{Card: copyCard(existing), Backfilled: backfilled}, nil
	}

	card := domain.NewEventCard(newID(), req, s.now())
	s.cards[k] = &card

	return &domain.UpsertResult{Card: copyCard(&card), Created: true}, nil
}

func (s *EventStore) ListRecent(_ context.Context, limit int) ([]domain.EventCard, error) {
	return s.list(limit, func(*domain.EventCard) bool { return true }), nil
}

func (s *EventStore) ListByChannel(_ context.Context, channel string, limit int) ([]domain.EventCard, error) {
	return s.list(limit, func(c *domain.EventCard) bool { return c.Channel == channel }), nil
}

func (s *EventStore) list(limit int, match func(*domain.EventCard) bool) []domain.EventCard {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.EventCard, 0, len(s.cards))
	for _, card := range s.cards {
		if match(card) {
			out = append(out, copyCard(card))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func copyCard(c *domain.EventCard) domain.EventCard {
	cp := *c
	cp.MediaURLs = domain.CloneStrings(c.MediaURLs)
	return cp
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
