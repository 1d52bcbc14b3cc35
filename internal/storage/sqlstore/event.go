package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tg_events/internal/domain"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const selectColumns = `id, title, description, channel, message_id, event_time, media_urls,
	location, price, category, source_link, created_at`

type eventRow struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	Channel     string         `db:"channel"`
	MessageID   int64          `db:"message_id"`
	EventTime   sql.NullTime   `db:"event_time"`
	MediaURLs   string         `db:"media_urls"`
	Location    sql.NullString `db:"location"`
	Price       sql.NullString `db:"price"`
	Category    sql.NullString `db:"category"`
	SourceLink  sql.NullString `db:"source_link"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *eventRow) toCard() (domain.EventCard, error) {
	card := domain.EventCard{
		ID:          r.ID,
		Title:       r.Title,
		Description: nullString(r.Description),
		Channel:     r.Channel,
		MessageID:   r.MessageID,
		Location:    nullString(r.Location),
		Price:       nullString(r.Price),
		Category:    nullString(r.Category),
		SourceLink:  nullString(r.SourceLink),
		CreatedAt:   r.CreatedAt.UTC(),
		MediaURLs:   []string{},
	}
	if r.EventTime.Valid {
		t := r.EventTime.Time.UTC()
		card.EventTime = &t
	}
	if r.MediaURLs != "" {
		if err := json.Unmarshal([]byte(r.MediaURLs), &card.MediaURLs); err != nil {
			return card, fmt.Errorf("decode media_urls of %s: %w", r.ID, err)
		}
	}
	return card, nil
}

// EventStore is the durable event store. The (channel, message_id) unique
// constraint is the conflict barrier between concurrent upserts.
type EventStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewEventStore(db *sqlx.DB) *EventStore {
	return &EventStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *EventStore) Upsert(ctx context.Context, req *domain.IngestRequest) (*domain.UpsertResult, error) {
	existing, err := s.find(ctx, req.Channel, req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("find event: %w", err)
	}
	if existing != nil {
		return s.backfill(ctx, existing, req)
	}

	card := domain.NewEventCard(newID(), req, s.now())
	inserted, err := s.insert(ctx, &card)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if inserted {
		return &domain.UpsertResult{Card: card, Created: true}, nil
	}

	// Lost the race for this key: the winner's row is authoritative.
	existing, err = s.find(ctx, req.Channel, req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("find event after conflict: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("event %s/%d vanished after conflict", req.Channel, req.MessageID)
	}
	return s.backfill(ctx, existing, req)
}

func (s *EventStore) insert(ctx context.Context, card *domain.EventCard) (bool, error) {
	media, err := encodeMedia(card.MediaURLs)
	if err != nil {
		return false, err
	}

	query := s.db.Rebind(`
		INSERT INTO events (
			id, title, description, channel, message_id, event_time, media_urls, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, message_id) DO NOTHING`)

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		card.ID,
		card.Title,
		card.Description,
		card.Channel,
		card.MessageID,
		card.EventTime,
		media,
		card.CreatedAt,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// backfill fills empty media. The WHERE clause keeps it a no-op when a
// concurrent upsert already stored media.
func (s *EventStore) backfill(ctx context.Context, card *domain.EventCard, req *domain.IngestRequest) (*domain.UpsertResult, error) {
	if len(card.MediaURLs) > 0 || len(req.MediaURLs) == 0 {
		return &domain.UpsertResult{Card: *card}, nil
	}

	media, err := encodeMedia(req.MediaURLs)
	if err != nil {
		return nil, err
	}

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		s.db.Rebind(`UPDATE events SET media_urls = ? WHERE id = ? AND media_urls = '[]'`),
		media, card.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("backfill media: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("backfill media: %w", err)
	}

	fresh, err := s.find(ctx, card.Channel, card.MessageID)
	if err != nil {
		return nil, fmt.Errorf("reload event: %w", err)
	}
	if fresh == nil {
		fresh = card
	}
	return &domain.UpsertResult{Card: *fresh, Backfilled: n == 1}, nil
}

func (s *EventStore) find(ctx context.Context, channel string, messageID int64) (*domain.EventCard, error) {
	var row eventRow
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM events WHERE channel = ? AND message_id = ?`)

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &row, query, channel, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	card, err := row.toCard()
	if err != nil {
		return nil, err
	}
	return &card, nil
}

func (s *EventStore) ListRecent(ctx context.Context, limit int) ([]domain.EventCard, error) {
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM events ORDER BY created_at DESC, id DESC LIMIT ?`)
	return s.selectCards(ctx, query, limit)
}

func (s *EventStore) ListByChannel(ctx context.Context, channel string, limit int) ([]domain.EventCard, error) {
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM events WHERE channel = ? ORDER BY created_at DESC, id DESC LIMIT ?`)
	return s.selectCards(ctx, query, channel, limit)
}

func (s *EventStore) selectCards(ctx context.Context, query string, args ...any) ([]domain.EventCard, error) {
	var rows []eventRow
	if err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &rows, query, args...); err != nil {
		return nil, err
	}

	cards := make([]domain.EventCard, 0, len(rows))
	for i := range rows {
		card, err := rows[i].toCard()
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func encodeMedia(urls []string) (string, error) {
	if urls == nil {
		urls = []string{}
	}
	b, err := json.Marshal(urls)
	if err != nil {
		return "", fmt.Errorf("encode media_urls: %w", err)
	}
	return string(b), nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
