package domain

import (
	"time"
	"unicode/utf8"
)

const (
	TitleMaxRunes       = 120
	UntitledPlaceholder = "Untitled"
)

// SourceMessage is a single post as read from an upstream channel.
type SourceMessage struct {
	ID        int64
	Channel   string
	ChannelID int64 // numeric upstream id, 0 when unknown
	Text      string
	Date      *time.Time
	Media     *Media
}

// Media describes the single asset attached to a message.
type Media struct {
	URL      string
	FileName string // upstream-reported name, may be empty
}

func (m *SourceMessage) HasMedia() bool {
	return m.Media != nil && m.Media.URL != ""
}

// IngestRequest is the normalized unit handed to the event store.
// (Channel, MessageID) is its natural key.
type IngestRequest struct {
	Channel     string     `json:"channel" binding:"required"`
	MessageID   int64      `json:"message_id" binding:"required"`
	Text        string     `json:"text"`
	MediaURLs   []string   `json:"media_urls"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

type EventCard struct {
	ID          string     `json:"id" db:"id"`
	Title       string     `json:"title" db:"title"`
	Description *string    `json:"description" db:"description"`
	Channel     string     `json:"channel" db:"channel"`
	MessageID   int64      `json:"message_id" db:"message_id"`
	EventTime   *time.Time `json:"event_time" db:"event_time"`
	MediaURLs   []string   `json:"media_urls" db:"-"`
	Location    *string    `json:"location" db:"location"`
	Price       *string    `json:"price" db:"price"`
	Category    *string    `json:"category" db:"category"`
	SourceLink  *string    `json:"source_link" db:"source_link"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// UpsertResult reports what an upsert did to the stored card.
type UpsertResult struct {
	Card       EventCard
	Created    bool
	Backfilled bool
}

// NewEventCard builds the card stored on the first sighting of a request's key.
func NewEventCard(id string, req *IngestRequest, now time.Time) EventCard {
	card := EventCard{
		ID:        id,
		Title:     TitleFromText(req.Text),
		Channel:   req.Channel,
		MessageID: req.MessageID,
		EventTime: NormalizeTimestamp(req.PublishedAt),
		MediaURLs: CloneStrings(req.MediaURLs),
		CreatedAt: now,
	}
	if req.Text != "" {
		text := req.Text
		card.Description = &text
	}
	return card
}

// TitleFromText returns the first TitleMaxRunes characters of text, or the
// placeholder when text is empty.
func TitleFromText(text string) string {
	if text == "" {
		return UntitledPlaceholder
	}
	if utf8.RuneCountInString(text) <= TitleMaxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:TitleMaxRunes])
}

// BackfillMedia fills empty media from req. Non-empty media is never replaced.
func (c *EventCard) BackfillMedia(req *IngestRequest) bool {
	if len(c.MediaURLs) > 0 || len(req.MediaURLs) == 0 {
		return false
	}
	c.MediaURLs = CloneStrings(req.MediaURLs)
	return true
}

// NormalizeTimestamp drops the zone of t, keeping the UTC wall clock.
func NormalizeTimestamp(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	naive := t.UTC()
	return &naive
}

func CloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
