package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTitleFromText(t *testing.T) {
	assert.Equal(t, UntitledPlaceholder, TitleFromText(""))
	assert.Equal(t, "Show tonight", TitleFromText("Show tonight"))

	long := strings.Repeat("a", 200)
	assert.Equal(t, strings.Repeat("a", 120), TitleFromText(long))

	cyrillic := strings.Repeat("ж", 130)
	assert.Equal(t, strings.Repeat("ж", 120), TitleFromText(cyrillic))
}

func TestNewEventCard(t *testing.T) {
	published := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	now := time.Now()
	req := &IngestRequest{
		Channel:     "@a",
		MessageID:   101,
		Text:        "Show tonight",
		MediaURLs:   []string{"/media/1_101.jpg"},
		PublishedAt: &published,
	}

	card := NewEventCard("abc", req, now)

	assert.Equal(t, "abc", card.ID)
	assert.Equal(t, "Show tonight", card.Title)
	require.NotNil(t, card.Description)
	assert.Equal(t, "Show tonight", *card.Description)
	assert.Equal(t, &published, card.EventTime)
	assert.Equal(t, []string{"/media/1_101.jpg"}, card.MediaURLs)
	assert.Equal(t, now, card.CreatedAt)
	assert.Nil(t, card.Location)
	assert.Nil(t, card.Price)
	assert.Nil(t, card.Category)
	assert.Nil(t, card.SourceLink)

	req.MediaURLs[0] = "mutated"
	assert.Equal(t, "/media/1_101.jpg", card.MediaURLs[0])
}

func TestBackfillMedia(t *testing.T) {
	card := EventCard{MediaURLs: []string{}}

	assert.False(t, card.BackfillMedia(&IngestRequest{}))
	assert.Empty(t, card.MediaURLs)

	assert.True(t, card.BackfillMedia(&IngestRequest{MediaURLs: []string{"/media/a.jpg"}}))
	assert.Equal(t, []string{"/media/a.jpg"}, card.MediaURLs)

	assert.False(t, card.BackfillMedia(&IngestRequest{MediaURLs: []string{"/media/b.jpg"}}))
	assert.Equal(t, []string{"/media/a.jpg"}, card.MediaURLs)
}

func TestNormalizeTimestamp(t *testing.T) {
	assert.Nil(t, NormalizeTimestamp(nil))

	plus3 := time.FixedZone("MSK", 3*60*60)
	withOffset := time.Date(2025, 3, 1, 22, 0, 0, 0, plus3)
	got := NormalizeTimestamp(&withOffset)
	assert.Equal(t, time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC), *got)

	naive := time.Date(2025, 3, 1, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, naive, *NormalizeTimestamp(&naive))
}

func TestConfigurationErrors(t *testing.T) {
	assert.True(t, errors.Is(ErrMissingCredential, ErrConfiguration))
	assert.True(t, errors.Is(ErrCredentialRejected, ErrConfiguration))
	assert.False(t, errors.Is(ErrTimeout, ErrConfiguration))

	assert.Equal(t, time.Duration(0), (&FloodWaitError{Seconds: -4}).Wait())
	assert.Equal(t, 7*time.Second, (&FloodWaitError{Seconds: 7}).Wait())
}
