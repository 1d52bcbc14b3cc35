package service_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"tg_events/internal/domain"
	"tg_events/internal/media"
	"tg_events/internal/service"
	"tg_events/internal/service/mocks"
	"tg_events/internal/storage/memory"
)

type IngestorTestSuite struct {
	suite.Suite
	ctrl *gomock.Controller

	connector *mocks.MockConnector
	session   *mocks.MockFeedSession
	store     *mocks.MockEventStore
	media     *mocks.MockMediaFetcher
	publisher *mocks.MockPublisher
	locker    *mocks.MockLocker

	defaults domain.SweepOptions
	sleeps   []time.Duration
	logger   *slog.Logger
}

func (s *IngestorTestSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())

	s.connector = mocks.NewMockConnector(s.ctrl)
	s.session = mocks.NewMockFeedSession(s.ctrl)
	s.store = mocks.NewMockEventStore(s.ctrl)
	s.media = mocks.NewMockMediaFetcher(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.locker = mocks.NewMockLocker(s.ctrl)

	s.defaults = domain.SweepOptions{PerChannelLimit: 5, LoginMode: domain.LoginModeBot}
	s.sleeps = nil
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func (s *IngestorTestSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestIngestorTestSuite(t *testing.T) {
	suite.Run(t, new(IngestorTestSuite))
}

func (s *IngestorTestSuite) newIngestor(store service.EventStore, fetcher service.MediaFetcher, channels []string, opts ...service.IngestorOption) *service.Ingestor {
	opts = append([]service.IngestorOption{
		service.WithSleep(func(d time.Duration) { s.sleeps = append(s.sleeps, d) }),
	}, opts...)
	return service.NewIngestor(s.connector, store, fetcher, channels, s.defaults, s.logger, opts...)
}

func (s *IngestorTestSuite) expectConnect() {
	s.connector.EXPECT().Connect(gomock.Any(), domain.LoginModeBot).Return(s.session, nil)
	s.session.EXPECT().Close().Return(nil)
}

// feed makes the session yield msgs for channel and then return err.
func (s *IngestorTestSuite) feed(channel string, limit int, err error, msgs ...domain.SourceMessage) {
	s.session.EXPECT().
		IterRecentMessages(gomock.Any(), channel, limit, gomock.Any()).
		DoAndReturn(func(ctx context.Context, ch string, n int, fn func(*domain.SourceMessage) error) error {
			for i := range msgs {
				if i >= n {
					break
				}
				msg := msgs[i]
				msg.Channel = ch
				if err := fn(&msg); err != nil {
					return err
				}
			}
			return err
		})
}

func textMessage(id int64, text string) domain.SourceMessage {
	return domain.SourceMessage{ID: id, Text: text}
}

func created(req *domain.IngestRequest) *domain.UpsertResult {
	return &domain.UpsertResult{
		Card:    domain.NewEventCard("id-"+req.Channel, req, time.Now()),
		Created: true,
	}
}

func (s *IngestorTestSuite) TestSweep_EndToEndScenario() {
	ctx := context.Background()
	store := memory.NewEventStore()
	fetcher := media.NewFetcher(media.Config{Root: s.T().TempDir()}, s.logger)
	ing := s.newIngestor(store, fetcher, []string{"@a"})

	s.expectConnect()
	s.feed("@a", 2, nil,
		domain.SourceMessage{ID: 101, Text: "Show tonight"},
		domain.SourceMessage{ID: 102, Text: "", Media: &domain.Media{URL: "https://cdn.example/p.jpg"}},
	)

	result, err := ing.Sweep(ctx, domain.SweepOptions{PerChannelLimit: 2})

	s.Require().NoError(err)
	s.Equal(1, result.ChannelsTotal)
	s.Equal([]string{"@a"}, result.ChannelsOK)
	s.Empty(result.ChannelsFailed)
	s.Equal(1, result.IngestedMessages)
	s.Equal(0, result.DownloadedMedia)
	s.Equal(2, result.PerChannelLimit)

	cards, err := store.ListRecent(ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(cards, 1)
	s.Equal("@a", cards[0].Channel)
	s.Equal(int64(101), cards[0].MessageID)
	s.Equal("Show tonight", cards[0].Title)
}

func (s *IngestorTestSuite) TestSweep_ChannelIsolation() {
	ing := s.newIngestor(s.store, s.media, []string{"A", "B", "C"})

	s.expectConnect()
	s.feed("A", 5, nil, textMessage(1, "a1"), textMessage(2, "a2"))
	s.feed("B", 5, errors.New("connection reset by peer"), textMessage(3, "b1"))
	s.feed("C", 5, nil, textMessage(4, "c1"))

	s.media.EXPECT().Fetch(gomock.Any(), s.session, gomock.Any()).Return([]string{}).Times(4)
	s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *domain.IngestRequest) (*domain.UpsertResult, error) {
			return created(req), nil
		}).Times(4)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Equal(3, result.ChannelsTotal)
	s.Equal([]string{"A", "C"}, result.ChannelsOK)
	s.Equal(map[string]string{"B": "connection reset by peer"}, result.ChannelsFailed)
	s.Equal(4, result.IngestedMessages)
}

func (s *IngestorTestSuite) TestSweep_EmptyTextSkipped() {
	ing := s.newIngestor(s.store, s.media, []string{"@a"})

	s.expectConnect()
	s.feed("@a", 5, nil,
		domain.SourceMessage{ID: 1, Text: "", Media: &domain.Media{URL: "u"}},
		domain.SourceMessage{ID: 2, Text: " \n\t ", Media: &domain.Media{URL: "u"}},
	)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Equal(0, result.IngestedMessages)
	s.Equal([]string{"@a"}, result.ChannelsOK)
}

func (s *IngestorTestSuite) TestSweep_FloodWaitPacing() {
	ing := s.newIngestor(s.store, s.media, []string{"A", "B"})

	s.expectConnect()
	s.feed("A", 5, &domain.FloodWaitError{Seconds: 7})
	s.feed("B", 5, nil)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{PauseBetweenChannels: time.Second})

	s.Require().NoError(err)
	s.Equal([]string{"B"}, result.ChannelsOK)
	s.Equal(map[string]string{"A": "FloodWait(7s)"}, result.ChannelsFailed)
	s.Equal([]time.Duration{7 * time.Second, time.Second, time.Second}, s.sleeps)
}

func (s *IngestorTestSuite) TestSweep_NegativeFloodWaitIsFloored() {
	ing := s.newIngestor(s.store, s.media, []string{"A"})

	s.expectConnect()
	s.feed("A", 5, &domain.FloodWaitError{Seconds: -3})

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Equal("FloodWait(0s)", result.ChannelsFailed["A"])
	s.Empty(s.sleeps)
}

func (s *IngestorTestSuite) TestSweep_PausesBetweenMessagesAndChannels() {
	ing := s.newIngestor(s.store, s.media, []string{"A", "B"})

	s.expectConnect()
	s.feed("A", 5, nil, textMessage(1, "one"), textMessage(2, ""))
	s.feed("B", 5, errors.New("boom"))

	s.media.EXPECT().Fetch(gomock.Any(), s.session, gomock.Any()).Return([]string{})
	s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *domain.IngestRequest) (*domain.UpsertResult, error) {
			return created(req), nil
		})

	_, err := ing.Sweep(context.Background(), domain.SweepOptions{
		PauseBetweenChannels: 500 * time.Millisecond,
		PauseBetweenMessages: 50 * time.Millisecond,
	})

	s.Require().NoError(err)
	s.Equal([]time.Duration{
		50 * time.Millisecond,
		50 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, s.sleeps)
}

func (s *IngestorTestSuite) TestSweep_FailureReasonTruncated() {
	ing := s.newIngestor(s.store, s.media, []string{"A"})

	s.expectConnect()
	s.feed("A", 5, errors.New(strings.Repeat("x", 800)))

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Len(result.ChannelsFailed["A"], 500)
}

func (s *IngestorTestSuite) TestSweep_StoreFailureFailsChannel() {
	ing := s.newIngestor(s.store, s.media, []string{"A", "B"})

	s.expectConnect()
	s.feed("A", 5, nil, textMessage(1, "one"), textMessage(2, "two"))
	s.feed("B", 5, nil)

	s.media.EXPECT().Fetch(gomock.Any(), s.session, gomock.Any()).Return([]string{})
	s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(nil, errors.New("disk full"))

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Equal([]string{"B"}, result.ChannelsOK)
	s.Contains(result.ChannelsFailed["A"], "disk full")
	s.Equal(0, result.IngestedMessages)
}

func (s *IngestorTestSuite) TestSweep_NormalizesTimestampAndCountsMedia() {
	ing := s.newIngestor(s.store, s.media, []string{"@a"})
	date := time.Date(2025, 3, 1, 22, 0, 0, 0, time.FixedZone("MSK", 3*60*60))
	msg := domain.SourceMessage{ID: 9, Text: "Concert", Date: &date, Media: &domain.Media{URL: "u"}}

	s.expectConnect()
	s.feed("@a", 5, nil, msg)

	s.media.EXPECT().Fetch(gomock.Any(), s.session, gomock.Any()).Return([]string{"/media/1_9.jpg"})
	s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *domain.IngestRequest) (*domain.UpsertResult, error) {
			s.Equal("@a", req.Channel)
			s.Equal(int64(9), req.MessageID)
			s.Equal([]string{"/media/1_9.jpg"}, req.MediaURLs)
			s.Require().NotNil(req.PublishedAt)
			s.Equal(time.UTC, req.PublishedAt.Location())
			s.Equal(19, req.PublishedAt.Hour())
			return created(req), nil
		})

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Equal(1, result.DownloadedMedia)
}

func (s *IngestorTestSuite) TestSweep_ConfigurationErrorPropagates() {
	ing := s.newIngestor(s.store, s.media, []string{"A", "B"})

	s.expectConnect()
	s.feed("A", 5, domain.ErrCredentialRejected)

	_, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().Error(err)
	s.True(errors.Is(err, domain.ErrConfiguration))
}

func (s *IngestorTestSuite) TestSweep_ConnectFailure() {
	ing := s.newIngestor(s.store, s.media, []string{"A"})

	s.connector.EXPECT().Connect(gomock.Any(), domain.LoginModeBot).Return(nil, domain.ErrMissingCredential)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Nil(result)
	s.True(errors.Is(err, domain.ErrMissingCredential))
	s.Contains(err.Error(), "connect")
}

func (s *IngestorTestSuite) TestSweep_LoginModeOverrideAndDefaultLimit() {
	ing := s.newIngestor(s.store, s.media, []string{"A"})

	s.connector.EXPECT().Connect(gomock.Any(), domain.LoginModeUser).Return(s.session, nil)
	s.session.EXPECT().Close().Return(nil)
	s.feed("A", 5, nil)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{LoginMode: domain.LoginModeUser})

	s.Require().NoError(err)
	s.Equal(5, result.PerChannelLimit)
}

func (s *IngestorTestSuite) TestSweep_LockHeldElsewhere() {
	ing := s.newIngestor(s.store, s.media, []string{"A"}, service.WithLocker(s.locker))

	s.locker.EXPECT().Acquire(gomock.Any()).Return(nil, domain.ErrSweepInProgress)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Nil(result)
	s.ErrorIs(err, domain.ErrSweepInProgress)
}

func (s *IngestorTestSuite) TestSweep_LockReleased() {
	ing := s.newIngestor(s.store, s.media, []string{"A"}, service.WithLocker(s.locker))
	released := false

	s.locker.EXPECT().Acquire(gomock.Any()).Return(func(context.Context) error {
		released = true
		return nil
	}, nil)
	s.expectConnect()
	s.feed("A", 5, nil)

	_, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.True(released)
}

func (s *IngestorTestSuite) TestSweep_PublishesCreatedAndBackfilledOnly() {
	ing := s.newIngestor(s.store, s.media, []string{"A"}, service.WithPublisher(s.publisher))

	s.expectConnect()
	s.feed("A", 5, nil, textMessage(1, "new"), textMessage(2, "backfilled"), textMessage(3, "unchanged"))

	s.media.EXPECT().Fetch(gomock.Any(), s.session, gomock.Any()).Return([]string{}).Times(3)
	gomock.InOrder(
		s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(&domain.UpsertResult{Card: domain.EventCard{ID: "c1"}, Created: true}, nil),
		s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(&domain.UpsertResult{Card: domain.EventCard{ID: "c2"}, Backfilled: true}, nil),
		s.store.EXPECT().Upsert(gomock.Any(), gomock.Any()).Return(&domain.UpsertResult{Card: domain.EventCard{ID: "c3"}}, nil),
	)
	gomock.InOrder(
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), true).Return(nil),
		s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any(), false).Return(errors.New("broker down")),
	)

	result, err := ing.Sweep(context.Background(), domain.SweepOptions{})

	s.Require().NoError(err)
	s.Equal(3, result.IngestedMessages)
	s.Equal([]string{"A"}, result.ChannelsOK)
}

func (s *IngestorTestSuite) TestNewIngestor_DeduplicatesChannels() {
	ing := s.newIngestor(s.store, s.media, []string{"A", "B", "A"})

	s.Equal([]string{"A", "B"}, ing.Channels())
}

func TestConnectFunc(t *testing.T) {
	var got domain.LoginMode
	c := service.ConnectFunc(func(_ context.Context, mode domain.LoginMode) (service.FeedSession, error) {
		got = mode
		return nil, errors.New("offline")
	})

	if _, err := c.Connect(context.Background(), domain.LoginModeUser); err == nil {
		t.Fatal("expected error")
	}
	if got != domain.LoginModeUser {
		t.Fatalf("mode = %q", got)
	}
}
