package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"tg_events/internal/domain"
	"tg_events/internal/media"
)

type EventStore interface {
	Upsert(ctx context.Context, req *domain.IngestRequest) (*domain.UpsertResult, error)
	ListRecent(ctx context.Context, limit int) ([]domain.EventCard, error)
	ListByChannel(ctx context.Context, channel string, limit int) ([]domain.EventCard, error)
}

// FeedSession is an authenticated view of the upstream platform.
type FeedSession interface {
	IterRecentMessages(ctx context.Context, channel string, limit int, fn func(msg *domain.SourceMessage) error) error
	DownloadMedia(ctx context.Context, msg *domain.SourceMessage, dest string) (string, error)
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, mode domain.LoginMode) (FeedSession, error)
}

type MediaFetcher interface {
	Fetch(ctx context.Context, dl media.Downloader, msg *domain.SourceMessage) []string
}

type Publisher interface {
	Publish(ctx context.Context, card *domain.EventCard, isNew bool) error
	Close() error
}

// Locker guards a sweep against concurrent sweeps in other processes.
type Locker interface {
	Acquire(ctx context.Context) (release func(ctx context.Context) error, err error)
}
