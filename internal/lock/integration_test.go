//go:build integration

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"tg_events/internal/domain"
)

type RedisLockIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container testcontainers.Container
	addr      string
	logger    *slog.Logger
}

func (s *RedisLockIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	container, err := testcontainers.GenericContainer(s.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.container = container

	host, err := container.Host(s.ctx)
	s.Require().NoError(err)
	port, err := container.MappedPort(s.ctx, "6379")
	s.Require().NoError(err)
	s.addr = fmt.Sprintf("%s:%s", host, port.Port())
}

func (s *RedisLockIntegrationSuite) TearDownSuite() {
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func TestRedisLockIntegrationSuite(t *testing.T) {
	suite.Run(t, new(RedisLockIntegrationSuite))
}

func (s *RedisLockIntegrationSuite) newLock(key string, ttl time.Duration) *RedisLock {
	l, err := NewRedisLock(s.ctx, Config{Addr: s.addr, Key: key, TTL: ttl}, s.logger)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = l.Close() })
	return l
}

func (s *RedisLockIntegrationSuite) TestAcquire_Exclusive() {
	first := s.newLock("sweep:exclusive", time.Minute)
	second := s.newLock("sweep:exclusive", time.Minute)

	release, err := first.Acquire(s.ctx)
	s.Require().NoError(err)

	_, err = second.Acquire(s.ctx)
	s.ErrorIs(err, domain.ErrSweepInProgress)

	s.Require().NoError(release(s.ctx))

	release, err = second.Acquire(s.ctx)
	s.Require().NoError(err)
	s.NoError(release(s.ctx))
}

func (s *RedisLockIntegrationSuite) TestRelease_KeepsForeignHolder() {
	l := s.newLock("sweep:expiry", 100*time.Millisecond)

	staleRelease, err := l.Acquire(s.ctx)
	s.Require().NoError(err)
	time.Sleep(300 * time.Millisecond)

	release, err := l.Acquire(s.ctx)
	s.Require().NoError(err)

	s.NoError(staleRelease(s.ctx))
	_, err = l.Acquire(s.ctx)
	s.ErrorIs(err, domain.ErrSweepInProgress)

	s.NoError(release(s.ctx))
}

func (s *RedisLockIntegrationSuite) TestNewRedisLock_Unreachable() {
	_, err := NewRedisLock(s.ctx, Config{Addr: "127.0.0.1:1", Key: "k", TTL: time.Second}, s.logger)
	s.Error(err)
}
