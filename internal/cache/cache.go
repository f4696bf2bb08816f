package cache

import (
	"context"
	"errors"
	"time"

	"farmacia/backend/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// SessionCache keeps checkout session snapshots so a session outlives the
// process that started it.
type SessionCache interface {
	Get(ctx context.Context, id string) (*domain.SessionSnapshot, error)
	Set(ctx context.Context, snap domain.SessionSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

type NoopSessionCache struct{}

func (NoopSessionCache) Get(_ context.Context, _ string) (*domain.SessionSnapshot, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) Set(_ context.Context, _ domain.SessionSnapshot, _ time.Duration) error {
	return nil
}

func (NoopSessionCache) Delete(_ context.Context, _ string) error {
	return nil
}
