package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"rentflow/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverLocker uses the primary locker and switches to the fallback while
// the primary is failing, retrying the primary after recoverAfter.
type FailoverLocker struct {
	primary      domain.Locker
	fallback     domain.Locker
	logger       *zerolog.Logger
	isDown       atomic.Bool
	mu           sync.Mutex
	lastCheck    time.Time
	recoverAfter time.Duration
}

func NewFailoverLocker(primary, fallback domain.Locker, logger *zerolog.Logger) *FailoverLocker {
	return &FailoverLocker{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: time.Minute,
	}
}

func (l *FailoverLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if l.usePrimary() {
		token, err := l.primary.Acquire(ctx, key, ttl)
		if err == nil || errors.Is(err, domain.ErrLockHeld) {
			l.isDown.Store(false)
			return token, err
		}
		l.logger.Error().Err(err).Str("key", key).Msg("Primary locker failed, falling back to memory")
		l.markDown()
	}

	return l.fallback.Acquire(ctx, key, ttl)
}

func (l *FailoverLocker) Release(ctx context.Context, key, token string) error {
	if isMemoryToken(token) {
		return l.fallback.Release(ctx, key, token)
	}
	if err := l.primary.Release(ctx, key, token); err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("Primary locker release failed, lock will expire")
		l.markDown()
		return err
	}
	return nil
}

func (l *FailoverLocker) usePrimary() bool {
	if !l.isDown.Load() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastCheck) > l.recoverAfter
}

func (l *FailoverLocker) markDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isDown.Store(true)
	l.lastCheck = time.Now()
}
