package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	"rentflow/internal/domain"

	"github.com/google/uuid"
)

const memoryTokenPrefix = "mem-"

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker serializes within one process only.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if entry, ok := l.entries[key]; ok && now.Before(entry.expiresAt) {
		return "", domain.ErrLockHeld
	}
	token := memoryTokenPrefix + uuid.NewString()
	l.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[key]; ok && entry.token == token {
		delete(l.entries, key)
	}
	return nil
}

func isMemoryToken(token string) bool {
	return strings.HasPrefix(token, memoryTokenPrefix)
}
