package libkvstore

import (
	"context"
	"path"
	"sync"
	"time"
)

type inMemEntry struct {
	value     []byte
	expiresAt time.Time
}

type inMemManager struct {
	mu      sync.RWMutex
	entries map[string]inMemEntry
	now     func() time.Time
	closed  bool
}

// NewInMemoryManager returns a process-local Manager. Entries honor TTLs
// but are lost on restart.
func NewInMemoryManager() Manager {
	return &inMemManager{
		entries: make(map[string]inMemEntry),
		now:     time.Now,
	}
}

// NewInMemoryManagerWithClock is NewInMemoryManager with an injectable
// clock so expiry behavior can be tested without sleeping.
func NewInMemoryManagerWithClock(now func() time.Time) Manager {
	return &inMemManager{
		entries: make(map[string]inMemEntry),
		now:     now,
	}
}

func (m *inMemManager) Executor(ctx context.Context) (KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return m, nil
}

func (m *inMemManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = nil
	return nil
}

func (m *inMemManager) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.expired(entry) {
		return nil, ErrNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

func (m *inMemManager) Set(ctx context.Context, key string, value []byte) error {
	return m.SetWithTTL(ctx, key, value, 0)
}

func (m *inMemManager) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	entry := inMemEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.entries[key] = entry
	return nil
}

func (m *inMemManager) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	return ok && !m.expired(entry), nil
}

func (m *inMemManager) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	delete(m.entries, key)
	return nil
}

func (m *inMemManager) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for key, entry := range m.entries {
		if m.expired(entry) {
			continue
		}
		if matched, err := path.Match(pattern, key); err != nil {
			return nil, err
		} else if matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *inMemManager) expired(entry inMemEntry) bool {
	return !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt)
}
