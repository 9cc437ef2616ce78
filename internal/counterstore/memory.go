package counterstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	list      []string
	isList    bool
	expiresAt time.Time
}

// MemoryStore is a process-local Store used by tests and single-instance
// development runs. It honours the same per-key atomicity as Redis.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memoryEntry
	now  func() time.Time
	fail bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memoryEntry),
		now:  time.Now,
	}
}

// SetClock replaces the time source, letting tests move windows forward.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetFailing makes every call return ErrStoreUnavailable while failing is true.
func (m *MemoryStore) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = failing
}

func (m *MemoryStore) lookup(key string) *memoryEntry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", false, ErrStoreUnavailable
	}

	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.isList {
		return "", false, ErrWrongType
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrStoreUnavailable
	}

	m.data[key] = &memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, ErrStoreUnavailable
	}

	if m.lookup(key) != nil {
		return false, nil
	}
	m.data[key] = &memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) add(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, ErrStoreUnavailable
	}

	e := m.lookup(key)
	if e == nil {
		e = &memoryEntry{value: "0"}
		m.data[key] = e
	}
	if e.isList {
		return 0, ErrWrongType
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n += delta
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return m.add(key, 1)
}

func (m *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return m.add(key, -1)
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrStoreUnavailable
	}

	if e := m.lookup(key); e != nil {
		e.expiresAt = m.expiry(ttl)
	}
	return nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, ErrStoreUnavailable
	}

	e := m.lookup(key)
	switch {
	case e == nil:
		return KeyMissing, nil
	case e.expiresAt.IsZero():
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(m.now()).Truncate(time.Second), nil
}

func (m *MemoryStore) ListAppend(ctx context.Context, listKey, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrStoreUnavailable
	}

	e := m.lookup(listKey)
	if e == nil {
		e = &memoryEntry{isList: true}
		m.data[listKey] = e
	}
	if !e.isList {
		return ErrWrongType
	}
	e.list = append(e.list, value)
	return nil
}

func (m *MemoryStore) ListRange(ctx context.Context, listKey string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, ErrStoreUnavailable
	}

	e := m.lookup(listKey)
	if e == nil {
		return []string{}, nil
	}
	if !e.isList {
		return nil, ErrWrongType
	}

	n := int64(len(e.list))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) ListRemove(ctx context.Context, listKey, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrStoreUnavailable
	}

	e := m.lookup(listKey)
	if e == nil {
		return nil
	}
	if !e.isList {
		return ErrWrongType
	}

	kept := e.list[:0]
	for _, v := range e.list {
		if v != value {
			kept = append(kept, v)
		}
	}
	e.list = kept
	if len(e.list) == 0 {
		delete(m.data, listKey)
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, ErrStoreUnavailable
	}

	if m.lookup(key) == nil {
		return false, nil
	}
	delete(m.data, key)
	return true, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrStoreUnavailable
	}
	return nil
}
