package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. Reads never take a lock; writes
// take a per-key lock.
type MemoryStore struct {
	entries sync.Map // string -> Entry
	locks   sync.Map // string -> *sync.Mutex
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	v, ok := m.entries.Load(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return v.(Entry), nil
}

func (m *MemoryStore) Latest(ctx context.Context, prefix string) (Entry, error) {
	var (
		best  Entry
		found bool
	)
	m.entries.Range(func(k, v any) bool {
		e := v.(Entry)
		if strings.HasPrefix(k.(string), prefix) && (!found || newer(e, best)) {
			best, found = e, true
		}
		return true
	})
	if !found {
		return Entry{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) Put(ctx context.Context, e Entry) (bool, error) {
	mu, _ := m.locks.LoadOrStore(e.Key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if v, ok := m.entries.Load(e.Key); ok && v.(Entry).Digest == e.Digest {
		return false, nil
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.clock()
	}
	e.Data = append([]byte(nil), e.Data...)
	m.entries.Store(e.Key, e)
	return true, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (m *MemoryStore) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}
