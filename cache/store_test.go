package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/db"
)

// a clock that advances one second per reading
func ticker() func() time.Time {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newSqliteStore(t *testing.T) Store {
	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	s := NewSqliteStore(d)
	s.now = ticker()
	return s
}

func newMemoryStore(t *testing.T) Store {
	s := NewMemoryStore()
	s.now = ticker()
	return s
}

func newTieredStore(t *testing.T) Store {
	s, err := NewTieredStore(newMemoryStore(t), 1<<20)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newRedisStore(t *testing.T) Store {
	addr := os.Getenv("SPINDLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SPINDLE_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	s := NewRedisStore(rdb)
	s.now = ticker()
	t.Cleanup(func() { rdb.Close() })
	return s
}

var stores = map[string]func(t *testing.T) Store{
	"memory": newMemoryStore,
	"sqlite": newSqliteStore,
	"tiered": newTieredStore,
	"redis":  newRedisStore,
}

func put(t *testing.T, s Store, key, data string) bool {
	t.Helper()
	changed, err := s.Put(context.Background(), Entry{
		Key:    key,
		Data:   []byte(data),
		Digest: Digest([]byte(data)),
	})
	require.NoError(t, err)
	return changed
}

func TestStoreGetPut(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			_, err := s.Get(ctx, "k1")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.True(t, put(t, s, "k1", "first"))
			e, err := s.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, "first", string(e.Data))
			assert.Equal(t, Digest([]byte("first")), e.Digest)
			assert.False(t, e.CreatedAt.IsZero())

			// identical content is a no-op
			assert.False(t, put(t, s, "k1", "first"))

			// different content overwrites
			assert.True(t, put(t, s, "k1", "second"))
			e, err = s.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, "second", string(e.Data))
		})
	}
}

func TestStoreLatest(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			_, err := s.Latest(ctx, "go-mod-")
			assert.ErrorIs(t, err, ErrNotFound)

			put(t, s, "go-mod-aaa", "old")
			put(t, s, "go-mod-bbb", "new")
			put(t, s, "npm-ccc", "other")

			e, err := s.Latest(ctx, "go-mod-")
			require.NoError(t, err)
			assert.Equal(t, "go-mod-bbb", e.Key)
			assert.Equal(t, "new", string(e.Data))

			// overwriting bumps recency
			put(t, s, "go-mod-aaa", "newest")
			e, err = s.Latest(ctx, "go-mod-")
			require.NoError(t, err)
			assert.Equal(t, "go-mod-aaa", e.Key)

			_, err = s.Latest(ctx, "cargo-")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreConcurrentPuts(t *testing.T) {
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			for i := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					data := fmt.Sprintf("writer-%d", i)
					// redis may report a lost optimistic transaction
					_, _ = s.Put(ctx, Entry{Key: "shared", Data: []byte(data), Digest: Digest([]byte(data))})
				}()
			}
			wg.Wait()

			e, err := s.Get(ctx, "shared")
			require.NoError(t, err)
			assert.Equal(t, Digest(e.Data), e.Digest, "stored entry must be internally consistent")
		})
	}
}

func TestLatestTieBreak(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	put(t, s, "p-a", "a")
	put(t, s, "p-b", "b")

	e, err := s.Latest(context.Background(), "p-")
	require.NoError(t, err)
	assert.Equal(t, "p-b", e.Key)
}
