package cache

import (
	"context"
	"strings"
	"time"
)

type Entry struct {
	Key       string
	Data      []byte
	Digest    string
	CreatedAt time.Time
}

func (e Entry) Size() int {
	return len(e.Data)
}

// Store is the key-value capability the cache manager is built on. Reads
// may return stale but valid entries. Writes to one key are serialized by
// the store and the last committed write wins.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// Latest returns the most recently created entry whose key starts
	// with prefix.
	Latest(ctx context.Context, prefix string) (Entry, error)
	// Put stores e and reports whether anything changed. Putting the digest
	// that is already stored under e.Key is a no-op.
	Put(ctx context.Context, e Entry) (bool, error)
}

// ensure that we are satisfying the interface
var (
	_ = []Store{
		&MemoryStore{},
		&SqliteStore{},
		&RedisStore{},
		&TieredStore{},
	}
)

// newer reports whether a should win over b when picking the latest entry.
func newer(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return strings.Compare(a.Key, b.Key) > 0
}
