package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// TieredStore keeps recently used entries in memory in front of a slower
// store. Prefix lookups always go to the backing store.
type TieredStore struct {
	mem     *ristretto.Cache
	backing Store
}

// NewTieredStore bounds the memory tier to maxBytes of entry data.
func NewTieredStore(backing Store, maxBytes int64) (*TieredStore, error) {
	mem, err := ristretto.NewCache(&ristretto.Config{
		// roughly 10x the number of entries we expect to keep
		NumCounters: max(maxBytes/(64<<10), 100) * 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating memory tier: %w", err)
	}
	return &TieredStore{mem: mem, backing: backing}, nil
}

func (t *TieredStore) Get(ctx context.Context, key string) (Entry, error) {
	if v, ok := t.mem.Get(key); ok {
		return v.(Entry), nil
	}

	e, err := t.backing.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	t.remember(e)
	return e, nil
}

func (t *TieredStore) Latest(ctx context.Context, prefix string) (Entry, error) {
	e, err := t.backing.Latest(ctx, prefix)
	if err != nil {
		return Entry{}, err
	}
	t.remember(e)
	return e, nil
}

func (t *TieredStore) Put(ctx context.Context, e Entry) (bool, error) {
	changed, err := t.backing.Put(ctx, e)
	if err != nil {
		return false, err
	}
	if changed {
		t.mem.Del(e.Key)
		t.mem.Wait()
	}
	return changed, nil
}

func (t *TieredStore) remember(e Entry) {
	t.mem.Set(e.Key, e, int64(max(e.Size(), 1)))
}

// Close releases the memory tier. The backing store is left open.
func (t *TieredStore) Close() {
	t.mem.Close()
}
