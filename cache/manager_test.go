package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/spindle/log"
)

// flakyStore fails the first n puts.
type flakyStore struct {
	Store
	failures atomic.Int32
	puts     atomic.Int32
}

var errFlaky = errors.New("store unavailable")

func (f *flakyStore) Put(ctx context.Context, e Entry) (bool, error) {
	f.puts.Add(1)
	if f.failures.Add(-1) >= 0 {
		return false, errFlaky
	}
	return f.Store.Put(ctx, e)
}

// brokenStore fails every read.
type brokenStore struct {
	Store
}

func (brokenStore) Get(context.Context, string) (Entry, error) {
	return Entry{}, errFlaky
}

func (brokenStore) Latest(context.Context, string) (Entry, error) {
	return Entry{}, errFlaky
}

func newManager(s Store, opts ...ManagerOpt) *Manager {
	opts = append([]ManagerOpt{WithRetryDelay(time.Millisecond)}, opts...)
	return NewManager(s, log.Discard(), opts...)
}

func TestSaveIdempotent(t *testing.T) {
	s := newMemoryStore(t).(*MemoryStore)
	m := newManager(s)
	ctx := context.Background()

	changed, err := m.Save(ctx, "k1", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, changed)

	before, err := s.Get(ctx, "k1")
	require.NoError(t, err)

	changed, err = m.Save(ctx, "k1", []byte("payload"))
	require.NoError(t, err)
	assert.False(t, changed)

	after, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, s.Len())

	changed, err = m.Save(ctx, "k1", []byte("different"))
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRestoreExactThenPartial(t *testing.T) {
	s := newMemoryStore(t)
	m := newManager(s)
	ctx := context.Background()

	r, err := m.Restore(ctx, "go-mod-abc", []string{"go-mod-"})
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, Miss, r.Match)

	_, err = m.Save(ctx, "go-mod-old", []byte("old deps"))
	require.NoError(t, err)

	r, err = m.Restore(ctx, "go-mod-abc", []string{"npm-", "go-mod-"})
	require.NoError(t, err)
	assert.Equal(t, Partial, r.Match)
	assert.Equal(t, "go-mod-old", r.Key)
	assert.Equal(t, "old deps", string(r.Data))

	_, err = m.Save(ctx, "go-mod-abc", []byte("deps"))
	require.NoError(t, err)

	r, err = m.Restore(ctx, "go-mod-abc", []string{"go-mod-"})
	require.NoError(t, err)
	assert.Equal(t, Exact, r.Match)
	assert.Equal(t, "deps", string(r.Data))
}

func TestRestoreReadFailureIsMiss(t *testing.T) {
	m := newManager(brokenStore{NewMemoryStore()})

	r, err := m.Restore(context.Background(), "k", []string{"k-"})
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, Miss, r.Match)
}

func TestSaveRetries(t *testing.T) {
	s := &flakyStore{Store: NewMemoryStore()}
	s.failures.Store(2)
	m := newManager(s, WithSaveAttempts(3))

	changed, err := m.Save(context.Background(), "k", []byte("v"))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 3, s.puts.Load())
}

func TestSaveGivesUp(t *testing.T) {
	s := &flakyStore{Store: NewMemoryStore()}
	s.failures.Store(10)
	m := newManager(s, WithSaveAttempts(2))

	_, err := m.Save(context.Background(), "k", []byte("v"))
	var werr *CacheWriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "k", werr.Key)
	assert.ErrorIs(t, err, errFlaky)
	assert.EqualValues(t, 2, s.puts.Load())
}

func TestSavePolicy(t *testing.T) {
	assert.True(t, PolicyFor(false).ShouldSave(false))
	assert.False(t, PolicyFor(false).ShouldSave(true))
	assert.True(t, PolicyFor(true).ShouldSave(true))
	assert.True(t, PolicyFor(true).ShouldSave(false))
}

func TestRestorePrefixes(t *testing.T) {
	assert.Equal(t, []string{"a-", "go-mod-"}, RestorePrefixes("go-mod", "go-mod-xyz", []string{"a-"}))
	assert.Equal(t, []string{"a-"}, RestorePrefixes("go-mod", "go-mod", []string{"a-"}))
	assert.Nil(t, RestorePrefixes("k1", "k1", nil))
}
