package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
)

type Match int

const (
	Miss Match = iota
	Exact
	Partial
)

func (m Match) String() string {
	switch m {
	case Exact:
		return "exact"
	case Partial:
		return "partial"
	default:
		return "miss"
	}
}

// Restored describes the outcome of a restore. Key is the key of the
// entry that was found, which differs from the requested key on a partial
// match.
type Restored struct {
	Match Match
	Key   string
	Data  []byte
}

type SavePolicy int

const (
	SaveOnSuccess SavePolicy = iota
	SaveAlways
)

func PolicyFor(cacheOnFailure bool) SavePolicy {
	if cacheOnFailure {
		return SaveAlways
	}
	return SaveOnSuccess
}

func (p SavePolicy) ShouldSave(jobFailed bool) bool {
	return p == SaveAlways || !jobFailed
}

func (p SavePolicy) String() string {
	if p == SaveAlways {
		return "always"
	}
	return "on-success"
}

type Manager struct {
	store    Store
	l        *slog.Logger
	attempts uint
	delay    time.Duration
}

type ManagerOpt func(*Manager)

// WithSaveAttempts bounds the number of tries a save gets before it fails
// with a CacheWriteError.
func WithSaveAttempts(n uint) ManagerOpt {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) ManagerOpt {
	return func(m *Manager) {
		m.delay = d
	}
}

func NewManager(store Store, l *slog.Logger, opts ...ManagerOpt) *Manager {
	m := &Manager{
		store:    store,
		l:        l,
		attempts: 3,
		delay:    100 * time.Millisecond,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore looks key up, then the newest entry under each of the fallback
// prefixes in order. A miss is returned together with ErrMiss; it is not a
// failure. Store errors are logged and downgrade the lookup to a miss.
func (m *Manager) Restore(ctx context.Context, key Key, prefixes []string) (Restored, error) {
	l := m.l.With("key", key)

	e, err := m.store.Get(ctx, key.String())
	switch {
	case err == nil:
		l.Debug("cache hit")
		return Restored{Match: Exact, Key: e.Key, Data: e.Data}, nil
	case !errors.Is(err, ErrNotFound):
		l.Warn("reading cache entry", "error", err)
	}

	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		e, err := m.store.Latest(ctx, prefix)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			l.Warn("reading cache entry", "prefix", prefix, "error", err)
			continue
		}
		l.Debug("partial cache hit", "matched", e.Key)
		return Restored{Match: Partial, Key: e.Key, Data: e.Data}, nil
	}

	if ctx.Err() != nil {
		return Restored{}, ctx.Err()
	}
	return Restored{Match: Miss}, ErrMiss
}

// Save stores data under key. Saving content identical to what is already
// stored does nothing and reports false.
func (m *Manager) Save(ctx context.Context, key Key, data []byte) (bool, error) {
	e := Entry{
		Key:    key.String(),
		Data:   data,
		Digest: Digest(data),
	}

	var changed bool
	err := retry.Do(
		func() error {
			var err error
			changed, err = m.store.Put(ctx, e)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(m.attempts),
		retry.Delay(m.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.l.Warn("retrying cache save", "key", key, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return false, &CacheWriteError{Key: key.String(), Err: err}
	}

	if changed {
		m.l.Info("saved cache entry", "key", key, "size", e.Size())
	} else {
		m.l.Debug("cache entry unchanged", "key", key)
	}
	return changed, nil
}

// RestorePrefixes lists the fallbacks tried after an exact miss: the
// declared restore keys, then every entry sharing the computed key's prefix.
func RestorePrefixes(prefix string, key Key, restoreKeys []string) []string {
	out := append([]string(nil), restoreKeys...)
	if key.String() != prefix {
		out = append(out, prefix+"-")
	}
	return out
}
