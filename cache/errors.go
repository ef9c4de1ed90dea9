package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a Store when nothing is stored under a key
	// or prefix.
	ErrNotFound = errors.New("cache entry not found")
	// ErrMiss is informational: a restore found neither an exact nor a
	// partial match.
	ErrMiss = errors.New("cache miss")
	// ErrNothingToCache is returned by Pack when none of the declared paths
	// exist.
	ErrNothingToCache = errors.New("none of the cache paths exist")
)

// CacheWriteError wraps the last error of a save that could not be
// committed after retrying.
type CacheWriteError struct {
	Key string
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("writing cache entry %s: %v", e.Key, e.Err)
}

func (e *CacheWriteError) Unwrap() error {
	return e.Err
}
