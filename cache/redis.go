package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEntryPrefix = "spindle:cache:entry:"
	redisIndexKey    = "spindle:cache:keys"
)

// RedisStore shares cache entries between spindle instances. Every entry is
// a hash; a sorted set with equal scores indexes the keys lexicographically
// for prefix lookups.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func DialRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedisStore(rdb), nil
}

func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	fields, err := r.rdb.HGetAll(ctx, redisEntryPrefix+key).Result()
	if err != nil {
		return Entry{}, err
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	return decodeRedisEntry(key, fields)
}

func (r *RedisStore) Latest(ctx context.Context, prefix string) (Entry, error) {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		by = &redis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}
	}

	keys, err := r.rdb.ZRangeByLex(ctx, redisIndexKey, by).Result()
	if err != nil {
		return Entry{}, err
	}

	var (
		best  Entry
		found bool
	)
	for _, k := range keys {
		created, err := r.rdb.HGet(ctx, redisEntryPrefix+k, "created_at").Int64()
		if errors.Is(err, redis.Nil) {
			// indexed but gone, e.g. evicted
			continue
		}
		if err != nil {
			return Entry{}, err
		}
		candidate := Entry{Key: k, CreatedAt: time.Unix(0, created)}
		if !found || newer(candidate, best) {
			best, found = candidate, true
		}
	}
	if !found {
		return Entry{}, ErrNotFound
	}

	return r.Get(ctx, best.Key)
}

var errUnchanged = errors.New("unchanged")

func (r *RedisStore) Put(ctx context.Context, e Entry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	hkey := redisEntryPrefix + e.Key

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		digest, err := tx.HGet(ctx, hkey, "digest").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && digest == e.Digest {
			return errUnchanged
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey,
				"data", e.Data,
				"digest", e.Digest,
				"created_at", e.CreatedAt.UnixNano(),
			)
			pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: 0, Member: e.Key})
			return nil
		})
		return err
	}, hkey)

	switch {
	case errors.Is(err, errUnchanged):
		return false, nil
	case err != nil:
		// redis.TxFailedErr means another writer won; the caller retries
		return false, err
	}
	return true, nil
}

func decodeRedisEntry(key string, fields map[string]string) (Entry, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return Entry{
		Key:       key,
		Data:      []byte(fields["data"]),
		Digest:    fields["digest"],
		CreatedAt: time.Unix(0, created),
	}, nil
}
