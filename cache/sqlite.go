// an sqlite3 backed cache store
package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tangled.sh/tangled.sh/spindle/db"
)

type SqliteStore struct {
	db  *db.DB
	now func() time.Time
}

func NewSqliteStore(d *db.DB) *SqliteStore {
	return &SqliteStore{db: d, now: time.Now}
}

func (s *SqliteStore) Get(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		select key, data, digest, created_at
		from cache_entries
		where key = ?
	`, key)
	return scanEntry(row)
}

func (s *SqliteStore) Latest(ctx context.Context, prefix string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		select key, data, digest, created_at
		from cache_entries
		where substr(key, 1, length(?1)) = ?1
		order by created_at desc, key desc
		limit 1
	`, prefix)
	return scanEntry(row)
}

func (s *SqliteStore) Put(ctx context.Context, e Entry) (bool, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}

	// sqlite serializes writers; the where clause turns an identical
	// re-save into a no-op
	res, err := s.db.ExecContext(ctx, `
		insert into cache_entries (key, data, digest, created_at)
		values (?, ?, ?, ?)
		on conflict(key) do update set
			data = excluded.data,
			digest = excluded.digest,
			created_at = excluded.created_at
		where cache_entries.digest != excluded.digest
	`, e.Key, e.Data, e.Digest, e.CreatedAt.UnixNano())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanEntry(row *sql.Row) (Entry, error) {
	var e Entry
	var created int64
	err := row.Scan(&e.Key, &e.Data, &e.Digest, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = time.Unix(0, created)
	return e, nil
}
