// an sqlite3 backed secret manager
package secrets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/spindle/db"
)

type SqliteManager struct {
	db        *db.DB
	tableName string
}

type SqliteManagerOpt func(*SqliteManager)

func WithTableName(name string) SqliteManagerOpt {
	return func(s *SqliteManager) {
		s.tableName = name
	}
}

// NewSQLiteManager stores secrets in d, next to the cache entries when
// both share a database file.
func NewSQLiteManager(d *db.DB, opts ...SqliteManagerOpt) (*SqliteManager, error) {
	manager := &SqliteManager{
		db:        d,
		tableName: "secrets",
	}

	for _, o := range opts {
		o(manager)
	}

	if err := manager.init(); err != nil {
		return nil, err
	}

	return manager, nil
}

// the default table is created by db.Make; custom tables are created here
func (s *SqliteManager) init() error {
	_, err := s.db.Exec(`create table if not exists ` + s.tableName + `(
		id integer primary key autoincrement,
		repo text not null,
		workflow text not null default '',
		key text not null,
		value text not null,
		created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		created_by text not null,

		unique(repo, workflow, key)
	);`)
	return err
}

func (s *SqliteManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`insert or ignore into %s (repo, workflow, key, value, created_by) values (?, ?, ?, ?, ?)`,
		s.tableName,
	), secret.Repo, secret.Workflow, secret.Key, secret.Value, secret.CreatedBy)
	return expectOneRow(res, err, ErrKeyAlreadyPresent)
}

func (s *SqliteManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`delete from %s where repo = ? and workflow = ? and key = ?`,
		s.tableName,
	), secret.Repo, secret.Workflow, secret.Key)
	return expectOneRow(res, err, ErrKeyNotFound)
}

func expectOneRow(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	num, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if num == 0 {
		return none
	}
	return nil
}

func (s *SqliteManager) GetSecretsLocked(ctx context.Context, repo Repo) ([]LockedSecret, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select repo, workflow, key, created_at, created_by from %s where repo = ? order by workflow, key`,
		s.tableName,
	), repo)
	if err != nil {
		return nil, err
	}

	return collect(rows, func(l *LockedSecret, createdAt *string) []any {
		return []any{&l.Repo, &l.Workflow, &l.Key, createdAt, &l.CreatedBy}
	})
}

func (s *SqliteManager) GetSecretsUnlocked(ctx context.Context, repo Repo, workflow string) ([]UnlockedSecret, error) {
	// the scoped row sorts after the repository-wide one, and wins below
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`select repo, workflow, key, value, created_at, created_by from %s
		where repo = ? and workflow in ('', ?)
		order by key, workflow`,
		s.tableName,
	), repo, workflow)
	if err != nil {
		return nil, err
	}

	all, err := collect(rows, func(u *UnlockedSecret, createdAt *string) []any {
		return []any{&u.Repo, &u.Workflow, &u.Key, &u.Value, createdAt, &u.CreatedBy}
	})
	if err != nil {
		return nil, err
	}

	var out []UnlockedSecret
	for _, u := range all {
		if n := len(out); n > 0 && out[n-1].Key == u.Key {
			out[n-1] = u
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func collect[T any](rows *sql.Rows, dest func(*Secret[T], *string) []any) ([]Secret[T], error) {
	defer rows.Close()

	var out []Secret[T]
	for rows.Next() {
		var sec Secret[T]
		var createdAt string
		if err := rows.Scan(dest(&sec, &createdAt)...); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			sec.CreatedAt = t
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}
