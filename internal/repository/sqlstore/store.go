// Package sqlstore keeps user to context bindings in PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"course-concierge/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_contexts (
	user_key   TEXT PRIMARY KEY,
	context_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS user_contexts_context_id_idx ON user_contexts (context_id);
`

// Store is a database/sql backed binding store.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL using dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlstore: dsn must not be empty")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	return New(db)
}

// New wraps an existing handle.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db must not be nil")
	}
	return &Store{db: db}, nil
}

// Migrate creates the bindings table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	return nil
}

// GetBinding returns the binding for userKey.
func (s *Store) GetBinding(ctx context.Context, userKey string) (domain.ContextBinding, bool, error) {
	var b domain.ContextBinding
	err := s.db.QueryRowContext(ctx,
		`SELECT user_key, context_id, created_at, updated_at FROM user_contexts WHERE user_key = $1`,
		userKey,
	).Scan(&b.UserKey, &b.ContextID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContextBinding{}, false, nil
	}
	if err != nil {
		return domain.ContextBinding{}, false, fmt.Errorf("sqlstore: get binding: %w", err)
	}
	return b, true, nil
}

// PutBinding upserts; the last writer wins.
func (s *Store) PutBinding(ctx context.Context, userKey, contextID string) error {
	if strings.TrimSpace(userKey) == "" || strings.TrimSpace(contextID) == "" {
		return errors.New("sqlstore: user key and context id are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_contexts (user_key, context_id, created_at, updated_at)
		 VALUES ($1, $2, now(), now())
		 ON CONFLICT (user_key) DO UPDATE SET context_id = EXCLUDED.context_id, updated_at = now()`,
		userKey, contextID,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: put binding: %w", err)
	}
	return nil
}

// FindUserByContext performs the reverse lookup.
func (s *Store) FindUserByContext(ctx context.Context, contextID string) (string, bool, error) {
	var userKey string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_key FROM user_contexts WHERE context_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		contextID,
	).Scan(&userKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlstore: find user by context: %w", err)
	}
	return userKey, true, nil
}

// DeleteBinding removes the binding for userKey.
func (s *Store) DeleteBinding(ctx context.Context, userKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_contexts WHERE user_key = $1`, userKey); err != nil {
		return fmt.Errorf("sqlstore: delete binding: %w", err)
	}
	return nil
}
