package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"commsrelay/internal/domain"
)

// LoadToken returns the serialized token stored under key, or
// domain.ErrNotFound when nothing is cached.
func (s *SQLiteStore) LoadToken(ctx context.Context, key string) ([]byte, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw, `SELECT token_json FROM oauth_tokens WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load token %q: %w", key, err)
	}
	return []byte(raw), nil
}

// SaveToken upserts the serialized token under key.
func (s *SQLiteStore) SaveToken(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (key, token_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET token_json = excluded.token_json, updated_at = excluded.updated_at`,
		key, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save token %q: %w", key, err)
	}
	return nil
}

// DeleteToken removes a cached token. Missing keys are not an error.
func (s *SQLiteStore) DeleteToken(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE key = ?`, key)
	return err
}
