package projections

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// GetMeta reads a single key from reflection_meta, returning "", false if absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM reflection_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.WrapDbError("get meta", err)
	}
	return value, true, nil
}

// SetMeta upserts a single key in reflection_meta.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reflection_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return store.WrapDbError("set meta", err)
	}
	return nil
}
