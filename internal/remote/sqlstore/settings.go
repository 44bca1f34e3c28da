package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// GetSetting reads a local setting or returns chaterr.ErrNotFound.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", chaterr.NotFoundf("setting %q", key)
	}
	if err != nil {
		return "", classify(fmt.Errorf("get setting: %w", err))
	}
	return value, nil
}

// PutSetting writes a local setting.
func (db *DB) PutSetting(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nanos(db.clock.Now()))
	if err != nil {
		return classify(fmt.Errorf("put setting: %w", err))
	}
	return nil
}
