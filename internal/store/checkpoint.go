package store

import (
	"context"
	"database/sql"
	"time"
)

// Checkpoint returns the last version a projection has applied, or 0 if it never ran.
func (db *DB) Checkpoint(ctx context.Context, name string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT version FROM projection_checkpoints WHERE name = ?`, name).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// SaveCheckpoint records the applied version inside the caller's transaction so the
// checkpoint moves together with the projection rows it covers.
func SaveCheckpoint(ctx context.Context, tx *sql.Tx, name string, version int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (name, version, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at`,
		name, version, time.Now().UnixMilli())
	return err
}
