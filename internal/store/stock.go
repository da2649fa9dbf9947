package store

import (
	"context"
	"database/sql"
	"time"
)

// StockLevel is the materialized balance of one raw material.
type StockLevel struct {
	ProductID   string
	Balance     float64
	TotalIn     float64
	TotalOut    float64
	Movements   int64
	LastVersion int64
}

// ApplyStockMovement adds a signed movement to a product's balance. Positive
// quantities count as inbound, negative ones as outbound.
func ApplyStockMovement(ctx context.Context, tx *sql.Tx, productID string, quantity float64, version int64) error {
	in, out := 0.0, 0.0
	if quantity >= 0 {
		in = quantity
	} else {
		out = -quantity
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_levels (product_id, balance, total_in, total_out, movements, last_version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			balance = stock_levels.balance + excluded.balance,
			total_in = stock_levels.total_in + excluded.total_in,
			total_out = stock_levels.total_out + excluded.total_out,
			movements = stock_levels.movements + 1,
			last_version = excluded.last_version,
			updated_at = excluded.updated_at`,
		productID, quantity, in, out, version, time.Now().UnixMilli())
	return err
}

// GetStockLevel returns the materialized level for a product, or nil if none exists.
func (db *DB) GetStockLevel(ctx context.Context, productID string) (*StockLevel, error) {
	var l StockLevel
	err := db.QueryRowContext(ctx, `
		SELECT product_id, balance, total_in, total_out, movements, last_version
		FROM stock_levels WHERE product_id = ?`, productID).
		Scan(&l.ProductID, &l.Balance, &l.TotalIn, &l.TotalOut, &l.Movements, &l.LastVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListStockLevels returns all materialized levels ordered by product id.
func (db *DB) ListStockLevels(ctx context.Context) ([]StockLevel, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT product_id, balance, total_in, total_out, movements, last_version
		FROM stock_levels ORDER BY product_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var levels []StockLevel
	for rows.Next() {
		var l StockLevel
		if err := rows.Scan(&l.ProductID, &l.Balance, &l.TotalIn, &l.TotalOut, &l.Movements, &l.LastVersion); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}
