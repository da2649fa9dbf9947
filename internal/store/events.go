package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
)

const eventColumns = `id, version, type, category, aggregate_type, aggregate_id, payload, metadata, created_at`

// EventFilter narrows a scan of the event log. Zero values mean "no constraint".
// Version and date bounds are inclusive.
type EventFilter struct {
	AggregateType string
	AggregateID   string
	Types         []event.Type
	Categories    []event.Category
	UserID        string
	CorrelationID string
	FromDate      time.Time
	ToDate        time.Time
	FromVersion   int64
	ToVersion     int64
}

// InsertEvents writes all events in a single transaction. Either every row is
// persisted or none is.
func (db *DB) InsertEvents(ctx context.Context, events []event.DomainEvent) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO domain_events (id, version, type, category, aggregate_type, aggregate_id,
			payload, metadata, correlation_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", e.ID, err)
		}
		payload := string(e.Payload)
		if payload == "" {
			payload = "null"
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Version, string(e.Type), string(e.Category), e.AggregateType, e.AggregateID,
			payload, string(meta), e.Metadata.CorrelationID, e.Metadata.UserID,
			e.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert event version %d: %w", e.Version, err)
		}
	}
	return tx.Commit()
}

// MaxVersion returns the highest persisted version, or 0 for an empty log.
func (db *DB) MaxVersion(ctx context.Context) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM domain_events`).Scan(&v)
	return v, err
}

// GetEvent returns a single event by id, or nil if it does not exist.
func (db *DB) GetEvent(ctx context.Context, id string) (*event.DomainEvent, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM domain_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEvents returns events matching f in ascending version order.
// A limit <= 0 returns every match.
func (db *DB) ListEvents(ctx context.Context, f EventFilter, limit, offset int) ([]event.DomainEvent, error) {
	where, args := f.where()
	q := `SELECT ` + eventColumns + ` FROM domain_events` + where + ` ORDER BY version ASC`
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []event.DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents returns the exact number of events matching f.
func (db *DB) CountEvents(ctx context.Context, f EventFilter) (int64, error) {
	where, args := f.where()
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM domain_events`+where, args...).Scan(&n)
	return n, err
}

// CountByColumn groups events by type or category.
func (db *DB) CountByColumn(ctx context.Context, column string) (map[string]int64, error) {
	if column != "type" && column != "category" {
		return nil, fmt.Errorf("count by %q: unsupported column", column)
	}
	rows, err := db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM domain_events GROUP BY `+column)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (f EventFilter) where() (string, []any) {
	var conds []string
	var args []any

	if f.AggregateType != "" {
		conds = append(conds, "aggregate_type = ?")
		args = append(args, f.AggregateType)
	}
	if f.AggregateID != "" {
		conds = append(conds, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if len(f.Types) > 0 {
		conds = append(conds, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Categories) > 0 {
		conds = append(conds, "category IN ("+placeholders(len(f.Categories))+")")
		for _, c := range f.Categories {
			args = append(args, string(c))
		}
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.CorrelationID != "" {
		conds = append(conds, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if !f.FromDate.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.FromDate.UnixMilli())
	}
	if !f.ToDate.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.ToDate.UnixMilli())
	}
	if f.FromVersion > 0 {
		conds = append(conds, "version >= ?")
		args = append(args, f.FromVersion)
	}
	if f.ToVersion > 0 {
		conds = append(conds, "version <= ?")
		args = append(args, f.ToVersion)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (event.DomainEvent, error) {
	var (
		e         event.DomainEvent
		typ, cat  string
		payload   string
		meta      string
		createdAt int64
	)
	if err := r.Scan(&e.ID, &e.Version, &typ, &cat, &e.AggregateType, &e.AggregateID, &payload, &meta, &createdAt); err != nil {
		return event.DomainEvent{}, err
	}
	e.Type = event.Type(typ)
	e.Category = event.Category(cat)
	e.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return event.DomainEvent{}, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
	}
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	return e, nil
}
