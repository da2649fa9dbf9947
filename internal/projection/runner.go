// Package projection keeps materialized views in step with the event log.
//
// A Runner drains the log from the projection's checkpoint. Each batch is
// applied in one transaction together with the new checkpoint, so a view
// never records an event twice and never skips one.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"go.uber.org/zap"
)

const (
	defaultInterval  = 500 * time.Millisecond
	defaultBatchSize = 100
)

// Projector applies events to a materialized view.
type Projector interface {
	// Name identifies the projection's checkpoint.
	Name() string
	// Apply writes the effect of e inside tx. Events the view ignores
	// return nil.
	Apply(ctx context.Context, tx *sql.Tx, e event.DomainEvent) error
}

// Streamer reads the log in version order. *eventstore.Store implements it.
type Streamer interface {
	Stream(ctx context.Context, fromVersion int64, batchSize int) iter.Seq2[[]event.DomainEvent, error]
}

// Runner catches a projection up with the log, on a ticker and on Notify.
type Runner struct {
	db        *store.DB
	events    Streamer
	projector Projector
	logger    *zap.Logger
	interval  time.Duration
	batchSize int

	runMu  sync.Mutex
	nudge  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Runner.
type Option func(*Runner)

// WithInterval sets how often the runner polls without being notified.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many events are applied per transaction.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewRunner creates a runner for p.
func NewRunner(db *store.DB, events Streamer, p Projector, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		db:        db,
		events:    events,
		projector: p,
		logger:    logger.Named("projection").With(zap.String("projection", p.Name())),
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		nudge:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins catching up in the background.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops the runner and waits for the current batch to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Notify asks the runner to catch up now. It never blocks.
func (r *Runner) Notify() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Nudge is a bus handler that calls Notify.
func (r *Runner) Nudge(context.Context, event.DomainEvent) error {
	r.Notify()
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.nudge:
		case <-ctx.Done():
			return
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("projection catch-up failed", zap.Error(err))
		}
	}
}

// RunOnce applies every event past the checkpoint and returns how many it
// applied. A failed batch is rolled back and retried on the next run.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	name := r.projector.Name()
	from, err := r.db.Checkpoint(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint %s: %w", name, err)
	}

	applied := 0
	for batch, err := range r.events.Stream(ctx, from, r.batchSize) {
		if err != nil {
			return applied, err
		}
		if err := r.applyBatch(ctx, batch); err != nil {
			return applied, err
		}
		applied += len(batch)
		r.logger.Debug("projection batch applied",
			zap.Int("events", len(batch)),
			zap.Int64("checkpoint", batch[len(batch)-1].Version),
		)
	}
	return applied, nil
}

func (r *Runner) applyBatch(ctx context.Context, batch []event.DomainEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range batch {
		if err := r.projector.Apply(ctx, tx, e); err != nil {
			return fmt.Errorf("apply version %d: %w", e.Version, err)
		}
	}
	last := batch[len(batch)-1].Version
	if err := store.SaveCheckpoint(ctx, tx, r.projector.Name(), last); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return tx.Commit()
}
