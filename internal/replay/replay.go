// Package replay folds events from the log into caller-defined state.
//
// Reducers are pure functions of (state, event). A reducer that panics
// aborts the replay; nothing is recovered.
package replay

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	instrumentationName = "github.com/Mokksdz/manchengo-sub003/internal/replay"

	defaultBatchSize = 1000
	defaultPageSize  = 1000
)

// Reducer folds one event into the state.
type Reducer[S any] func(state S, e event.DomainEvent) S

// Options narrows a replay. Zero values mean unset.
type Options struct {
	// FromVersion is an exclusive lower bound.
	FromVersion int64
	ToVersion   int64
	ToDate      time.Time
	EventTypes  []event.Type
	// BatchSize applies to Project only.
	BatchSize int
	// OnProgress receives the number of folded events and the total, or -1
	// when the total is unknown.
	OnProgress func(processed, total int)
}

func (o Options) wants(t event.Type) bool {
	return len(o.EventTypes) == 0 || slices.Contains(o.EventTypes, t)
}

// Result is the outcome of a replay.
type Result[S any] struct {
	FinalState      S
	EventsProcessed int
	LastVersion     int64
	Duration        time.Duration
}

// Source is the part of the event store replay reads from.
type Source interface {
	GetByAggregate(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]event.DomainEvent, error)
	GetByCorrelation(ctx context.Context, correlationID string) ([]event.DomainEvent, error)
	Search(ctx context.Context, c eventstore.Criteria) (eventstore.SearchResult, error)
	Stream(ctx context.Context, fromVersion int64, batchSize int) iter.Seq2[[]event.DomainEvent, error]
}

// Engine runs replays and reports against a Source.
type Engine struct {
	src       Source
	logger    *zap.Logger
	tracer    trace.Tracer
	batchSize int
	pageSize  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize sets the default batch size of Project.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPageSize sets the page size reports use when paging through search.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// New creates a replay engine.
func New(src Source, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		src:       src,
		logger:    logger.Named("replay"),
		tracer:    otel.Tracer(instrumentationName),
		batchSize: defaultBatchSize,
		pageSize:  defaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReconstructAggregate folds the history of one aggregate. Events past
// ToVersion or ToDate end the fold; events of other types are skipped.
func ReconstructAggregate[S any](ctx context.Context, eng *Engine, aggregateType, aggregateID string, initial S, reduce Reducer[S], opts Options) (Result[S], error) {
	start := time.Now()
	ctx, span := eng.tracer.Start(ctx, "Replay.ReconstructAggregate",
		trace.WithAttributes(
			attribute.String("replay.aggregate_type", aggregateType),
			attribute.String("replay.aggregate_id", aggregateID),
		),
	)
	defer span.End()

	eng.logger.Info("reconstructing aggregate",
		zap.String("aggregate_type", aggregateType),
		zap.String("aggregate_id", aggregateID),
	)

	events, err := eng.src.GetByAggregate(ctx, aggregateType, aggregateID, opts.FromVersion)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result[S]{}, fmt.Errorf("reconstruct %s/%s: %w", aggregateType, aggregateID, err)
	}

	res := Result[S]{FinalState: initial, LastVersion: opts.FromVersion}
	for _, e := range events {
		if opts.ToVersion > 0 && e.Version > opts.ToVersion {
			break
		}
		if !opts.ToDate.IsZero() && e.CreatedAt.After(opts.ToDate) {
			break
		}
		if !opts.wants(e.Type) {
			continue
		}
		res.FinalState = reduce(res.FinalState, e)
		res.EventsProcessed++
		res.LastVersion = e.Version
		if opts.OnProgress != nil {
			opts.OnProgress(res.EventsProcessed, len(events))
		}
	}
	res.Duration = time.Since(start)

	span.SetAttributes(attribute.Int("replay.events_processed", res.EventsProcessed))
	eng.logger.Info("aggregate reconstructed",
		zap.String("aggregate_type", aggregateType),
		zap.String("aggregate_id", aggregateID),
		zap.Int("events", res.EventsProcessed),
		zap.Int64("last_version", res.LastVersion),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// ReconstructAtPointInTime folds the history of one aggregate up to and
// including pointInTime.
func ReconstructAtPointInTime[S any](ctx context.Context, eng *Engine, aggregateType, aggregateID string, initial S, reduce Reducer[S], pointInTime time.Time) (Result[S], error) {
	return ReconstructAggregate(ctx, eng, aggregateType, aggregateID, initial, reduce, Options{ToDate: pointInTime})
}

// Project folds the whole log batch by batch, so memory stays bounded by the
// batch size. ToVersion ends the projection. ToDate and EventTypes only skip
// events, since timestamps are not ordered across aggregates.
func Project[S any](ctx context.Context, eng *Engine, initial S, reduce Reducer[S], opts Options) (Result[S], error) {
	start := time.Now()
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = eng.batchSize
	}

	ctx, span := eng.tracer.Start(ctx, "Replay.Project",
		trace.WithAttributes(
			attribute.Int64("replay.from_version", opts.FromVersion),
			attribute.Int64("replay.to_version", opts.ToVersion),
			attribute.Int("replay.batch_size", batchSize),
		),
	)
	defer span.End()

	eng.logger.Info("starting projection",
		zap.Int64("from_version", opts.FromVersion),
		zap.Int64("to_version", opts.ToVersion),
		zap.Int("batch_size", batchSize),
	)

	res := Result[S]{FinalState: initial, LastVersion: opts.FromVersion}
	finish := func() Result[S] {
		res.Duration = time.Since(start)
		span.SetAttributes(attribute.Int("replay.events_processed", res.EventsProcessed))
		eng.logger.Info("projection completed",
			zap.Int("events", res.EventsProcessed),
			zap.Int64("last_version", res.LastVersion),
			zap.Duration("duration", res.Duration),
		)
		return res
	}

	for batch, err := range eng.src.Stream(ctx, opts.FromVersion, batchSize) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result[S]{}, fmt.Errorf("project: %w", err)
		}
		for _, e := range batch {
			if opts.ToVersion > 0 && e.Version > opts.ToVersion {
				return finish(), nil
			}
			if !opts.ToDate.IsZero() && e.CreatedAt.After(opts.ToDate) {
				continue
			}
			if !opts.wants(e.Type) {
				continue
			}
			res.FinalState = reduce(res.FinalState, e)
			res.EventsProcessed++
			res.LastVersion = e.Version
		}
		if opts.OnProgress != nil {
			opts.OnProgress(res.EventsProcessed, -1)
		}
		eng.logger.Debug("projection progress", zap.Int("events", res.EventsProcessed))
	}
	return finish(), nil
}

// Verification compares materialized state with state rebuilt from the log.
type Verification[S any] struct {
	Consistent    bool
	Reconstructed S
	Differences   string
}

// VerifyConsistency rebuilds an aggregate from scratch and compares it with
// current using equal.
func VerifyConsistency[S any](ctx context.Context, eng *Engine, aggregateType, aggregateID string, current, initial S, reduce Reducer[S], equal func(a, b S) bool) (Verification[S], error) {
	res, err := ReconstructAggregate(ctx, eng, aggregateType, aggregateID, initial, reduce, Options{})
	if err != nil {
		return Verification[S]{}, err
	}
	v := Verification[S]{
		Consistent:    equal(current, res.FinalState),
		Reconstructed: res.FinalState,
	}
	if !v.Consistent {
		v.Differences = fmt.Sprintf("materialized state %+v does not match replayed state %+v", current, res.FinalState)
		eng.logger.Warn("consistency check failed",
			zap.String("aggregate_type", aggregateType),
			zap.String("aggregate_id", aggregateID),
		)
	}
	return v, nil
}
