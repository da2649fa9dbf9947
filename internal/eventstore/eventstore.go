// Package eventstore owns the append-only event log: it hands out global
// versions, persists events and answers queries over the persisted log.
//
// Appends are serialized by an in-process mutex. The database additionally
// enforces a unique version, so a second writer that slipped past the process
// lock surfaces as a version conflict; the store then re-derives its counter
// from the persisted maximum and tries again.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 1000
	defaultBatchSize   = 100
	maxConflictRetries = 3
)

// Store is the event log service.
type Store struct {
	db     *store.DB
	logger *zap.Logger
	tracer trace.Tracer
	inst   instruments
	now    func() time.Time

	searchLimit int
	searchMax   int
	batchSize   int

	mu      sync.Mutex
	version int64
	ready   bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSearchLimits sets the default and maximum page size of Search.
func WithSearchLimits(def, max int) Option {
	return func(s *Store) {
		if def > 0 {
			s.searchLimit = def
		}
		if max > 0 {
			s.searchMax = max
		}
	}
}

// WithStreamBatchSize sets the batch size Stream uses when the caller passes none.
func WithStreamBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New creates an event store over db. Init must be called before appending.
func New(db *store.DB, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		db:          db,
		logger:      logger.Named("eventstore"),
		tracer:      otel.Tracer(instrumentationName),
		inst:        newInstruments(),
		now:         time.Now,
		searchLimit: defaultSearchLimit,
		searchMax:   maxSearchLimit,
		batchSize:   defaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init bootstraps the version counter from the highest persisted version.
func (s *Store) Init(ctx context.Context) error {
	v, err := s.db.MaxVersion(ctx)
	if err != nil {
		return fmt.Errorf("load current version: %w", err)
	}

	s.mu.Lock()
	s.version = v
	s.ready = true
	s.mu.Unlock()

	s.logger.Info("event store initialized", zap.Int64("current_version", v))
	return nil
}

// CurrentVersion returns the version of the last successful append.
func (s *Store) CurrentVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Append assigns the next version to d and persists it. A missing correlation
// id is generated.
func (s *Store) Append(ctx context.Context, d event.Draft) (event.DomainEvent, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.Append",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attrOperation.String("append"),
			attrAggregateType.String(d.AggregateType),
			attrAggregateID.String(d.AggregateID),
		),
	)
	defer span.End()

	if d.Metadata.CorrelationID == "" {
		d.Metadata.CorrelationID = uuid.NewString()
	}
	e, err := s.build(d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return event.DomainEvent{}, err
	}

	events, err := s.persist(ctx, "append", []event.DomainEvent{e})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return event.DomainEvent{}, err
	}
	e = events[0]
	span.SetAttributes(attrVersion.Int64(e.Version))

	s.logger.Debug("event appended",
		zap.String("type", string(e.Type)),
		zap.String("event_id", e.ID),
		zap.Int64("version", e.Version),
		zap.String("aggregate_type", e.AggregateType),
		zap.String("aggregate_id", e.AggregateID),
	)
	return e, nil
}

// AppendBatch assigns consecutive versions to all drafts and persists them
// atomically. Every event carries correlationID, generated when empty.
func (s *Store) AppendBatch(ctx context.Context, drafts []event.Draft, correlationID string) ([]event.DomainEvent, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "EventStore.AppendBatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attrOperation.String("append_batch"),
			attrEventCount.Int(len(drafts)),
		),
	)
	defer span.End()

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	events := make([]event.DomainEvent, 0, len(drafts))
	for i, d := range drafts {
		d.Metadata.CorrelationID = correlationID
		e, err := s.build(d)
		if err != nil {
			err = fmt.Errorf("event %d: %w", i, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		events = append(events, e)
	}

	events, err := s.persist(ctx, "append_batch", events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.logger.Info("event batch appended",
		zap.Int("count", len(events)),
		zap.String("correlation_id", correlationID),
		zap.Int64("first_version", events[0].Version),
		zap.Int64("last_version", events[len(events)-1].Version),
	)
	return events, nil
}

// build validates a draft and turns it into an event without a version.
func (s *Store) build(d event.Draft) (event.DomainEvent, error) {
	if !d.Type.Valid() {
		return event.DomainEvent{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, d.Type)
	}
	if d.Category == "" {
		d.Category = d.Type.Category()
	}
	if !d.Category.Valid() {
		return event.DomainEvent{}, fmt.Errorf("%w: unknown category %q", ErrInvalidEvent, d.Category)
	}
	if d.AggregateType == "" || d.AggregateID == "" {
		return event.DomainEvent{}, fmt.Errorf("%w: aggregate type and id are required", ErrInvalidEvent)
	}

	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("%w: marshal payload: %v", ErrInvalidEvent, err)
	}

	return event.DomainEvent{
		ID:            uuid.NewString(),
		Type:          d.Type,
		Category:      d.Category,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		Payload:       payload,
		Metadata:      d.Metadata,
		CreatedAt:     s.now().UTC().Truncate(time.Millisecond),
	}, nil
}

// persist hands out versions under the write lock and releases them again if
// the database rejects the write.
func (s *Store) persist(ctx context.Context, op string, events []event.DomainEvent) ([]event.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return nil, ErrNotInitialized
	}

	n := int64(len(events))
	for attempt := 1; ; attempt++ {
		first := s.version + 1
		for i := range events {
			events[i].Version = first + int64(i)
		}
		s.version += n

		err := s.db.InsertEvents(ctx, events)
		if err == nil {
			s.inst.appended.Add(ctx, n, metric.WithAttributes(attrOperation.String(op)))
			return events, nil
		}

		s.version -= n

		if store.IsVersionConflict(err) && attempt < maxConflictRetries {
			s.inst.conflict.Add(ctx, 1)
			if max, rerr := s.db.MaxVersion(ctx); rerr == nil && max > s.version {
				s.logger.Warn("version conflict, resyncing counter",
					zap.Int64("local_version", s.version),
					zap.Int64("persisted_version", max),
					zap.Int("attempt", attempt),
				)
				s.version = max
				continue
			}
		}

		s.inst.failures.Add(ctx, 1, metric.WithAttributes(attrOperation.String(op)))
		s.logger.Error("failed to append events",
			zap.String("op", op),
			zap.Int64("first_version", first),
			zap.Int64("last_version", first+n-1),
			zap.Error(err),
		)
		return nil, &WriteError{Op: op, FirstVersion: first, LastVersion: first + n - 1, Err: err}
	}
}
