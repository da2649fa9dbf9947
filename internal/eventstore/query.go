package eventstore

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Criteria selects a page of events. All set fields must match.
type Criteria struct {
	AggregateType string
	AggregateID   string
	EventTypes    []event.Type
	Categories    []event.Category
	UserID        string
	CorrelationID string
	FromDate      time.Time
	ToDate        time.Time
	FromVersion   int64
	ToVersion     int64
	Limit         int
	Offset        int
}

// SearchResult is one page of a search.
type SearchResult struct {
	Events  []event.DomainEvent `json:"events"`
	Total   int64               `json:"total"`
	HasMore bool                `json:"hasMore"`
}

// Stats summarizes the persisted log.
type Stats struct {
	TotalEvents    int64            `json:"totalEvents"`
	CurrentVersion int64            `json:"currentVersion"`
	ByCategory     map[string]int64 `json:"byCategory"`
	ByType         map[string]int64 `json:"byType"`
	Last24h        int64            `json:"last24h"`
	Last7d         int64            `json:"last7d"`
}

// GetByID returns the event with the given id, or nil if there is none.
func (s *Store) GetByID(ctx context.Context, id string) (*event.DomainEvent, error) {
	e, err := s.db.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// GetByAggregate returns the history of one aggregate in version order,
// skipping versions up to and including fromVersion.
func (s *Store) GetByAggregate(ctx context.Context, aggregateType, aggregateID string, fromVersion int64) ([]event.DomainEvent, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.GetByAggregate",
		trace.WithAttributes(
			attrAggregateType.String(aggregateType),
			attrAggregateID.String(aggregateID),
		),
	)
	defer span.End()

	f := store.EventFilter{AggregateType: aggregateType, AggregateID: aggregateID}
	if fromVersion > 0 {
		f.FromVersion = fromVersion + 1
	}
	events, err := s.db.ListEvents(ctx, f, 0, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get aggregate %s/%s: %w", aggregateType, aggregateID, err)
	}
	span.SetAttributes(attrEventCount.Int(len(events)))
	return events, nil
}

// GetByCorrelation returns every event of one causal unit of work.
func (s *Store) GetByCorrelation(ctx context.Context, correlationID string) ([]event.DomainEvent, error) {
	events, err := s.db.ListEvents(ctx, store.EventFilter{CorrelationID: correlationID}, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("get correlation %s: %w", correlationID, err)
	}
	return events, nil
}

// Search returns one page of matching events together with the exact number
// of matches.
func (s *Store) Search(ctx context.Context, c Criteria) (SearchResult, error) {
	ctx, span := s.tracer.Start(ctx, "EventStore.Search",
		trace.WithAttributes(attrOperation.String("search")))
	defer span.End()

	limit := c.Limit
	if limit <= 0 {
		limit = s.searchLimit
	}
	if limit > s.searchMax {
		limit = s.searchMax
	}
	offset := max(c.Offset, 0)

	f := store.EventFilter{
		AggregateType: c.AggregateType,
		AggregateID:   c.AggregateID,
		Types:         c.EventTypes,
		Categories:    c.Categories,
		UserID:        c.UserID,
		CorrelationID: c.CorrelationID,
		FromDate:      c.FromDate,
		ToDate:        c.ToDate,
		FromVersion:   c.FromVersion,
		ToVersion:     c.ToVersion,
	}

	events, err := s.db.ListEvents(ctx, f, limit+1, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, fmt.Errorf("search events: %w", err)
	}
	total, err := s.db.CountEvents(ctx, f)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResult{}, fmt.Errorf("count events: %w", err)
	}

	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	if events == nil {
		events = []event.DomainEvent{}
	}
	span.SetAttributes(attrEventCount.Int(len(events)))
	return SearchResult{Events: events, Total: total, HasMore: hasMore}, nil
}

// Stream yields the log in ascending version order, batchSize events at a
// time, starting after fromVersion. It stops at the tail that existed when
// iteration began; events appended later are left for the next call.
func (s *Store) Stream(ctx context.Context, fromVersion int64, batchSize int) iter.Seq2[[]event.DomainEvent, error] {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	return func(yield func([]event.DomainEvent, error) bool) {
		ctx, span := s.tracer.Start(ctx, "EventStore.Stream",
			trace.WithAttributes(attrOperation.String("stream")))
		defer span.End()

		tail, err := s.db.MaxVersion(ctx)
		if err != nil {
			yield(nil, fmt.Errorf("stream: read tail: %w", err))
			return
		}

		cursor := fromVersion
		batches := 0
		for cursor < tail {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			batch, err := s.db.ListEvents(ctx, store.EventFilter{
				FromVersion: cursor + 1,
				ToVersion:   tail,
			}, batchSize, 0)
			if err != nil {
				span.RecordError(err)
				yield(nil, fmt.Errorf("stream from version %d: %w", cursor, err))
				return
			}
			if len(batch) == 0 {
				break
			}
			batches++
			cursor = batch[len(batch)-1].Version
			if !yield(batch, nil) {
				break
			}
		}
		span.SetAttributes(attrBatches.Int(batches))
	}
}

// Stats reports counts over the whole log.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	total, err := s.db.CountEvents(ctx, store.EventFilter{})
	if err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}
	byCategory, err := s.db.CountByColumn(ctx, "category")
	if err != nil {
		return Stats{}, fmt.Errorf("count by category: %w", err)
	}
	byType, err := s.db.CountByColumn(ctx, "type")
	if err != nil {
		return Stats{}, fmt.Errorf("count by type: %w", err)
	}

	now := s.now()
	last24h, err := s.db.CountEvents(ctx, store.EventFilter{FromDate: now.Add(-24 * time.Hour)})
	if err != nil {
		return Stats{}, fmt.Errorf("count last 24h: %w", err)
	}
	last7d, err := s.db.CountEvents(ctx, store.EventFilter{FromDate: now.Add(-7 * 24 * time.Hour)})
	if err != nil {
		return Stats{}, fmt.Errorf("count last 7d: %w", err)
	}

	return Stats{
		TotalEvents:    total,
		CurrentVersion: s.CurrentVersion(),
		ByCategory:     byCategory,
		ByType:         byType,
		Last24h:        last24h,
		Last7d:         last7d,
	}, nil
}
