// Package bus dispatches domain events to in-process subscribers.
//
// Publishing appends the event to the log first (unless it is ephemeral) and
// then runs every matching handler one after another, highest priority first.
// Handler failures are retried with exponential backoff and then logged; they
// never reach the publisher. Subscriptions live in memory only.
package bus

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Wildcard subscribes to every event type.
const Wildcard event.Type = "*"

const (
	defaultAttempts  = 3
	defaultBaseDelay = 100 * time.Millisecond
)

// Handler reacts to a dispatched event. A returned error triggers a retry.
type Handler func(ctx context.Context, e event.DomainEvent) error

// Appender persists events. *eventstore.Store implements it.
type Appender interface {
	Append(ctx context.Context, d event.Draft) (event.DomainEvent, error)
	AppendBatch(ctx context.Context, drafts []event.Draft, correlationID string) ([]event.DomainEvent, error)
}

// Bus is an in-process publish/subscribe dispatcher in front of the event log.
type Bus struct {
	store  Appender
	logger *zap.Logger
	tracer trace.Tracer
	inst   instruments
	now    func() time.Time

	attempts  int
	baseDelay time.Duration

	mu       sync.RWMutex
	byType   map[event.Type][]*subscription
	wildcard []*subscription
	index    map[string]*subscription
	next     uint64
	closing  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscription struct {
	id        string
	eventType event.Type
	handler   Handler
	priority  int
	seq       uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithRetryPolicy sets how often a failing handler runs in total and the delay
// before the first retry. Later delays double.
func WithRetryPolicy(attempts int, baseDelay time.Duration) Option {
	return func(b *Bus) {
		if attempts > 0 {
			b.attempts = attempts
		}
		if baseDelay > 0 {
			b.baseDelay = baseDelay
		}
	}
}

// WithClock replaces time.Now for ephemeral events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a bus that persists through store.
func New(store Appender, logger *zap.Logger, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		store:     store,
		logger:    logger.Named("bus"),
		tracer:    otel.Tracer(instrumentationName),
		inst:      newInstruments(),
		now:       time.Now,
		attempts:  defaultAttempts,
		baseDelay: defaultBaseDelay,
		byType:    make(map[event.Type][]*subscription),
		index:     make(map[string]*subscription),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for one event type, or for all types when t is Wildcard.
func (b *Bus) Subscribe(t event.Type, h Handler, priority int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := &subscription{
		id:        fmt.Sprintf("sub-%d", b.next),
		eventType: t,
		handler:   h,
		priority:  priority,
		seq:       b.next,
	}
	b.index[sub.id] = sub
	if t == Wildcard {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.byType[t] = append(b.byType[t], sub)
	}
	return sub.id
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler, priority int) string {
	return b.Subscribe(Wildcard, h, priority)
}

// SubscribeMany registers h once per type and returns the ids in the same order.
func (b *Bus) SubscribeMany(types []event.Type, h Handler, priority int) []string {
	ids := make([]string, 0, len(types))
	for _, t := range types {
		ids = append(ids, b.Subscribe(t, h, priority))
	}
	return ids
}

// Unsubscribe removes a subscription. It reports false if id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.index[id]
	if !ok {
		return false
	}
	delete(b.index, id)

	remove := func(subs []*subscription) []*subscription {
		return slices.DeleteFunc(subs, func(s *subscription) bool { return s.id == id })
	}
	if sub.eventType == Wildcard {
		b.wildcard = remove(b.wildcard)
		return true
	}
	subs := remove(b.byType[sub.eventType])
	if len(subs) == 0 {
		delete(b.byType, sub.eventType)
	} else {
		b.byType[sub.eventType] = subs
	}
	return true
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// SubscribedEventTypes lists the types with at least one typed subscription,
// plus Wildcard when any wildcard subscription exists.
func (b *Bus) SubscribedEventTypes() []event.Type {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]event.Type, 0, len(b.byType)+1)
	for t := range b.byType {
		types = append(types, t)
	}
	slices.Sort(types)
	if len(b.wildcard) > 0 {
		types = append(types, Wildcard)
	}
	return types
}

// Publish records d and dispatches it to the matching handlers. With the
// default options the event is persisted and Publish returns after every
// handler has run, including retries.
func (b *Bus) Publish(ctx context.Context, d event.Draft, opts ...PublishOption) (event.DomainEvent, error) {
	o := newPublishOptions(opts)

	var (
		e   event.DomainEvent
		err error
	)
	if o.persist {
		e, err = b.store.Append(ctx, d)
	} else {
		if d.Metadata.CorrelationID == "" {
			d.Metadata.CorrelationID = uuid.NewString()
		}
		e, err = b.ephemeral(d)
	}
	if err != nil {
		return event.DomainEvent{}, err
	}
	b.inst.published.Add(ctx, 1, metric.WithAttributes(attrEventType.String(string(e.Type))))

	b.run(ctx, []event.DomainEvent{e}, o)
	return e, nil
}

// PublishBatch records all drafts under one correlation id and dispatches
// them in slice order.
func (b *Bus) PublishBatch(ctx context.Context, drafts []event.Draft, opts ...PublishOption) ([]event.DomainEvent, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	o := newPublishOptions(opts)

	var events []event.DomainEvent
	if o.persist {
		var err error
		events, err = b.store.AppendBatch(ctx, drafts, o.correlationID)
		if err != nil {
			return nil, err
		}
	} else {
		corr := o.correlationID
		if corr == "" {
			corr = uuid.NewString()
		}
		events = make([]event.DomainEvent, 0, len(drafts))
		for i, d := range drafts {
			d.Metadata.CorrelationID = corr
			e, err := b.ephemeral(d)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			events = append(events, e)
		}
	}
	b.inst.published.Add(ctx, int64(len(events)))

	b.run(ctx, events, o)
	return events, nil
}

// Close stops the bus. Subscriptions are dropped, pending dispatch becomes a
// no-op and retry waits are cancelled. Close waits for running async
// dispatch until ctx is done.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.byType = make(map[event.Type][]*subscription)
	b.wildcard = nil
	b.index = make(map[string]*subscription)
	b.mu.Unlock()

	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("event bus closed")
		return nil
	case <-ctx.Done():
		b.logger.Warn("event bus closed with dispatch still running")
		return ctx.Err()
	}
}

// run dispatches events in order, inline or on a new goroutine.
func (b *Bus) run(ctx context.Context, events []event.DomainEvent, o publishOptions) {
	if !o.async {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(b.ctx, cancel)
		defer stop()
		for _, e := range events {
			b.dispatch(ctx, e, o.retry)
		}
		return
	}

	b.mu.RLock()
	if b.closing {
		b.mu.RUnlock()
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	// Detached from the caller, bounded by the bus.
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(b.ctx, cancel)
	go func() {
		defer b.wg.Done()
		defer cancel()
		defer stop()
		for _, e := range events {
			b.dispatch(dctx, e, o.retry)
		}
	}()
}

// dispatch runs every handler subscribed to e's type or to all types, highest
// priority first and in registration order among equals. A failing handler
// does not stop the round.
func (b *Bus) dispatch(ctx context.Context, e event.DomainEvent, retry bool) {
	b.mu.RLock()
	if b.closing {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(b.byType[e.Type])+len(b.wildcard))
	subs = append(subs, b.byType[e.Type]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}
	slices.SortFunc(subs, func(x, y *subscription) int {
		if c := cmp.Compare(y.priority, x.priority); c != 0 {
			return c
		}
		return cmp.Compare(x.seq, y.seq)
	})

	ctx, span := b.tracer.Start(ctx, "EventBus.Dispatch",
		trace.WithAttributes(
			attrEventType.String(string(e.Type)),
			attrEventVersion.Int64(e.Version),
			attrHandlerCount.Int(len(subs)),
		),
	)
	defer span.End()

	failed := 0
	for _, sub := range subs {
		if err := b.executeHandler(ctx, sub, e, retry); err != nil {
			failed++
			b.inst.handlerFailures.Add(ctx, 1, metric.WithAttributes(attrEventType.String(string(e.Type))))
			b.logger.Error("event handler failed",
				zap.String("subscription", sub.id),
				zap.String("type", string(e.Type)),
				zap.String("event_id", e.ID),
				zap.Int64("version", e.Version),
				zap.Error(err),
			)
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d handlers failed", failed, len(subs)))
	}
}

// executeHandler runs one handler, retrying with exponential backoff when
// retry is set. The last error is returned once attempts are exhausted.
func (b *Bus) executeHandler(ctx context.Context, sub *subscription, e event.DomainEvent, retry bool) error {
	attempts := 1
	if retry {
		attempts = b.attempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = b.baseDelay << attempts

	operation := func() (struct{}, error) {
		return struct{}{}, sub.handler(ctx, e)
	}
	notify := func(err error, wait time.Duration) {
		b.inst.handlerRetries.Add(ctx, 1)
		b.logger.Warn("event handler failed, retrying",
			zap.String("subscription", sub.id),
			zap.String("type", string(e.Type)),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	return err
}

// ephemeral builds an event that is dispatched but never stored.
func (b *Bus) ephemeral(d event.Draft) (event.DomainEvent, error) {
	if !d.Type.Valid() {
		return event.DomainEvent{}, fmt.Errorf("%w: unknown type %q", eventstore.ErrInvalidEvent, d.Type)
	}
	if d.Category == "" {
		d.Category = d.Type.Category()
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return event.DomainEvent{}, fmt.Errorf("%w: marshal payload: %v", eventstore.ErrInvalidEvent, err)
	}
	return event.DomainEvent{
		ID:            "ephemeral-" + uuid.NewString(),
		Version:       event.EphemeralVersion,
		Type:          d.Type,
		Category:      d.Category,
		AggregateType: d.AggregateType,
		AggregateID:   d.AggregateID,
		Payload:       payload,
		Metadata:      d.Metadata,
		CreatedAt:     b.now().UTC(),
	}, nil
}
