package replay

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"go.uber.org/zap"
)

// fixture is an event store with a controllable clock.
type fixture struct {
	store *eventstore.Store
	eng   *Engine
	now   time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{now: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)}
	f.store = eventstore.New(db, zap.NewNop(), eventstore.WithClock(func() time.Time { return f.now }))
	if err := f.store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.eng = New(f.store, zap.NewNop(), opts...)
	return f
}

func (f *fixture) append(t *testing.T, d event.Draft) event.DomainEvent {
	t.Helper()
	e, err := f.store.Append(context.Background(), d)
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Minute)
	return e
}

func movement(typ event.Type, productID string, qty float64) event.Draft {
	return event.Draft{
		Type:          typ,
		AggregateType: "ProductMp",
		AggregateID:   productID,
		Payload:       event.StockMovement{Quantity: qty},
	}
}

// sumReducer adds up signed stock movements.
func sumReducer(total float64, e event.DomainEvent) float64 {
	m, err := event.DecodeAs[event.StockMovement](e)
	if err != nil {
		return total
	}
	return total + m.Signed(e.Type)
}

func TestReconstructAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, movement(event.StockReceived, "7", 50))
	f.append(t, movement(event.StockReceived, "8", 1000))
	f.append(t, movement(event.StockConsumed, "7", 20))
	last := f.append(t, movement(event.StockReceived, "7", 5))

	var progress [][2]int
	res, err := ReconstructAggregate(ctx, f.eng, "ProductMp", "7", 0.0, sumReducer, Options{
		OnProgress: func(p, total int) { progress = append(progress, [2]int{p, total}) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != 35 || res.EventsProcessed != 3 || res.LastVersion != last.Version {
		t.Errorf("got state %v, %d events, last %d; want 35, 3, %d",
			res.FinalState, res.EventsProcessed, res.LastVersion, last.Version)
	}
	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if !reflect.DeepEqual(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}

	again, err := ReconstructAggregate(ctx, f.eng, "ProductMp", "7", 0.0, sumReducer, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if again.FinalState != res.FinalState || again.LastVersion != res.LastVersion {
		t.Errorf("replay is not deterministic: %+v vs %+v", again, res)
	}
}

func TestReconstructAggregateFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.append(t, movement(event.StockReceived, "7", 50)) // v1 08:00
	f.append(t, movement(event.StockConsumed, "7", 20))       // v2 08:01
	e3 := f.append(t, movement(event.StockReceived, "7", 5))  // v3 08:02
	f.append(t, movement(event.StockReceived, "7", 100))      // v4 08:03

	tests := []struct {
		name      string
		opts      Options
		wantState float64
		wantCount int
		wantLast  int64
	}{
		{"to version", Options{ToVersion: 2}, 30, 2, 2},
		{"to date stops", Options{ToDate: e3.CreatedAt}, 35, 3, 3},
		{"from version is exclusive", Options{FromVersion: e1.Version}, 85, 3, 4},
		{"types skip", Options{EventTypes: []event.Type{event.StockReceived}}, 155, 3, 4},
		{"types and to version", Options{EventTypes: []event.Type{event.StockConsumed}, ToVersion: 3}, -20, 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ReconstructAggregate(ctx, f.eng, "ProductMp", "7", 0.0, sumReducer, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if res.FinalState != tt.wantState || res.EventsProcessed != tt.wantCount || res.LastVersion != tt.wantLast {
				t.Errorf("got %v/%d/%d, want %v/%d/%d",
					res.FinalState, res.EventsProcessed, res.LastVersion,
					tt.wantState, tt.wantCount, tt.wantLast)
			}
		})
	}
}

func TestReconstructAtPointInTime(t *testing.T) {
	f := newFixture(t)

	f.append(t, movement(event.StockReceived, "7", 50))
	mid := f.append(t, movement(event.StockConsumed, "7", 20))
	f.append(t, movement(event.StockReceived, "7", 5))

	res, err := ReconstructAtPointInTime(context.Background(), f.eng, "ProductMp", "7", 0.0, sumReducer, mid.CreatedAt)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != 30 {
		t.Errorf("state at %v = %v, want 30", mid.CreatedAt, res.FinalState)
	}
}

func TestProjectStreamsWholeLog(t *testing.T) {
	f := newFixture(t)
	const m, k = 23, 5
	for i := range m {
		f.append(t, movement(event.StockReceived, string(rune('a'+i%4)), 1))
	}

	calls := 0
	res, err := Project(context.Background(), f.eng, 0, func(n int, _ event.DomainEvent) int { return n + 1 }, Options{
		BatchSize: k,
		OnProgress: func(_, total int) {
			calls++
			if total != -1 {
				t.Errorf("total = %d, want -1", total)
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != m || res.EventsProcessed != m || res.LastVersion != m {
		t.Errorf("got %+v, want %d events", res, m)
	}
	if want := (m + k - 1) / k; calls != want {
		t.Errorf("progress called %d times, want %d (one per batch)", calls, want)
	}
}

func TestProjectFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.append(t, movement(event.StockReceived, "a", 1))                                                // v1
	cut := f.append(t, event.Draft{Type: event.UserLoggedIn, AggregateType: "User", AggregateID: "u"}) // v2
	f.append(t, movement(event.StockConsumed, "a", 1))                                                // v3
	f.append(t, movement(event.StockReceived, "b", 1))                                                // v4

	count := func(n int, _ event.DomainEvent) int { return n + 1 }

	res, err := Project(ctx, f.eng, 0, count, Options{ToVersion: 2, BatchSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != 2 || res.LastVersion != 2 {
		t.Errorf("to version: %+v", res)
	}

	res, err = Project(ctx, f.eng, 0, count, Options{ToDate: cut.CreatedAt})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != 2 {
		t.Errorf("to date folded %d events, want 2", res.FinalState)
	}

	res, err = Project(ctx, f.eng, 0, count, Options{EventTypes: []event.Type{event.StockReceived}, FromVersion: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != 1 || res.LastVersion != 4 {
		t.Errorf("types from 1: %+v, want only v4", res)
	}
}

func TestProjectToDateSkipsOutOfOrderTimestamps(t *testing.T) {
	f := newFixture(t)

	f.append(t, movement(event.StockReceived, "a", 1))
	cut := f.now
	f.append(t, movement(event.StockReceived, "a", 1))
	// A late writer's clock lags behind, so a higher version carries an
	// earlier timestamp.
	f.now = cut.Add(-time.Hour)
	f.append(t, movement(event.StockReceived, "a", 1))

	res, err := Project(context.Background(), f.eng, 0, func(n int, _ event.DomainEvent) int { return n + 1 },
		Options{ToDate: cut.Add(-time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalState != 2 || res.LastVersion != 3 {
		t.Errorf("got %+v, want versions 1 and 3 folded", res)
	}
}

func TestReducerPanicPropagates(t *testing.T) {
	f := newFixture(t)
	f.append(t, movement(event.StockReceived, "7", 1))

	defer func() {
		if recover() == nil {
			t.Error("reducer panic was swallowed")
		}
	}()
	_, _ = ReconstructAggregate(context.Background(), f.eng, "ProductMp", "7", 0,
		func(int, event.DomainEvent) int { panic("bad payload") }, Options{})
}

func TestVerifyConsistency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, movement(event.StockReceived, "7", 50))
	f.append(t, movement(event.StockConsumed, "7", 20))

	equal := func(a, b float64) bool { return a == b }

	ok, err := VerifyConsistency(ctx, f.eng, "ProductMp", "7", 30.0, 0.0, sumReducer, equal)
	if err != nil {
		t.Fatal(err)
	}
	if !ok.Consistent || ok.Differences != "" {
		t.Errorf("got %+v, want consistent", ok)
	}

	bad, err := VerifyConsistency(ctx, f.eng, "ProductMp", "7", 31.0, 0.0, sumReducer, equal)
	if err != nil {
		t.Fatal(err)
	}
	if bad.Consistent || bad.Reconstructed != 30 || bad.Differences == "" {
		t.Errorf("got %+v, want inconsistent with reconstructed 30", bad)
	}
}

func TestStockHistoryPagesThroughSearch(t *testing.T) {
	// A tiny page size proves reports do not stop at the first page.
	f := newFixture(t, WithPageSize(2))
	ctx := context.Background()

	f.append(t, movement(event.StockReceived, "7", 50))
	f.append(t, movement(event.StockConsumed, "7", 20))
	f.append(t, movement(event.StockReceived, "8", 999))
	f.append(t, event.Draft{Type: event.StockAdjusted, AggregateType: "ProductMp", AggregateID: "7",
		Payload: event.StockMovement{Adjustment: -3}})
	f.append(t, movement(event.StockReceived, "7", 10))

	h, err := f.eng.StockHistory(ctx, "7", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.History) != 4 {
		t.Fatalf("history has %d entries, want 4", len(h.History))
	}
	if h.FinalBalance != 37 || h.TotalIn != 60 || h.TotalOut != 23 {
		t.Errorf("balance %v in %v out %v, want 37 60 23", h.FinalBalance, h.TotalIn, h.TotalOut)
	}
	balances := []float64{50, 30, 27, 37}
	for i, want := range balances {
		if h.History[i].Balance != want {
			t.Errorf("entry %d balance = %v, want %v", i, h.History[i].Balance, want)
		}
	}
	if h.History[1].Quantity != -20 {
		t.Errorf("consumption quantity = %v, want -20", h.History[1].Quantity)
	}
}

func TestProductionHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := func(typ event.Type, id string, p event.ProductionOrder) {
		p.OrderID = id
		f.append(t, event.Draft{Type: typ, AggregateType: "ProductionOrder", AggregateID: id, Payload: p})
	}
	order(event.ProductionOrderCreated, "po-1", event.ProductionOrder{RecipeID: "r1", RecipeName: "Camembert", PlannedQuantity: 100})
	order(event.ProductionOrderCreated, "po-2", event.ProductionOrder{RecipeID: "r2", PlannedQuantity: 40})
	order(event.ProductionOrderStarted, "po-1", event.ProductionOrder{})
	order(event.ProductionOrderCancelled, "po-2", event.ProductionOrder{})
	order(event.ProductionOrderCompleted, "po-1", event.ProductionOrder{ActualQuantity: 95})
	f.append(t, event.Draft{Type: event.RecipeCreated, AggregateType: "Recipe", AggregateID: "r3"})

	h, err := f.eng.ProductionHistory(ctx, time.Time{}, time.Time{}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(h.Orders))
	}
	po1 := h.Orders[0]
	if po1.OrderID != "po-1" || po1.Status != OrderCompleted || po1.ActualQty != 95 || len(po1.Events) != 3 {
		t.Errorf("po-1 = %+v", po1)
	}
	if h.Orders[1].RecipeName != "Unknown" || h.Orders[1].Status != OrderCancelled {
		t.Errorf("po-2 = %+v", h.Orders[1])
	}
	// Created at 08:00, completed at 08:04.
	if h.Stats.TotalOrders != 2 || h.Stats.Completed != 1 || h.Stats.Cancelled != 1 || h.Stats.AverageCompletionMinutes != 4 {
		t.Errorf("stats = %+v", h.Stats)
	}

	only, err := f.eng.ProductionHistory(ctx, time.Time{}, time.Time{}, "r2")
	if err != nil {
		t.Fatal(err)
	}
	if len(only.Orders) != 1 || only.Orders[0].OrderID != "po-2" {
		t.Errorf("recipe filter returned %+v", only.Orders)
	}
}

func TestTimeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.append(t, event.Draft{Type: event.StockReceived, AggregateType: "ProductMp", AggregateID: "7",
		Payload: event.StockMovement{Quantity: 50, Unit: "kg"}, Metadata: event.Metadata{UserID: "u1"}})
	f.append(t, movement(event.StockConsumed, "7", 2))
	last := f.append(t, movement(event.StockConsumed, "7", 3))

	tl, err := f.eng.Timeline(ctx, "ProductMp", "7")
	if err != nil {
		t.Fatal(err)
	}
	if tl.Summary.TotalEvents != 3 || tl.Summary.EventTypes[string(event.StockConsumed)] != 2 {
		t.Errorf("summary = %+v", tl.Summary)
	}
	if !tl.Summary.FirstEvent.Equal(first.CreatedAt) || !tl.Summary.LastEvent.Equal(last.CreatedAt) {
		t.Errorf("range = %v..%v", tl.Summary.FirstEvent, tl.Summary.LastEvent)
	}
	if tl.Events[0].Description != "Received 50 kg" || tl.Events[0].UserID != "u1" {
		t.Errorf("first entry = %+v", tl.Events[0])
	}
	if tl.Events[1].Description != "Consumed 2 units" {
		t.Errorf("second entry = %q", tl.Events[1].Description)
	}

	empty, err := f.eng.Timeline(ctx, "ProductMp", "none")
	if err != nil {
		t.Fatal(err)
	}
	if empty.Summary.FirstEvent != nil || len(empty.Events) != 0 {
		t.Errorf("empty timeline = %+v", empty)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		e    event.DomainEvent
		want string
	}{
		{event.DomainEvent{Type: event.StockAdjusted, Payload: []byte(`{"adjustment":-4}`)}, "Stock adjusted by -4"},
		{event.DomainEvent{Type: event.ProductionOrderCreated, Payload: []byte(`{"orderNumber":"OF-12"}`)}, "Production order created: OF-12"},
		{event.DomainEvent{Type: event.ProductionOrderStarted, Payload: []byte(`null`)}, "Production started"},
		{event.DomainEvent{Type: event.ProductionOrderCompleted, Payload: []byte(`{"actualQuantity":12}`)}, "Production completed: 12 units"},
		{event.DomainEvent{Type: event.AlertCreated, Payload: []byte(`{"message":"low stock"}`)}, "Alert created: low stock"},
		{event.DomainEvent{Type: event.AlertAcknowledged, Payload: []byte(`{}`)}, "Alert acknowledged"},
		{event.DomainEvent{Type: event.SupplierCreated, Payload: []byte(`{}`)}, "SUPPLIER_CREATED"},
		{event.DomainEvent{Type: event.StockReceived, Payload: []byte(`{"quantity":"x"}`)}, "STOCK_RECEIVED"},
	}
	for _, tt := range tests {
		if got := Describe(tt.e); got != tt.want {
			t.Errorf("Describe(%s) = %q, want %q", tt.e.Type, got, tt.want)
		}
	}
}

func TestCorrelatedEventsAndTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batch, err := f.store.AppendBatch(ctx, []event.Draft{
		movement(event.StockConsumed, "7", 1),
		{Type: event.ProductionOrderStarted, AggregateType: "ProductionOrder", AggregateID: "po"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	f.append(t, movement(event.StockReceived, "7", 1))

	got, err := f.eng.CorrelatedEvents(ctx, batch[0].Metadata.CorrelationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d correlated events, want 2", len(got))
	}

	types := EventTypes()
	if len(types) != len(event.Types()) {
		t.Errorf("EventTypes() has %d entries, want %d", len(types), len(event.Types()))
	}
	for _, ti := range types {
		if ti.Category == "" {
			t.Errorf("%s has no category", ti.Type)
		}
	}
}
