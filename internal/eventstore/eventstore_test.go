package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testStore(t *testing.T) (*Store, *store.DB) {
	t.Helper()
	db := testDB(t)
	s := New(db, zap.NewNop())
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, db
}

func stockDraft(productID string, qty float64) event.Draft {
	return event.Draft{
		Type:          event.StockReceived,
		AggregateType: "ProductMp",
		AggregateID:   productID,
		Payload:       event.StockMovement{Quantity: qty, MovementType: "IN"},
	}
}

func TestAppendBeforeInit(t *testing.T) {
	s := New(testDB(t), zap.NewNop())
	_, err := s.Append(context.Background(), stockDraft("1", 1))
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("err = %v, want ErrNotInitialized", err)
	}
}

func TestAppendAndReadBack(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	before := s.CurrentVersion()
	e, err := s.Append(ctx, event.Draft{
		Type:          event.StockReceived,
		AggregateType: "ProductMp",
		AggregateID:   "7",
		Payload:       map[string]any{"quantity": 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Category != event.CategoryStock {
		t.Errorf("category = %q, want defaulted to STOCK", e.Category)
	}
	if e.Metadata.CorrelationID == "" {
		t.Error("correlation id was not generated")
	}

	got, err := s.GetByAggregate(ctx, "ProductMp", "7", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Version != before+1 {
		t.Errorf("version = %d, want %d", got[0].Version, before+1)
	}
	var p struct {
		Quantity float64 `json:"quantity"`
	}
	if err := json.Unmarshal(got[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Quantity != 50 {
		t.Errorf("payload quantity = %v, want 50", p.Quantity)
	}

	byID, err := s.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if byID == nil || byID.Version != e.Version {
		t.Errorf("GetByID() = %+v, want version %d", byID, e.Version)
	}
	missing, err := s.GetByID(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("GetByID() for unknown id should be nil")
	}
}

func TestAppendRejectsInvalidDrafts(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		draft event.Draft
	}{
		{"unknown type", event.Draft{Type: "NOPE", AggregateType: "X", AggregateID: "1"}},
		{"unknown category", event.Draft{Type: event.StockReceived, Category: "NOPE", AggregateType: "X", AggregateID: "1"}},
		{"missing aggregate", event.Draft{Type: event.StockReceived}},
		{"unmarshalable payload", event.Draft{Type: event.StockReceived, AggregateType: "X", AggregateID: "1", Payload: make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.draft)
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("err = %v, want ErrInvalidEvent", err)
			}
		})
	}
	if v := s.CurrentVersion(); v != 0 {
		t.Errorf("version = %d after rejected drafts, want 0", v)
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	versions := make(chan int64, n)
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.Append(ctx, stockDraft(string(rune('a'+i%5)), 1))
			if err != nil {
				errs <- err
				return
			}
			versions <- e.Version
		}(i)
	}
	wg.Wait()
	close(versions)
	close(errs)

	for err := range errs {
		t.Fatal(err)
	}
	var got []int64
	for v := range versions {
		got = append(got, v)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != n {
		t.Fatalf("got %d versions, want %d", len(got), n)
	}
	for i, v := range got {
		if v != int64(i+1) {
			t.Fatalf("versions = %v, want 1..%d without gaps", got, n)
		}
	}
	if s.CurrentVersion() != n {
		t.Errorf("CurrentVersion() = %d, want %d", s.CurrentVersion(), n)
	}
}

func TestFailedAppendReleasesVersion(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()

	if _, err := db.Exec(`CREATE TRIGGER reject_boom BEFORE INSERT ON domain_events
		WHEN NEW.aggregate_id = 'boom' BEGIN SELECT RAISE(ABORT, 'boom'); END;`); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Append(ctx, stockDraft("1", 1)); err != nil {
		t.Fatal(err)
	}

	_, err := s.Append(ctx, stockDraft("boom", 1))
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
	if werr.FirstVersion != 2 || werr.LastVersion != 2 {
		t.Errorf("write error versions = %d-%d, want 2-2", werr.FirstVersion, werr.LastVersion)
	}
	if v := s.CurrentVersion(); v != 1 {
		t.Errorf("CurrentVersion() = %d after failure, want 1", v)
	}

	e, err := s.Append(ctx, stockDraft("2", 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 2 {
		t.Errorf("next version = %d, want 2 (released version reused)", e.Version)
	}
}

func TestFailedBatchIsAllOrNothing(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()

	if _, err := db.Exec(`CREATE TRIGGER reject_boom BEFORE INSERT ON domain_events
		WHEN NEW.aggregate_id = 'boom' BEGIN SELECT RAISE(ABORT, 'boom'); END;`); err != nil {
		t.Fatal(err)
	}

	_, err := s.AppendBatch(ctx, []event.Draft{stockDraft("1", 1), stockDraft("boom", 1), stockDraft("3", 1)}, "")
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
	if werr.FirstVersion != 1 || werr.LastVersion != 3 {
		t.Errorf("write error versions = %d-%d, want 1-3", werr.FirstVersion, werr.LastVersion)
	}
	if v := s.CurrentVersion(); v != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", v)
	}
	n, err := db.CountEvents(ctx, store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("persisted %d events of a failed batch, want 0", n)
	}
}

func TestVersionConflictResyncs(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, stockDraft("1", 1)); err != nil {
		t.Fatal(err)
	}

	// Another writer claims version 2 behind the store's back.
	foreign := event.DomainEvent{
		ID:            "foreign",
		Version:       2,
		Type:          event.StockConsumed,
		Category:      event.CategoryStock,
		AggregateType: "ProductMp",
		AggregateID:   "1",
		CreatedAt:     time.Now(),
	}
	if err := db.InsertEvents(ctx, []event.DomainEvent{foreign}); err != nil {
		t.Fatal(err)
	}

	e, err := s.Append(ctx, stockDraft("1", 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 3 {
		t.Errorf("version = %d, want 3 after resync", e.Version)
	}
	if v := s.CurrentVersion(); v != 3 {
		t.Errorf("CurrentVersion() = %d, want 3", v)
	}
}

func TestAppendBatchSharesCorrelation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	events, err := s.AppendBatch(ctx, []event.Draft{
		stockDraft("A", 1),
		{Type: event.ProductionOrderCreated, AggregateType: "ProductionOrder", AggregateID: "B"},
		stockDraft("C", 3),
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	corr := events[0].Metadata.CorrelationID
	if corr == "" {
		t.Fatal("correlation id was not generated")
	}
	for i, e := range events {
		if e.Metadata.CorrelationID != corr {
			t.Errorf("event %d correlation = %q, want %q", i, e.Metadata.CorrelationID, corr)
		}
		if e.Version != int64(i+1) {
			t.Errorf("event %d version = %d, want %d", i, e.Version, i+1)
		}
	}

	persisted, err := s.GetByCorrelation(ctx, corr)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 3 {
		t.Errorf("GetByCorrelation() returned %d events, want 3", len(persisted))
	}

	explicit, err := s.AppendBatch(ctx, []event.Draft{stockDraft("D", 1)}, "given")
	if err != nil {
		t.Fatal(err)
	}
	if explicit[0].Metadata.CorrelationID != "given" {
		t.Errorf("correlation = %q, want given", explicit[0].Metadata.CorrelationID)
	}

	empty, err := s.AppendBatch(ctx, nil, "")
	if err != nil || empty != nil {
		t.Errorf("AppendBatch(nil) = %v, %v; want nil, nil", empty, err)
	}
}

func TestGetByAggregateOrdering(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	// Interleave two aggregates.
	var want []int64
	for i := range 6 {
		id := "odd"
		if i%2 == 0 {
			id = "even"
		}
		e, err := s.Append(ctx, stockDraft(id, float64(i)))
		if err != nil {
			t.Fatal(err)
		}
		if id == "even" {
			want = append(want, e.Version)
		}
	}

	got, err := s.GetByAggregate(ctx, "ProductMp", "even", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i].Version != want[i] {
			t.Errorf("event %d version = %d, want %d", i, got[i].Version, want[i])
		}
	}

	after, err := s.GetByAggregate(ctx, "ProductMp", "even", want[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(want)-1 || after[0].Version != want[1] {
		t.Errorf("fromVersion is not an exclusive bound: got %d events", len(after))
	}
}

func TestSearchPagination(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for i := range 15 {
		if _, err := s.Append(ctx, stockDraft(string(rune('a'+i)), 1)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Append(ctx, event.Draft{Type: event.UserLoggedIn, AggregateType: "User", AggregateID: "u"}); err != nil {
		t.Fatal(err)
	}

	first, err := s.Search(ctx, Criteria{Categories: []event.Category{event.CategoryStock}, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Events) != 10 || first.Total != 15 || !first.HasMore {
		t.Errorf("first page: %d events, total %d, hasMore %v; want 10, 15, true",
			len(first.Events), first.Total, first.HasMore)
	}

	second, err := s.Search(ctx, Criteria{Categories: []event.Category{event.CategoryStock}, Limit: 10, Offset: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Events) != 5 || second.Total != 15 || second.HasMore {
		t.Errorf("second page: %d events, total %d, hasMore %v; want 5, 15, false",
			len(second.Events), second.Total, second.HasMore)
	}
	if second.Events[0].Version != first.Events[9].Version+1 {
		t.Errorf("pages are not contiguous: %d after %d", second.Events[0].Version, first.Events[9].Version)
	}
}

func TestSearchLimits(t *testing.T) {
	db := testDB(t)
	s := New(db, zap.NewNop(), WithSearchLimits(2, 3))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	for i := range 5 {
		if _, err := s.Append(ctx, stockDraft(string(rune('a'+i)), 1)); err != nil {
			t.Fatal(err)
		}
	}

	def, err := s.Search(ctx, Criteria{})
	if err != nil {
		t.Fatal(err)
	}
	if len(def.Events) != 2 {
		t.Errorf("default page = %d events, want 2", len(def.Events))
	}
	capped, err := s.Search(ctx, Criteria{Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	if len(capped.Events) != 3 || !capped.HasMore {
		t.Errorf("capped page = %d events (hasMore %v), want 3 and true", len(capped.Events), capped.HasMore)
	}

	none, err := s.Search(ctx, Criteria{AggregateID: "zzz"})
	if err != nil {
		t.Fatal(err)
	}
	if none.Events == nil || len(none.Events) != 0 || none.Total != 0 {
		t.Errorf("empty search = %+v, want empty non-nil page", none)
	}
}

func TestSearchUserAndCorrelationCombine(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	drafts := []struct {
		user, corr string
	}{
		{"u1", "c1"}, {"u1", "c2"}, {"u2", "c1"},
	}
	for _, d := range drafts {
		dr := stockDraft("1", 1)
		dr.Metadata = event.Metadata{UserID: d.user, CorrelationID: d.corr}
		if _, err := s.Append(ctx, dr); err != nil {
			t.Fatal(err)
		}
	}

	res, err := s.Search(ctx, Criteria{UserID: "u1", CorrelationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || res.Events[0].Version != 1 {
		t.Errorf("got total %d, want only version 1", res.Total)
	}
}

func TestStreamBatches(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for i := range 7 {
		if _, err := s.Append(ctx, stockDraft("1", float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	var sizes []int
	var last int64
	for batch, err := range s.Stream(ctx, 0, 3) {
		if err != nil {
			t.Fatal(err)
		}
		sizes = append(sizes, len(batch))
		for _, e := range batch {
			if e.Version != last+1 {
				t.Fatalf("version %d follows %d", e.Version, last)
			}
			last = e.Version
		}
	}
	if len(sizes) != 3 || sizes[0] != 3 || sizes[1] != 3 || sizes[2] != 1 {
		t.Errorf("batch sizes = %v, want [3 3 1]", sizes)
	}

	// Restart from a later cursor.
	n := 0
	for batch, err := range s.Stream(ctx, 5, 10) {
		if err != nil {
			t.Fatal(err)
		}
		n += len(batch)
	}
	if n != 2 {
		t.Errorf("stream from 5 yielded %d events, want 2", n)
	}
}

func TestStreamStopsAtTail(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	for i := range 4 {
		if _, err := s.Append(ctx, stockDraft("1", float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	n := 0
	for batch, err := range s.Stream(ctx, 0, 2) {
		if err != nil {
			t.Fatal(err)
		}
		n += len(batch)
		// Events appended during the walk are past the captured tail.
		if _, err := s.Append(ctx, stockDraft("2", 1)); err != nil {
			t.Fatal(err)
		}
	}
	if n != 4 {
		t.Errorf("stream yielded %d events, want 4", n)
	}
}

func TestInitBootstrapsFromPersistedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	open := func() *store.DB {
		db, err := store.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := db.Migrate(); err != nil {
			t.Fatal(err)
		}
		return db
	}

	db := open()
	s := New(db, zap.NewNop())
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendBatch(ctx, []event.Draft{stockDraft("1", 1), stockDraft("1", 2)}, ""); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db = open()
	t.Cleanup(func() { _ = db.Close() })
	s = New(db, zap.NewNop())
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if v := s.CurrentVersion(); v != 2 {
		t.Fatalf("CurrentVersion() after reopen = %d, want 2", v)
	}
	e, err := s.Append(ctx, stockDraft("1", 3))
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 3 {
		t.Errorf("version after reopen = %d, want 3", e.Version)
	}
}

func TestStats(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-10 * 24 * time.Hour)
	db := testDB(t)
	s := New(db, zap.NewNop(), WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	// One old event, one three days old, two recent.
	for _, at := range []time.Time{now.Add(-10 * 24 * time.Hour), now.Add(-3 * 24 * time.Hour), now.Add(-time.Hour), now} {
		clock = at
		if _, err := s.Append(ctx, stockDraft("1", 1)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Append(ctx, event.Draft{Type: event.SystemStartup, AggregateType: "System", AggregateID: "x"}); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalEvents != 5 || st.CurrentVersion != 5 {
		t.Errorf("total %d / version %d, want 5 / 5", st.TotalEvents, st.CurrentVersion)
	}
	if st.ByCategory["STOCK"] != 4 || st.ByCategory["SYSTEM"] != 1 {
		t.Errorf("byCategory = %v", st.ByCategory)
	}
	if st.ByType[string(event.StockReceived)] != 4 {
		t.Errorf("byType = %v", st.ByType)
	}
	if st.Last24h != 3 || st.Last7d != 4 {
		t.Errorf("last24h %d / last7d %d, want 3 / 4", st.Last24h, st.Last7d)
	}
}
