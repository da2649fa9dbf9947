package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/event"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"github.com/Mokksdz/manchengo-sub003/internal/replay"
	"github.com/Mokksdz/manchengo-sub003/internal/stock"
)

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"stats":              cmdStats,
	"version":            cmdVersion,
	"get":                cmdGet,
	"aggregate":          cmdAggregate,
	"search":             cmdSearch,
	"correlation":        cmdCorrelation,
	"timeline":           cmdTimeline,
	"stock-history":      cmdStockHistory,
	"production-history": cmdProductionHistory,
	"verify-stock":       cmdVerifyStock,
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func wantArgs(fs *flag.FlagSet, n int, usage string) error {
	if fs.NArg() != n {
		return fmt.Errorf("usage: eventctl %s %s", fs.Name(), usage)
	}
	return nil
}

func cmdStats(ctx context.Context, e *env, _ []string) error {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(st)
		return nil
	}
	fmt.Printf("Instance:        %s\n", e.paths.Name)
	fmt.Printf("Total events:    %d\n", st.TotalEvents)
	fmt.Printf("Current version: %d\n", st.CurrentVersion)
	fmt.Printf("Last 24h:        %d\n", st.Last24h)
	fmt.Printf("Last 7d:         %d\n", st.Last7d)
	fmt.Println("By category:")
	for _, c := range event.Categories() {
		if n := st.ByCategory[string(c)]; n > 0 {
			fmt.Printf("  %-14s %d\n", c, n)
		}
	}
	return nil
}

func cmdVersion(_ context.Context, e *env, _ []string) error {
	v := e.store.CurrentVersion()
	if e.jsonOut {
		outputJSON(map[string]int64{"version": v})
		return nil
	}
	fmt.Println(v)
	return nil
}

func cmdGet(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("get")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<id>"); err != nil {
		return err
	}
	ev, err := e.store.GetByID(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("event %q not found", fs.Arg(0))
	}
	if e.jsonOut {
		outputJSON(ev)
		return nil
	}
	printEvents([]event.DomainEvent{*ev})
	fmt.Printf("  payload: %s\n", ev.Payload)
	return nil
}

func cmdAggregate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("aggregate")
	from := fs.Int64("from", 0, "only events after this version")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "[--from N] <type> <id>"); err != nil {
		return err
	}
	events, err := e.store.GetByAggregate(ctx, fs.Arg(0), fs.Arg(1), *from)
	if err != nil {
		return err
	}
	return output(e, events)
}

func cmdSearch(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("search")
	var c eventstore.Criteria
	var types, categories listFlag
	var from, to timeFlag
	fs.StringVar(&c.AggregateType, "aggregate-type", "", "aggregate type")
	fs.StringVar(&c.AggregateID, "aggregate-id", "", "aggregate id")
	fs.Var(&types, "type", "event type (repeatable or comma separated)")
	fs.Var(&categories, "category", "event category (repeatable or comma separated)")
	fs.StringVar(&c.UserID, "user", "", "user id")
	fs.StringVar(&c.CorrelationID, "correlation", "", "correlation id")
	fs.Var(&from, "from", "earliest date (YYYY-MM-DD or RFC 3339)")
	fs.Var(&to, "to", "latest date (YYYY-MM-DD or RFC 3339)")
	fs.Int64Var(&c.FromVersion, "from-version", 0, "lowest version")
	fs.Int64Var(&c.ToVersion, "to-version", 0, "highest version")
	fs.IntVar(&c.Limit, "limit", 0, "page size")
	fs.IntVar(&c.Offset, "offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, t := range types {
		c.EventTypes = append(c.EventTypes, event.Type(t))
	}
	for _, cat := range categories {
		c.Categories = append(c.Categories, event.Category(cat))
	}
	c.FromDate, c.ToDate = from.t, to.t

	res, err := e.store.Search(ctx, c)
	if err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(res)
		return nil
	}
	printEvents(res.Events)
	fmt.Printf("%d of %d", len(res.Events), res.Total)
	if res.HasMore {
		fmt.Print(" (more)")
	}
	fmt.Println()
	return nil
}

func cmdCorrelation(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("correlation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<correlation-id>"); err != nil {
		return err
	}
	events, err := e.engine.CorrelatedEvents(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return output(e, events)
}

func cmdTimeline(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("timeline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "<type> <id>"); err != nil {
		return err
	}
	tl, err := e.engine.Timeline(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(tl)
		return nil
	}
	for _, entry := range tl.Events {
		fmt.Printf("%s  v%-6d %s\n", entry.Timestamp.Format(time.DateTime), entry.Version, entry.Description)
	}
	fmt.Printf("%d events\n", tl.Summary.TotalEvents)
	return nil
}

func cmdStockHistory(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("stock-history")
	var from, to timeFlag
	fs.Var(&from, "from", "earliest date")
	fs.Var(&to, "to", "latest date")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "[--from D] [--to D] <product-id>"); err != nil {
		return err
	}
	h, err := e.engine.StockHistory(ctx, fs.Arg(0), from.t, to.t)
	if err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(h)
		return nil
	}
	for _, m := range h.History {
		fmt.Printf("%s  %-18s %+10g  %10g\n", m.Date.Format(time.DateTime), m.EventType, m.Quantity, m.Balance)
	}
	fmt.Printf("In: %g  Out: %g  Balance: %g\n", h.TotalIn, h.TotalOut, h.FinalBalance)
	return nil
}

func cmdProductionHistory(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("production-history")
	var from, to timeFlag
	fs.Var(&from, "from", "earliest date")
	fs.Var(&to, "to", "latest date")
	recipe := fs.String("recipe", "", "only orders of this recipe")
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, err := e.engine.ProductionHistory(ctx, from.t, to.t, *recipe)
	if err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(h)
		return nil
	}
	for _, o := range h.Orders {
		fmt.Printf("%-12s %-20s %-12s planned %g actual %g\n", o.OrderID, o.RecipeName, o.Status, o.PlannedQty, o.ActualQty)
	}
	fmt.Printf("Orders: %d  Completed: %d  Cancelled: %d  Avg completion: %.1f min\n",
		h.Stats.TotalOrders, h.Stats.Completed, h.Stats.Cancelled, h.Stats.AverageCompletionMinutes)
	return nil
}

func cmdVerifyStock(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("verify-stock")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<product-id>"); err != nil {
		return err
	}
	current, err := e.checker.Current(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	v, err := e.checker.Verify(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if e.jsonOut {
		outputJSON(stockVerification{
			Consistent:    v.Consistent,
			Materialized:  current,
			Reconstructed: v.Reconstructed,
			Differences:   v.Differences,
		})
		return nil
	}
	if v.Consistent {
		fmt.Printf("consistent: balance %g at version %d\n", v.Reconstructed.Balance, v.Reconstructed.LastVersion)
		return nil
	}
	fmt.Printf("inconsistent: %s\n", v.Differences)
	return nil
}

type stockVerification struct {
	Consistent    bool        `json:"consistent"`
	Materialized  stock.Level `json:"materialized"`
	Reconstructed stock.Level `json:"reconstructed"`
	Differences   string      `json:"differences,omitempty"`
}

func outputTypes(jsonOut bool) {
	infos := replay.EventTypes()
	if jsonOut {
		outputJSON(infos)
		return
	}
	for _, info := range infos {
		fmt.Printf("%-28s %s\n", info.Type, info.Category)
	}
}

func output(e *env, events []event.DomainEvent) error {
	if e.jsonOut {
		outputJSON(events)
		return nil
	}
	if len(events) == 0 {
		fmt.Println("No events found.")
		return nil
	}
	printEvents(events)
	return nil
}

func printEvents(events []event.DomainEvent) {
	for _, ev := range events {
		fmt.Printf("v%-6d %s  %-28s %s/%s  %s\n",
			ev.Version, ev.CreatedAt.Format(time.DateTime), ev.Type, ev.AggregateType, ev.AggregateID, ev.ID)
	}
}

// listFlag collects repeated or comma separated values.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

// timeFlag accepts a date, an RFC 3339 timestamp or unix milliseconds.
type timeFlag struct{ t time.Time }

func (f *timeFlag) String() string {
	if f.t.IsZero() {
		return ""
	}
	return f.t.Format(time.RFC3339)
}

func (f *timeFlag) Set(v string) error {
	t, err := parseTime(v)
	if err != nil {
		return err
	}
	f.t = t
	return nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD, RFC 3339 or unix milliseconds", v)
}
