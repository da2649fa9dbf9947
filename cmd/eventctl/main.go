package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Mokksdz/manchengo-sub003/internal/client"
	"github.com/Mokksdz/manchengo-sub003/internal/config"
	"github.com/Mokksdz/manchengo-sub003/internal/daemon"
	"github.com/Mokksdz/manchengo-sub003/internal/eventstore"
	"github.com/Mokksdz/manchengo-sub003/internal/instance"
	"github.com/Mokksdz/manchengo-sub003/internal/replay"
	"github.com/Mokksdz/manchengo-sub003/internal/stock"
	"github.com/Mokksdz/manchengo-sub003/internal/store"
	"go.uber.org/zap"
)

// env is what every command runs against.
type env struct {
	paths   instance.Paths
	db      *store.DB
	store   *eventstore.Store
	engine  *replay.Engine
	checker *stock.Checker
	jsonOut bool
}

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	rootFlag := flag.String("root", instance.DefaultRoot(), "data root directory")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	name := instance.Resolve(*rootFlag, *instanceFlag)
	if err := instance.ValidateName(name); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	paths := instance.New(*rootFlag, name)
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "health":
		fail(cmdHealth(ctx, paths, *jsonFlag))
		return
	case "types":
		outputTypes(*jsonFlag)
		return
	}

	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	e, err := open(ctx, paths, *rootFlag)
	if err != nil {
		fail(err)
	}
	defer func() { _ = e.db.Close() }()
	e.jsonOut = *jsonFlag

	if err := run(ctx, e, rest); err != nil {
		_ = e.db.Close()
		fail(err)
	}
}

// open reads the instance's log without taking the daemon lock. SQLite in WAL
// mode lets readers run next to the daemon's writes.
func open(ctx context.Context, paths instance.Paths, root string) (*env, error) {
	if _, err := os.Stat(paths.DBPath()); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no event log for instance %q (%s)", paths.Name, paths.DBPath())
	}
	cfg, err := config.LoadOrDefault(instance.ConfigPath(root))
	if err != nil {
		return nil, err
	}
	db, err := store.Open(paths.DBPath())
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	es := eventstore.New(db, logger,
		eventstore.WithSearchLimits(cfg.Store.SearchDefaultLimit, cfg.Store.SearchMaxLimit),
		eventstore.WithStreamBatchSize(cfg.Store.StreamBatchSize),
	)
	if err := es.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	eng := replay.New(es, logger,
		replay.WithBatchSize(cfg.Replay.BatchSize),
		replay.WithPageSize(cfg.Replay.PageSize),
	)
	return &env{
		paths:   paths,
		db:      db,
		store:   es,
		engine:  eng,
		checker: stock.NewChecker(db, eng),
	}, nil
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: eventctl [--instance <name>] [--root <dir>] [--json] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  health                                   Show daemon health")
	fmt.Fprintln(os.Stderr, "  stats                                    Show event log statistics")
	fmt.Fprintln(os.Stderr, "  version                                  Show the current log version")
	fmt.Fprintln(os.Stderr, "  get <id>                                 Show one event")
	fmt.Fprintln(os.Stderr, "  aggregate [--from N] <type> <id>         List the events of an aggregate")
	fmt.Fprintln(os.Stderr, "  search [filters]                         Search the log (see search --help)")
	fmt.Fprintln(os.Stderr, "  correlation <id>                         List events sharing a correlation id")
	fmt.Fprintln(os.Stderr, "  timeline <type> <id>                     Describe the history of an aggregate")
	fmt.Fprintln(os.Stderr, "  stock-history [--from D] [--to D] <id>   Running balance of a product")
	fmt.Fprintln(os.Stderr, "  production-history [--from D] [--to D] [--recipe ID]")
	fmt.Fprintln(os.Stderr, "                                           Production orders and stats")
	fmt.Fprintln(os.Stderr, "  verify-stock <id>                        Compare the stock view with a replay")
	fmt.Fprintln(os.Stderr, "  types                                    List event types")
}

func cmdHealth(ctx context.Context, paths instance.Paths, jsonOut bool) error {
	c, err := client.New(paths.SocketPath())
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for instance %q: %w", paths.Name, err)
	}
	defer func() { _ = c.Close() }()

	st, err := c.Status(ctx, daemon.HealthService)
	if err != nil {
		return fmt.Errorf("daemon for instance %q is not reachable: %w", paths.Name, err)
	}
	if jsonOut {
		outputJSON(map[string]string{"instance": paths.Name, "status": st.String()})
		return nil
	}
	fmt.Printf("Instance: %s\n", paths.Name)
	fmt.Printf("Status:   %s\n", st)
	return nil
}

func fail(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
