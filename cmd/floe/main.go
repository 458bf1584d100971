package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rendis/floe/internal/engine"
	"github.com/rendis/floe/internal/loader"
	"github.com/rendis/floe/internal/logging"
	"github.com/rendis/floe/internal/nodes"
	"github.com/rendis/floe/internal/schedule"
	"github.com/rendis/floe/internal/store"
	"github.com/rendis/floe/pkg/mcp"
	"github.com/rendis/floe/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "schedule":
		runSchedule(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: floe <command> [flags]

commands:
  run       execute a flow file and print the final snapshot
  serve     expose flows as MCP tools over stdio
  schedule  run flows on cron expressions
  validate  compile-check a flow file without running it`)
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	flowPath := fs.String("flow", "", "path to the flow file (required)")
	inputJSON := fs.String("input", "", "flow input as a JSON object")
	runID := fs.String("run-id", "", "run ID to assign or resume (default: generated)")
	dbPath := fs.String("db", "", "libsql database path (default: in-memory store)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *flowPath == "" {
		fatal("run: -flow is required")
	}

	logger := newLogger(*logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, err := loader.LoadFile(*flowPath)
	if err != nil {
		fatal("load flow: %v", err)
	}

	var input map[string]any
	if *inputJSON != "" {
		if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
			fatal("parse -input: %v", err)
		}
	}

	st := openStore(ctx, *dbPath)
	defer func() { _ = st.Close() }()

	cfg := engine.RuntimeConfig{
		Flow:     def,
		Registry: builtinRegistry(),
		Store:    st,
		Logger:   logger,
		RunID:    *runID,
		Input:    input,
	}

	// An existing snapshot under this run ID means resume.
	if *runID != "" {
		snap, loadErr := st.LoadSnapshot(ctx, *runID)
		if loadErr != nil {
			fatal("load snapshot: %v", loadErr)
		}
		if snap != nil {
			cfg.Snapshot = snap
		}
	}

	rt, err := engine.NewRuntime(cfg)
	if err != nil {
		fatal("compile flow: %v", err)
	}

	snap, runErr := rt.Run(ctx)
	if runErr != nil {
		logger.Error("run failed", "run_id", rt.RunID(), "error", runErr)
	}
	printSnapshot(snap)
	if runErr != nil || (snap != nil && snap.Status == schema.RunStatusFailed) {
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	flowsDir := fs.String("flows", "", "directory of flow files to register")
	dbPath := fs.String("db", "", "libsql database path (default: in-memory store)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(*logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flows := map[string]*schema.FlowDefinition{}
	if *flowsDir != "" {
		var err error
		flows, err = loader.LoadDir(*flowsDir)
		if err != nil {
			fatal("load flows: %v", err)
		}
	}

	st := openStore(ctx, *dbPath)
	defer func() { _ = st.Close() }()

	srv := mcp.NewFloeServer(mcp.FloeServerDeps{
		Registry: builtinRegistry(),
		Store:    st,
		Flows:    flows,
		Logger:   logger,
	})

	logger.Info("floe MCP server listening on stdio", "flows", len(flows))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatal("serve: %v", err)
	}
}

// cronSpecs collects repeated -every flags of the form "flow=cron expr".
type cronSpecs map[string]string

func (c cronSpecs) String() string { return fmt.Sprintf("%v", map[string]string(c)) }

func (c cronSpecs) Set(v string) error {
	name, expr, ok := strings.Cut(v, "=")
	if !ok || name == "" || expr == "" {
		return fmt.Errorf("expected <flow>=<cron expression>, got %q", v)
	}
	c[name] = expr
	return nil
}

// storeRunner launches one Runtime per trigger, sharing the store.
type storeRunner struct {
	registry *nodes.Registry
	store    store.RunStore
	logger   *slog.Logger
}

func (r *storeRunner) RunFlow(ctx context.Context, def *schema.FlowDefinition, input map[string]any) error {
	rt, err := engine.NewRuntime(engine.RuntimeConfig{
		Flow:     def,
		Registry: r.registry,
		Store:    r.store,
		Logger:   r.logger,
		Input:    input,
	})
	if err != nil {
		return err
	}
	snap, err := rt.Run(ctx)
	if err != nil {
		return err
	}
	if snap.Status == schema.RunStatusFailed {
		return schema.NewErrorf(schema.ErrCodeNodeFailed, "run %s failed", snap.RunID)
	}
	return nil
}

func runSchedule(args []string) {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	flowsDir := fs.String("flows", "", "directory of flow files (required)")
	dbPath := fs.String("db", "", "libsql database path (default: in-memory store)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	specs := cronSpecs{}
	fs.Var(specs, "every", "schedule spec <flow>=<cron expression> (repeatable)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *flowsDir == "" {
		fatal("schedule: -flows is required")
	}
	if len(specs) == 0 {
		fatal("schedule: at least one -every spec is required")
	}

	logger := newLogger(*logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flows, err := loader.LoadDir(*flowsDir)
	if err != nil {
		fatal("load flows: %v", err)
	}

	st := openStore(ctx, *dbPath)
	defer func() { _ = st.Close() }()

	sched := schedule.NewScheduler(&storeRunner{
		registry: builtinRegistry(),
		store:    st,
		logger:   logger,
	}, logger)

	for name, expr := range specs {
		def, ok := flows[name]
		if !ok {
			fatal("schedule: flow %q not found in %s", name, *flowsDir)
		}
		if err := sched.Add(&schedule.Entry{ID: name, CronExpr: expr, Flow: def}); err != nil {
			fatal("schedule %s: %v", name, err)
		}
	}

	if err := sched.Start(ctx); err != nil {
		fatal("start scheduler: %v", err)
	}
	<-ctx.Done()
	_ = sched.Stop()
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	flowPath := fs.String("flow", "", "path to the flow file (required)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *flowPath == "" {
		fatal("validate: -flow is required")
	}

	def, err := loader.LoadFile(*flowPath)
	if err != nil {
		fatal("load flow: %v", err)
	}
	if _, err := engine.NewRuntime(engine.RuntimeConfig{
		Flow:     def,
		Registry: builtinRegistry(),
	}); err != nil {
		fatal("invalid flow: %v", err)
	}
	fmt.Printf("flow %q is valid\n", def.Name)
}

func builtinRegistry() *nodes.Registry {
	reg := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(reg); err != nil {
		fatal("register builtins: %v", err)
	}
	return reg
}

func openStore(ctx context.Context, dbPath string) store.RunStore {
	if dbPath == "" {
		return store.NewMemoryStore()
	}
	st, err := store.NewLibSQLStore(ctx, dbPath)
	if err != nil {
		fatal("open store: %v", err)
	}
	return st
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(handler))
	slog.SetDefault(logger)
	return logger
}

func printSnapshot(snap *schema.RunSnapshot) {
	if snap == nil {
		return
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fatal("marshal snapshot: %v", err)
	}
	fmt.Println(string(data))
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
