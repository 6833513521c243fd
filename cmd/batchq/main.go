// Command batchq sends a batch of items to a remote HTTP endpoint with a
// bounded number of requests in flight, then reports what happened to each.
//
// Usage:
//
//	batchq send   -config c.yaml -input items.jsonl [-retry-rounds N] [-retry-wait 2s] [-report out.csv]
//	batchq resume -config c.yaml [-retry-rounds N] [-retry-wait 2s] [-report out.csv]
//	batchq report -config c.yaml [-format text|csv|json] [-status timeout,forbidden]
//	batchq delete -config c.yaml [-ids 12,13] [-uploaded]
//	batchq template list|publish|delete -config c.yaml [-name N] [-file tpl.json] [-override]
//
// When inspect.enabled is set, send and resume keep serving the inspection
// API after the batch finishes, until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/snehjoshi/batchq/internal/broker"
	"github.com/snehjoshi/batchq/internal/config"
	"github.com/snehjoshi/batchq/internal/metrics"
	"github.com/snehjoshi/batchq/internal/report"
	transphttp "github.com/snehjoshi/batchq/internal/transport/http"
	transportws "github.com/snehjoshi/batchq/internal/transport/websocket"
	"github.com/snehjoshi/batchq/internal/types"
)

const usage = `usage:
  batchq send   -config c.yaml -input items.jsonl [-retry-rounds N] [-retry-wait D] [-report out.csv]
  batchq resume -config c.yaml [-retry-rounds N] [-retry-wait D] [-report out.csv]
  batchq report -config c.yaml [-format text|csv|json] [-status s1,s2]
  batchq delete -config c.yaml [-ids id1,id2] [-uploaded]
  batchq template list    -config c.yaml [-name N]
  batchq template publish -config c.yaml -name N -file tpl.json [-override]
  batchq template delete  -config c.yaml -name N`

var errUsage = errors.New(usage)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "batchq: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "send":
		return runSend(ctx, args[1:], stdout, stderr)
	case "resume":
		return runResume(ctx, args[1:], stdout, stderr)
	case "report":
		return runReport(args[1:], stdout, stderr)
	case "delete":
		return runDelete(ctx, args[1:], stdout, stderr)
	case "template":
		return runTemplate(ctx, args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprintln(stdout, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
}

// ─── env ─────────────────────────────────────────────────────────────────────

// env is everything one command invocation builds from the config file.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Registry
	hub     *transportws.Hub
	broker  *broker.Broker
}

// loadConfig reads and validates the config file and installs the process
// logger it describes.
func loadConfig(configPath string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(stderr, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func setup(configPath string, stderr io.Writer) (*env, error) {
	// ── 1. Configuration and logger ──────────────────────────────────────────
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return nil, err
	}

	// ── 2. Metrics, progress feed and broker ─────────────────────────────────
	e := &env{cfg: cfg, logger: logger, metrics: &metrics.Registry{}, hub: transportws.NewHub(logger)}
	e.broker, err = broker.New(cfg,
		broker.WithMetrics(e.metrics),
		broker.WithObserver(e.hub),
		broker.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init broker: %w", err)
	}
	return e, nil
}

// serve starts the inspection API when it is enabled. The returned stop
// function shuts the server down and waits for it to exit; with hold set it
// first keeps serving until ctx ends.
func (e *env) serve(ctx context.Context) (stop func(hold bool) error) {
	if !e.cfg.Inspect.Enabled {
		return func(bool) error { return nil }
	}
	srv := transphttp.New(e.broker, e.cfg, e.metrics, e.hub, e.logger)

	serveErr := make(chan error, 1)
	go func() {
		e.logger.Info("inspection api listening", "addr", e.cfg.Inspect.Addr)
		if err := srv.ListenAndServe(""); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	return func(hold bool) error {
		if hold {
			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("inspection api: %w", err)
				}
				return nil
			}
		}
		e.logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			e.logger.Warn("server shutdown error", "err", err)
		}
		if err := <-serveErr; err != nil {
			return fmt.Errorf("inspection api: %w", err)
		}
		return nil
	}
}

func (e *env) close() {
	if err := e.broker.Close(); err != nil {
		e.logger.Warn("broker close error", "err", err)
	}
}

// ─── send / resume ───────────────────────────────────────────────────────────

type roundFlags struct {
	retryRounds int
	retryWait   time.Duration
	reportPath  string
}

func (rf *roundFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&rf.retryRounds, "retry-rounds", 0, "extra rounds over retryable items after the first")
	fs.DurationVar(&rf.retryWait, "retry-wait", 2*time.Second, "pause between rounds")
	fs.StringVar(&rf.reportPath, "report", "", "write the item table to this file (.json for JSON, CSV otherwise)")
}

func runSend(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to config file")
	inputPath := fs.String("input", "", "JSONL file with one item per line")
	var rf roundFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputPath == "" {
		return fmt.Errorf("send: -input is required\n%w", errUsage)
	}

	f, err := os.Open(*inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	lines, err := readInput(f)
	f.Close()
	if err != nil {
		return err
	}

	e, err := setup(*configPath, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	if n := e.broker.Size(); n > 0 {
		return fmt.Errorf("journal %s already holds %d items; use 'batchq resume'", e.cfg.Journal.Path, n)
	}

	stop := e.serve(ctx)

	appended, rejected, err := appendInput(e.broker, lines, filepath.Dir(*inputPath), e.logger)
	if err != nil {
		return errors.Join(err, stop(false))
	}
	e.logger.Info("batch queued", "items", appended, "rejected", rejected, "run_id", e.broker.RunID())

	if err := e.rounds(ctx, rf, stdout); err != nil {
		return errors.Join(err, stop(false))
	}
	return stop(true)
}

func runResume(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to config file")
	var rf roundFlags
	rf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := setup(*configPath, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	if e.cfg.Journal.Path == "" {
		return errors.New("resume: journal.path is not configured")
	}
	if e.broker.Size() == 0 {
		return fmt.Errorf("resume: journal %s is empty", e.cfg.Journal.Path)
	}
	stop := e.serve(ctx)

	if err := e.rounds(ctx, rf, stdout); err != nil {
		return errors.Join(err, stop(false))
	}
	return stop(true)
}

// rounds runs the first round plus up to rf.retryRounds caller-driven
// resubmissions of whatever is still retryable, then writes the report and
// the status summary.
func (e *env) rounds(ctx context.Context, rf roundFlags, stdout io.Writer) error {
	var roundErr error
	for i := 0; i <= rf.retryRounds; i++ {
		if i > 0 {
			if len(e.broker.Items(types.RetryableStatuses...)) == 0 {
				break
			}
			select {
			case <-ctx.Done():
			case <-time.After(rf.retryWait):
			}
			if ctx.Err() != nil {
				roundErr = ctx.Err()
				break
			}
		}
		sum, err := e.broker.Send(ctx)
		if err != nil {
			roundErr = err
			break
		}
		e.logger.Info("round done",
			"n", i+1,
			"round", sum.Round,
			"attempted", sum.Attempted,
			"duration_ms", sum.Duration().Milliseconds(),
		)
	}

	if rf.reportPath != "" {
		if err := writeReportFile(rf.reportPath, report.FromQueue(e.broker.Queue())); err != nil {
			return err
		}
	}
	if err := report.WriteSummary(stdout, e.broker.Counts()); err != nil {
		return err
	}
	if roundErr != nil {
		return fmt.Errorf("batch interrupted: %w", roundErr)
	}
	return nil
}

func writeReportFile(path string, rows []report.Row) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return report.WriteJSON(f, rows)
	}
	return report.WriteCSV(f, rows)
}

// ─── report ──────────────────────────────────────────────────────────────────

func runReport(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to config file")
	format := fs.String("format", "text", "text, csv or json")
	statusList := fs.String("status", "", "comma-separated statuses to include (default all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var statuses []types.Status
	for _, name := range strings.Split(*statusList, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s, ok := types.ParseStatus(name)
		if !ok {
			return fmt.Errorf("report: unknown status %q", name)
		}
		statuses = append(statuses, s)
	}

	e, err := setup(*configPath, stderr)
	if err != nil {
		return err
	}
	defer e.close()
	if e.cfg.Journal.Path == "" {
		return errors.New("report: journal.path is not configured")
	}

	rows := report.Table(e.broker.Items(statuses...))
	switch *format {
	case "text":
		if err := report.WriteText(stdout, rows, time.Now()); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		return report.WriteSummary(stdout, report.Summarize(e.broker.Items(statuses...)))
	case "csv":
		return report.WriteCSV(stdout, rows)
	case "json":
		return report.WriteJSON(stdout, rows)
	}
	return fmt.Errorf("report: unknown format %q", *format)
}
