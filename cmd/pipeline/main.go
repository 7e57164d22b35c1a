// Command pipeline runs the incremental ingest and load tasks.
//
// Usage:
//
//	pipeline -config config.yaml ingest|load|run|serve|cursor
//
// ingest, load and run exit 0 on success, 1 on a recoverable failure (safe to
// re-trigger) and 2 on a fatal failure (needs operator action).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/earn12345678/data-engineering-project/internal/config"
	"github.com/earn12345678/data-engineering-project/internal/failure"
	"github.com/earn12345678/data-engineering-project/internal/health"
	"github.com/earn12345678/data-engineering-project/internal/logging"
	"github.com/earn12345678/data-engineering-project/internal/pipeline"
)

const (
	exitSuccess     = 0
	exitRecoverable = 1
	exitFatal       = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] ingest|load|run|serve|cursor\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitFatal
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitFatal
	}

	logger, err := logging.New(logging.Config{
		Service:     cfg.Service.Name,
		Environment: cfg.Service.Environment,
		Level:       cfg.Service.LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return exitFatal
	}
	defer logger.Sync()

	if err := checkCommand(cfg, command); err != nil {
		logger.Error("command not runnable with this configuration", zap.Error(err))
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "ingest":
		return runTask(ctx, cfg, logger, true, false, func(p *pipeline.Pipeline, ctx context.Context) []pipeline.Report {
			return []pipeline.Report{p.RunIngest(ctx)}
		})
	case "load":
		return runTask(ctx, cfg, logger, false, true, func(p *pipeline.Pipeline, ctx context.Context) []pipeline.Report {
			return []pipeline.Report{p.RunLoad(ctx)}
		})
	case "run":
		return runTask(ctx, cfg, logger, true, true, func(p *pipeline.Pipeline, ctx context.Context) []pipeline.Report {
			return p.RunCycle(ctx)
		})
	case "serve":
		return serve(ctx, cfg, logger)
	case "cursor":
		return printCursor(ctx, cfg, logger)
	default:
		logger.Error("unknown command", zap.String("command", command))
		flag.Usage()
		return exitFatal
	}
}

// runTask builds the requested components, runs fn once and maps the last
// report onto the exit code. Reports are printed to stdout as JSON lines.
func runTask(ctx context.Context, cfg *config.Config, logger *zap.Logger, ingest, load bool, fn func(*pipeline.Pipeline, context.Context) []pipeline.Report) int {
	c, err := build(ctx, cfg, logger, ingest, load)
	defer closeComponents(c, logger)
	if err != nil {
		return startupFailure(logger, err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Service.TaskTimeout.Std())
	defer cancel()

	reports := fn(c.pipeline, ctx)
	enc := json.NewEncoder(os.Stdout)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			logger.Warn("failed to write report", zap.Error(err))
		}
	}
	return reports[len(reports)-1].ExitCode()
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	c, err := build(ctx, cfg, logger, true, true)
	defer closeComponents(c, logger)
	if err != nil {
		return startupFailure(logger, err)
	}

	srv := health.NewServer(c.pipeline, c.store, c.metrics, logger.Named("health"), cfg.Service.TaskTimeout.Std())
	if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Service.HealthPort)); err != nil {
		logger.Error("health server failed", zap.Error(err))
		return exitRecoverable
	}
	return exitSuccess
}

func printCursor(ctx context.Context, cfg *config.Config, logger *zap.Logger) int {
	c, err := build(ctx, cfg, logger, false, false)
	defer closeComponents(c, logger)
	if err != nil {
		return startupFailure(logger, err)
	}

	cur, err := c.store.Load(ctx)
	if err != nil {
		return startupFailure(logger, err)
	}
	if cur.IsZero() {
		fmt.Println("no cursor stored")
		return exitSuccess
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cur); err != nil {
		logger.Error("failed to print cursor", zap.Error(err))
		return exitRecoverable
	}
	return exitSuccess
}

// checkCommand rejects ingest and load on their own when the log is in
// memory: the records would leave with the process.
func checkCommand(cfg *config.Config, command string) error {
	if cfg.Log.Backend != "memory" {
		return nil
	}
	switch command {
	case "ingest", "load":
		return fmt.Errorf("%s needs a durable log; the memory log only supports run and serve", command)
	}
	return nil
}

func startupFailure(logger *zap.Logger, err error) int {
	logger.Error("startup failed", zap.Error(err), zap.String("kind", failure.KindOf(err).String()))
	if failure.IsFatal(err) {
		return exitFatal
	}
	return exitRecoverable
}

func closeComponents(c *components, logger *zap.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("failed to close components", zap.Error(err))
	}
}
