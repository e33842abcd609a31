// Package main is the entry point for the order task engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ordertask/internal/alerting"
	"github.com/tathienbao/ordertask/internal/broker/paper"
	"github.com/tathienbao/ordertask/internal/config"
	"github.com/tathienbao/ordertask/internal/engine"
	"github.com/tathienbao/ordertask/internal/metrics"
	"github.com/tathienbao/ordertask/internal/order"
	"github.com/tathienbao/ordertask/internal/persistence"
	"github.com/tathienbao/ordertask/internal/types"
	"github.com/tathienbao/ordertask/internal/ui"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Order Task Engine - asynchronous order workflows over an event-driven host

Usage:
  ordertask <command> [options]

Commands:
  run        Start the engine against the configured host
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  ordertask run --config config.yaml
  ordertask run --config config.yaml --demo
  ordertask run --config config.yaml --watch
  ordertask validate --config config.yaml

Use "ordertask <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("ordertask version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Host: %s (fill delay %s)\n", cfg.Host.Type, cfg.FillDelay())
	fmt.Printf("  Rate limit: %.1f calls/s (burst %d)\n", cfg.Execution.RateLimitPerSecond, cfg.Execution.Burst)
	fmt.Printf("  Retries: %d every %s\n", cfg.Execution.MaxRetries, cfg.RetryDelay())
	fmt.Printf("  Cancel mode: %s\n", cfg.CancelMode())
	fmt.Printf("  Persistence: %v\n", cfg.Persistence.Enabled)
	fmt.Printf("  Alerting: %v (%d channels)\n", cfg.Alerting.Enabled, len(cfg.Alerting.Channels))
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	demo := fs.Bool("demo", false, "Run a demo workflow against the paper host")
	watch := fs.Bool("watch", false, "Show a live view of positions and tasks")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("ordertask starting",
		"version", Version,
		"host", cfg.Host.Type,
		"rate_limit", cfg.Execution.RateLimitPerSecond,
	)

	host := paper.NewBroker(cfg.PaperConfig(), logger.With("component", "paper"))

	var repo persistence.Repository
	if cfg.Persistence.Enabled {
		sqlite, err := openRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open journal", "path", cfg.Persistence.Path, "err", err)
			os.Exit(1)
		}
		defer sqlite.Close()
		repo = sqlite
	}

	alerter := newAlerter(cfg, logger)

	eng := engine.NewEngine(engine.Config{
		Gateway:                  cfg.GatewayConfig(),
		Executor:                 cfg.ExecutorConfig(),
		Retry:                    cfg.RetryPolicy(),
		CancelMode:               cfg.CancelMode(),
		AlertOperations:          cfg.Alerting.Operations,
		ClosePositionsOnShutdown: cfg.Shutdown.ClosePositionsOnShutdown,
	}, host, repo, alerter, logger)

	var server *metrics.Server
	if cfg.Metrics.Enabled {
		server = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			HealthPath:  "/health",
		}, logger.With("component", "metrics"))
		eng.RegisterHealthChecks(server)
		if err := server.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	if *watch {
		dashboard := ui.NewDashboard(os.Stdout)
		eng.Orders().AddObserver(dashboard)
		go runDashboard(ctx, dashboard, eng, host)
	}

	if err := eng.Start(ctx); err != nil {
		slog.Error("failed to start engine", "err", err)
		os.Exit(1)
	}

	if *demo {
		if err := runDemo(ctx, eng, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("demo workflow failed", "err", err)
		}
	}

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "err", err)
		}
	}

	// Small delay to allow final log messages
	time.Sleep(100 * time.Millisecond)
	slog.Info("ordertask shutdown complete")
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func openRepository(path string) (*persistence.SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	return persistence.NewSQLiteRepository(path)
}

var alertEvents = []alerting.AlertEvent{
	alerting.EventTaskFailed,
	alerting.EventTaskRejected,
	alerting.EventHostDisconnected,
	alerting.EventHostConnected,
	alerting.EventEngineStarted,
	alerting.EventEngineStopped,
}

func newAlerter(cfg *config.Config, logger *slog.Logger) *alerting.MultiAlerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger.With("component", "alerts")))
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
				Timeout:  time.Duration(ch.TimeoutSec) * time.Second,
			}))
		}
	}

	var enabled []string
	for _, ev := range alertEvents {
		if cfg.IsAlertEventEnabled(string(ev)) {
			enabled = append(enabled, string(ev))
		}
	}
	multi.SetFilter(alerting.NewEventFilter(enabled))
	return multi
}

// runDashboard redraws the live view every second until ctx is done.
func runDashboard(ctx context.Context, d *ui.Dashboard, eng *engine.Engine, host *paper.Broker) {
	d.Start()
	defer d.Stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Render(ui.Snapshot{
				HostState: host.State().String(),
				Pending:   eng.Gateway().Pending(),
				Positions: ui.Collect(eng.Positions()),
			})
		}
	}
}

// runDemo opens two protected EUR/USD orders, merges them and closes the
// resulting position.
func runDemo(ctx context.Context, eng *engine.Engine, cfg *config.Config, logger *slog.Logger) error {
	const instrument = "EUR/USD"
	orders := eng.Orders()
	retry := order.WithRetry(cfg.RetryPolicy())

	logger.Info("demo: submitting orders", "instrument", instrument)
	var opened []types.Order
	for i, pips := range []int64{20, 30} {
		events, err := orders.Submit(ctx, types.OrderParams{
			Label:      fmt.Sprintf("demo-%d-%d", time.Now().Unix(), i),
			Instrument: instrument,
			Side:       types.SideLong,
			Amount:     decimal.NewFromFloat(0.1),
		}, retry).Wait(ctx)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		o := events[0].Order
		opened = append(opened, o)

		if _, err := orders.SetStopLossForPips(ctx, o, decimal.NewFromInt(pips), retry).Wait(ctx); err != nil {
			return fmt.Errorf("set stop loss: %w", err)
		}
		if _, err := orders.SetTakeProfitForPips(ctx, o, decimal.NewFromInt(2*pips), retry).Wait(ctx); err != nil {
			return fmt.Errorf("set take profit: %w", err)
		}
		logger.Info("demo: order protected",
			"order_id", o.ID(),
			"stop_loss", o.StopLoss(),
			"take_profit", o.TakeProfit(),
		)
	}

	merged, err := orders.CancelSLTPAndMerge(ctx, order.NewMergeLabel(instrument), opened, order.MergeOptions{
		Retry:      cfg.RetryPolicy(),
		CancelMode: cfg.CancelMode(),
	}).Wait(ctx)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	logger.Info("demo: orders merged",
		"order_id", merged[0].Order.ID(),
		"amount", merged[0].Order.Amount(),
		"open_price", merged[0].Order.OpenPrice(),
	)

	if err := waitForPosition(ctx, eng, instrument, 1); err != nil {
		return err
	}

	closed, err := orders.ClosePosition(ctx, instrument, order.ClosePositionParams{
		Retry:      cfg.RetryPolicy(),
		CancelMode: cfg.CancelMode(),
		PositionCallbacks: order.PositionCallbacks{
			OnComplete: func(instrument string, events []types.OrderEvent) {
				logger.Info("demo: position closed", "instrument", instrument, "events", len(events))
			},
		},
	}).Wait(ctx)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	logger.Info("demo: workflow complete", "close_events", len(closed))
	return nil
}

// waitForPosition waits until the tracker has seen n filled orders of
// instrument. Position updates arrive on the event stream and can trail the
// task that caused them.
func waitForPosition(ctx context.Context, eng *engine.Engine, instrument string, n int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(5 * time.Second)

	for len(eng.Positions().FilledOrders(instrument)) != n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return fmt.Errorf("position %s did not reach %d filled orders", instrument, n)
		case <-ticker.C:
		}
	}
	return nil
}
