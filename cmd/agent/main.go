// Package main is the entry point for the gpuwatch agent.
// It loads configuration, sets up logging, and runs either the telemetry
// pipeline daemon or a database-only query command.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gpuwatch/agent/internal/aggregator"
	"github.com/gpuwatch/agent/internal/collector"
	"github.com/gpuwatch/agent/internal/config"
	"github.com/gpuwatch/agent/internal/delivery"
	"github.com/gpuwatch/agent/internal/query"
	"github.com/gpuwatch/agent/internal/retention"
	"github.com/gpuwatch/agent/internal/scheduler"
	"github.com/gpuwatch/agent/internal/store"
)

var (
	// version is set at build time via -ldflags.
	version = "dev"

	configPath  = flag.String("config", "", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	offline     = flag.Bool("offline", false, "Run in offline mode (never contact the server)")
	dbPath      = flag.String("db", "", "Override database path")

	listSends      = flag.Bool("list-sends", false, "List all send attempts and exit")
	searchSend     = flag.String("search-send", "", "Show send attempts for an aggregation time (YYYY-MM-DD HH:00) and exit")
	showCollection = flag.String("show-collection", "", "Show collection data at a timestamp (YYYY-MM-DD HH:MM:SS, empty for latest) and exit")
	outputFormat   = flag.String("format", "json", "Output format for collection data (json or csv)")
)

// timestampLayouts are accepted by the query flags, tried in order.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339,
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("gpuwatch-agent %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Apply(config.CLIOverrides{Offline: *offline, Database: *dbPath})

	// -show-collection with an empty value means "latest snapshot", so the
	// flag being present at all is what selects query mode.
	showCollectionSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "show-collection" {
			showCollectionSet = true
		}
	})

	if *listSends || *searchSend != "" || showCollectionSet {
		os.Exit(runQuery(cfg, showCollectionSet))
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting gpuwatch agent",
		zap.String("version", version),
		zap.Bool("offline", cfg.Offline()),
		zap.String("database", cfg.Paths.Database))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()))
		cancel()
	}()

	if err := runAgent(ctx, cfg, logger); err != nil {
		logger.Fatal("Agent failed", zap.Error(err))
	}
	logger.Info("Agent stopped")
}

// runAgent wires the pipeline together and blocks until the context is
// cancelled. Only storage bring-up errors are fatal; task-level failures
// are retried on their next tick.
func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	source := collector.NewHostSource()
	defer source.Close()

	coll := collector.New(source, st, logger)
	agg := aggregator.New(st, logger)
	sweeper := retention.New(st,
		cfg.Retention.Raw.Duration,
		cfg.Retention.Aggregate.Duration,
		logger)

	client := delivery.NewClient(
		cfg.Server.URL,
		cfg.Server.ContractNumber,
		cfg.Delivery.Timeout.Duration,
		logger)
	engine := delivery.New(st, client, cfg.Offline(), cfg.Delivery.MaxAttempts, logger)

	sched := scheduler.New(coll, agg, engine, sweeper, cfg, logger)

	logger.Info("Agent running",
		zap.Duration("collect_interval", cfg.Intervals.Collection.Duration),
		zap.Duration("delivery_retry", cfg.Intervals.DeliveryRetry.Duration))
	return sched.Start(ctx)
}

// runQuery executes a database-only command and returns the exit code.
func runQuery(cfg *config.Config, showCollectionSet bool) int {
	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer st.Close()

	svc := query.New(st)

	switch {
	case *listSends:
		return printSendList(svc)
	case *searchSend != "":
		return printSendSearch(svc, *searchSend)
	case showCollectionSet:
		return printCollection(svc, *showCollection, *outputFormat)
	}
	return 0
}

func printSendList(svc *query.Service) int {
	attempts, err := svc.ListSendAttempts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list send attempts: %v\n", err)
		return 1
	}
	if len(attempts) == 0 {
		fmt.Println("No send attempts found")
		return 0
	}

	fmt.Println("Aggregation Time | Device | Attempts | First Attempt | Last Attempt | Last Error | Ack UID | Sent")
	for _, a := range attempts {
		fmt.Printf("%s | %s | %d | %s | %s | %s | %s | %t\n",
			a.AggregationTimestamp.Format("2006-01-02 15:04"),
			a.DeviceUID,
			a.AttemptCount,
			a.FirstAttemptTime.Format(time.RFC3339),
			a.LastAttemptTime.Format(time.RFC3339),
			a.LastError,
			a.AckUID,
			a.Sent)
	}
	return 0
}

func printSendSearch(svc *query.Service, raw string) int {
	ts, err := parseTimestamp(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid aggregation time %q: %v\n", raw, err)
		return 1
	}

	attempts, err := svc.SearchSendAttempts(ts)
	if query.IsNotFound(err) {
		fmt.Printf("No send attempt found for %s\n", raw)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to search send attempts: %v\n", err)
		return 1
	}

	for _, a := range attempts {
		fmt.Printf("Aggregation Time: %s\n", a.AggregationTimestamp.Format("2006-01-02 15:04"))
		fmt.Printf("Device: %s\n", a.DeviceUID)
		fmt.Printf("Attempts: %d\n", a.AttemptCount)
		fmt.Printf("First Attempt: %s\n", a.FirstAttemptTime.Format(time.RFC3339))
		fmt.Printf("Last Attempt: %s\n", a.LastAttemptTime.Format(time.RFC3339))
		fmt.Printf("Last Error: %s\n", a.LastError)
		fmt.Printf("Ack UID: %s\n", a.AckUID)
		fmt.Printf("Sent: %t\n\n", a.Sent)
	}
	return 0
}

func printCollection(svc *query.Service, raw, formatFlag string) int {
	format, err := query.ParseFormat(formatFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var ts *time.Time
	if raw != "" {
		parsed, err := parseTimestamp(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid timestamp %q: %v\n", raw, err)
			return 1
		}
		ts = &parsed
	}

	coll, err := svc.ShowCollection(ts)
	if query.IsNotFound(err) {
		if raw == "" {
			fmt.Println("No collection data found")
		} else {
			fmt.Printf("No collection data found at or before %s\n", raw)
		}
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load collection data: %v\n", err)
		return 1
	}

	if err := coll.Render(os.Stdout, format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render collection data: %v\n", err)
		return 1
	}
	return 0
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
func initLogger(cfg *config.Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Logging.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if cfg.Paths.Log != "" {
		os.MkdirAll(filepath.Dir(cfg.Paths.Log), 0750)
		file, err := os.OpenFile(cfg.Paths.Log, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				level,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}
