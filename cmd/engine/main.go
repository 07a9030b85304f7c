// Command engine runs the order lifecycle engine: it connects the price feed,
// evaluates conditional triggers, and serves fills against the configured
// store until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantdesk/tradecore/config"
	"github.com/quantdesk/tradecore/internal/app/runtime"
	"github.com/quantdesk/tradecore/internal/domain/orderstore"
	"github.com/quantdesk/tradecore/internal/engine"
	"github.com/quantdesk/tradecore/internal/feed"
	"github.com/quantdesk/tradecore/internal/infra/persistence/memory"
	"github.com/quantdesk/tradecore/internal/infra/persistence/migrations"
	"github.com/quantdesk/tradecore/internal/infra/persistence/postgres"
	"github.com/quantdesk/tradecore/internal/infra/refdata"
	"github.com/quantdesk/tradecore/internal/observability"
	"github.com/quantdesk/tradecore/internal/orchestrator"
	"github.com/quantdesk/tradecore/internal/schema"
	"github.com/quantdesk/tradecore/internal/validator"
	"github.com/quantdesk/tradecore/lib/telemetry"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "tradecore.yaml", "Path to the YAML configuration file")
		instruments = flag.String("instruments", "", "Comma-separated instrument ids to track")
	)
	flag.Parse()

	cfg, found, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg = config.FromEnv(cfg)

	logger := log.New(os.Stdout, "tradecore-engine ", log.LstdFlags)
	if found {
		logger.Printf("configuration loaded: path=%s env=%s", *configPath, cfg.Environment)
	} else {
		logger.Printf("configuration defaults in effect: env=%s", cfg.Environment)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, telemetryShutdown, err := telemetry.Init(rootCtx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := telemetryShutdown(ctx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	store, storeClose, err := openStore(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer storeClose()

	catalog := refdata.NewCatalog()
	tracked := splitInstruments(*instruments)
	for _, id := range tracked {
		catalog.AddInstrument(schema.Instrument{ID: id, Symbol: id, Name: "", LastPrice: decimal.Zero})
	}

	metrics := observability.NewRuntimeMetrics()
	warnings := observability.NewWarningQueue(cfg.Engine.WarningQueueCapacity)

	v := validator.New(catalog, catalog)
	orch := orchestrator.New(store, warnings, orchestrator.WithMetrics(metrics))
	eng := engine.New(store, catalog, v,
		engine.WithCommissionRate(cfg.Engine.CommissionRate),
		engine.WithAfterFill(orch),
		engine.WithMetrics(metrics))
	orch.BindExecutor(eng)

	source := newFeedSource(cfg, tracked)
	rt := runtime.New(eng, orch, source, catalog, cfg)
	if err := rt.Start(rootCtx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	logger.Printf("engine running: instruments=%d feed=%q", len(tracked), cfg.Feed.URL)

	<-rootCtx.Done()
	logger.Printf("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		logger.Printf("runtime stop: %v", err)
	}
	drainWarnings(warnings, logger)
	return nil
}

func openStore(ctx context.Context, cfg config.Settings, logger *log.Logger) (orderstore.Store, func(), error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		logger.Printf("no database configured, using in-memory store")
		return memory.NewStore(), func() {}, nil
	}

	if err := migrations.Apply(ctx, dsn, cfg.Database.MigrationsPath, logger); err != nil {
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return postgres.NewStore(pool), pool.Close, nil
}

func newFeedSource(cfg config.Settings, instruments []string) feed.Source {
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		// No market data endpoint; triggers stay dormant until one is configured.
		return feed.NewStaticFeed()
	}
	return feed.NewWebSocketFeed(cfg.Feed.URL, instruments, cfg.Feed.HandshakeTimeout)
}

func splitInstruments(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func drainWarnings(warnings *observability.WarningQueue, logger *log.Logger) {
	pending := warnings.Drain()
	for _, warning := range pending {
		logger.Printf("unresolved warning: operation=%s order=%s reason=%s",
			warning.Operation, warning.OrderID, warning.Reason)
	}
}
