// Command indexer runs the FlareEmissary ingestion pipeline: block
// polling with reorg detection, protocol log decoding, idempotent event
// persistence, subscription matching with hysteresis, and delivery-job
// production onto the Redis stream drained by external workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/flareemissary/emissary/internal/alert"
	"github.com/flareemissary/emissary/internal/config"
	"github.com/flareemissary/emissary/internal/decode"
	"github.com/flareemissary/emissary/internal/poller"
	"github.com/flareemissary/emissary/internal/queue"
	"github.com/flareemissary/emissary/internal/rpcclient"
	"github.com/flareemissary/emissary/internal/storage"
	"github.com/flareemissary/emissary/internal/telemetry"
	"github.com/flareemissary/emissary/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// shutdownHardTimeout bounds the drain phases after the poller stops.
const shutdownHardTimeout = 30 * time.Second

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("EMISSARY_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("emissary indexer starting", "version", version, "chain", cfg.Chain)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rpc, err := rpcclient.Dial(ctx, rpcclient.Config{
		PrimaryURL:      cfg.FlareRPCURL,
		FallbackURL:     cfg.FlareRPCFallbackURL,
		RequestTimeout:  cfg.RPCRequestTimeout,
		MaxAttempts:     cfg.RPCMaxAttempts,
		RateLimitPerSec: cfg.RPCRateLimitPerSec,
		RateLimitBurst:  cfg.RPCRateLimitBurst,
	}, logger)
	if err != nil {
		return fmt.Errorf("rpc: %w", err)
	}
	defer rpc.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Non-fatal: alerts commit to Postgres regardless, and the sweeper
		// re-enqueues once Redis comes back.
		logger.Warn("redis unreachable at startup, queue pushes will retry", "error", err)
	}

	registry := decode.NewRegistry()
	for _, addr := range cfg.GenericAddresses {
		registry.EnableGeneric(addr)
	}

	producer := queue.NewProducer(redisClient, db, cfg.QueueStreamName, logger)

	cache := alert.NewStateCache(30 * time.Second)
	defer cache.Close()
	if db.HasNotifyConn() {
		go cache.RunInvalidationLoop(ctx, db, storage.ChannelHysteresis, logger)
	} else {
		logger.Info("hysteresis cache invalidation: disabled (no notify connection)")
	}

	engine := alert.NewEngine(db, cache)
	matcher := alert.NewMatcher(db, db, db, engine, producer, logger)

	events := make(chan int64, cfg.EventChannelSize)

	// Matcher and sweeper get their own contexts so shutdown can stop the
	// poller first, drain the event channel, and only then stop the queue
	// producer — the ordering from the concurrency model.
	matcherCtx, matcherCancel := context.WithCancel(context.Background())
	defer matcherCancel()
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	var wg sync.WaitGroup
	matcherDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(matcherDone)
		matcher.Run(matcherCtx, events)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		producer.RunSweeper(sweepCtx, cfg.QueueSweepInterval, cfg.QueueRetryAfter)
	}()

	p := poller.New(poller.Config{
		Chain:         cfg.Chain,
		PollInterval:  cfg.PollInterval,
		Confirmations: cfg.Confirmations,
		BatchSize:     cfg.BatchSize,
		ReorgWindow:   cfg.ReorgWindow,
	}, rpc, db, registry, events, logger)

	pollErr := p.Run(ctx)

	// The poller has stopped feeding ids; close the channel so the matcher
	// drains what remains and exits, then stop the sweeper.
	slog.Info("emissary indexer shutting down")
	close(events)
	select {
	case <-matcherDone:
	case <-time.After(shutdownHardTimeout):
		logger.Warn("matcher drain timed out, forcing stop")
		matcherCancel()
	}
	sweepCancel()
	wg.Wait()

	if pollErr != nil && !errors.Is(pollErr, context.Canceled) {
		return fmt.Errorf("poller: %w", pollErr)
	}

	slog.Info("emissary indexer stopped")
	return nil
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
