// Command syncer keeps the search index in line with the object store.
//
// It consumes change notifications from Kafka and applies each one to
// OpenSearch; events that fail are parked on the Redis retry queue. Every
// drain.interval it runs a dead-letter drain cycle bounded by drain.budget.
// Metrics and health probes are served on the metrics port.
//
// Usage:
//
//	go run ./cmd/syncer [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/drain"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/budget"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/retryqueue"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/searchengine"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting syncer", "index", cfg.OpenSearch.Index, "queue", cfg.RetryQueue.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("syncer stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("syncer stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(nil)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := objectstore.New(db.DB, cfg.ObjectStore.Bucket, cfg.ObjectStore.Table, nil)
	if err != nil {
		return err
	}

	rc, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rc.Close()
	queue := retryqueue.New(rc.Redis(), cfg.RetryQueue.Name, cfg.RetryQueue.VisibilityTimeout)

	engine, err := searchengine.New(cfg.OpenSearch, m)
	if err != nil {
		return err
	}
	if err := engine.EnsureIndex(ctx); err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db))
	checker.Register("redis", health.PingCheck(rc))
	checker.Register("opensearch", health.PingCheck(engine))
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, checker.Routes())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	indexer := pipeline.NewIndexer(store, engine)
	handler := pipeline.NewHandler(indexer, queue, m)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Notifications,
		func(ctx context.Context, _ []byte, value []byte) error {
			return handler.HandleNotification(ctx, value)
		})

	drainer := drain.New(queue, indexer, drain.Config{
		SafetyMargin:  cfg.Drain.SafetyMargin,
		ReplayTimeout: cfg.RetryQueue.VisibilityTimeout,
		LogEvery:      cfg.Drain.LogEvery,
	}, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(gctx)
	})
	g.Go(func() error {
		runDrainSchedule(gctx, drainer, queue, m, cfg.Drain)
		return nil
	})
	return g.Wait()
}

// runDrainSchedule runs one drain cycle per interval until ctx is done. The
// first cycle starts immediately.
func runDrainSchedule(ctx context.Context, d *drain.Drainer, q *retryqueue.Queue, m *metrics.Metrics, cfg config.DrainConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		cycleCtx, cancel := context.WithTimeout(ctx, cfg.Budget)
		d.Run(cycleCtx, budget.FromContext(cycleCtx, cfg.Budget))
		cancel()

		if depth, err := q.Depth(ctx); err == nil {
			m.QueueDepth(depth)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
