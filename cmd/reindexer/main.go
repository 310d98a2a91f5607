// Command reindexer replays a whole collection through the retry queue.
//
// By default it consumes reindex requests from Kafka and runs one
// checkpointed reindex per request. A run that stops on its time budget
// republishes the request, and the next run resumes from the checkpoint.
//
// With -collection it performs a single run and exits. Exit status 75
// (EX_TEMPFAIL) means the run stopped on its budget and must be invoked
// again.
//
// Usage:
//
//	go run ./cmd/reindexer [-config configs/development.yaml] [-collection lib42]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/reindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/budget"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/retryqueue"
)

const exitTempFail = 75

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	collection := flag.String("collection", "", "reindex this collection once and exit")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *collection); err != nil {
		if errors.Is(err, apperrors.ErrTimeoutBudgetExceeded) {
			slog.Warn("reindex incomplete, invoke again to resume", "error", err)
			os.Exit(exitTempFail)
		}
		slog.Error("reindexer stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, collection string) error {
	m := metrics.New(nil)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	notifications := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Notifications)
	defer notifications.Close()
	store, err := objectstore.New(db.DB, cfg.ObjectStore.Bucket, cfg.ObjectStore.Table, notifications)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	rc, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rc.Close()
	queue := retryqueue.New(rc.Redis(), cfg.RetryQueue.Name, cfg.RetryQueue.VisibilityTimeout)

	orchestrator := reindex.New(store, queue, reindex.Config{
		PageSize:     cfg.Reindex.PageSize,
		BatchSize:    cfg.Reindex.BatchSize,
		SafetyMargin: cfg.Reindex.SafetyMargin,
		Concurrency:  cfg.Reindex.Concurrency,
	}, m)

	runOnce := func(ctx context.Context, collectionID string) error {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Reindex.Budget)
		defer cancel()
		_, err := orchestrator.Run(runCtx, collectionID, budget.FromContext(runCtx, cfg.Reindex.Budget))
		return err
	}

	if collection != "" {
		slog.Info("starting one-shot reindex", "collection_id", collection)
		return runOnce(ctx, collection)
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db))
	checker.Register("redis", health.PingCheck(rc))
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, checker.Routes())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	requestsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ReindexRequests)
	defer requestsProducer.Close()
	requester := reindex.NewRequester(requestsProducer)

	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.ReindexRequests, requester.Handler(runOnce))
	slog.Info("reindexer consuming requests", "topic", cfg.Kafka.Topics.ReindexRequests)
	return consumer.Start(ctx)
}
