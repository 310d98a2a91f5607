// Command objects starts the object-store HTTP front door.
//
// Writes and deletes under /api/v1/objects land in PostgreSQL and publish a
// change notification to Kafka for the syncer. POST /api/v1/reindex/{collection}
// queues a full reindex of one collection.
//
// Usage:
//
//	go run ./cmd/objects [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/objects"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/reindex"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/ratelimit"
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
	slog.Info("starting objects service", "port", cfg.Server.Port, "bucket", cfg.ObjectStore.Bucket)

	m := metrics.New(nil)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	notifications := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Notifications)
	defer notifications.Close()
	requests := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ReindexRequests)
	defer requests.Close()

	store, err := objectstore.New(db.DB, cfg.ObjectStore.Bucket, cfg.ObjectStore.Table, notifications)
	if err != nil {
		slog.Error("failed to create object store", "error", err)
		os.Exit(1)
	}
	if err := store.Migrate(context.Background()); err != nil {
		slog.Error("failed to migrate object store", "error", err)
		os.Exit(1)
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db))

	mux := http.NewServeMux()
	limiter := ratelimit.New(cfg.Reindex.RequestBurst, cfg.Reindex.RequestWindow)
	objects.NewHandler(store, reindex.NewRequester(requests), limiter).Register(mux)
	for pattern, h := range checker.Routes() {
		mux.Handle("GET "+pattern, h)
	}
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	handler = middleware.Timeout(cfg.Server.WriteTimeout)(handler)
	handler = middleware.Metrics(m)(handler)
	handler = middleware.RequestID(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("objects service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("objects service stopped")
}
