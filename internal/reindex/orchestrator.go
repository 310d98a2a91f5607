// Package reindex enumerates a collection in pages and parks a synthetic
// Created event for every object on the retry queue, checkpointing after each
// page so a later run resumes where an earlier one stopped.
package reindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/budget"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/retryqueue"
)

type State string

const (
	Starting         State = "starting"
	Paging           State = "paging"
	Completed        State = "completed"
	StoppedOnTimeout State = "stopped_on_timeout"
	Failed           State = "failed"
)

// BatchSender sends up to retryqueue.MaxBatch bodies in one call.
type BatchSender interface {
	SendBatch(ctx context.Context, bodies [][]byte) ([]string, error)
}

type Config struct {
	PageSize     int
	BatchSize    int
	SafetyMargin time.Duration
	// Concurrency caps in-flight batch sends within one page.
	Concurrency int
}

// Result describes how far a run got. LastKey is the persisted resume point.
type Result struct {
	State    State
	Pages    int
	Enqueued int
	LastKey  string
}

type Orchestrator struct {
	store       ObjectStore
	checkpoints *CheckpointStore
	queue       BatchSender
	cfg         Config
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func New(store ObjectStore, queue BatchSender, cfg Config, m *metrics.Metrics) *Orchestrator {
	if cfg.BatchSize <= 0 || cfg.BatchSize > retryqueue.MaxBatch {
		cfg.BatchSize = retryqueue.MaxBatch
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Orchestrator{
		store:       store,
		checkpoints: NewCheckpointStore(store),
		queue:       queue,
		cfg:         cfg,
		metrics:     m,
		logger:      slog.Default().With("component", "reindex"),
	}
}

// Run reindexes collectionID until enumeration is exhausted or the budget
// falls below the safety margin. A truncated run returns an error wrapping
// ErrTimeoutBudgetExceeded; the caller must redeliver the request, which
// then resumes after Result.LastKey.
func (o *Orchestrator) Run(ctx context.Context, collectionID string, b budget.Budget) (Result, error) {
	res, err := o.run(ctx, collectionID, b)
	if err != nil && res.State != StoppedOnTimeout {
		res.State = Failed
	}
	o.metrics.ReindexRun(string(res.State))
	log := o.logger.With("collection_id", collectionID, "state", res.State,
		"pages", res.Pages, "enqueued", res.Enqueued, "last_key", res.LastKey)
	switch res.State {
	case Completed:
		log.Info("reindex completed")
	case StoppedOnTimeout:
		log.Warn("reindex stopped on time budget, redelivery required")
	default:
		log.Error("reindex failed", "error", err)
	}
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, collectionID string, b budget.Budget) (Result, error) {
	res := Result{State: Starting}
	if collectionID == "" || strings.Contains(collectionID, "/") {
		return res, apperrors.Malformed("invalid collection id %q", collectionID)
	}

	cp, found, err := o.checkpoints.Load(ctx, collectionID)
	if err != nil {
		return res, err
	}
	if !found {
		if err := o.checkpoints.Save(ctx, cp); err != nil {
			return res, err
		}
		o.logger.Info("reindex starting fresh", "collection_id", collectionID)
	} else {
		o.logger.Info("reindex resuming", "collection_id", collectionID, "after", cp.LastKey)
	}
	res.LastKey = cp.LastKey
	res.State = Paging

	prefix := collectionID + "/"
	for {
		if ctx.Err() != nil || !budget.Exceeds(b, o.cfg.SafetyMargin) {
			res.State = StoppedOnTimeout
			return res, fmt.Errorf("reindex %s after %q: %w", collectionID, res.LastKey, apperrors.ErrTimeoutBudgetExceeded)
		}

		page, err := o.store.List(ctx, prefix, cp.LastKey, o.cfg.PageSize)
		if err != nil {
			return res, budgetStop(ctx, &res, collectionID, err)
		}
		if len(page.Entries) == 0 {
			break
		}

		n, err := o.enqueuePage(ctx, collectionID, page.Entries)
		if err != nil {
			return res, budgetStop(ctx, &res, collectionID, err)
		}
		res.Enqueued += n
		o.metrics.ReindexEnqueued(n)

		cp.LastKey = page.LastKey()
		if err := o.checkpoints.Save(ctx, cp); err != nil {
			return res, budgetStop(ctx, &res, collectionID, err)
		}
		res.Pages++
		res.LastKey = cp.LastKey

		if !page.Truncated {
			break
		}
	}

	if err := o.checkpoints.Clear(ctx, collectionID); err != nil {
		return res, err
	}
	res.State = Completed
	return res, nil
}

// budgetStop reclassifies err as a time-budget stop when the invocation
// deadline expired while a page was in flight. The checkpoint still names the
// last confirmed page, so the redelivered run re-enqueues at most this page.
func budgetStop(ctx context.Context, res *Result, collectionID string, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	res.State = StoppedOnTimeout
	return fmt.Errorf("reindex %s after %q: %w: %w", collectionID, res.LastKey, apperrors.ErrTimeoutBudgetExceeded, err)
}

// enqueuePage sends one page as concurrent batches and returns only after
// every batch has settled.
func (o *Orchestrator) enqueuePage(ctx context.Context, collectionID string, entries []objectstore.Entry) (int, error) {
	bodies := make([][]byte, 0, len(entries))
	for _, e := range entries {
		_, itemKey, err := event.SplitKey(e.Key)
		if err != nil {
			return 0, err
		}
		if event.IsReserved(itemKey) {
			continue
		}
		ev, err := event.NewCreated(collectionID, itemKey, e.ETag)
		if err != nil {
			return 0, err
		}
		body, err := ev.Encode()
		if err != nil {
			return 0, err
		}
		bodies = append(bodies, body)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for start := 0; start < len(bodies); start += o.cfg.BatchSize {
		batch := bodies[start:min(start+o.cfg.BatchSize, len(bodies))]
		g.Go(func() error {
			_, err := o.queue.SendBatch(gctx, batch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("enqueuing page of %s: %w", collectionID, err)
	}
	return len(bodies), nil
}
