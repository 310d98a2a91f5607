// Package drain replays parked events from the retry queue within a time
// budget.
package drain

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/budget"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/retryqueue"
)

type State string

const (
	Draining         State = "draining"
	StoppedOnTimeout State = "stopped_on_timeout"
	StoppedOnEmpty   State = "stopped_on_empty"
	StoppedOnError   State = "stopped_on_error"
)

// Queue is the leasing side of the retry queue.
type Queue interface {
	Receive(ctx context.Context) (retryqueue.Message, bool, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Replayer re-applies a parked event.
type Replayer interface {
	Replay(ctx context.Context, body []byte) (pipeline.Outcome, error)
}

// Result summarises one drain cycle. Err is set for StoppedOnError.
type Result struct {
	State     State
	Processed int
	Skipped   int
	Err       error
}

type Config struct {
	// SafetyMargin is the remaining time below which no new message is
	// leased. It must exceed ReplayTimeout.
	SafetyMargin time.Duration
	// ReplayTimeout bounds one replay; it should not exceed the queue's
	// visibility timeout so the lease outlives the work.
	ReplayTimeout time.Duration
	LogEvery      int
}

type Drainer struct {
	queue    Queue
	replayer Replayer
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(queue Queue, replayer Replayer, cfg Config, m *metrics.Metrics) *Drainer {
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 100
	}
	return &Drainer{
		queue:    queue,
		replayer: replayer,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "drainer"),
	}
}

// Run drains until the queue is empty, the budget drops below the safety
// margin, or a replay fails for a reason other than a stale snapshot or a
// malformed body. A failed message is left leased and becomes visible again
// when its lease expires.
func (d *Drainer) Run(ctx context.Context, b budget.Budget) Result {
	res := Result{State: Draining}
	d.logger.Info("drain cycle started", "remaining", b.Remaining())

	for res.State == Draining {
		res.State, res.Err = d.step(ctx, b, &res)
	}

	d.metrics.DrainCycle(string(res.State))
	attrs := []any{"state", res.State, "processed", res.Processed, "skipped", res.Skipped}
	if res.Err != nil {
		d.logger.Error("drain cycle stopped on error", append(attrs, "error", res.Err)...)
	} else {
		d.logger.Info("drain cycle finished", attrs...)
	}
	return res
}

func (d *Drainer) step(ctx context.Context, b budget.Budget, res *Result) (State, error) {
	if ctx.Err() != nil || !budget.Exceeds(b, d.cfg.SafetyMargin) {
		return StoppedOnTimeout, nil
	}

	msg, ok, err := d.queue.Receive(ctx)
	if err != nil {
		return StoppedOnError, err
	}
	if !ok {
		return StoppedOnEmpty, nil
	}
	log := d.logger.With("message_id", msg.ID, "receive_count", msg.ReceiveCount)

	var out pipeline.Outcome
	err = resilience.WithTimeout(ctx, d.cfg.ReplayTimeout, "replay", func(ctx context.Context) error {
		var err error
		out, err = d.replayer.Replay(ctx, msg.Body)
		return err
	})

	outcome := string(out)
	switch {
	case err == nil:
		res.Processed++
	case errors.Is(err, apperrors.ErrConsistencyMismatch):
		log.Info("abandoning stale snapshot", "error", err)
		outcome = "abandoned"
		res.Skipped++
	case errors.Is(err, apperrors.ErrMalformedInput):
		log.Error("dropping malformed message", "error", err)
		outcome = "malformed"
		res.Skipped++
	default:
		d.metrics.DrainMessage("failed")
		return StoppedOnError, err
	}

	if err := d.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		if !errors.Is(err, retryqueue.ErrLeaseLost) {
			return StoppedOnError, err
		}
		log.Warn("lease expired before acknowledgement", "error", err)
	}
	d.metrics.DrainMessage(outcome)

	if n := res.Processed + res.Skipped; n%d.cfg.LogEvery == 0 {
		d.logger.Info("drain progress", "handled", n, "processed", res.Processed, "remaining", b.Remaining())
	}
	return Draining, nil
}
