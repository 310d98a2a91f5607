package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
)

// Enqueuer accepts serialized ChangeEvents for later replay.
type Enqueuer interface {
	Send(ctx context.Context, body []byte) (string, error)
}

// Handler is the primary entry point for change notifications. Any failure
// to apply an event, including a consistency mismatch, parks the event on
// the retry queue for the drainer.
type Handler struct {
	indexer *Indexer
	queue   Enqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHandler(indexer *Indexer, queue Enqueuer, m *metrics.Metrics) *Handler {
	return &Handler{
		indexer: indexer,
		queue:   queue,
		metrics: m,
		logger:  slog.Default().With("component", "notification-handler"),
	}
}

// HandleNotification processes one raw notification. It returns an error
// only when the event could neither be applied nor parked, in which case
// the notification must be redelivered.
func (h *Handler) HandleNotification(ctx context.Context, raw []byte) error {
	ev, ok, err := event.NormalizeJSON(raw)
	if err != nil {
		h.logger.Error("rejecting malformed notification", "error", err)
		h.metrics.Notification("malformed")
		return nil
	}
	if !ok {
		h.metrics.Notification("ignored")
		return nil
	}

	ctx = logger.With(ctx, "doc_id", ev.ObjectKey(), "variant", ev.Variant.String())
	log := logger.FromContext(ctx)

	out, err := h.indexer.Apply(ctx, ev)
	if err == nil {
		log.Debug("event applied", "outcome", out)
		h.metrics.Notification(string(out))
		return nil
	}
	if errors.Is(err, apperrors.ErrMalformedInput) {
		log.Error("dropping event with malformed payload", "error", err)
		h.metrics.Notification("malformed")
		return nil
	}

	log.Warn("event failed, parking on retry queue", "error", err, "kind", apperrors.Kind(err))
	body, encErr := ev.Encode()
	if encErr != nil {
		return encErr
	}
	if _, qErr := h.queue.Send(ctx, body); qErr != nil {
		h.metrics.Notification("enqueue_failed")
		return fmt.Errorf("parking %s after %v: %w", ev.ObjectKey(), err, qErr)
	}
	h.metrics.Notification("enqueued")
	return nil
}
