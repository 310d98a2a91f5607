package reindex

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/kafka"
)

// Request triggers one reindex run for a collection. Attempt counts
// redeliveries of the same logical request.
type Request struct {
	CollectionID string `json:"collection_id"`
	Attempt      int    `json:"attempt,omitempty"`
}

func DecodeRequest(raw []byte) (Request, error) {
	req, err := kafka.DecodeJSON[Request](raw)
	if err != nil {
		return Request{}, err
	}
	if req.CollectionID == "" || strings.Contains(req.CollectionID, "/") {
		return Request{}, apperrors.Malformed("invalid collection id %q", req.CollectionID)
	}
	return req, nil
}

// Publisher writes events to the reindex request topic.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// RunFunc performs one budgeted reindex run of a collection.
type RunFunc func(ctx context.Context, collectionID string) error

// Requester publishes reindex requests keyed by collection, so requests for
// one collection are consumed in order.
type Requester struct {
	pub    Publisher
	logger *slog.Logger
}

func NewRequester(pub Publisher) *Requester {
	return &Requester{
		pub:    pub,
		logger: slog.Default().With("component", "reindex-requests"),
	}
}

func (r *Requester) RequestReindex(ctx context.Context, collectionID string) error {
	return r.publish(ctx, Request{CollectionID: collectionID})
}

// Redeliver republishes req after a run stopped on its time budget.
func (r *Requester) Redeliver(ctx context.Context, req Request) error {
	req.Attempt++
	return r.publish(ctx, req)
}

func (r *Requester) publish(ctx context.Context, req Request) error {
	return r.pub.Publish(ctx, kafka.Event{Key: req.CollectionID, Value: req})
}

// Handler consumes the request topic. A budget stop is acknowledged once the
// request is republished. Requests that can never succeed, either undecodable
// or failing on malformed input such as a corrupt checkpoint, are logged and
// acknowledged. Anything else is returned for the consumer to retry.
func (r *Requester) Handler(run RunFunc) kafka.MessageHandler {
	return func(ctx context.Context, _ []byte, value []byte) error {
		req, err := DecodeRequest(value)
		if err != nil {
			r.logger.Error("rejecting malformed reindex request", "error", err)
			return nil
		}
		err = run(ctx, req.CollectionID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, apperrors.ErrTimeoutBudgetExceeded):
			r.logger.Info("redelivering reindex request",
				"collection_id", req.CollectionID, "attempt", req.Attempt+1)
			return r.Redeliver(ctx, req)
		case errors.Is(err, apperrors.ErrMalformedInput):
			r.logger.Error("dropping reindex request that cannot succeed",
				"collection_id", req.CollectionID, "attempt", req.Attempt, "error", err)
			return nil
		default:
			return err
		}
	}
}
