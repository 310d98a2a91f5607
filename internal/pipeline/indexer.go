package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/searchengine"
)

// SearchEngine is the id-addressed document store being kept in sync.
type SearchEngine interface {
	Upsert(ctx context.Context, doc searchengine.Document) (searchengine.Outcome, error)
	Delete(ctx context.Context, id, routing string) (searchengine.Outcome, error)
}

// Outcome describes how an event was resolved without error.
type Outcome string

const (
	Indexed       Outcome = "indexed"
	Superseded    Outcome = "superseded"
	Deleted       Outcome = "deleted"
	AlreadyAbsent Outcome = "already_absent"
	Dropped       Outcome = "dropped"
)

type Indexer struct {
	guard  *Guard
	engine SearchEngine
	logger *slog.Logger
}

func NewIndexer(store ObjectReader, engine SearchEngine) *Indexer {
	return &Indexer{
		guard:  NewGuard(store),
		engine: engine,
		logger: slog.Default().With("component", "indexer"),
	}
}

// Apply brings the index in line with ev. A Created event is fetched,
// guarded, decoded and upserted at the payload's version; a Removed event
// deletes the document. A vanished source object resolves as Dropped.
func (ix *Indexer) Apply(ctx context.Context, ev event.ChangeEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	switch ev.Variant {
	case event.Created:
		return ix.upsert(ctx, ev)
	default:
		return ix.remove(ctx, ev)
	}
}

func (ix *Indexer) upsert(ctx context.Context, ev event.ChangeEvent) (Outcome, error) {
	obj, err := ix.guard.Fetch(ctx, ev)
	if errors.Is(err, apperrors.ErrObjectGone) {
		ix.logger.Debug("source object gone, dropping event", "doc_id", ev.ObjectKey())
		return Dropped, nil
	}
	if err != nil {
		return "", err
	}
	payload, err := DecodePayload(obj.Body)
	if err != nil {
		return "", err
	}
	out, err := ix.engine.Upsert(ctx, searchengine.Document{
		ID:      ev.ObjectKey(),
		Routing: ev.CollectionID,
		Version: payload.Version,
		Body:    payload.Fields,
	})
	if err != nil {
		return "", err
	}
	if out == searchengine.Stale {
		return Superseded, nil
	}
	return Indexed, nil
}

func (ix *Indexer) remove(ctx context.Context, ev event.ChangeEvent) (Outcome, error) {
	out, err := ix.engine.Delete(ctx, ev.ObjectKey(), ev.CollectionID)
	if err != nil {
		return "", err
	}
	if out == searchengine.Absent {
		return AlreadyAbsent, nil
	}
	return Deleted, nil
}

// Replay decodes a retry-queue message body and applies it.
func (ix *Indexer) Replay(ctx context.Context, body []byte) (Outcome, error) {
	ev, err := event.Decode(body)
	if err != nil {
		return "", err
	}
	return ix.Apply(ctx, ev)
}
