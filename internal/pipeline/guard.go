// Package pipeline applies ChangeEvents to the search index: the consistency
// guard, payload decoding, the version-gated indexer and the primary-path
// notification handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
)

// ObjectReader fetches objects from the authoritative store.
type ObjectReader interface {
	Get(ctx context.Context, key string) (*objectstore.Object, error)
}

// Guard rejects Created events whose fingerprint no longer matches the
// stored object.
type Guard struct {
	store ObjectReader
}

func NewGuard(store ObjectReader) *Guard {
	return &Guard{store: store}
}

// Fetch returns the object named by a Created event. It fails with
// ErrObjectGone when the object no longer exists and with
// ErrConsistencyMismatch when its fingerprint differs from the event's.
func (g *Guard) Fetch(ctx context.Context, ev event.ChangeEvent) (*objectstore.Object, error) {
	if ev.Variant != event.Created {
		return nil, apperrors.Malformed("guard called with %s event", ev.Variant)
	}
	key := ev.ObjectKey()
	obj, err := g.store.Get(ctx, key)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, apperrors.ErrObjectGone)
	}
	if err != nil {
		return nil, err
	}
	if obj.ETag != ev.ContentFingerprint {
		return nil, apperrors.Newf(apperrors.ErrConsistencyMismatch, 0,
			"%s: notification fingerprint %s, stored %s", key, ev.ContentFingerprint, obj.ETag)
	}
	return obj, nil
}
