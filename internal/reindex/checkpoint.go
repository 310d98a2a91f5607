package reindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
)

// ObjectStore is the subset of the object store used for enumeration and
// checkpoint persistence.
type ObjectStore interface {
	Get(ctx context.Context, key string) (*objectstore.Object, error)
	Put(ctx context.Context, key string, body []byte) (string, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix, startAfter string, limit int) (objectstore.Page, error)
}

// Checkpoint is the resume point of a collection's reindex. An empty LastKey
// means enumeration starts from the beginning.
type Checkpoint struct {
	CollectionID string `json:"-"`
	LastKey      string `json:"lastKey,omitempty"`
}

// CheckpointStore keeps checkpoints as small JSON objects under each
// collection's reserved key.
type CheckpointStore struct {
	store ObjectStore
}

func NewCheckpointStore(store ObjectStore) *CheckpointStore {
	return &CheckpointStore{store: store}
}

func checkpointKey(collectionID string) string {
	return collectionID + "/" + event.ReservedKey
}

// Load returns the stored checkpoint; found is false when none exists.
func (s *CheckpointStore) Load(ctx context.Context, collectionID string) (cp Checkpoint, found bool, err error) {
	obj, err := s.store.Get(ctx, checkpointKey(collectionID))
	if errors.Is(err, apperrors.ErrNotFound) {
		return Checkpoint{CollectionID: collectionID}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("loading checkpoint for %s: %w", collectionID, err)
	}
	if err := json.Unmarshal(obj.Body, &cp); err != nil {
		return Checkpoint{}, false, apperrors.Malformed("checkpoint for %s: %v", collectionID, err)
	}
	cp.CollectionID = collectionID
	return cp, true, nil
}

func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	body, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if _, err := s.store.Put(ctx, checkpointKey(cp.CollectionID), body); err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.CollectionID, err)
	}
	return nil
}

func (s *CheckpointStore) Clear(ctx context.Context, collectionID string) error {
	if err := s.store.Delete(ctx, checkpointKey(collectionID)); err != nil {
		return fmt.Errorf("clearing checkpoint for %s: %w", collectionID, err)
	}
	return nil
}
