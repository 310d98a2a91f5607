// Package event turns raw object-store notifications into ChangeEvents, the
// canonical unit of work for the indexing pipeline.
package event

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
)

// ReservedKey is the item key under which each collection keeps its reindex
// checkpoint. Notifications for it never become ChangeEvents.
const ReservedKey = "_reindex_status"

type Variant int

const (
	Created Variant = iota + 1
	Removed
)

func (v Variant) String() string {
	switch v {
	case Created:
		return "Created"
	case Removed:
		return "Removed"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

func (v Variant) MarshalText() ([]byte, error) {
	switch v {
	case Created, Removed:
		return []byte(v.String()), nil
	default:
		return nil, apperrors.Malformed("unknown variant %d", int(v))
	}
}

func (v *Variant) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Created":
		*v = Created
	case "Removed":
		*v = Removed
	default:
		return apperrors.Malformed("unknown variant %q", b)
	}
	return nil
}

// ChangeEvent describes exactly one object mutation.
type ChangeEvent struct {
	Variant            Variant `json:"variant"`
	CollectionID       string  `json:"collectionId"`
	ItemKey            string  `json:"itemKey"`
	ContentFingerprint string  `json:"contentFingerprint,omitempty"`
}

// NewCreated builds a Created event. The fingerprint is required.
func NewCreated(collectionID, itemKey, fingerprint string) (ChangeEvent, error) {
	ev := ChangeEvent{Variant: Created, CollectionID: collectionID, ItemKey: itemKey, ContentFingerprint: fingerprint}
	return ev, ev.Validate()
}

func NewRemoved(collectionID, itemKey string) (ChangeEvent, error) {
	ev := ChangeEvent{Variant: Removed, CollectionID: collectionID, ItemKey: itemKey}
	return ev, ev.Validate()
}

func (e ChangeEvent) Validate() error {
	switch {
	case e.Variant != Created && e.Variant != Removed:
		return apperrors.Malformed("unknown variant %d", int(e.Variant))
	case e.CollectionID == "" || strings.Contains(e.CollectionID, "/"):
		return apperrors.Malformed("invalid collection id %q", e.CollectionID)
	case e.ItemKey == "":
		return apperrors.Malformed("empty item key")
	case e.Variant == Created && e.ContentFingerprint == "":
		return apperrors.Malformed("created event for %s has no fingerprint", e.ObjectKey())
	case e.Variant == Removed && e.ContentFingerprint != "":
		return apperrors.Malformed("removed event for %s carries a fingerprint", e.ObjectKey())
	}
	return nil
}

// ObjectKey is the object-store key of the mutated object. It doubles as the
// search document id.
func (e ChangeEvent) ObjectKey() string {
	return e.CollectionID + "/" + e.ItemKey
}

// Encode serialises the event as a retry-queue message body.
func (e ChangeEvent) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates a retry-queue message body.
func Decode(body []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ChangeEvent{}, apperrors.Malformed("decoding change event: %v", err)
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// SplitKey separates an object key into collection id and item key. Item keys
// may themselves contain slashes.
func SplitKey(key string) (collectionID, itemKey string, err error) {
	collectionID, itemKey, found := strings.Cut(key, "/")
	if !found || collectionID == "" || itemKey == "" {
		return "", "", apperrors.Malformed("object key %q is not <collection>/<item>", key)
	}
	return collectionID, itemKey, nil
}

// IsReserved reports whether key names a collection's administrative record.
func IsReserved(itemKey string) bool {
	return itemKey == ReservedKey
}
