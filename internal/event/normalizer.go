package event

import (
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
)

type kind int

const (
	kindUnknown kind = iota
	kindObjectCreated
	kindObjectRemoved
)

func classify(eventName string) kind {
	prefix, _, _ := strings.Cut(eventName, ":")
	switch prefix {
	case "ObjectCreated":
		return kindObjectCreated
	case "ObjectRemoved":
		return kindObjectRemoved
	default:
		return kindUnknown
	}
}

// Normalize converts a notification into a ChangeEvent. ok is false when the
// notification concerns a reserved key and must be ignored.
func Normalize(n objectstore.Notification) (ev ChangeEvent, ok bool, err error) {
	if n.Key == "" {
		return ChangeEvent{}, false, apperrors.Malformed("notification has no key")
	}
	collectionID, itemKey, err := SplitKey(n.Key)
	if err != nil {
		return ChangeEvent{}, false, err
	}
	if IsReserved(itemKey) {
		return ChangeEvent{}, false, nil
	}

	switch classify(n.EventName) {
	case kindObjectCreated:
		ev, err = NewCreated(collectionID, itemKey, n.ETag)
	case kindObjectRemoved:
		ev, err = NewRemoved(collectionID, itemKey)
	default:
		return ChangeEvent{}, false, apperrors.Malformed("unrecognized event type %q", n.EventName)
	}
	if err != nil {
		return ChangeEvent{}, false, err
	}
	return ev, true, nil
}

// NormalizeJSON parses a JSON-encoded notification and normalizes it.
func NormalizeJSON(raw []byte) (ChangeEvent, bool, error) {
	n, err := kafka.DecodeJSON[objectstore.Notification](raw)
	if err != nil {
		return ChangeEvent{}, false, err
	}
	return Normalize(n)
}
