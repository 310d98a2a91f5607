package objects

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/pipeline"
)

const (
	maxCollectionLength = 255
	maxItemKeyLength    = 1024
	MaxBodySize         = 5 << 20
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func validateAddress(errs map[string]string, collection, itemKey string) {
	switch {
	case collection == "":
		errs["collection"] = "collection is required"
	case len(collection) > maxCollectionLength:
		errs["collection"] = fmt.Sprintf("collection must be at most %d characters", maxCollectionLength)
	case strings.Contains(collection, "/"):
		errs["collection"] = "collection must not contain '/'"
	}
	switch {
	case itemKey == "":
		errs["key"] = "key is required"
	case len(itemKey) > maxItemKeyLength:
		errs["key"] = fmt.Sprintf("key must be at most %d characters", maxItemKeyLength)
	case event.IsReserved(itemKey):
		errs["key"] = fmt.Sprintf("key %q is reserved", event.ReservedKey)
	}
}

// ValidatePut checks the address and that body is an indexable payload.
func ValidatePut(collection, itemKey string, body []byte) error {
	errs := make(map[string]string)
	validateAddress(errs, collection, itemKey)
	if len(body) == 0 {
		errs["body"] = "body is required"
	} else if len(body) > MaxBodySize {
		errs["body"] = fmt.Sprintf("body must be at most %d bytes", MaxBodySize)
	} else if _, err := pipeline.DecodePayload(body); err != nil {
		errs["body"] = err.Error()
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func ValidateAddress(collection, itemKey string) error {
	errs := make(map[string]string)
	validateAddress(errs, collection, itemKey)
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func ValidateCollection(collection string) error {
	errs := make(map[string]string)
	validateAddress(errs, collection, "_")
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
