package objectstore

import "time"

// Event name prefixes emitted by the store. Suffixes name the API call that
// caused the mutation.
const (
	EventObjectCreatedPut    = "ObjectCreated:Put"
	EventObjectRemovedDelete = "ObjectRemoved:Delete"
)

// Notification is the envelope the store publishes after every committed
// mutation. Removal notices carry no ETag.
type Notification struct {
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	ETag      string    `json:"etag,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Sequencer string    `json:"sequencer"`
}
