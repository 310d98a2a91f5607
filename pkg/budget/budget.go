// Package budget exposes the remaining-time signal that bounded invocations
// poll before each unit of work.
package budget

import (
	"context"
	"time"
)

// Budget reports how much time the current invocation has left.
type Budget interface {
	Remaining() time.Duration
}

// Deadline is a Budget that counts down to a fixed point in time.
type Deadline struct {
	At  time.Time
	Now func() time.Time
}

// Until returns a Deadline expiring at t, measured with the wall clock.
func Until(t time.Time) Deadline {
	return Deadline{At: t, Now: time.Now}
}

// FromContext derives a Budget from ctx's deadline. A context without a
// deadline falls back to the given limit, measured from now.
func FromContext(ctx context.Context, fallback time.Duration) Deadline {
	if dl, ok := ctx.Deadline(); ok {
		return Until(dl)
	}
	return Until(time.Now().Add(fallback))
}

func (d Deadline) Remaining() time.Duration {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	return d.At.Sub(now())
}

// Exceeds reports whether b still has more than margin left.
func Exceeds(b Budget, margin time.Duration) bool {
	return b.Remaining() > margin
}
