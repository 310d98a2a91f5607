package drain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/budget"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/retryqueue"
)

type leaseQueue struct {
	mu       sync.Mutex
	pending  []string
	leased   map[string]string
	received int
	deleted  []string
}

func newLeaseQueue(bodies ...string) *leaseQueue {
	return &leaseQueue{pending: bodies, leased: make(map[string]string)}
}

func (q *leaseQueue) Receive(context.Context) (retryqueue.Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return retryqueue.Message{}, false, nil
	}
	body := q.pending[0]
	q.pending = q.pending[1:]
	q.received++
	handle := fmt.Sprintf("h%d", q.received)
	q.leased[handle] = body
	return retryqueue.Message{ID: body, Body: []byte(body), ReceiptHandle: handle, ReceiveCount: 1}, true, nil
}

func (q *leaseQueue) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	body, ok := q.leased[handle]
	if !ok {
		return retryqueue.ErrLeaseLost
	}
	delete(q.leased, handle)
	q.deleted = append(q.deleted, body)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedReplayer returns the error mapped to a body and advances the clock
// by cost per call.
type scriptedReplayer struct {
	errs  map[string]error
	clock *clock
	cost  time.Duration
	calls []string
}

func (r *scriptedReplayer) Replay(_ context.Context, body []byte) (pipeline.Outcome, error) {
	r.calls = append(r.calls, string(body))
	if r.clock != nil {
		r.clock.Advance(r.cost)
	}
	if err := r.errs[string(body)]; err != nil {
		return "", err
	}
	return pipeline.Indexed, nil
}

func newBudget(c *clock, total time.Duration) budget.Budget {
	return budget.Deadline{At: c.Now().Add(total), Now: c.Now}
}

var testCfg = Config{SafetyMargin: 10 * time.Second, ReplayTimeout: 5 * time.Second, LogEvery: 2}

func TestDrainEmpty(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	d := New(newLeaseQueue(), &scriptedReplayer{}, testCfg, nil)
	res := d.Run(context.Background(), newBudget(c, time.Minute))
	assert.Equal(t, StoppedOnEmpty, res.State)
	assert.Zero(t, res.Processed)
}

func TestDrainProcessesAll(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	q := newLeaseQueue("a", "b", "c")
	d := New(q, &scriptedReplayer{}, testCfg, nil)

	res := d.Run(context.Background(), newBudget(c, time.Minute))
	assert.Equal(t, StoppedOnEmpty, res.State)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, []string{"a", "b", "c"}, q.deleted)
}

func TestDrainAbandonsConsistencyMismatch(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	q := newLeaseQueue("stale", "ok", "bad")
	r := &scriptedReplayer{errs: map[string]error{
		"stale": apperrors.New(apperrors.ErrConsistencyMismatch, 0, "etag changed"),
		"bad":   apperrors.Malformed("garbage"),
	}}
	d := New(q, r, testCfg, nil)

	res := d.Run(context.Background(), newBudget(c, time.Minute))
	assert.Equal(t, StoppedOnEmpty, res.State)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Skipped)
	assert.ElementsMatch(t, []string{"stale", "ok", "bad"}, q.deleted)
}

func TestDrainStopsOnInfrastructureError(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	q := newLeaseQueue("a", "down", "c")
	r := &scriptedReplayer{errs: map[string]error{
		"down": apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "index", fmt.Errorf("503")),
	}}
	d := New(q, r, testCfg, nil)

	res := d.Run(context.Background(), newBudget(c, time.Minute))
	assert.Equal(t, StoppedOnError, res.State)
	require.ErrorIs(t, res.Err, apperrors.ErrIndexerUnavailable)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"a"}, q.deleted)
	assert.Contains(t, q.leased, "h2", "failed message stays leased for redelivery")
	assert.Equal(t, []string{"c"}, q.pending, "no message leased after the failure")
}

func TestDrainNeverStartsBelowMargin(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	q := newLeaseQueue("a")
	r := &scriptedReplayer{}
	d := New(q, r, testCfg, nil)

	res := d.Run(context.Background(), newBudget(c, testCfg.SafetyMargin))
	assert.Equal(t, StoppedOnTimeout, res.State)
	assert.Zero(t, q.received)
	assert.Empty(t, r.calls)
}

func TestDrainStopsWhenBudgetRunsDown(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	q := newLeaseQueue("a", "b", "c", "d", "e", "f")
	r := &scriptedReplayer{clock: c, cost: 4 * time.Second}
	d := New(q, r, testCfg, nil)

	// 20s total, 10s margin, 4s per replay: leases at 20s, 16s and 12s left.
	res := d.Run(context.Background(), newBudget(c, 20*time.Second))
	assert.Equal(t, StoppedOnTimeout, res.State)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, []string{"a", "b", "c"}, q.deleted)
	assert.Empty(t, q.leased)
	assert.Len(t, q.pending, 3)
}

func TestDrainLeaseLostIsTolerated(t *testing.T) {
	c := &clock{now: time.Unix(0, 0)}
	q := newLeaseQueue("a", "b")
	r := &scriptedReplayer{}
	d := New(&stealingQueue{leaseQueue: q}, r, testCfg, nil)

	res := d.Run(context.Background(), newBudget(c, time.Minute))
	assert.Equal(t, StoppedOnEmpty, res.State)
	assert.Equal(t, 2, res.Processed)
}

// stealingQueue drops every lease before it can be acknowledged.
type stealingQueue struct {
	*leaseQueue
}

func (s *stealingQueue) Delete(ctx context.Context, handle string) error {
	s.mu.Lock()
	delete(s.leased, handle)
	s.mu.Unlock()
	return s.leaseQueue.Delete(ctx, handle)
}
