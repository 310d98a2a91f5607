// Package retryqueue implements an at-least-once message queue with
// visibility leases on Redis.
//
// A received message stays in the queue but is hidden until its lease
// expires. Acknowledging (Delete) requires the receipt handle of the current
// lease; a message whose lease lapsed and was re-received by another consumer
// can only be acknowledged by that consumer.
//
// Layout per queue name:
//
//	rq:{name}:visible   ZSET  id -> unix millis at which the id becomes receivable
//	rq:{name}:bodies    HASH  id -> message body
//	rq:{name}:leases    HASH  id -> token of the current lease
//	rq:{name}:receives  HASH  id -> receive count
package retryqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/redis"
)

// MaxBatch is the largest number of messages accepted by one SendBatch call.
const MaxBatch = 10

var (
	// ErrBatchTooLarge is returned when SendBatch receives more than MaxBatch bodies.
	ErrBatchTooLarge = fmt.Errorf("retry queue batch exceeds %d messages", MaxBatch)
	// ErrLeaseLost is returned by Delete when the receipt handle no longer
	// names the current lease.
	ErrLeaseLost = errors.New("retry queue lease lost")
)

var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local n = redis.call('HINCRBY', KEYS[4], id, 1)
local body = redis.call('HGET', KEYS[2], id)
if not body then
  body = ''
end
return {id, body, n}
`)

var deleteScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[3], ARGV[1])
if token ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// Message is a leased message.
type Message struct {
	ID                 string
	Body               []byte
	ReceiptHandle      string
	VisibilityDeadline time.Time
	ReceiveCount       int64
}

type Queue struct {
	rdb        redis.UniversalClient
	name       string
	visibility time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New returns a queue named name whose leases last visibility.
func New(rdb redis.UniversalClient, name string, visibility time.Duration) *Queue {
	return &Queue{
		rdb:        rdb,
		name:       name,
		visibility: visibility,
		now:        time.Now,
		logger:     slog.Default().With("component", "retry-queue", "queue", name),
	}
}

func (q *Queue) keys() []string {
	prefix := "rq:{" + q.name + "}:"
	return []string{prefix + "visible", prefix + "bodies", prefix + "leases", prefix + "receives"}
}

// SendBatch enqueues up to MaxBatch bodies atomically; they are receivable
// immediately.
func (q *Queue) SendBatch(ctx context.Context, bodies [][]byte) ([]string, error) {
	if len(bodies) > MaxBatch {
		return nil, ErrBatchTooLarge
	}
	if len(bodies) == 0 {
		return nil, nil
	}
	keys := q.keys()
	score := float64(q.now().UnixMilli())
	ids := make([]string, len(bodies))
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, body := range bodies {
			id, err := randomToken()
			if err != nil {
				return err
			}
			ids[i] = id
			pipe.HSet(ctx, keys[1], id, body)
			pipe.ZAdd(ctx, keys[0], redis.Z{Score: score, Member: id})
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Unavailable(apperrors.ErrQueueUnavailable, "send batch", err)
	}
	q.logger.Debug("batch sent", "count", len(bodies))
	return ids, nil
}

// Send enqueues a single body.
func (q *Queue) Send(ctx context.Context, body []byte) (string, error) {
	ids, err := q.SendBatch(ctx, [][]byte{body})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Receive leases the next receivable message. ok is false when none is
// available.
func (q *Queue) Receive(ctx context.Context) (msg Message, ok bool, err error) {
	token, err := randomToken()
	if err != nil {
		return Message{}, false, err
	}
	now := q.now()
	deadline := now.Add(q.visibility)
	res, err := receiveScript.Run(ctx, q.rdb, q.keys(),
		now.UnixMilli(), deadline.UnixMilli(), token,
	).Slice()
	if pkgredis.IsNilError(err) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, apperrors.Unavailable(apperrors.ErrQueueUnavailable, "receive", err)
	}
	if len(res) != 3 {
		return Message{}, false, fmt.Errorf("unexpected receive reply of length %d", len(res))
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)
	count, _ := res[2].(int64)
	return Message{
		ID:                 id,
		Body:               []byte(body),
		ReceiptHandle:      id + "." + token,
		VisibilityDeadline: deadline,
		ReceiveCount:       count,
	}, true, nil
}

// Delete acknowledges the message leased under receiptHandle.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	id, token, found := strings.Cut(receiptHandle, ".")
	if !found || id == "" || token == "" {
		return apperrors.Malformed("receipt handle %q", receiptHandle)
	}
	n, err := deleteScript.Run(ctx, q.rdb, q.keys(), id, token).Int64()
	if err != nil {
		return apperrors.Unavailable(apperrors.ErrQueueUnavailable, "delete", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, ErrLeaseLost)
	}
	return nil
}

// Depth returns the number of messages held, leased or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.keys()[0]).Result()
	if err != nil {
		return 0, apperrors.Unavailable(apperrors.ErrQueueUnavailable, "depth", err)
	}
	return n, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func randomToken() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
