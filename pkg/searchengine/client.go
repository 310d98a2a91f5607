// Package searchengine writes documents to OpenSearch with external version
// gating. A write whose version is not greater than the stored one is
// reported as stale rather than failed, which makes replays commutative.
package searchengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/resilience"
)

// Outcome is the result of an accepted write.
type Outcome string

const (
	Written Outcome = "written"
	Stale   Outcome = "stale"
	Deleted Outcome = "deleted"
	Absent  Outcome = "absent"
)

// Document is an id-addressed search document. IDs may contain slashes; they
// are path-escaped on the wire.
type Document struct {
	ID      string
	Routing string
	Version int64
	Body    map[string]any
}

type Client struct {
	os      *opensearch.Client
	index   string
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New builds a client for cfg. HTTP-level retries are delegated to
// go-retryablehttp; the OpenSearch transport's own retry is disabled.
func New(cfg config.OpenSearchConfig, m *metrics.Metrics) (*Client, error) {
	logger := slog.Default().With("component", "search-engine", "index", cfg.Index)

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 900 * time.Millisecond
	rc.HTTPClient.Timeout = cfg.RequestTimeout
	rc.Logger = logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	osc, err := opensearch.NewClient(opensearch.Config{
		Addresses:    cfg.URLs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		Transport:    &retryablehttp.RoundTripper{Client: rc},
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating opensearch client: %w", err)
	}

	breaker := resilience.NewCircuitBreaker("opensearch", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerReset,
		IsFailure: func(err error) bool {
			return errors.Is(err, apperrors.ErrIndexerUnavailable)
		},
		OnStateChange: func(name string, to resilience.State) {
			m.BreakerState(name, int(to))
		},
	})

	return &Client{
		os:      osc,
		index:   cfg.Index,
		breaker: breaker,
		metrics: m,
		logger:  logger,
	}, nil
}

// Upsert writes doc if its version is greater than the stored version.
func (c *Client) Upsert(ctx context.Context, doc Document) (Outcome, error) {
	if doc.Version < 0 || doc.Version > math.MaxInt {
		return "", apperrors.Malformed("version %d out of range", doc.Version)
	}
	body, err := json.Marshal(doc.Body)
	if err != nil {
		return "", apperrors.Malformed("encoding document %s: %v", doc.ID, err)
	}
	version := int(doc.Version)
	req := opensearchapi.IndexRequest{
		Index:       c.index,
		DocumentID:  url.PathEscape(doc.ID),
		Body:        bytes.NewReader(body),
		Routing:     doc.Routing,
		Version:     &version,
		VersionType: "external",
	}

	var outcome Outcome
	start := time.Now()
	err = c.do(ctx, "upsert", func(ctx context.Context) error {
		res, err := req.Do(ctx, c.os)
		if err != nil {
			return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "index "+doc.ID, err)
		}
		defer drain(res.Body)
		switch {
		case !res.IsError():
			outcome = Written
		case res.StatusCode == http.StatusConflict:
			return apperrors.Newf(apperrors.ErrConflictStale, http.StatusConflict,
				"%s version %d is not newer than the indexed copy", doc.ID, doc.Version)
		default:
			return statusError("index "+doc.ID, res)
		}
		return nil
	})
	if errors.Is(err, apperrors.ErrConflictStale) {
		c.logger.Debug("write superseded by newer version", "doc_id", doc.ID, "reason", err)
		outcome, err = Stale, nil
	}
	c.metrics.IndexWrite("upsert", resultLabel(outcome, err), time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// Delete removes the document with id. An absent document is not an error.
func (c *Client) Delete(ctx context.Context, id, routing string) (Outcome, error) {
	req := opensearchapi.DeleteRequest{
		Index:      c.index,
		DocumentID: url.PathEscape(id),
		Routing:    routing,
	}

	var outcome Outcome
	start := time.Now()
	err := c.do(ctx, "delete", func(ctx context.Context) error {
		res, err := req.Do(ctx, c.os)
		if err != nil {
			return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "delete "+id, err)
		}
		defer drain(res.Body)
		switch {
		case !res.IsError():
			outcome = Deleted
		case res.StatusCode == http.StatusNotFound:
			outcome = Absent
		default:
			return statusError("delete "+id, res)
		}
		return nil
	})
	c.metrics.IndexWrite("delete", resultLabel(outcome, err), time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// EnsureIndex creates the index when it does not exist yet.
func (c *Client) EnsureIndex(ctx context.Context) error {
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{c.index}}.Do(ctx, c.os)
	if err != nil {
		return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "index exists", err)
	}
	drain(res.Body)
	if res.StatusCode == http.StatusOK {
		return nil
	}

	settings := strings.NewReader(`{"settings":{"index":{"number_of_shards":1,"number_of_replicas":0}}}`)
	res, err = opensearchapi.IndicesCreateRequest{Index: c.index, Body: settings}.Do(ctx, c.os)
	if err != nil {
		return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "create index", err)
	}
	defer drain(res.Body)
	// A concurrent creator wins with 400 resource_already_exists_exception.
	if res.IsError() && res.StatusCode != http.StatusBadRequest {
		return statusError("create index", res)
	}
	c.logger.Info("index ready")
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	res, err := opensearchapi.PingRequest{}.Do(ctx, c.os)
	if err != nil {
		return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "ping", err)
	}
	defer drain(res.Body)
	if res.IsError() {
		return statusError("ping", res)
	}
	return nil
}

// do runs fn through the circuit breaker. An open breaker is reported as
// ErrIndexerUnavailable without reaching the engine.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(func() error { return fn(ctx) })
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, op, err)
	}
	return err
}

func resultLabel(o Outcome, err error) string {
	if err != nil {
		return apperrors.Kind(err)
	}
	return string(o)
}

func statusError(op string, res *opensearchapi.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return apperrors.Unavailable(apperrors.ErrIndexerUnavailable, op,
		fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(msg)))
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	io.Copy(io.Discard, body)
	body.Close()
}
