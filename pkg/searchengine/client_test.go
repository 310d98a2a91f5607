package searchengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
)

type storedDoc struct {
	version int
	routing string
	body    map[string]any
}

// fakeEngine implements the subset of the OpenSearch document API used by
// Client, including external version gating.
type fakeEngine struct {
	mu   sync.Mutex
	docs map[string]storedDoc
	down bool
	hits int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{docs: make(map[string]storedDoc)}
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if f.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	_, id, ok := strings.Cut(r.URL.Path, "/_doc/")
	if !ok {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
		return
	}

	switch r.Method {
	case http.MethodPut, http.MethodPost:
		version, _ := strconv.Atoi(r.URL.Query().Get("version"))
		if r.URL.Query().Get("version_type") != "external" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if cur, exists := f.docs[id]; exists && cur.version >= version {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":{"type":"version_conflict_engine_exception"}}`))
			return
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.docs[id] = storedDoc{version: version, routing: r.URL.Query().Get("routing"), body: body}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"result":"created"}`))
	case http.MethodDelete:
		if _, exists := f.docs[id]; !exists {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"result":"not_found"}`))
			return
		}
		delete(f.docs, id)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":"deleted"}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeEngine) doc(id string) (storedDoc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d, ok
}

func newTestClient(t *testing.T, engine http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	c, err := New(config.OpenSearchConfig{
		URLs:             []string{srv.URL},
		Index:            "documents",
		RetryMax:         0,
		RequestTimeout:   2 * time.Second,
		BreakerThreshold: 2,
		BreakerReset:     time.Hour,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestUpsertVersionGate(t *testing.T) {
	engine := newFakeEngine()
	c := newTestClient(t, engine)
	ctx := context.Background()

	out, err := c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 3, Body: map[string]any{"title": "v3"}})
	require.NoError(t, err)
	assert.Equal(t, Written, out)

	out, err = c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 2, Body: map[string]any{"title": "v2"}})
	require.NoError(t, err)
	assert.Equal(t, Stale, out)

	out, err = c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 3, Body: map[string]any{"title": "v3 again"}})
	require.NoError(t, err)
	assert.Equal(t, Stale, out)

	d, ok := engine.doc("lib42/itemA")
	require.True(t, ok)
	assert.Equal(t, 3, d.version)
	assert.Equal(t, "lib42", d.routing)
	assert.Equal(t, "v3", d.body["title"])
}

func TestDeleteAbsentIsSuccess(t *testing.T) {
	engine := newFakeEngine()
	c := newTestClient(t, engine)
	ctx := context.Background()

	out, err := c.Delete(ctx, "lib42/itemA", "lib42")
	require.NoError(t, err)
	assert.Equal(t, Absent, out)

	_, err = c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 1, Body: map[string]any{}})
	require.NoError(t, err)

	out, err = c.Delete(ctx, "lib42/itemA", "lib42")
	require.NoError(t, err)
	assert.Equal(t, Deleted, out)
	_, ok := engine.doc("lib42/itemA")
	assert.False(t, ok)
}

func TestUnavailableAndBreaker(t *testing.T) {
	engine := newFakeEngine()
	engine.down = true
	c := newTestClient(t, engine)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 1, Body: map[string]any{}})
		require.ErrorIs(t, err, apperrors.ErrIndexerUnavailable)
	}
	engine.mu.Lock()
	hits := engine.hits
	engine.mu.Unlock()

	_, err := c.Delete(ctx, "lib42/itemA", "lib42")
	require.ErrorIs(t, err, apperrors.ErrIndexerUnavailable)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, hits, engine.hits, "open breaker must not reach the engine")
}

func TestStaleWritesDoNotTripBreaker(t *testing.T) {
	engine := newFakeEngine()
	c := newTestClient(t, engine)
	ctx := context.Background()

	_, err := c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 10, Body: map[string]any{}})
	require.NoError(t, err)
	for v := int64(1); v <= 5; v++ {
		out, err := c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: v, Body: map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, Stale, out)
	}

	out, err := c.Upsert(ctx, Document{ID: "lib42/itemA", Routing: "lib42", Version: 11, Body: map[string]any{}})
	require.NoError(t, err, "breaker must stay closed after stale writes")
	assert.Equal(t, Written, out)
}

func TestUpsertRejectsNegativeVersion(t *testing.T) {
	c := newTestClient(t, newFakeEngine())
	_, err := c.Upsert(context.Background(), Document{ID: "lib42/itemA", Version: -1})
	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
}
