package objects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/ratelimit"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *memStore) Get(_ context.Context, key string) (*objectstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, apperrors.ErrNotFound)
	}
	return &objectstore.Object{Key: key, Body: body, ETag: objectstore.ETag(body)}, nil
}

func (s *memStore) Put(_ context.Context, key string, body []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.objects[key] = body
	return objectstore.ETag(body), nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

type requests struct {
	collections []string
}

func (r *requests) RequestReindex(_ context.Context, collectionID string) error {
	r.collections = append(r.collections, collectionID)
	return nil
}

func newServer(t *testing.T) (*memStore, *requests, http.Handler) {
	t.Helper()
	store := &memStore{objects: make(map[string][]byte)}
	reqs := &requests{}
	mux := http.NewServeMux()
	NewHandler(store, reqs, ratelimit.New(1, time.Hour)).Register(mux)
	return store, reqs, mux
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestPutGetDelete(t *testing.T) {
	store, _, h := newServer(t)
	body := `{"key":"lib42/shelf/itemA","version":1,"title":"A"}`

	rec := do(h, http.MethodPut, "/api/v1/objects/lib42/shelf/itemA", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp PutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "lib42/shelf/itemA", resp.Key)
	assert.Equal(t, objectstore.ETag([]byte(body)), resp.ETag)
	assert.Contains(t, store.objects, "lib42/shelf/itemA")

	rec = do(h, http.MethodGet, "/api/v1/objects/lib42/shelf/itemA", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String())
	assert.Equal(t, resp.ETag, rec.Header().Get("ETag"))

	rec = do(h, http.MethodDelete, "/api/v1/objects/lib42/shelf/itemA", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/objects/lib42/shelf/itemA", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutValidation(t *testing.T) {
	_, _, h := newServer(t)
	tests := []struct {
		name  string
		path  string
		body  string
		field string
	}{
		{"reserved key", "/api/v1/objects/lib42/_reindex_status", `{"version":1}`, "key"},
		{"missing version", "/api/v1/objects/lib42/itemA", `{"title":"x"}`, "body"},
		{"empty body", "/api/v1/objects/lib42/itemA", ``, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPut, tt.path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp struct {
				Fields map[string]string `json:"fields"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Contains(t, resp.Fields, tt.field)
		})
	}
}

func TestPutTooLarge(t *testing.T) {
	_, _, h := newServer(t)
	rec := do(h, http.MethodPut, "/api/v1/objects/lib42/itemA", strings.Repeat("x", MaxBodySize+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPutStoreUnavailable(t *testing.T) {
	store, _, h := newServer(t)
	store.err = apperrors.Unavailable(apperrors.ErrStoreUnavailable, "put", fmt.Errorf("down"))
	rec := do(h, http.MethodPut, "/api/v1/objects/lib42/itemA", `{"version":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReindexRequest(t *testing.T) {
	_, reqs, h := newServer(t)
	rec := do(h, http.MethodPost, "/api/v1/reindex/lib42", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"lib42"}, reqs.collections)

	rec = do(h, http.MethodPost, "/api/v1/reindex/lib42", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, reqs.collections, 1)

	rec = do(h, http.MethodPost, "/api/v1/reindex/lib43", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
