// Package objects serves the HTTP front door of the object store: writes and
// deletes that produce change notifications, and reindex requests.
package objects

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/ratelimit"
)

// Store is the object-store surface exposed over HTTP.
type Store interface {
	Get(ctx context.Context, key string) (*objectstore.Object, error)
	Put(ctx context.Context, key string, body []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

type ReindexRequester interface {
	RequestReindex(ctx context.Context, collectionID string) error
}

type Handler struct {
	store   Store
	reindex ReindexRequester
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewHandler returns a Handler. limiter throttles reindex requests per
// collection; nil disables throttling.
func NewHandler(store Store, reindex ReindexRequester, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		store:   store,
		reindex: reindex,
		limiter: limiter,
		logger:  slog.Default().With("component", "objects-handler"),
	}
}

// Register mounts the handler's routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/objects/{collection}/{key...}", h.Get)
	mux.HandleFunc("PUT /api/v1/objects/{collection}/{key...}", h.Put)
	mux.HandleFunc("DELETE /api/v1/objects/{collection}/{key...}", h.Delete)
	mux.HandleFunc("POST /api/v1/reindex/{collection}", h.Reindex)
}

type PutResponse struct {
	Key  string `json:"key"`
	ETag string `json:"etag"`
}

func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	collection, itemKey := r.PathValue("collection"), r.PathValue("key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}
	if err := ValidatePut(collection, itemKey, body); err != nil {
		h.writeValidation(w, err)
		return
	}

	key := collection + "/" + itemKey
	etag, err := h.store.Put(ctx, key, body)
	if err != nil {
		h.fail(w, log, "put failed", err)
		return
	}
	log.Info("object stored", "key", key, "etag", etag, "size", len(body))
	w.Header().Set("ETag", etag)
	h.writeJSON(w, http.StatusOK, PutResponse{Key: key, ETag: etag})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	collection, itemKey := r.PathValue("collection"), r.PathValue("key")
	if err := ValidateAddress(collection, itemKey); err != nil {
		h.writeValidation(w, err)
		return
	}
	obj, err := h.store.Get(r.Context(), collection+"/"+itemKey)
	if err != nil {
		h.fail(w, logger.FromContext(r.Context()), "get failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", obj.ETag)
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Body)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	collection, itemKey := r.PathValue("collection"), r.PathValue("key")
	if err := ValidateAddress(collection, itemKey); err != nil {
		h.writeValidation(w, err)
		return
	}
	key := collection + "/" + itemKey
	if err := h.store.Delete(ctx, key); err != nil {
		h.fail(w, log, "delete failed", err)
		return
	}
	log.Info("object deleted", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	collection := r.PathValue("collection")
	if err := ValidateCollection(collection); err != nil {
		h.writeValidation(w, err)
		return
	}
	if h.limiter != nil && !h.limiter.Allow(collection) {
		retry := h.limiter.RetryAfter(collection)
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
		h.writeError(w, http.StatusTooManyRequests, "reindex already requested recently")
		return
	}
	if err := h.reindex.RequestReindex(ctx, collection); err != nil {
		h.fail(w, log, "reindex request failed", err)
		return
	}
	log.Info("reindex requested", "collection_id", collection)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"collection_id": collection, "status": "accepted"})
}

func (h *Handler) fail(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg, "error", err, "status_code", status)
	} else {
		log.Debug(msg, "error", err, "status_code", status)
	}
	h.writeError(w, status, http.StatusText(status))
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
