package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/search-index-sync/internal/event"
	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
)

func created(t *testing.T, coll, item, fp string) event.ChangeEvent {
	t.Helper()
	ev, err := event.NewCreated(coll, item, fp)
	require.NoError(t, err)
	return ev
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload([]byte(`{"key":"lib42/itemA","version":7,"title":"Dune"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 7, p.Version)
	assert.NotContains(t, p.Fields, "key")
	assert.Equal(t, "Dune", p.Fields["title"])
}

func TestDecodePayloadGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"key":"x","version":2}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	p, err := DecodePayload(buf.Bytes())
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Version)
}

func TestDecodePayloadMalformed(t *testing.T) {
	for name, raw := range map[string][]byte{
		"corrupt gzip":     {0x1f, 0x8b, 0x00, 0x01},
		"not json":         []byte(`version=1`),
		"array":            []byte(`[1,2]`),
		"null":             []byte(`null`),
		"missing version":  []byte(`{"title":"x"}`),
		"string version":   []byte(`{"version":"3"}`),
		"fraction version": []byte(`{"version":1.5}`),
		"negative version": []byte(`{"version":-1}`),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePayload(raw)
			assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
		})
	}
}

func TestGuard(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "abc", `{"version":1}`)
	g := NewGuard(store)
	ctx := context.Background()

	obj, err := g.Fetch(ctx, created(t, "lib42", "itemA", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "lib42/itemA", obj.Key)

	_, err = g.Fetch(ctx, created(t, "lib42", "itemA", "xyz"))
	assert.ErrorIs(t, err, apperrors.ErrConsistencyMismatch)

	_, err = g.Fetch(ctx, created(t, "lib42", "missing", "abc"))
	assert.ErrorIs(t, err, apperrors.ErrObjectGone)

	store.err = apperrors.Unavailable(apperrors.ErrStoreUnavailable, "get", fmt.Errorf("conn reset"))
	_, err = g.Fetch(ctx, created(t, "lib42", "itemA", "abc"))
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestIndexerCreatedMatchingFingerprint(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "abc", `{"key":"lib42/itemA","version":4,"title":"A"}`)
	engine := newMemEngine()
	ix := NewIndexer(store, engine)

	out, err := ix.Apply(context.Background(), created(t, "lib42", "itemA", "abc"))
	require.NoError(t, err)
	assert.Equal(t, Indexed, out)

	doc, ok := engine.doc("lib42/itemA")
	require.True(t, ok)
	assert.EqualValues(t, 4, doc.version)
	assert.Equal(t, "lib42", doc.routing)
	assert.NotContains(t, doc.fields, "key")
}

func TestIndexerCreatedStaleFingerprint(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "xyz", `{"version":5}`)
	engine := newMemEngine()
	ix := NewIndexer(store, engine)

	_, err := ix.Apply(context.Background(), created(t, "lib42", "itemA", "abc"))
	require.ErrorIs(t, err, apperrors.ErrConsistencyMismatch)
	assert.Zero(t, engine.writes)
}

func TestIndexerRemovedAbsent(t *testing.T) {
	ix := NewIndexer(newMemStore(), newMemEngine())
	ev, err := event.NewRemoved("lib42", "itemA")
	require.NoError(t, err)

	out, err := ix.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, out)

	out, err = ix.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, AlreadyAbsent, out)
}

func TestIndexerObjectGoneIsDropped(t *testing.T) {
	engine := newMemEngine()
	ix := NewIndexer(newMemStore(), engine)
	out, err := ix.Apply(context.Background(), created(t, "lib42", "itemA", "abc"))
	require.NoError(t, err)
	assert.Equal(t, Dropped, out)
	assert.Zero(t, engine.writes)
}

func TestIndexerEngineUnavailablePropagates(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "abc", `{"version":1}`)
	engine := newMemEngine()
	engine.err = apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "index", fmt.Errorf("503"))
	ix := NewIndexer(store, engine)

	_, err := ix.Apply(context.Background(), created(t, "lib42", "itemA", "abc"))
	assert.ErrorIs(t, err, apperrors.ErrIndexerUnavailable)
}

// Applying creation events for one id in any order converges on the
// highest version.
func TestIndexerConvergesOnMaxVersion(t *testing.T) {
	versions := []int64{3, 9, 1, 7, 9, 2}
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 20; round++ {
		rng.Shuffle(len(versions), func(i, j int) { versions[i], versions[j] = versions[j], versions[i] })

		store := newMemStore()
		engine := newMemEngine()
		ix := NewIndexer(store, engine)
		for _, v := range versions {
			etag := fmt.Sprintf("etag-%d", v)
			store.put("lib42/itemA", etag, fmt.Sprintf(`{"version":%d}`, v))
			_, err := ix.Apply(context.Background(), created(t, "lib42", "itemA", etag))
			require.NoError(t, err)
		}
		doc, ok := engine.doc("lib42/itemA")
		require.True(t, ok)
		assert.EqualValues(t, 9, doc.version, "order %v", versions)
	}
}

func TestReplay(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "abc", `{"version":1}`)
	ix := NewIndexer(store, newMemEngine())

	body, err := created(t, "lib42", "itemA", "abc").Encode()
	require.NoError(t, err)
	out, err := ix.Replay(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, Indexed, out)

	_, err = ix.Replay(context.Background(), []byte("garbage"))
	assert.ErrorIs(t, err, apperrors.ErrMalformedInput)
}

func notification(t *testing.T, n objectstore.Notification) []byte {
	t.Helper()
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	return raw
}

func TestHandlerHappyPath(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "abc", `{"version":1}`)
	engine := newMemEngine()
	queue := &memQueue{}
	h := NewHandler(NewIndexer(store, engine), queue, nil)

	err := h.HandleNotification(context.Background(), notification(t, objectstore.Notification{
		EventName: objectstore.EventObjectCreatedPut, Key: "lib42/itemA", ETag: "abc",
	}))
	require.NoError(t, err)
	_, ok := engine.doc("lib42/itemA")
	assert.True(t, ok)
	assert.Empty(t, queue.bodies)
}

func TestHandlerParksMismatch(t *testing.T) {
	store := newMemStore()
	store.put("lib42/itemA", "xyz", `{"version":2}`)
	engine := newMemEngine()
	queue := &memQueue{}
	h := NewHandler(NewIndexer(store, engine), queue, nil)

	err := h.HandleNotification(context.Background(), notification(t, objectstore.Notification{
		EventName: objectstore.EventObjectCreatedPut, Key: "lib42/itemA", ETag: "abc",
	}))
	require.NoError(t, err)
	assert.Zero(t, engine.writes)
	require.Len(t, queue.bodies, 1)

	ev, err := event.Decode(queue.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", ev.ContentFingerprint)
}

func TestHandlerIgnoresReservedAndMalformed(t *testing.T) {
	queue := &memQueue{}
	h := NewHandler(NewIndexer(newMemStore(), newMemEngine()), queue, nil)
	ctx := context.Background()

	require.NoError(t, h.HandleNotification(ctx, notification(t, objectstore.Notification{
		EventName: objectstore.EventObjectCreatedPut, Key: "lib42/" + event.ReservedKey, ETag: "abc",
	})))
	require.NoError(t, h.HandleNotification(ctx, []byte(`{"eventName":"Bogus","key":"lib42/x"}`)))
	assert.Empty(t, queue.bodies)
}

func TestHandlerReturnsErrorWhenQueueDown(t *testing.T) {
	engine := newMemEngine()
	engine.err = apperrors.Unavailable(apperrors.ErrIndexerUnavailable, "index", fmt.Errorf("down"))
	store := newMemStore()
	store.put("lib42/itemA", "abc", `{"version":1}`)
	queue := &memQueue{err: apperrors.Unavailable(apperrors.ErrQueueUnavailable, "send", fmt.Errorf("down"))}
	h := NewHandler(NewIndexer(store, engine), queue, nil)

	err := h.HandleNotification(context.Background(), notification(t, objectstore.Notification{
		EventName: objectstore.EventObjectCreatedPut, Key: "lib42/itemA", ETag: "abc",
	}))
	assert.ErrorIs(t, err, apperrors.ErrQueueUnavailable)
}
