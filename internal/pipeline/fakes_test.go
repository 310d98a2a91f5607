package pipeline

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/objectstore"
	"github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/searchengine"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string]*objectstore.Object
	err     error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string]*objectstore.Object)}
}

func (s *memStore) put(key, etag string, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &objectstore.Object{Key: key, Body: []byte(body), ETag: etag}
}

func (s *memStore) Get(_ context.Context, key string) (*objectstore.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, apperrors.ErrNotFound)
	}
	return obj, nil
}

type indexedDoc struct {
	version int64
	routing string
	fields  map[string]any
}

type memEngine struct {
	mu     sync.Mutex
	docs   map[string]indexedDoc
	writes int
	err    error
}

func newMemEngine() *memEngine {
	return &memEngine{docs: make(map[string]indexedDoc)}
}

func (e *memEngine) Upsert(_ context.Context, doc searchengine.Document) (searchengine.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	if cur, ok := e.docs[doc.ID]; ok && cur.version >= doc.Version {
		return searchengine.Stale, nil
	}
	e.writes++
	e.docs[doc.ID] = indexedDoc{version: doc.Version, routing: doc.Routing, fields: doc.Body}
	return searchengine.Written, nil
}

func (e *memEngine) Delete(_ context.Context, id, _ string) (searchengine.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	if _, ok := e.docs[id]; !ok {
		return searchengine.Absent, nil
	}
	e.writes++
	delete(e.docs, id)
	return searchengine.Deleted, nil
}

func (e *memEngine) doc(id string) (indexedDoc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[id]
	return d, ok
}

type memQueue struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (q *memQueue) Send(_ context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.bodies = append(q.bodies, body)
	return fmt.Sprintf("m%d", len(q.bodies)), nil
}
