// Package memory provides an in-process document store. It backs tests and
// single-process deployments and can simulate access-rule rejections and
// transient failures through an Interceptor.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Interceptor runs before every operation. A non-nil error aborts the
// operation; errors that are not *store.Error are wrapped with the code
// store.CodeOf assigns them.
type Interceptor func(ctx context.Context, op, path string) error

// Option configures a Store.
type Option func(*Store)

// WithInterceptor installs an interceptor.
func WithInterceptor(fn Interceptor) Option {
	return func(s *Store) { s.intercept = fn }
}

// Store is a mutex-guarded map of documents keyed by path.
type Store struct {
	mu        sync.RWMutex
	docs      map[string]store.Fields
	writes    int
	closed    bool
	intercept Interceptor
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{docs: make(map[string]store.Fields)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetInterceptor replaces the interceptor at runtime.
func (s *Store) SetInterceptor(fn Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// Writes returns the number of writes applied so far.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if _, _, err := store.SplitPath(path); err != nil {
		return store.Snapshot{}, store.NewError(store.OpGet, path, store.CodeInvalidArgument, err)
	}
	if err := s.before(ctx, store.OpGet, path); err != nil {
		return store.Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[path]
	if !ok {
		return store.Snapshot{Path: path}, nil
	}
	return store.Snapshot{Path: path, Exists: true, Data: doc.Clone()}, nil
}

func (s *Store) Set(ctx context.Context, path string, data store.Fields, merge bool) error {
	if _, _, err := store.SplitPath(path); err != nil {
		return store.NewError(store.OpSet, path, store.CodeInvalidArgument, err)
	}
	if err := s.before(ctx, store.OpSet, path); err != nil {
		return err
	}

	changes := store.Split(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.docs[path]
	doc := store.Fields{}
	if exists && merge {
		doc = existing.Clone()
		apply(doc, existing, changes, false)
	} else {
		// A replace writes a fresh body, so create-only leaves apply.
		apply(doc, nil, changes, true)
	}
	s.docs[path] = doc
	s.writes++
	return nil
}

func (s *Store) SetIf(ctx context.Context, path string, data store.Fields, g store.Guard) (bool, error) {
	if _, _, err := store.SplitPath(path); err != nil {
		return false, store.NewError(store.OpSet, path, store.CodeInvalidArgument, err)
	}
	if err := s.before(ctx, store.OpSet, path); err != nil {
		return false, err
	}

	changes := store.Split(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.docs[path]
	if !g.Holds(existing) {
		return false, nil
	}
	doc := store.Fields{}
	if exists {
		doc = existing.Clone()
		apply(doc, existing, changes, false)
	} else {
		apply(doc, nil, changes, true)
	}
	s.docs[path] = doc
	s.writes++
	return true, nil
}

func (s *Store) Update(ctx context.Context, path string, data store.Fields) error {
	if _, _, err := store.SplitPath(path); err != nil {
		return store.NewError(store.OpUpdate, path, store.CodeInvalidArgument, err)
	}
	if err := s.before(ctx, store.OpUpdate, path); err != nil {
		return err
	}

	changes := store.Split(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.docs[path]
	if !ok {
		return store.NewError(store.OpUpdate, path, store.CodeNotFound, nil)
	}
	doc := existing.Clone()
	apply(doc, existing, changes, false)
	s.docs[path] = doc
	s.writes++
	return nil
}

func (s *Store) Create(ctx context.Context, collection string, data store.Fields) (string, error) {
	if err := store.ValidateCollection(collection); err != nil {
		return "", store.NewError(store.OpCreate, collection, store.CodeInvalidArgument, err)
	}
	if err := s.before(ctx, store.OpCreate, collection); err != nil {
		return "", err
	}

	docID := id.NewDocumentID().String()
	path := store.Join(collection, docID)
	doc := store.Fields{}
	apply(doc, nil, store.Split(data), true)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.docs[path] = doc
	s.writes++
	return docID, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := store.SplitPath(path); err != nil {
		return store.NewError(store.OpDelete, path, store.CodeInvalidArgument, err)
	}
	if err := s.before(ctx, store.OpDelete, path); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, path)
	s.writes++
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return store.NewError("ping", "", store.CodeUnavailable, fmt.Errorf("memory store closed"))
	}
	return ctx.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) before(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return store.NewError(op, path, store.CodeAborted, err)
	}

	s.mu.RLock()
	fn, closed := s.intercept, s.closed
	s.mu.RUnlock()

	if closed {
		return store.NewError(op, path, store.CodeUnavailable, fmt.Errorf("memory store closed"))
	}
	if fn == nil {
		return nil
	}
	if err := fn(ctx, op, path); err != nil {
		var se *store.Error
		if errors.As(err, &se) {
			return err
		}
		return store.NewError(op, path, store.CodeOf(err), err)
	}
	return nil
}

// apply writes changes into doc. Increments count up from the value in prev,
// or from 0 when prev is nil.
func apply(doc, prev store.Fields, c store.Changes, creating bool) {
	for k, v := range c.Set {
		doc.SetPath(k, v)
	}
	for k, n := range c.Inc {
		var base int64
		if prev != nil {
			if v, ok := prev.Lookup(k); ok {
				base, _ = store.ToInt64(v)
			}
		}
		doc.SetPath(k, base+n)
	}
	if creating {
		for k, v := range c.SetOnInsert {
			doc.SetPath(k, v)
		}
	}
}
