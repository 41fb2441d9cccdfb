// Package store defines the document store contract tally mutates and reads.
//
// Documents live at slash-separated paths that alternate collection and
// document segments ("users/u1", "users/u1/plans/p1"). Writes take Fields,
// whose keys may be dotted leaf paths ("usage.meal-plan"); nested maps are
// flattened before they are applied, so a merge only touches the leaves it
// names in every backend.
package store

import (
	"context"
)

// Operation names reported in errors and failure events.
const (
	OpGet    = "get"
	OpSet    = "set"
	OpUpdate = "update"
	OpCreate = "create"
	OpDelete = "delete"
)

// Store is the storage interface every document backend implements.
type Store interface {
	// Get reads the document at path. A missing document is not an error:
	// the snapshot reports Exists == false.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set creates or overwrites the document at path. With merge the given
	// leaves are merged into the existing document; without it the document
	// is replaced.
	Set(ctx context.Context, path string, data Fields, merge bool) error

	// SetIf merges data into the document at path, creating it when absent,
	// only while g holds. It reports whether the write was applied; a failed
	// guard is not an error.
	SetIf(ctx context.Context, path string, data Fields, g Guard) (bool, error)

	// Update merges data into an existing document and fails with a
	// CodeNotFound error when the document is absent.
	Update(ctx context.Context, path string, data Fields) error

	// Create adds a document with a store-generated identifier to collection
	// and returns that identifier.
	Create(ctx context.Context, collection string, data Fields) (string, error)

	// Delete removes the document at path. Deleting a missing document
	// succeeds.
	Delete(ctx context.Context, path string) error

	// Core methods
	Ping(ctx context.Context) error
	Close() error
}

// Guard is the precondition of a conditional merge. It holds when the
// document is absent, has no Field, or holds an integer at Field that is
// smaller than Below. Writers pass Field in the data with the value Below,
// which makes Field a high-water mark.
type Guard struct {
	Field string
	Below int64
}

// Holds reports whether g holds for doc. A nil doc is an absent document.
func (g Guard) Holds(doc Fields) bool {
	if doc == nil {
		return true
	}
	v, ok := doc.Lookup(g.Field)
	if !ok {
		return true
	}
	n, ok := ToInt64(v)
	return !ok || n < g.Below
}

// Snapshot is the result of reading one document.
type Snapshot struct {
	Path   string
	Exists bool
	Data   Fields
}

// Lookup returns the value at a dotted key inside the snapshot data.
func (s Snapshot) Lookup(key string) (any, bool) {
	if !s.Exists {
		return nil, false
	}
	return s.Data.Lookup(key)
}

// String returns the string at key, or "" when it is absent or not a string.
func (s Snapshot) String(key string) string {
	v, ok := s.Lookup(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Int returns the integer at key. Absent and non-numeric values read as 0.
func (s Snapshot) Int(key string) int64 {
	v, ok := s.Lookup(key)
	if !ok {
		return 0
	}
	n, _ := ToInt64(v)
	return n
}
