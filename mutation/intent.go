package mutation

import (
	"github.com/xraph/tally/store"
)

// Intent is one requested write. The concrete types are Upsert, Create,
// Update and Delete; the set is closed.
type Intent interface {
	op() string
	target() string
	payload() store.Fields
}

// Upsert creates or overwrites the document at Path. The zero value merges
// Data into the existing document; Replace overwrites it. With a Guard the
// write is a merge applied only while the guard holds, and Replace is
// ignored.
type Upsert struct {
	Path    string
	Data    store.Fields
	Replace bool
	Guard   *store.Guard
}

// Create adds a document with a generated identifier to Collection.
type Create struct {
	Collection string
	Data       store.Fields
}

// Update merges Data into the document at Path. A missing document is
// created instead.
type Update struct {
	Path string
	Data store.Fields
}

// Delete removes the document at Path.
type Delete struct {
	Path string
}

func (Upsert) op() string { return store.OpSet }
func (Create) op() string { return store.OpCreate }
func (Update) op() string { return store.OpUpdate }
func (Delete) op() string { return store.OpDelete }

func (u Upsert) target() string { return u.Path }
func (c Create) target() string { return c.Collection }
func (u Update) target() string { return u.Path }
func (d Delete) target() string { return d.Path }

func (u Upsert) payload() store.Fields { return u.Data }
func (c Create) payload() store.Fields { return c.Data }
func (u Update) payload() store.Fields { return u.Data }
func (Delete) payload() store.Fields { return nil }

// UpsertOption configures an Upsert built by Queue.Upsert.
type UpsertOption func(*Upsert)

// WithMerge selects merge (true, the default) or replace (false) semantics.
func WithMerge(merge bool) UpsertOption {
	return func(u *Upsert) { u.Replace = !merge }
}

// WithGuard makes the upsert conditional on g.
func WithGuard(g store.Guard) UpsertOption {
	return func(u *Upsert) { u.Guard = &g }
}
