package mutation

import (
	"context"
)

// Handle is the future of one submitted intent.
type Handle struct {
	intent Intent
	done   chan struct{}
	docID   string
	skipped bool
	err     error
}

// result is what a write reports to its handle.
type result struct {
	docID   string
	skipped bool
}

func newHandle(in Intent) *Handle {
	return &Handle{intent: in, done: make(chan struct{})}
}

func (h *Handle) finish(res result, err error) {
	h.docID = res.docID
	h.skipped = res.skipped
	h.err = err
	close(h.done)
}

// Wait blocks until the write finishes or ctx ends. It returns the write
// error, which wraps tally.ErrPermissionDenied or tally.ErrTransientWrite.
// Canceling ctx stops the wait, not the write.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the write finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ID returns the identifier a Create generated. It is empty for other
// intents and before the write finishes.
func (h *Handle) ID() string {
	select {
	case <-h.done:
		return h.docID
	default:
		return ""
	}
}

// Applied reports whether the write finished and changed the store. It is
// false while pending, after a failure, and when a guarded upsert found its
// guard failing.
func (h *Handle) Applied() bool {
	select {
	case <-h.done:
		return h.err == nil && !h.skipped
	default:
		return false
	}
}

// Intent returns the submitted intent.
func (h *Handle) Intent() Intent { return h.intent }
