// Package mutation performs fire-and-forget writes against a document store.
//
// Every write is an Intent submitted to a Queue. Submission returns a Handle
// immediately and the write runs on its own goroutine, detached from the
// caller's cancellation and bounded by a write timeout. A failed write never
// reaches the caller's control flow: it is classified, logged and published
// on the error bus. Callers that need the outcome await the Handle.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/tally"
	"github.com/xraph/tally/errbus"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store"
)

// DefaultTimeout bounds a single write.
const DefaultTimeout = 10 * time.Second

const tracerName = "github.com/xraph/tally/mutation"

// Queue dispatches intents to a store.
type Queue struct {
	store   store.Store
	bus     *errbus.Bus
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	seq     uint64
	pending map[uint64]struct{}
	waiters []flushWaiter
}

// flushWaiter is released once no write numbered upTo or lower is pending.
type flushWaiter struct {
	upTo uint64
	ch   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithTimeout sets the per-write timeout.
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.timeout = d
		}
	}
}

// WithTracer sets the tracer used for write spans.
func WithTracer(t trace.Tracer) Option {
	return func(q *Queue) { q.tracer = t }
}

// WithClock sets the clock used to stamp failure events.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue writing to s and publishing failures on bus. A nil bus
// gets a private one.
func New(s store.Store, bus *errbus.Bus, opts ...Option) *Queue {
	q := &Queue{
		store:   s,
		bus:     bus,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		timeout: DefaultTimeout,
		now:     time.Now,
		pending: make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.bus == nil {
		q.bus = errbus.New(errbus.WithLogger(q.logger))
	}
	return q
}

// Bus returns the bus failures are published on.
func (q *Queue) Bus() *errbus.Bus { return q.bus }

// Upsert writes data to path, creating the document when absent. Merge is
// the default; pass WithMerge(false) to replace.
func (q *Queue) Upsert(ctx context.Context, path string, data store.Fields, opts ...UpsertOption) *Handle {
	u := Upsert{Path: path, Data: data}
	for _, opt := range opts {
		opt(&u)
	}
	return q.Submit(ctx, u)
}

// Update merges data into path. When the document does not exist it is
// upserted with merge instead.
func (q *Queue) Update(ctx context.Context, path string, data store.Fields) *Handle {
	return q.Submit(ctx, Update{Path: path, Data: data})
}

// Create adds a document to collection. The generated identifier is
// available from the handle once the write completes.
func (q *Queue) Create(ctx context.Context, collection string, data store.Fields) *Handle {
	return q.Submit(ctx, Create{Collection: collection, Data: data})
}

// Delete removes the document at path.
func (q *Queue) Delete(ctx context.Context, path string) *Handle {
	return q.Submit(ctx, Delete{Path: path})
}

// Submit schedules in and returns its handle. It never blocks on the store.
func (q *Queue) Submit(ctx context.Context, in Intent) *Handle {
	h := newHandle(in)
	detached := context.WithoutCancel(ctx)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		h.finish(result{}, q.fail(detached, in, tally.ErrQueueClosed))
		return h
	}
	q.seq++
	seq := q.seq
	q.pending[seq] = struct{}{}
	q.mu.Unlock()

	go q.run(detached, in, h, seq)
	return h
}

// Pending returns the number of writes in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush waits until every write submitted before the call has finished.
// Writes submitted during the wait do not hold it up.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	upTo := q.seq
	if !q.pendingUpTo(upTo) {
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, flushWaiter{upTo: upTo, ch: ch})
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects new intents and drains the ones in flight.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Flush(ctx)
}

func (q *Queue) run(ctx context.Context, in Intent, h *Handle, seq uint64) {
	defer q.done(seq)

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	ctx, span := q.tracer.Start(ctx, "tally.mutation."+in.op(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tally.operation", in.op()),
			attribute.String("tally.path", in.target()),
		),
	)
	defer span.End()

	res, err := q.apply(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(store.CodeOf(err)))
		err = q.fail(ctx, in, err)
	}
	if res.skipped {
		span.SetAttributes(attribute.Bool("tally.skipped", true))
		q.logger.Debug("mutation: guard failed, write skipped", "path", in.target())
	}
	h.finish(res, err)
}

func (q *Queue) done(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.pending, seq)
	waiting := q.waiters[:0]
	for _, w := range q.waiters {
		if q.pendingUpTo(w.upTo) {
			waiting = append(waiting, w)
			continue
		}
		close(w.ch)
	}
	q.waiters = waiting
}

// pendingUpTo reports whether a write numbered upTo or lower is in flight.
// The caller holds q.mu.
func (q *Queue) pendingUpTo(upTo uint64) bool {
	for seq := range q.pending {
		if seq <= upTo {
			return true
		}
	}
	return false
}

// apply performs in against the store. Store panics become errors.
func (q *Queue) apply(ctx context.Context, in Intent) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutation: store panicked: %v", r)
		}
	}()

	switch in := in.(type) {
	case Upsert:
		if in.Guard != nil {
			applied, err := q.store.SetIf(ctx, in.Path, in.Data, *in.Guard)
			return result{skipped: err == nil && !applied}, err
		}
		return result{}, q.store.Set(ctx, in.Path, in.Data, !in.Replace)
	case Update:
		err := q.store.Update(ctx, in.Path, in.Data)
		if store.IsNotFound(err) {
			q.logger.Debug("mutation: update target missing, upserting", "path", in.Path)
			return result{}, q.store.Set(ctx, in.Path, in.Data, true)
		}
		return result{}, err
	case Create:
		docID, err := q.store.Create(ctx, in.Collection, in.Data)
		return result{docID: docID}, err
	case Delete:
		return result{}, q.store.Delete(ctx, in.Path)
	default:
		return result{}, store.NewError("submit", "", store.CodeInvalidArgument, fmt.Errorf("unknown intent %T", in))
	}
}

// fail classifies err, logs it, publishes a failure event and returns the
// error handed to awaiters.
func (q *Queue) fail(ctx context.Context, in Intent, err error) error {
	code := store.CodeOf(err)
	if errors.Is(err, tally.ErrQueueClosed) {
		code = store.CodeAborted
	}

	kind, sentinel := errbus.KindTransient, tally.ErrTransientWrite
	if code == store.CodePermissionDenied {
		kind, sentinel = errbus.KindPermissionDenied, tally.ErrPermissionDenied
	}

	ev := errbus.FailureEvent{
		ID:         id.NewFailureID(),
		Kind:       kind,
		Path:       in.target(),
		Operation:  in.op(),
		Payload:    in.payload().Clone(),
		Code:       string(code),
		Err:        err,
		OccurredAt: q.now().UTC(),
	}

	q.logger.Warn("mutation failed",
		"failure_id", ev.ID.String(),
		"operation", ev.Operation,
		"path", ev.Path,
		"code", ev.Code,
		"error", err,
	)
	q.bus.Publish(ctx, errbus.TopicFor(kind), ev)

	return fmt.Errorf("%w: %w", sentinel, err)
}
