// Package errbus routes write failures to interested observers.
//
// A Bus is an in-process publish/subscribe service with named topics. The
// mutation queue publishes a FailureEvent for every failed write; UI
// adapters, loggers and metrics subscribe. Publishing never blocks and never
// panics: every handler runs on its own goroutine and handler panics are
// recovered and logged. Events are not persisted and late subscribers do not
// see earlier events.
package errbus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally/id"
)

// Topic names a channel on the bus.
type Topic string

// Topics carried by the bus.
const (
	TopicPermission Topic = "permission-error"
	TopicWrite      Topic = "write-error"
)

// Kind classifies a failure.
type Kind string

// Failure kinds.
const (
	KindPermissionDenied Kind = "permission-denied"
	KindTransient        Kind = "transient"
)

// TopicFor returns the topic a failure of kind k is published on.
func TopicFor(k Kind) Topic {
	if k == KindPermissionDenied {
		return TopicPermission
	}
	return TopicWrite
}

// FailureEvent describes one failed write. Payload is a snapshot copy of the
// data the write carried.
type FailureEvent struct {
	ID         id.ID
	Kind       Kind
	Path       string
	Operation  string
	Payload    map[string]any
	Code       string
	Err        error
	OccurredAt time.Time
}

// Error implements error so an event can be returned or wrapped directly.
func (e FailureEvent) Error() string {
	return fmt.Sprintf("%s %s failed (%s): %v", e.Operation, e.Path, e.Code, e.Err)
}

// Unwrap returns the underlying store error.
func (e FailureEvent) Unwrap() error { return e.Err }

// Handler receives failure events.
type Handler func(ctx context.Context, ev FailureEvent)

type subscription struct {
	seq uint64
	fn  Handler
}

// Bus is the failure event bus. The zero value is not usable; call New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	seq    uint64
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New creates a bus with the permission and write topics registered.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs: map[Topic][]subscription{
			TopicPermission: nil,
			TopicWrite:      nil,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topics returns the known topics in sorted order.
func (b *Bus) Topics() []Topic {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Topic, 0, len(b.subs))
	for t := range b.subs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribe registers fn on topic and returns a function that removes it.
// Subscribing to an unknown topic registers that topic.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	seq := b.seq
	b.subs[topic] = append(b.subs[topic], subscription{seq: seq, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subs[topic]
			for i, s := range subs {
				if s.seq == seq {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscriberCount returns the number of handlers on topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish delivers ev to every handler on topic. It returns immediately.
// Events published after Close are dropped.
func (b *Bus) Publish(ctx context.Context, topic Topic, ev FailureEvent) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Debug("errbus: publish after close", "topic", topic, "path", ev.Path)
		return
	}
	subs, known := b.subs[topic]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.fn
	}
	// Counted under the lock so Close never waits on a moving target.
	b.wg.Add(len(handlers))
	b.mu.RUnlock()

	if !known {
		b.logger.Debug("errbus: publish to unknown topic", "topic", topic, "path", ev.Path)
		return
	}

	// Handlers outlive the publishing call.
	hctx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		go b.deliver(hctx, topic, h, ev)
	}
}

// Wait blocks until every handler started so far has returned. Publishers
// may still start new handlers; use Close to stop them first.
func (b *Bus) Wait() {
	b.wg.Wait()
}

// Close stops new deliveries and waits for the running handlers. It is
// idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) deliver(ctx context.Context, topic Topic, h Handler, ev FailureEvent) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("errbus: subscriber panicked",
				"topic", topic,
				"path", ev.Path,
				"panic", r,
			)
		}
	}()
	h(ctx, ev)
}

// LogSubscriber returns a handler that logs the full failure detail. It is
// the server-side diagnostics sink; codes never leave the process.
func LogSubscriber(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, ev FailureEvent) {
		logger.WarnContext(ctx, "write failed",
			"failure_id", ev.ID.String(),
			"kind", string(ev.Kind),
			"operation", ev.Operation,
			"path", ev.Path,
			"code", ev.Code,
			"error", ev.Err,
		)
	}
}
