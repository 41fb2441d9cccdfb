package errbus_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally/errbus"
	"github.com/xraph/tally/id"
)

func newEvent(kind errbus.Kind) errbus.FailureEvent {
	return errbus.FailureEvent{
		ID:         id.NewFailureID(),
		Kind:       kind,
		Path:       "users/u1",
		Operation:  "set",
		Payload:    map[string]any{"plan": "premium"},
		Code:       "permission-denied",
		Err:        errors.New("rules rejected write"),
		OccurredAt: time.Now().UTC(),
	}
}

func TestTopics(t *testing.T) {
	bus := errbus.New()
	topics := bus.Topics()
	if len(topics) != 2 || topics[0] != errbus.TopicPermission || topics[1] != errbus.TopicWrite {
		t.Errorf("unexpected topics %v", topics)
	}
	if errbus.TopicFor(errbus.KindPermissionDenied) != errbus.TopicPermission {
		t.Error("permission failures belong on the permission topic")
	}
	if errbus.TopicFor(errbus.KindTransient) != errbus.TopicWrite {
		t.Error("transient failures belong on the write topic")
	}
}

func TestPublishFansOut(t *testing.T) {
	bus := errbus.New()

	var a, b atomic.Int32
	bus.Subscribe(errbus.TopicPermission, func(_ context.Context, ev errbus.FailureEvent) {
		if ev.Path == "users/u1" {
			a.Add(1)
		}
	})
	bus.Subscribe(errbus.TopicPermission, func(context.Context, errbus.FailureEvent) { b.Add(1) })
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) {
		t.Error("write topic handler received a permission event")
	})

	bus.Publish(context.Background(), errbus.TopicPermission, newEvent(errbus.KindPermissionDenied))
	bus.Wait()

	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("expected each subscriber once, got a=%d b=%d", a.Load(), b.Load())
	}
}

func TestPublishDoesNotBlock(t *testing.T) {
	bus := errbus.New()
	release := make(chan struct{})
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) { <-release })

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
	bus.Wait()
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	var buf bytes.Buffer
	bus := errbus.New(errbus.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	var delivered atomic.Bool
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) { panic("boom") })
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) { delivered.Store(true) })

	bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
	bus.Wait()

	if !delivered.Load() {
		t.Error("a panicking subscriber prevented delivery to another")
	}
	if !strings.Contains(buf.String(), "subscriber panicked") {
		t.Errorf("expected panic to be logged, got %q", buf.String())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := errbus.New()
	var n atomic.Int32
	unsub := bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) { n.Add(1) })

	bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
	bus.Wait()
	unsub()
	unsub()
	bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
	bus.Wait()

	if n.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", n.Load())
	}
	if bus.SubscriberCount(errbus.TopicWrite) != 0 {
		t.Errorf("expected no subscribers, got %d", bus.SubscriberCount(errbus.TopicWrite))
	}
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	bus := errbus.New()
	bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
	bus.Wait()

	var n atomic.Int32
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) { n.Add(1) })
	bus.Wait()
	if n.Load() != 0 {
		t.Error("late subscriber received an earlier event")
	}
}

func TestUnknownTopicIsNoop(t *testing.T) {
	bus := errbus.New()
	bus.Publish(context.Background(), errbus.Topic("nope"), newEvent(errbus.KindTransient))
	bus.Wait()
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := errbus.New()
	var mu sync.Mutex
	var handlerErr error
	release := make(chan struct{})
	bus.Subscribe(errbus.TopicWrite, func(ctx context.Context, _ errbus.FailureEvent) {
		<-release
		mu.Lock()
		handlerErr = ctx.Err()
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, errbus.TopicWrite, newEvent(errbus.KindTransient))
	cancel()
	close(release)
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	if handlerErr != nil {
		t.Errorf("handler context was canceled with the publisher: %v", handlerErr)
	}
}

func TestCloseDrainsAndDropsLaterEvents(t *testing.T) {
	bus := errbus.New()
	var delivered atomic.Int32
	release := make(chan struct{})
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) {
		<-release
		delivered.Add(1)
	})

	bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))

	closed := make(chan struct{})
	go func() {
		bus.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned before the running handler finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed

	bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
	bus.Close()
	if got := delivered.Load(); got != 1 {
		t.Fatalf("delivered = %d, want 1", got)
	}
	if !bus.Closed() {
		t.Fatal("Closed = false")
	}
}

func TestPublishDuringClose(t *testing.T) {
	bus := errbus.New()
	bus.Subscribe(errbus.TopicWrite, func(context.Context, errbus.FailureEvent) {})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), errbus.TopicWrite, newEvent(errbus.KindTransient))
			}
		}()
	}
	bus.Close()
	wg.Wait()
	bus.Close()
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	h := errbus.LogSubscriber(slog.New(slog.NewTextHandler(&buf, nil)))
	ev := newEvent(errbus.KindPermissionDenied)
	h(context.Background(), ev)

	out := buf.String()
	for _, want := range []string{"write failed", "users/u1", "permission-denied", ev.ID.String()} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
	if !strings.Contains(ev.Error(), "users/u1") {
		t.Errorf("unexpected event message %q", ev.Error())
	}
}
