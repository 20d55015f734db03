package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sploithunter/cin/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return NewMemoryEventBus(log)
}

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("push.sessions", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "push.sessions", NewEvent("sessions", "test", "payload")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev := waitEvent(t, received)
	if ev.Type != "sessions" {
		t.Errorf("expected type sessions, got %q", ev.Type)
	}
	if ev.Data != "payload" {
		t.Errorf("expected payload carried through, got %v", ev.Data)
	}
}

func TestWildcardSubscription(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 4)
	if _, err := b.Subscribe(SubjectPushAll, func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = b.Publish(context.Background(), "push.tokens", NewEvent("tokens", "test", nil))
	_ = b.Publish(context.Background(), "push.permission_prompt", NewEvent("permission_prompt", "test", nil))
	_ = b.Publish(context.Background(), "session.created", NewEvent("created", "test", nil))

	got := map[string]bool{}
	got[waitEvent(t, received).Type] = true
	got[waitEvent(t, received).Type] = true
	if !got["tokens"] || !got["permission_prompt"] {
		t.Errorf("expected both push events, got %v", got)
	}

	select {
	case ev := <-received:
		t.Errorf("push.> must not match %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishOrderPreserved(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	const n = 100
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	_, err := b.Subscribe("push.sessions", func(_ context.Context, ev *Event) error {
		mu.Lock()
		got = append(got, ev.Data.(int))
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < n; i++ {
		if err := b.Publish(context.Background(), "push.sessions", NewEvent("sessions", "test", i)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery out of order at %d: got %d", i, v)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, _ := b.Subscribe("push.event", func(_ context.Context, ev *Event) error {
		received <- ev
		return nil
	})

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription must be invalid after Unsubscribe")
	}

	_ = b.Publish(context.Background(), "push.event", NewEvent("event", "test", nil))
	select {
	case <-received:
		t.Error("unsubscribed handler must not fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	if err := b.Publish(context.Background(), "push.event", NewEvent("event", "test", nil)); err == nil {
		t.Error("publish on a closed bus must fail")
	}
	if _, err := b.Subscribe("push.event", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("subscribe on a closed bus must fail")
	}
}
