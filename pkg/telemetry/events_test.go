package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func flush(t *testing.T, bus *EventBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("Failed to flush bus: %v", err)
	}
}

func TestEventBus_OrderedDeliveryPerSubscriber(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 4})
	defer bus.Shutdown(context.Background())

	fast := &recorder{}
	slow := &recorder{}
	bus.Subscribe(fast.handle, nil)
	bus.Subscribe(func(e Event) {
		time.Sleep(time.Millisecond)
		slow.handle(e)
	}, nil)

	const n = 50
	for i := 0; i < n; i++ {
		if err := bus.Publish(Event{Type: EventTypeJobProgress, JobID: "job-1", Message: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	flush(t, bus)

	for name, rec := range map[string]*recorder{"fast": fast, "slow": slow} {
		got := rec.snapshot()
		if len(got) != n {
			t.Fatalf("%s subscriber: expected %d events, got %d", name, n, len(got))
		}
		for i, e := range got {
			if e.Message != fmt.Sprint(i) {
				t.Fatalf("%s subscriber: event %d out of order: %s", name, i, e.Message)
			}
			if i > 0 && e.Sequence <= got[i-1].Sequence {
				t.Errorf("%s subscriber: sequence not increasing at %d", name, i)
			}
		}
	}
}

func TestEventBus_ConcurrentPublishersKeepSequenceOrder(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true, EnableAsync: true})
	defer bus.Shutdown(context.Background())

	rec := &recorder{}
	bus.Subscribe(rec.handle, nil)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = bus.Publish(Event{Type: EventTypeJobProgress, JobID: fmt.Sprintf("job-%d", p)})
			}
		}(p)
	}
	wg.Wait()
	flush(t, bus)

	got := rec.snapshot()
	if len(got) != 200 {
		t.Fatalf("Expected 200 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence != got[i-1].Sequence+1 {
			t.Fatalf("Expected contiguous sequence, got %d after %d", got[i].Sequence, got[i-1].Sequence)
		}
	}
}

func TestEventBus_Filters(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true})

	rec := &recorder{}
	bus.Subscribe(rec.handle, CombineFilters(
		FilterByJobID("job-1"),
		FilterByType(EventTypeJobFailed, EventTypeJobCompleted),
	))

	_ = bus.Publish(Event{Type: EventTypeJobStarted, JobID: "job-1"})
	_ = bus.Publish(Event{Type: EventTypeJobFailed, JobID: "job-2"})
	_ = bus.Publish(Event{Type: EventTypeJobFailed, JobID: "job-1", Level: EventLevelError})

	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].Type != EventTypeJobFailed || got[0].JobID != "job-1" {
		t.Errorf("Unexpected event: %+v", got[0])
	}
}

func TestEventBus_FilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	if f(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered out")
	}
	if !f(Event{Level: EventLevelWarning}) || !f(Event{Level: EventLevelError}) {
		t.Error("warning and error should pass")
	}
}

func TestEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true})

	rec := &recorder{}
	unsubscribe := bus.Subscribe(rec.handle, nil)
	_ = bus.Publish(Event{Type: EventTypeTargetAdded})
	unsubscribe()
	_ = bus.Publish(Event{Type: EventTypeTargetAdded})

	if got := len(rec.snapshot()); got != 1 {
		t.Errorf("Expected 1 event before unsubscribe, got %d", got)
	}
}

func TestEventBus_PanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true, EnableAsync: true})
	defer bus.Shutdown(context.Background())

	rec := &recorder{}
	bus.Subscribe(func(Event) { panic("boom") }, nil)
	bus.Subscribe(rec.handle, nil)

	_ = bus.Publish(Event{Type: EventTypeJobStarted})
	_ = bus.Publish(Event{Type: EventTypeJobCompleted})
	flush(t, bus)

	if got := len(rec.snapshot()); got != 2 {
		t.Errorf("Expected 2 events, got %d", got)
	}
}

func TestEventBus_ShutdownDeliversQueuedEvents(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true, EnableAsync: true})

	rec := &recorder{}
	bus.Subscribe(func(e Event) {
		time.Sleep(time.Millisecond)
		rec.handle(e)
	}, nil)

	for i := 0; i < 10; i++ {
		_ = bus.Publish(Event{Type: EventTypeJobProgress})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if got := len(rec.snapshot()); got != 10 {
		t.Errorf("Expected 10 delivered events, got %d", got)
	}
	if err := bus.Publish(Event{Type: EventTypeJobProgress}); err != ErrBusClosed {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
}

func TestEventBus_DisabledIsNoop(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: false})
	rec := &recorder{}
	bus.Subscribe(rec.handle, nil)

	if err := bus.Publish(Event{Type: EventTypeJobStarted}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Errorf("Expected no events, got %d", got)
	}
}

func TestEventBus_DefaultsAssigned(t *testing.T) {
	bus := NewEventBus(EventsConfig{Enabled: true})
	rec := &recorder{}
	bus.Subscribe(rec.handle, nil)

	_ = bus.Publish(Event{Type: EventTypeGroupCreated})
	got := rec.snapshot()
	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() || got[0].Level != EventLevelInfo {
		t.Errorf("Expected ID, timestamp and default level, got %+v", got[0])
	}
}
