package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// None of these may panic.
	b.Publish(Event{Source: SourceLoop, Kind: KindRunStart})
	b.Emit(SourceLoop, KindRunStart, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestEmitStampsEvent(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := New()
	b.now = func() time.Time { return fixed }
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	b.Emit(SourceDispatch, KindToolCall, map[string]any{"run_id": "r-1", "tool": "calculate"})

	select {
	case got := <-ch:
		if !got.Timestamp.Equal(fixed) {
			t.Errorf("Timestamp = %v, want %v", got.Timestamp, fixed)
		}
		if got.Source != SourceDispatch || got.Kind != KindToolCall {
			t.Errorf("got %s/%s", got.Source, got.Kind)
		}
		if got.RunID() != "r-1" {
			t.Errorf("RunID() = %q, want r-1", got.RunID())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRunIDMissing(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"nil data", nil},
		{"absent", map[string]any{"iter": 1}},
		{"wrong type", map[string]any{"run_id": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Event{Data: tt.data}).RunID(); got != "" {
				t.Errorf("RunID() = %q, want empty", got)
			}
		})
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := Event{Source: SourceLoop, Kind: KindRunComplete}
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Source != evt.Source || got.Kind != evt.Kind {
				t.Errorf("subscriber %d: got %v, want %v", i, got, evt)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	got := <-ch
	if got.Kind != "first" {
		t.Errorf("got kind %q, want %q", got.Kind, "first")
	}

	select {
	case evt := <-ch:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("after 2 subscribes = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}
	// Second call must not panic.
	b.Unsubscribe(ch1)

	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("after 1 unsubscribe = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Source: SourceEvaluation, Kind: KindEvaluated})
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("after all unsubscribed = %d, want 0", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	const publishers = 10
	const eventsPerPublisher = 100

	var wg sync.WaitGroup
	ch := b.Subscribe(64)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range ch {
		}
	}()

	var pubWg sync.WaitGroup
	for i := range publishers {
		pubWg.Add(1)
		go func() {
			defer pubWg.Done()
			for j := range eventsPerPublisher {
				b.Emit(SourceDispatch, KindToolDone, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}

	pubWg.Wait()
	b.Unsubscribe(ch)
	wg.Wait()
}
