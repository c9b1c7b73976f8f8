// Package events provides a publish/subscribe bus for run observability.
// The agent loop publishes one event per state transition; subscribers
// (the MQTT publisher, the CLI's verbose printer, tests) consume them.
// The bus is nil-safe: Publish and Emit on a nil *Bus are no-ops, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceLoop identifies events from the directive loop controller.
	SourceLoop = "loop"
	// SourceDispatch identifies events from tool dispatch.
	SourceDispatch = "dispatch"
	// SourceEvaluation identifies events from terminal prompt evaluation.
	SourceEvaluation = "evaluation"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of a run.
	// Data: run_id, model, max_iterations, tools.
	KindRunStart = "run_start"
	// KindGeneration signals the start of a generation call.
	// Data: run_id, iter, model.
	KindGeneration = "generation"
	// KindGenerationDone signals the end of a generation call.
	// Data: run_id, iter, model, tokens_in, tokens_out, elapsed_ms, ok.
	KindGenerationDone = "generation_done"
	// KindDirective signals a successfully parsed directive.
	// Data: run_id, iter, kind, name.
	KindDirective = "directive"
	// KindToolCall signals the start of a tool invocation.
	// Data: run_id, iter, tool, attempt.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: run_id, iter, tool, ok, elapsed_ms.
	KindToolDone = "tool_done"
	// KindEvaluated signals the terminal evaluation finished.
	// Data: run_id, ok, score.
	KindEvaluated = "evaluated"
	// KindRunComplete signals the end of a run on any exit path.
	// Data: run_id, reason, iterations, elapsed_ms, error.
	KindRunComplete = "run_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// RunID returns the run_id carried in Data, or "".
func (e Event) RunID() string {
	id, _ := e.Data["run_id"].(string)
	return id
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the loop.
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive-only view handed to callers so
	// Unsubscribe can find the sending side without a conversion.
	subs map[<-chan Event]chan Event
	now  func() time.Time
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[<-chan Event]chan Event),
		now:  time.Now,
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full, the event is dropped for that subscriber. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: b.now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. bufSize controls the channel
// buffer; a run produces a handful of events per iteration, so 64 is
// plenty for most consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
