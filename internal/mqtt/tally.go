package mqtt

import (
	"sync"

	"github.com/nugget/stepwise/internal/events"
)

// RunTokens is the token total of one run.
type RunTokens struct {
	Input       int64 `json:"input_tokens"`
	Output      int64 `json:"output_tokens"`
	Generations int64 `json:"generations"`
}

// Tally accumulates token counts per run from generation_done events.
// It is safe for concurrent use.
type Tally struct {
	mu   sync.Mutex
	runs map[string]*RunTokens
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{runs: make(map[string]*RunTokens)}
}

// Observe adds the token counts carried by a generation_done event.
// Other events are ignored.
func (t *Tally) Observe(e events.Event) {
	if e.Kind != events.KindGenerationDone {
		return
	}
	id := e.RunID()
	if id == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok := t.runs[id]
	if !ok {
		rt = &RunTokens{}
		t.runs[id] = rt
	}
	rt.Input += asInt64(e.Data["tokens_in"])
	rt.Output += asInt64(e.Data["tokens_out"])
	rt.Generations++
}

// Take returns the totals for a run and forgets it, so a long-lived
// publisher does not grow without bound.
func (t *Tally) Take(runID string) RunTokens {
	t.mu.Lock()
	defer t.mu.Unlock()

	rt, ok := t.runs[runID]
	if !ok {
		return RunTokens{}
	}
	delete(t.runs, runID)
	return *rt
}

// asInt64 accepts the integer types the loop publishes and the float64
// a JSON round-trip would produce.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
