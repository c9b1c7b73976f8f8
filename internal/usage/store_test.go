package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/stepwise/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(t *testing.T, s *Store, recs ...Record) {
	t.Helper()
	for _, rec := range recs {
		if err := s.Record(context.Background(), rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RunID: "run-1", Iteration: 1, Model: "gemini-2.0-flash", Provider: "gemini", InputTokens: 1000, OutputTokens: 500, CostUSD: 0.0525, Role: RoleLoop},
		Record{Timestamp: now, RunID: "run-1", Model: "gemini-2.0-flash", Provider: "gemini", InputTokens: 2000, OutputTokens: 1000, CostUSD: 0.021, Role: RoleEvaluation},
	)

	sum, err := s.Summary(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	if diff := sum.TotalCostUSD - 0.0735; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0735", sum.TotalCostUSD)
	}
}

func TestSummaryGrouping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	record(t, s,
		Record{Timestamp: now, RunID: "a", Iteration: 1, Model: "flash", Provider: "gemini", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0, Role: RoleLoop},
		Record{Timestamp: now, RunID: "a", Iteration: 2, Model: "flash", Provider: "gemini", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0, Role: RoleLoop},
		Record{Timestamp: now, RunID: "a", Model: "sonnet", Provider: "anthropic", InputTokens: 50, OutputTokens: 25, CostUSD: 0.5, Role: RoleEvaluation},
		Record{Timestamp: now, RunID: "b", Iteration: 1, Model: "flash", Provider: "gemini", InputTokens: 10, OutputTokens: 5, Role: RoleLoop},
	)
	start, end := now.Add(-time.Minute), now.Add(time.Minute)

	tests := []struct {
		name    string
		query   func(context.Context, time.Time, time.Time) (map[string]*Summary, error)
		key     string
		groups  int
		records int
		input   int64
	}{
		{"by model", s.SummaryByModel, "flash", 2, 3, 310},
		{"by role", s.SummaryByRole, RoleEvaluation, 2, 1, 50},
		{"by run", s.SummaryByRun, "a", 2, 3, 350},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.query(ctx, start, end)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(result) != tt.groups {
				t.Fatalf("got %d groups, want %d", len(result), tt.groups)
			}
			g := result[tt.key]
			if g == nil {
				t.Fatalf("missing %q group", tt.key)
			}
			if g.TotalRecords != tt.records {
				t.Errorf("TotalRecords = %d, want %d", g.TotalRecords, tt.records)
			}
			if g.TotalInputTokens != tt.input {
				t.Errorf("TotalInputTokens = %d, want %d", g.TotalInputTokens, tt.input)
			}
		})
	}
}

func TestSummary_FiltersByPeriod(t *testing.T) {
	s := testStore(t)

	base := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	record(t, s,
		Record{Timestamp: base.Add(-2 * time.Hour), RunID: "old", Model: "m", Provider: "p", Role: RoleLoop, CostUSD: 1.0},
		Record{Timestamp: base, RunID: "in-range", Model: "m", Provider: "p", Role: RoleLoop, CostUSD: 2.0},
		Record{Timestamp: base.Add(500 * time.Millisecond), RunID: "in-range", Model: "m", Provider: "p", Role: RoleLoop, CostUSD: 0.5},
		Record{Timestamp: base.Add(2 * time.Hour), RunID: "future", Model: "m", Provider: "p", Role: RoleLoop, CostUSD: 3.0},
	)

	sum, err := s.Summary(context.Background(), base, base.Add(time.Second))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2 (only in-range)", sum.TotalRecords)
	}
	if sum.TotalCostUSD != 2.5 {
		t.Errorf("TotalCostUSD = %f, want 2.5", sum.TotalCostUSD)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	start := time.Now().Add(-24 * time.Hour)
	end := time.Now().Add(24 * time.Hour)
	sum, err := s.Summary(ctx, start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil || sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("Summary = %+v, want zero totals", sum)
	}

	result, err := s.SummaryByModel(ctx, start, end)
	if err != nil {
		t.Fatalf("SummaryByModel: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Errorf("SummaryByModel = %v, want empty map", result)
	}
}

func TestRecordRun_RecentRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runs := []Run{
		{ID: "r1", Started: base, Query: "q1", Reason: "completed", Iterations: 9, Elapsed: 1500 * time.Millisecond, Score: 6},
		{ID: "r2", Started: base.Add(time.Minute), Query: "q2", Reason: "generation_failed", Iterations: 2, Elapsed: 10 * time.Second, Score: -1, Error: "generation timed out"},
		{ID: "r3", Started: base.Add(2 * time.Minute), Query: "q3", Reason: "iteration_limit_exceeded", Iterations: 6, Score: -1},
	}
	for _, r := range runs {
		if err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun(%s): %v", r.ID, err)
		}
	}

	got, err := s.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d runs, want 2", len(got))
	}
	if got[0].ID != "r3" || got[1].ID != "r2" {
		t.Errorf("order = %s, %s; want r3, r2", got[0].ID, got[1].ID)
	}
	if !got[1].Started.Equal(base.Add(time.Minute)) {
		t.Errorf("Started = %v", got[1].Started)
	}
	if got[1].Elapsed != 10*time.Second || got[1].Error != "generation timed out" || got[1].Score != -1 {
		t.Errorf("run r2 = %+v", got[1])
	}
}

func TestRecordRun_RequiresID(t *testing.T) {
	s := testStore(t)
	if err := s.RecordRun(context.Background(), Run{Query: "q"}); err == nil {
		t.Error("RecordRun without ID = nil, want error")
	}
}

func TestComputeCost(t *testing.T) {
	pricing := map[string]config.PricingEntry{
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
		"gemini-2.0-flash":         {InputPerMillion: 0.1, OutputPerMillion: 0.4},
	}

	tests := []struct {
		name   string
		model  string
		input  int
		output int
		want   float64
	}{
		{"sonnet", "claude-sonnet-4-20250514", 1_000_000, 100_000, 4.5},
		{"flash", "gemini-2.0-flash", 1_000_000, 1_000_000, 0.5},
		{"unknown_model", "qwen3:4b", 1_000_000, 1_000_000, 0},
		{"zero_tokens", "claude-sonnet-4-20250514", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeCost(tt.model, tt.input, tt.output, pricing)
			if diff := got - tt.want; diff > 0.0001 || diff < -0.0001 {
				t.Errorf("ComputeCost(%q, %d, %d) = %f, want %f", tt.model, tt.input, tt.output, got, tt.want)
			}
		})
	}

	if got := ComputeCost("gemini-2.0-flash", 1000, 500, nil); got != 0 {
		t.Errorf("ComputeCost with nil pricing = %f, want 0", got)
	}
}

func TestRecord_AutoID(t *testing.T) {
	s := testStore(t)
	record(t, s,
		Record{RunID: "r", Model: "m", Provider: "p", Role: RoleLoop},
		Record{RunID: "r", Model: "m", Provider: "p", Role: RoleLoop},
	)

	sum, err := s.Summary(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2 (distinct generated IDs)", sum.TotalRecords)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/nonexistent/path/usage.db"); err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
