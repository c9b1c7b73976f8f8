// Package usage provides a persistent ledger of runs and the token usage
// of every generation call they made. Records are append-only and
// indexed by timestamp and run for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/stepwise/internal/config"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Roles distinguish the two kinds of generation call a run makes.
const (
	RoleLoop       = "loop"
	RoleEvaluation = "evaluation"
)

// Record is the token usage of a single generation call.
type Record struct {
	ID           string
	Timestamp    time.Time
	RunID        string
	Iteration    int // 0 for the evaluation call
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Role         string // RoleLoop or RoleEvaluation
}

// Run is the outcome of one run of the directive loop.
type Run struct {
	ID         string
	Started    time.Time
	Query      string
	Reason     string
	Iterations int
	Elapsed    time.Duration
	Score      int // criteria met by the terminal evaluation, -1 if none
	Error      string
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// Store is an append-only SQLite ledger. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath, creating the schema on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		run_id        TEXT NOT NULL,
		iteration     INTEGER NOT NULL,
		model         TEXT NOT NULL,
		provider      TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL,
		role          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_run ON usage_records(run_id);

	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		started    TEXT NOT NULL,
		query      TEXT NOT NULL,
		reason     TEXT NOT NULL,
		iterations INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		score      INTEGER NOT NULL,
		error      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, run_id, iteration, model, provider,
			 input_tokens, output_tokens, cost_usd, role)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.RunID,
		rec.Iteration,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.Role,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordRun persists the outcome of a run. A run ID is required.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("record run: missing run ID")
	}
	if run.Started.IsZero() {
		run.Started = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started, query, reason, iterations, elapsed_ms, score, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Started.UTC().Format(timeLayout),
		run.Query,
		run.Reason,
		run.Iterations,
		run.Elapsed.Milliseconds(),
		run.Score,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started, query, reason, iterations, elapsed_ms, score, COALESCE(error, '')
		 FROM runs ORDER BY started DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var elapsedMS int64
		if err := rows.Scan(&r.ID, &started, &r.Query, &r.Reason, &r.Iterations, &elapsedMS, &r.Score, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Started, err = time.Parse(timeLayout, started)
		if err != nil {
			return nil, fmt.Errorf("parse run start %q: %w", started, err)
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByRole returns per-role totals for records within [start, end).
func (s *Store) SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "role", start, end)
}

// SummaryByRun returns per-run totals for records within [start, end).
func (s *Store) SummaryByRun(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "run_id", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from the methods above.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a call from the pricing table.
// Models not in the table (local Ollama models, most gollm backends) are
// treated as free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
