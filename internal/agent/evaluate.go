package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/stepwise/internal/llm"
	"github.com/nugget/stepwise/internal/prompts"
)

// Evaluation is the result of grading the system prompt at the end of a
// completed run.
type Evaluation struct {
	Text     string
	Critique *prompts.Critique // nil when Text is not the rubric object
	Response *llm.ChatResponse // for token accounting; may be nil
	Err      error
}

// Evaluator makes the single terminal critique call.
type Evaluator struct {
	client  llm.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator using model on client.
func NewEvaluator(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{client: client, model: model, timeout: timeout, logger: logger}
}

// Model returns the model the evaluator calls.
func (e *Evaluator) Model() string {
	return e.model
}

// Evaluate sends the rubric and the system prompt, never the run
// transcript. It is never retried and never fails the run: errors are
// logged and reported in the returned Evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, systemPrompt string) *Evaluation {
	resp, err := llm.Generate(ctx, e.client, e.model, prompts.EvaluationPrompt(systemPrompt), e.timeout)
	ev := &Evaluation{Response: resp}
	if err != nil {
		e.logger.Warn("prompt evaluation failed", "model", e.model, "error", err)
		ev.Err = err
		return ev
	}

	ev.Text = resp.Message.Content
	c, err := prompts.ParseCritique(ev.Text)
	if err != nil {
		e.logger.Debug("evaluation is not a rubric object", "error", err)
		return ev
	}
	ev.Critique = c
	e.logger.Info("prompt evaluated", "score", c.Score(), "clarity", c.OverallClarity)
	return ev
}
