package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/stepwise/internal/config"
	"github.com/nugget/stepwise/internal/directive"
	"github.com/nugget/stepwise/internal/tools"
)

// ToolInvocationError wraps a failed tool call: a tool-reported error, a
// transport failure, or a timeout.
type ToolInvocationError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolInvocationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("invoke tool %s (%d attempts): %v", e.Tool, e.Attempts, e.Err)
	}
	return fmt.Sprintf("invoke tool %s: %v", e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }

// errNotDispatchable is returned for the terminal Result directive,
// which the loop handles itself.
var errNotDispatchable = errors.New("result directive is not dispatched to a tool")

// Dispatcher invokes the tool behind a directive and turns the reply
// into the observation fed back to the model.
type Dispatcher struct {
	registry   *tools.Registry
	invoker    tools.Invoker
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// DispatcherConfig bounds tool invocation.
type DispatcherConfig struct {
	// Timeout bounds each invocation. Zero means no bound beyond ctx.
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// NewDispatcher creates a dispatcher over the tools in registry.
func NewDispatcher(registry *tools.Registry, invoker tools.Invoker, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		invoker:    invoker,
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// Dispatch makes exactly one remote invocation for d (plus configured
// retries) and returns the observation text. A tool the server did not
// advertise, or an advertised tool without a fixed kind that does not
// declare steps, yields *tools.ErrToolUnavailable. A failed call yields
// *ToolInvocationError.
func (d *Dispatcher) Dispatch(ctx context.Context, dir directive.Directive) (string, error) {
	if directive.IsTerminal(dir) {
		return "", errNotDispatchable
	}

	name := dir.Name()
	desc, ok := d.registry.Lookup(name)
	if !ok {
		return "", &tools.ErrToolUnavailable{ToolName: name}
	}
	// Advertised tools without a fixed kind are called with the reasoning
	// shape, so they must declare steps.
	if r, ok := dir.(*directive.Reason); ok && r.Name() != directive.NameShowReasoning && !desc.HasParam("steps") {
		return "", &tools.ErrToolUnavailable{ToolName: name, Reason: "no steps parameter"}
	}
	args := Arguments(dir, desc)

	log := d.logger.With("tool", name)
	log.Log(ctx, config.LevelTrace, "tool arguments", "args", args)

	var res *tools.Result
	attempts, err := retry(ctx, d.retries, d.retryDelay, func(ctx context.Context) error {
		callCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		r, err := d.invoker.Invoke(callCtx, name, args)
		if err != nil {
			log.Warn("tool invocation failed", "error", err)
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return "", &ToolInvocationError{Tool: name, Attempts: attempts, Err: err}
	}

	value := res.Text()
	log.Debug("tool replied", "attempts", attempts, "reply_len", len(value))
	return Observation(dir, value), nil
}

// Arguments builds the argument object for dir's tool. Parsed fields are
// always passed through. The send_email recipient key follows the tool's
// declared parameter name.
func Arguments(dir directive.Directive, desc tools.Descriptor) map[string]any {
	switch d := dir.(type) {
	case *directive.Reason:
		steps := d.Steps
		if steps == nil {
			steps = []string{}
		}
		args := map[string]any{"steps": steps}
		if d.ReasoningType != "" && desc.HasParam("reasoning_type") {
			args["reasoning_type"] = d.ReasoningType
		}
		return args
	case *directive.Calculate:
		return map[string]any{"expression": d.Expression}
	case *directive.VerifyCalculation:
		return map[string]any{"expression": d.Expression, "expected": d.Expected}
	case *directive.OpenTool:
		return map[string]any{}
	case *directive.VerifyMethodResponse:
		return map[string]any{"response": d.Status}
	case *directive.DrawRectangle:
		return map[string]any{"x1": d.X1, "y1": d.Y1, "x2": d.X2, "y2": d.Y2}
	case *directive.AddText:
		return map[string]any{"x1": d.X1, "y1": d.Y1, "x2": d.X2, "y2": d.Y2, "text": d.Text}
	case *directive.SendEmail:
		key := "to"
		if !desc.HasParam("to") && desc.HasParam("email") {
			key = "email"
		}
		return map[string]any{key: d.To, "agent": d.Agent, "result": d.Result}
	default:
		return map[string]any{}
	}
}

// Observation wraps a tool reply in the phrasing the model is prompted
// to expect for dir's kind.
func Observation(dir directive.Directive, value string) string {
	switch dir.(type) {
	case *directive.Reason:
		return "Next step?"
	case *directive.Calculate:
		return "Result is " + value + ". Next step?"
	case *directive.VerifyCalculation:
		return value + " Verified. Next step?"
	case *directive.OpenTool:
		return value + ", Next step?"
	case *directive.VerifyMethodResponse:
		return "Verified. Next step?"
	default:
		return value + " Next step?"
	}
}
