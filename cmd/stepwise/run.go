package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/stepwise/internal/agent"
	"github.com/nugget/stepwise/internal/config"
	"github.com/nugget/stepwise/internal/connwatch"
	"github.com/nugget/stepwise/internal/directive"
	"github.com/nugget/stepwise/internal/events"
	"github.com/nugget/stepwise/internal/llm"
	"github.com/nugget/stepwise/internal/mcp"
	"github.com/nugget/stepwise/internal/mqtt"
	"github.com/nugget/stepwise/internal/tools"
	"github.com/nugget/stepwise/internal/usage"
)

// shutdownTimeout bounds the MQTT goodbye after a run.
const shutdownTimeout = 5 * time.Second

func newRunCmd(g *globals) *cobra.Command {
	var maxIterations int
	cmd := &cobra.Command{
		Use:   "run [query...]",
		Short: "Run the directive loop once",
		Long: "Run the directive loop once against the configured tool server.\n" +
			"The query defaults to the config's query. The command fails unless\n" +
			"the model reports a result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			if maxIterations > 0 {
				cfg.Loop.MaxIterations = maxIterations
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				query = cfg.Query
			}
			return runQuery(cmd.Context(), g, cfg, logger, query)
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override loop.max_iterations")
	return cmd
}

// runQuery wires the loop to its collaborators, runs it once and prints
// the outcome. MQTT forwarding, when configured, runs alongside the loop
// and drains before the command returns.
func runQuery(ctx context.Context, g *globals, cfg *config.Config, logger *slog.Logger, query string) error {
	client, err := llmClient(cfg, logger)
	if err != nil {
		return err
	}

	server, registry, err := connectToolServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	if missing := registry.Missing(directive.Names()...); len(missing) > 0 {
		logger.Warn("tool server lacks tools the prompt describes", "missing", missing)
	}

	loop := agent.NewLoop(loopConfig(cfg, client), client, registry, mcp.Invoker{Client: server}, logger)
	if cfg.Evaluation.IsEnabled() {
		em := cfg.Evaluation.Model
		loop.SetEvaluator(agent.NewEvaluator(client, em.Name, cfg.Loop.GenerationTimeout, logger), em.Provider)
	}

	if cfg.Usage.Path != "" {
		store, err := usage.NewStore(cfg.Usage.Path)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		defer store.Close()
		loop.SetUsageRecorder(store, cfg.Usage.Pricing)
	}

	bus := events.New()
	loop.SetEventBus(bus)

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		pub = mqtt.New(cfg.MQTT, logger)
		if err := pub.Start(ctx); err != nil {
			// Event forwarding is optional; the run goes ahead without it.
			logger.Warn("mqtt publisher unavailable", "broker", cfg.MQTT.Broker, "error", err)
			pub = nil
		}
	}

	var out *agent.Outcome
	eg, egCtx := errgroup.WithContext(ctx)
	if pub != nil {
		ch := bus.Subscribe(64)
		eg.Go(func() error {
			pub.Forward(egCtx, ch)
			return nil
		})
		eg.Go(func() error {
			// Closing the subscription lets the forwarder drain and exit.
			defer bus.Unsubscribe(ch)
			out = loop.Run(egCtx, query)
			return nil
		})
	} else {
		eg.Go(func() error {
			out = loop.Run(egCtx, query)
			return nil
		})
	}
	_ = eg.Wait()

	if pub != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		if err := pub.Stop(stopCtx); err != nil {
			logger.Debug("mqtt disconnect", "error", err)
		}
		cancel()
	}

	if err := printOutcome(g, out); err != nil {
		return err
	}
	if !out.OK() {
		if out.Err != nil {
			return fmt.Errorf("run %s ended %s: %w", out.RunID, out.Reason, out.Err)
		}
		return fmt.Errorf("run %s ended %s", out.RunID, out.Reason)
	}
	return nil
}

func loopConfig(cfg *config.Config, client *llm.MultiClient) agent.Config {
	return agent.Config{
		Model:             cfg.Model.Name,
		Provider:          client.ProviderFor(cfg.Model.Name),
		MaxIterations:     cfg.Loop.MaxIterations,
		GenerationTimeout: cfg.Loop.GenerationTimeout,
		GenerationRetries: cfg.Loop.GenerationRetries,
		RetryDelay:        cfg.Loop.RetryDelay,
		LenientFields:     cfg.Loop.LenientFields,
		EmailRecipient:    cfg.NotifyEmail,
		Dispatch: agent.DispatcherConfig{
			Timeout:    cfg.Loop.ToolTimeout,
			Retries:    cfg.Loop.ToolRetries,
			RetryDelay: cfg.Loop.RetryDelay,
		},
	}
}

func printOutcome(g *globals, out *agent.Outcome) error {
	if g.output == "json" {
		return writeJSON(g.stdout, out)
	}

	w := g.stdout
	fmt.Fprintf(w, "Run %s: %s after %d iteration(s) in %s\n",
		out.RunID, out.Reason, out.Iterations, out.Elapsed.Round(time.Millisecond))
	for i, t := range out.Transcript {
		fmt.Fprintf(w, "  %d. %s\n     -> %s\n", i+1, t.Directive, t.Observation)
	}
	if out.Last != nil && directive.IsTerminal(out.Last) {
		fmt.Fprintf(w, "  %d. %s\n", len(out.Transcript)+1, out.Last.Raw())
	}
	if out.Err != nil {
		fmt.Fprintf(w, "Error: %v\n", out.Err)
	}
	switch {
	case out.Critique != nil:
		fmt.Fprintf(w, "Prompt evaluation: %s\n", out.Critique)
	case out.CritiqueText != "":
		fmt.Fprintf(w, "Prompt evaluation:\n%s\n", out.CritiqueText)
	}
	return nil
}

// llmClient builds a routing client holding one provider client per
// provider the loop and evaluation models use.
func llmClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	multi := llm.NewMultiClient(nil)
	built := make(map[string]bool)

	for _, m := range []config.ModelConfig{cfg.Model, cfg.Evaluation.Model} {
		if !built[m.Provider] {
			c, err := providerClient(cfg, m, logger)
			if err != nil {
				return nil, err
			}
			multi.AddProvider(m.Provider, c)
			built[m.Provider] = true
		}
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Debug("llm client initialized",
		"model", cfg.Model.Name, "provider", cfg.Model.Provider,
		"evaluation_model", cfg.Evaluation.Model.Name, "evaluation_provider", cfg.Evaluation.Model.Provider)
	return multi, nil
}

func providerClient(cfg *config.Config, m config.ModelConfig, logger *slog.Logger) (llm.Client, error) {
	switch m.Provider {
	case "gemini":
		if !cfg.Gemini.Configured() {
			return nil, fmt.Errorf("model %s needs gemini.api_key (or GOOGLE_API_KEY)", m.Name)
		}
		return llm.NewGeminiClient(cfg.Gemini.APIKey, cfg.Gemini.BaseURL, logger), nil
	case "anthropic":
		if !cfg.Anthropic.Configured() {
			return nil, fmt.Errorf("model %s needs anthropic.api_key", m.Name)
		}
		return llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger), nil
	case "ollama":
		return llm.NewOllamaClient(cfg.Ollama.URL, logger), nil
	case "gollm":
		return llm.NewGollmClient(cfg.Gollm.Provider, cfg.Gollm.APIKey, m.Name, logger)
	default:
		return nil, fmt.Errorf("unknown model provider %q", m.Provider)
	}
}

// connectToolServer starts (or dials) the MCP server, performs the
// handshake and snapshots its tools. The caller closes the client.
func connectToolServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcp.Client, *tools.Registry, error) {
	ts := cfg.ToolServer

	var transport mcp.Transport
	switch ts.Transport() {
	case "stdio":
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: ts.Command,
			Args:    ts.Args,
			Env:     ts.Env,
			Logger:  logger,
		})
	default:
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     ts.URL,
			Headers: ts.Headers,
			Timeout: cfg.Loop.ToolTimeout,
			Logger:  logger,
		})
	}

	client := mcp.NewClient(ts.Name, transport, logger)
	backoff := connwatch.BackoffConfig{MaxAttempts: ts.ConnectAttempts, ProbeTimeout: cfg.Loop.ToolTimeout}
	if _, err := connwatch.Await(ctx, ts.Name, client.Initialize, backoff, logger); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to tool server %s: %w", ts.Name, err)
	}

	registry, err := mcp.BuildRegistry(ctx, client, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	logger.Info("tool server ready", "server", ts.Name, "transport", ts.Transport(), "tools", registry.Len())
	return client, registry, nil
}
