package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/teilomillet/gollm"
)

// GollmClient reaches providers without a native client here (openai,
// groq, mistral, ...) through gollm. gollm does not report token usage,
// so counts are estimated at four bytes per token.
type GollmClient struct {
	provider string
	logger   *slog.Logger

	// generate is replaced in tests.
	generate func(ctx context.Context, model string, prompt *gollm.Prompt) (string, error)
}

// NewGollmClient creates a client for the named gollm provider. An empty
// apiKey lets gollm read the provider's usual environment variable.
func NewGollmClient(provider, apiKey, model string, logger *slog.Logger) (*GollmClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(1024),
		gollm.SetMaxRetries(0), // The loop owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(apiKey))
	}

	l, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, fmt.Errorf("create gollm LLM for provider %s: %w", provider, err)
	}

	// SetOption mutates shared state, so model switch and call are
	// serialized.
	var mu sync.Mutex
	return &GollmClient{
		provider: provider,
		logger:   logger.With("provider", "gollm", "backend", provider),
		generate: func(ctx context.Context, model string, prompt *gollm.Prompt) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			if model != "" {
				l.SetOption("model", model)
			}
			return l.Generate(ctx, prompt)
		},
	}, nil
}

// Chat folds the messages into one gollm prompt: system messages become
// the system prompt, the rest are joined in order.
func (c *GollmClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	var system, parts []string
	inputLen := 0
	for _, msg := range messages {
		inputLen += len(msg.Content)
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)
		case RoleAssistant:
			parts = append(parts, "[Assistant]: "+msg.Content)
		default:
			parts = append(parts, msg.Content)
		}
	}

	var promptOpts []gollm.PromptOption
	if len(system) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.Join(system, "\n\n"), gollm.CacheTypeEphemeral))
	}
	prompt := gollm.NewPrompt(strings.Join(parts, "\n"), promptOpts...)

	c.logger.Debug("preparing request", "model", model, "messages", len(messages))

	text, err := c.generate(ctx, model, prompt)
	if err != nil {
		return nil, fmt.Errorf("gollm %s: %w", c.provider, err)
	}

	return &ChatResponse{
		Model:        model,
		Message:      Message{Role: RoleAssistant, Content: text},
		InputTokens:  inputLen / 4,
		OutputTokens: len(text) / 4,
	}, nil
}

// Ping is a no-op: gollm exposes no health check, and construction
// already validated the provider configuration.
func (c *GollmClient) Ping(ctx context.Context) error {
	return nil
}
