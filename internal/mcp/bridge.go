package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/stepwise/internal/tools"
)

// BuildRegistry lists the server's tools and snapshots them into a tool
// registry. A tool whose input schema cannot be parsed is kept with no
// parameters so the model still sees it.
func BuildRegistry(ctx context.Context, client *Client, logger *slog.Logger) (*tools.Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	descs := make([]tools.Descriptor, 0, len(defs))
	for _, td := range defs {
		params, err := tools.ParseParams(td.InputSchema)
		if err != nil {
			logger.Warn("unreadable tool input schema", "tool", td.Name, "error", err)
		}
		descs = append(descs, tools.Descriptor{
			Name:        td.Name,
			Params:      params,
			Description: td.Description,
		})
		logger.Debug("registered MCP tool", "tool", td.Name, "params", len(params))
	}

	return tools.NewRegistry(descs...), nil
}

// Invoker adapts a Client to tools.Invoker.
type Invoker struct {
	Client *Client
}

// Invoke calls the named tool and returns its content as text blocks.
func (i Invoker) Invoke(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	res, err := i.Client.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	blocks := make([]string, 0, len(res.Content))
	for _, b := range res.Content {
		blocks = append(blocks, extractText([]ContentBlock{b}))
	}
	return &tools.Result{Blocks: blocks}, nil
}
