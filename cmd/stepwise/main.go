// Stepwise drives a language model through a directive loop against an
// MCP tool server: the model emits one JSON directive per turn, the
// matching tool runs, and the observation is fed back until the model
// reports a result.
//
// Usage:
//
//	stepwise init [dir]          Write an example stepwise.yaml
//	stepwise run [query...]      Run the directive loop once
//	stepwise tools               List the tool server's tools
//	stepwise prompt              Print the rendered system prompt
//	stepwise directives          Print one example line per directive kind
//	stepwise usage [--since 24h] Summarize token usage from the ledger
//	stepwise version             Print version and build information
//	stepwise -o json <command>   Machine-readable output
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nugget/stepwise/internal/buildinfo"
	"github.com/nugget/stepwise/internal/config"
)

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globals holds the persistent flags. A fresh value is built per call
// to run so tests can drive the CLI concurrently.
type globals struct {
	configPath string
	output     string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

// run is the real entry point. Command output goes to stdout, logs go
// to stderr so that -o json output stays parseable.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	g := &globals{stdout: stdout, stderr: stderr}
	root := newRootCmd(g)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "stepwise",
		Short:         "Step-by-step reasoning agent for MCP tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "path to config file (default: auto-discover)")
	pf.StringVarP(&g.output, "output", "o", "text", "output format: text or json")
	pf.StringVar(&g.logLevel, "log-level", "", "override log_level from the config")

	root.AddCommand(
		newInitCmd(g),
		newRunCmd(g),
		newToolsCmd(g),
		newPromptCmd(g),
		newDirectivesCmd(g),
		newUsageCmd(g),
		newVersionCmd(g),
	)
	return root
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildinfo.Get()
			if g.output == "json" {
				return writeJSON(g.stdout, info)
			}
			fmt.Fprintln(g.stdout, info)
			if info.BuildTime != "" {
				fmt.Fprintf(g.stdout, "  built:      %s\n", info.BuildTime)
			}
			if info.GitBranch != "" {
				fmt.Fprintf(g.stdout, "  branch:     %s\n", info.GitBranch)
			}
			fmt.Fprintf(g.stdout, "  go_version: %s\n", info.GoVersion)
			fmt.Fprintf(g.stdout, "  platform:   %s\n", info.Platform)
			return nil
		},
	}
}

// setup loads the configuration and builds the logger every
// subcommand except version shares.
func (g *globals) setup() (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}

	levelName := cfg.LogLevel
	if g.logLevel != "" {
		levelName = g.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, nil, err
	}

	logger := newLogger(g.stderr, level, cfg.LogFormat)
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// newLogger creates a structured logger writing to w in the given
// format ("text" or "json"). The custom TRACE level is rendered by name.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file. When no file
// exists and none was named explicitly, the built-in defaults are used
// and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
