package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/stepwise/internal/directive"
	"github.com/nugget/stepwise/internal/prompts"
	"github.com/nugget/stepwise/internal/usage"
)

func newToolsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Connect to the tool server and list its tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}
			server, registry, err := connectToolServer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer server.Close()

			missing := registry.Missing(directive.Names()...)
			if g.output == "json" {
				type param struct {
					Name string `json:"name"`
					Type string `json:"type"`
				}
				type tool struct {
					Name        string  `json:"name"`
					Description string  `json:"description"`
					Params      []param `json:"params"`
				}
				list := make([]tool, 0, registry.Len())
				for _, d := range registry.Descriptors() {
					t := tool{Name: d.Name, Description: d.Description, Params: []param{}}
					for _, p := range d.Params {
						t.Params = append(t.Params, param{Name: p.Name, Type: p.Type})
					}
					list = append(list, t)
				}
				name, version := server.ServerInfo()
				return writeJSON(g.stdout, map[string]any{
					"server":  name,
					"version": version,
					"tools":   list,
					"missing": missing,
				})
			}

			fmt.Fprintln(g.stdout, registry.Describe())
			if len(missing) > 0 {
				fmt.Fprintf(g.stdout, "\nNot advertised: %v\n", missing)
			}
			return nil
		},
	}
}

func newPromptCmd(g *globals) *cobra.Command {
	var offline, evaluation bool
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the rendered system prompt",
		Long: "Print the system prompt the loop sends, with the tool server's tool\n" +
			"listing. --offline renders it without contacting the server.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.setup()
			if err != nil {
				return err
			}

			listing := ""
			if !offline {
				server, registry, err := connectToolServer(cmd.Context(), cfg, logger)
				if err != nil {
					return err
				}
				listing = registry.Describe()
				server.Close()
			}

			text := prompts.SystemPrompt(listing, cfg.NotifyEmail)
			if evaluation {
				text = prompts.EvaluationPrompt(text)
			}
			if g.output == "json" {
				return writeJSON(g.stdout, map[string]string{"prompt": text})
			}
			fmt.Fprintln(g.stdout, text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "render without a tool listing")
	cmd.Flags().BoolVar(&evaluation, "evaluation", false, "print the evaluation request instead")
	return cmd
}

// exampleDirectives holds one directive of every kind, in the order the
// system prompt introduces them.
func exampleDirectives() []directive.Directive {
	return []directive.Directive{
		&directive.Reason{ReasoningType: "arithmetic", Steps: []string{"1. Add 10 and 2", "2. Divide the sum by 2"}},
		&directive.Calculate{Expression: "(10+2)/2"},
		&directive.VerifyCalculation{Expression: "(10+2)/2", Expected: "6"},
		&directive.OpenTool{},
		&directive.VerifyMethodResponse{Status: "success"},
		&directive.DrawRectangle{X1: 780, Y1: 380, X2: 1140, Y2: 700},
		&directive.AddText{X1: 780, Y1: 380, X2: 1140, Y2: 700, Text: "6"},
		&directive.SendEmail{To: prompts.DefaultEmailRecipient, Agent: "stepwise", Result: "6"},
		&directive.Result{Status: "completed"},
	}
}

func newDirectivesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "directives",
		Short: "Print one example line per directive kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.output == "json" {
				m := make(map[string]string)
				for _, d := range exampleDirectives() {
					s, err := directive.Encode(d)
					if err != nil {
						return err
					}
					m[d.Kind().String()] = s
				}
				return writeJSON(g.stdout, m)
			}
			for _, d := range exampleDirectives() {
				line, err := directive.Line(d)
				if err != nil {
					return err
				}
				fmt.Fprintln(g.stdout, line)
			}
			return nil
		},
	}
}

func newUsageCmd(g *globals) *cobra.Command {
	var since time.Duration
	var runs int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize token usage from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.setup()
			if err != nil {
				return err
			}
			if cfg.Usage.Path == "" {
				return fmt.Errorf("usage ledger is disabled (set usage.path)")
			}
			store, err := usage.NewStore(cfg.Usage.Path)
			if err != nil {
				return fmt.Errorf("open usage ledger: %w", err)
			}
			defer store.Close()

			ctx := cmd.Context()
			end := time.Now()
			start := end.Add(-since)

			total, err := store.Summary(ctx, start, end)
			if err != nil {
				return err
			}
			byModel, err := store.SummaryByModel(ctx, start, end)
			if err != nil {
				return err
			}
			byRole, err := store.SummaryByRole(ctx, start, end)
			if err != nil {
				return err
			}
			recent, err := store.RecentRuns(ctx, runs)
			if err != nil {
				return err
			}

			if g.output == "json" {
				return writeJSON(g.stdout, map[string]any{
					"since":    start.UTC().Format(time.RFC3339),
					"total":    total,
					"by_model": byModel,
					"by_role":  byRole,
					"runs":     recent,
				})
			}

			w := tabwriter.NewWriter(g.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Usage since %s\n\n", start.Format(time.RFC3339))
			fmt.Fprintln(w, "GROUP\tCALLS\tINPUT\tOUTPUT\tCOST (USD)")
			printSummary(w, "total", total)
			for _, k := range sortedKeys(byModel) {
				printSummary(w, "model "+k, byModel[k])
			}
			for _, k := range sortedKeys(byRole) {
				printSummary(w, "role "+k, byRole[k])
			}
			if len(recent) > 0 {
				fmt.Fprintln(w, "\nRUN\tSTARTED\tREASON\tITER\tSCORE")
				for _, r := range recent {
					score := "-"
					if r.Score >= 0 {
						score = fmt.Sprintf("%d/8", r.Score)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						r.ID, r.Started.Local().Format(time.DateTime), r.Reason, r.Iterations, score)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "summarize records newer than this")
	cmd.Flags().IntVar(&runs, "runs", 10, "number of recent runs to list")
	return cmd
}

func printSummary(w *tabwriter.Writer, label string, s *usage.Summary) {
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.4f\n", label, s.TotalRecords, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
}

func sortedKeys(m map[string]*usage.Summary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
