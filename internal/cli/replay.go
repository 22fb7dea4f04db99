package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/catalog"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/policy"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/session"
)

var (
	replayCatalog string
	replaySession string
	replayFormat  string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayCatalog, "catalog", "c", "tools.yaml", "Path to tool catalog")
	replayCmd.Flags().StringVarP(&replaySession, "session", "s", "replay", "Session id to replay under")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay <tool>...",
	Short: "Replay a tool call sequence through the gate",
	Long:  "Evaluates each tool in order against a fresh in-memory session and prints\nevery decision. The same sequence always yields the same decisions.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cat, err := catalog.LoadFile(replayCatalog)
	if err != nil {
		return err
	}

	results, err := replaySequence(cmd.Context(), cat, replaySession, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		b, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(b))
	case "text":
		formatTimeline(out, results)
	default:
		return fmt.Errorf("unknown format %q (want text or json)", replayFormat)
	}
	return nil
}

// replaySequence evaluates tools in order against a new in-memory session.
func replaySequence(ctx context.Context, cat *catalog.Catalog, sessionID string, tools []string) ([]*policy.Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tracker := session.NewTracker(session.TrackerConfig{Store: session.NewMemoryStore(), Logger: zap.NewNop()})
	evaluator := policy.NewEvaluator(cat, tracker, zap.NewNop())

	results := make([]*policy.Result, 0, len(tools))
	for _, tool := range tools {
		res, err := evaluator.Evaluate(ctx, sessionID, tool)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", tool, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func formatTimeline(w io.Writer, results []*policy.Result) {
	blocked := 0
	for i, res := range results {
		cond := res.ConditionString()
		if cond == "" {
			cond = "-"
		}
		if res.Decision == policy.Block {
			blocked++
		}
		fmt.Fprintf(w, "%2d. %-24s %-5s %-20s [%s]\n",
			i+1, res.ToolName, res.Decision, cond, strings.Join(res.ConditionsAfter, ", "))
	}
	fmt.Fprintf(w, "%d calls, %d allowed, %d blocked\n", len(results), len(results)-blocked, blocked)
}
