package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/trifecta_gate/internal/catalog"
	"github.com/triage-ai/palisade/services/trifecta_gate/internal/condition"
)

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Work with tool catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a tool catalog file",
	Long:  "Loads a YAML or JSON catalog, checks it against the catalog schema and\nreports how many tools map to each condition.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCatalogValidate,
}

func runCatalogValidate(cmd *cobra.Command, args []string) error {
	cat, err := catalog.LoadFile(args[0])
	if err != nil {
		return err
	}

	counts := make(map[condition.Condition]int)
	for _, t := range cat.Tools() {
		counts[t.Condition]++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d tools\n", args[0], cat.Len())
	for _, c := range condition.All {
		fmt.Fprintf(out, "  %-20s %d\n", c, counts[c])
	}
	if n := counts[condition.None]; n > 0 {
		fmt.Fprintf(out, "  %-20s %d\n", "(none)", n)
	}

	missing := make([]string, 0, len(condition.All))
	for _, c := range condition.All {
		if counts[c] == 0 {
			missing = append(missing, c.String())
		}
	}
	if len(missing) > 0 {
		fmt.Fprintf(out, "warning: no tools map to %s\n", strings.Join(missing, ", "))
	}
	return nil
}
