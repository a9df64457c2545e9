package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
)

var datasetStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dataset statistics and stored identities",
	Long: `Show counts for the embedding store and list every stored identity
with its roles and embedding count.

Examples:
  actordb dataset stats
  actordb dataset stats --json`,
	Args: cobra.NoArgs,
	RunE: runDatasetStats,
}

func init() {
	datasetCmd.AddCommand(datasetStatsCmd)

	datasetStatsCmd.Flags().Bool("json", false, "Output as JSON")
}

// StatsOutput is the JSON output structure of dataset stats.
type StatsOutput struct {
	Stats      store.Stats             `json:"stats"`
	Identities []*store.IdentityRecord `json:"identities"`
}

func runDatasetStats(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	svc, err := openServices(context.Background())
	if err != nil {
		return err
	}
	defer svc.Close()

	output := StatsOutput{
		Stats:      svc.store.Stats(),
		Identities: svc.store.Identities(),
	}
	if jsonOutput {
		return outputJSON(output)
	}

	fmt.Printf("Identities:  %d\n", output.Stats.Identities)
	fmt.Printf("Embeddings:  %d\n", output.Stats.Embeddings)
	fmt.Printf("Tombstoned:  %d (%.1f%%)\n", output.Stats.Deleted, output.Stats.DeletedFraction*100)
	fmt.Printf("Dimension:   %d\n", output.Stats.Dimension)

	if len(output.Identities) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tNAME\tROLES\tEMBEDDINGS")
	for _, rec := range output.Identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", rec.Key, rec.DisplayName, formatRoles(rec.Roles), rec.EmbeddingCount)
	}
	return w.Flush()
}

func formatRoles(roles map[string]string) string {
	if len(roles) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(roles))
	for title, character := range roles {
		parts = append(parts, fmt.Sprintf("%s (%s)", character, title))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
