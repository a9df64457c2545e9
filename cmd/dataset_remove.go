package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var datasetRemoveCmd = &cobra.Command{
	Use:   "remove <identity-key>",
	Short: "Remove an identity and all its embeddings from the dataset",
	Long: `Remove one identity and every face embedding it owns, then compact
the index so the vectors leave the search graph immediately.

Identity keys are listed by 'actordb dataset stats' (e.g. tmdb-person-504).

Examples:
  actordb dataset remove tmdb-person-504`,
	Args: cobra.ExactArgs(1),
	RunE: runDatasetRemove,
}

func init() {
	datasetCmd.AddCommand(datasetRemoveCmd)
}

func runDatasetRemove(cmd *cobra.Command, args []string) error {
	key := args[0]
	ctx := context.Background()

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	rec := svc.store.Identity(key)
	if rec == nil {
		return fmt.Errorf("identity %q is not in the dataset", key)
	}
	removed := rec.EmbeddingCount

	if err := svc.store.RemoveIdentity(key); err != nil {
		return err
	}
	svc.store.Compact()

	if svc.repo != nil {
		if err := svc.repo.DeleteIdentity(ctx, key); err != nil {
			return fmt.Errorf("removing identity from database: %w", err)
		}
	}

	if err := svc.persist(); err != nil {
		return err
	}

	fmt.Printf("Removed %s (%s) with %d embeddings\n", key, rec.DisplayName, removed)
	return nil
}
