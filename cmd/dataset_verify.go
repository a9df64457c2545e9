package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var datasetVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the index snapshot against the database",
	Long: `Verify that the on-disk index snapshot is loadable and consistent
with the PostgreSQL repository. A snapshot that fails to load is
rebuilt from the database automatically when DATABASE_URL is set.

Use --rebuild to force a full rebuild from the database regardless of
the snapshot's state.

Examples:
  actordb dataset verify
  actordb dataset verify --rebuild`,
	Args: cobra.NoArgs,
	RunE: runDatasetVerify,
}

func init() {
	datasetCmd.AddCommand(datasetVerifyCmd)

	datasetVerifyCmd.Flags().Bool("rebuild", false, "Rebuild the index from the database and write a fresh snapshot")
}

func runDatasetVerify(cmd *cobra.Command, args []string) error {
	rebuild := mustGetBool(cmd, "rebuild")
	ctx := context.Background()

	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if rebuild {
		if svc.repo == nil {
			return fmt.Errorf("--rebuild requires DATABASE_URL to be set")
		}
		if err := svc.store.RebuildFrom(ctx, svc.repo); err != nil {
			return err
		}
		if err := svc.persist(); err != nil {
			return err
		}
		stats := svc.store.Stats()
		fmt.Printf("Rebuilt index from database: %d identities, %d embeddings\n", stats.Identities, stats.Embeddings)
		return nil
	}

	stats := svc.store.Stats()
	fmt.Printf("Snapshot loaded: %d identities, %d embeddings (dimension %d)\n",
		stats.Identities, stats.Embeddings, stats.Dimension)

	if svc.repo == nil {
		fmt.Println("DATABASE_URL not set, skipping database comparison")
		return nil
	}

	dbCount, err := svc.repo.CountEmbeddings(ctx)
	if err != nil {
		return err
	}
	if dbCount != stats.Embeddings {
		return fmt.Errorf("snapshot holds %d embeddings but the database holds %d; run 'dataset verify --rebuild'",
			stats.Embeddings, dbCount)
	}
	fmt.Printf("Database agrees: %d embeddings\n", dbCount)
	return nil
}
