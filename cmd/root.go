package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "actordb",
	Short: "A CLI tool for building actor face datasets and recognizing cast in video",
	Long: `ActorDB builds a searchable database of actor face embeddings from
movie cast imagery (via TMDB) and uses it to recognize and annotate
cast members in video streams.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
