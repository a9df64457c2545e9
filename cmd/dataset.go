package cmd

import (
	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Build and manage the face embedding dataset",
	Long:  `Commands for constructing, inspecting, and maintaining the actor face embedding dataset.`,
}

func init() {
	rootCmd.AddCommand(datasetCmd)
}
