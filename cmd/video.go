package cmd

import (
	"github.com/spf13/cobra"
)

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "Recognize and annotate faces in video streams",
	Long:  `Commands for running face recognition over video and writing annotated output.`,
}

func init() {
	rootCmd.AddCommand(videoCmd)
}
