package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Semantic memory engine for agents",
	Long: "engram stores memories with embeddings, retrieves them by similarity, links them in a " +
		"weighted graph and learns which ones matter from recorded outcomes. Single Go binary.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ENGRAM_CONFIG"), "Path to a YAML config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(healthCmd)
}
