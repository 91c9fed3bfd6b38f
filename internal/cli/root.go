package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recap",
	Short: "Transcript report processing service",
	Long:  "Accepts transcript uploads, runs them through an LLM analyzer with strict schema validation, and serves the resulting reports to their owners. Jobs are durable: a crashed worker's lease expires and its work is reclaimed.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Optional YAML file supplying defaults for unset environment keys")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
