// cmd/root.go
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "corebatch",
	Short: "Continuous-batching request scheduler and paged KV-cache manager",
}

// Execute runs the root command; main.go's only job is calling this.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
