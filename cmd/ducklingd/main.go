// Command ducklingd runs the Duckling task execution plane: the warm
// sandbox pool, the priority task queue, and the pipeline driver that
// pulls tasks off the queue and runs them to a PR or a review comment.
//
// Grounded on cuemby-warren/cmd/warren/main.go's cobra root-command
// layout (persistent flags + cobra.OnInitialize for logging setup).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ducklingd",
	Short:   "Duckling autonomous coding agent task execution plane",
	Version: Version,
}

var log = logrus.New()

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ducklingd version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("config", "", "Path to config.toml (defaults built in, overridden by DUCKLING_* env vars)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		if level != "" {
			if lvl, err := logrus.ParseLevel(level); err == nil {
				log.SetLevel(lvl)
			}
		}
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
}
