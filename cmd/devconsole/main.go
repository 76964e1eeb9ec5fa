// Command devconsole is a developer console that runs code snippets against a
// live instance and returns a depth-bounded view of the result.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devconsole",
	Short: "Run code snippets against a live development instance.",
	Long: `devconsole serves a browser console that executes JavaScript snippets
on behalf of an authorized session and returns the result as depth-bounded JSON.
Production instances refuse to execute anything.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
