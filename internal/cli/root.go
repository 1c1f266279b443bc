// Package cli implements tabctl, the operator CLI for the pipeline API.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "tabctl",
	Short: "tabctl — operate aggregation pipeline runs",
	Long: `tabctl drives pipeline runs through the HTTP API: create and inspect
runs, lock and unlock stages, dispatch background work, and cancel
in-flight stages.

The API endpoint is taken from --api or the TABULATOR_API environment
variable (default http://localhost:8080).`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultAPI := os.Getenv("TABULATOR_API")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().String("api", defaultAPI, "Base URL of the pipeline API")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(stageCmd)
}
