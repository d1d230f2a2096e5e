// Package main provides the operator entry point for the Tandem execution
// core.
//
// # Basic Usage
//
// Start the core:
//
//	tandem serve --config ~/.tandem/tandem.yaml
//
// Import a legacy session tree:
//
//	tandem migrate-legacy --legacy-dir ~/.tandem/storage
//
// Index a workspace into project memory:
//
//	tandem index-project --project my-app --workspace ~/src/my-app
//
// Interactive credential setup:
//
//	tandem setup
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "tandem",
		Short: "Tandem execution core",
		Long:  "Tandem drives user requests to completion across LLM providers, tool invocations, approvals and persistent state.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateLegacyCmd())
	root.AddCommand(newIndexProjectCmd())
	root.AddCommand(newRalphCmd())
	root.AddCommand(newSetupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
