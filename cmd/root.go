// Package cmd is the CLI surface (spec §6.4): a cobra root exposing
// `run`, `selfcheck`, `status`, channel adapter startup, and a default
// interactive REPL. Grounded on the teacher's cmd/root.go shape.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the gateway's reported build version.
const Version = "0.1.0"

var configPath string

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "akitagw",
		Short:         "Multi-channel chat gateway and agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to config file")

	root.AddCommand(runCmd())
	root.AddCommand(selfcheckCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(serveCmd())
	return root
}

// Execute runs the CLI; it is the sole entry point main() calls.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return home + "/.akitagw/config.json"
}
