package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"impactlab/rulecore/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rulecore",
	Short: "Rulecore - condition-action rule engine",
	Long: `Rulecore evaluates condition-action rules against execution contexts.

Rules are loaded from YAML files. Each rule holds CEL conditions and a list of
actions that run when every condition holds. Results are cached per rule,
recorded as metrics, and written to an audit store.

Without --config the built-in defaults are used. RULECORE_* environment
variables override both.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the code matching the error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
}
