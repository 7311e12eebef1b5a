package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"impactlab/rulecore/pkg/cli"
	"impactlab/rulecore/pkg/rules/engine"
	"impactlab/rulecore/pkg/rules/source"
	"impactlab/rulecore/pkg/telemetry/logging"
)

var validateFlags struct {
	output string
}

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate rule files",
	Long: `Load rule files and register every rule with a fresh engine without
evaluating anything.

The path is a rule file or a directory searched for .yaml and .yml files. It
defaults to rules.path from the config. Schema violations, unsupported file
versions, duplicate rule names, invalid CEL conditions, unknown actions and
dependency cycles are all reported.

Examples:
  # Validate a directory
  rulecore validate rules/

  # Validate the configured rule path and print JSON
  rulecore validate --config rulecore.yaml --output json`,
	Args: cobra.MaximumNArgs(1),
	RunE: validateRules,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFlags.output, "output", "o", "text", "output format: text, json")
}

// ruleStatus is the registration outcome of one rule.
type ruleStatus struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// validationReport is the output of validate.
type validationReport struct {
	Path       string       `json:"path"`
	Rules      []ruleStatus `json:"rules"`
	FileErrors []string     `json:"file_errors,omitempty"`
}

func (r validationReport) problems() int {
	n := len(r.FileErrors)
	for _, s := range r.Rules {
		if !s.Valid {
			n++
		}
	}
	return n
}

// WriteText implements cli.TextWriter.
func (r validationReport) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "Validating %s\n", r.Path)
	for _, e := range r.FileErrors {
		fmt.Fprintf(w, "  ✗ %s\n", e)
	}
	for _, s := range r.Rules {
		if s.Valid {
			fmt.Fprintf(w, "  ✓ %s [priority %d]\n", s.Name, s.Priority)
			continue
		}
		fmt.Fprintf(w, "  ✗ %s: %s\n", s.Name, s.Error)
	}
	if n := r.problems(); n > 0 {
		fmt.Fprintf(w, "%d problem(s) found\n", n)
		return nil
	}
	fmt.Fprintf(w, "✓ %d rule(s) valid\n", len(r.Rules))
	return nil
}

func validateRules(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(validateFlags.output)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := cfg.Rules.Path
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return cli.NewConfigError("rules.path", "no rule path given")
	}

	logger, err := logging.New(logging.FromConfig(cfg.Logging, cmd.ErrOrStderr()))
	if err != nil {
		return cli.NewConfigError("logging", err.Error())
	}
	src, err := source.NewFileSource(source.DefaultFileConfig(path), logger)
	if err != nil {
		return cli.NewConfigError("rules.path", err.Error())
	}
	eng, err := engine.New(engine.FromConfig(cfg), engine.WithLogger(logger))
	if err != nil {
		return cli.NewConfigError("engine", err.Error())
	}
	defer eng.Close()

	report := validationReport{Path: path}
	loaded, loadErr := src.LoadRules(commandContext(cmd))
	var list *source.ErrorList
	switch {
	case loadErr == nil:
	case errors.As(loadErr, &list):
		for _, e := range list.Errors {
			report.FileErrors = append(report.FileErrors, e.Error())
		}
	default:
		report.FileErrors = append(report.FileErrors, loadErr.Error())
	}

	for _, r := range loaded {
		status := ruleStatus{Name: r.Name, Priority: r.Priority, Valid: true}
		if err := eng.Register(r); err != nil {
			status.Valid = false
			status.Error = err.Error()
		}
		report.Rules = append(report.Rules, status)
	}

	if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if n := report.problems(); n > 0 {
		return cli.NewCommandError("validate", fmt.Errorf("%d problem(s) found in %s", n, path))
	}
	return nil
}
