package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"impactlab/rulecore/pkg/cli"
)

var evaluateFlags struct {
	context string
	rules   string
	repeat  int
	output  string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate rules against one execution context",
	Long: `Evaluate the configured rules against a JSON execution context and print
the result of every rule that applies to the context type.

The context file holds {"type": ..., "id": ..., "data": {...}}. Use "-" to
read it from stdin. With --repeat the context is evaluated several times from
a fresh copy, which shows results served from the cache.

Examples:
  # Evaluate one order
  rulecore evaluate --rules rules/ --context order.json

  # Evaluate twice and print JSON
  rulecore evaluate --rules rules/ --context order.json --repeat 2 --output json`,
	RunE: evaluateContext,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVarP(&evaluateFlags.context, "context", "f", "", "execution context JSON file (- for stdin)")
	evaluateCmd.Flags().StringVarP(&evaluateFlags.rules, "rules", "r", "", "rule file or directory (overrides rules.path)")
	evaluateCmd.Flags().IntVar(&evaluateFlags.repeat, "repeat", 1, "number of passes")
	evaluateCmd.Flags().StringVarP(&evaluateFlags.output, "output", "o", "text", "output format: text, json")
	_ = evaluateCmd.MarkFlagRequired("context")
}

func evaluateContext(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(evaluateFlags.output)
	if err != nil {
		return err
	}
	if evaluateFlags.context == "" {
		return cli.NewConfigError("context", "a context file is required")
	}
	if evaluateFlags.repeat < 1 {
		return cli.NewConfigError("repeat", "must be at least 1")
	}

	var raw []byte
	if evaluateFlags.context == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(evaluateFlags.context)
	}
	if err != nil {
		return cli.NewCommandError("evaluate", fmt.Errorf("failed to read context: %w", err))
	}
	// Fail on a malformed context before any setup
	if _, err := decodeContext(raw); err != nil {
		return cli.NewConfigError("context", err.Error())
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if evaluateFlags.rules == "" && cfg.Rules.Path == "" {
		return cli.NewConfigError("rules.path", "no rule path given")
	}

	ctx := commandContext(cmd)
	a, err := newApp(ctx, cfg, evaluateFlags.rules, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadRules(ctx, true); err != nil {
		return cli.NewCommandError("evaluate", err)
	}

	passes := make([]passReport, 0, evaluateFlags.repeat)
	for i := 0; i < evaluateFlags.repeat; i++ {
		ectx, err := decodeContext(raw)
		if err != nil {
			return cli.NewConfigError("context", err.Error())
		}
		results, err := a.engine.Evaluate(ctx, ectx)
		passes = append(passes, newPassReport(ectx, results, err))
		if err != nil {
			break
		}
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatJSON {
		return cli.NewFormatter(format).FormatTo(out, passes)
	}
	for i, p := range passes {
		if len(passes) > 1 {
			fmt.Fprintf(out, "Pass %d\n", i+1)
		}
		if err := p.WriteText(out); err != nil {
			return err
		}
	}
	return nil
}
