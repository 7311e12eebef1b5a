/*
Package cli holds plumbing shared by the rulecore commands.

Output Formatting:

Commands print results as text or JSON. Values that implement TextWriter
control their own text rendering:

	format, err := cli.ParseFormat(flags.output)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), report)

Signal Handling:

Long-running commands stop on SIGINT/SIGTERM:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()

Exit Codes:

ExitCode maps command errors to process exit codes: 2 for configuration and
rule validation problems, 1 for everything else.
*/
package cli
