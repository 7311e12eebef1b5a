package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"impactlab/rulecore/pkg/cli"
	"impactlab/rulecore/pkg/storage"
	"impactlab/rulecore/pkg/telemetry/logging"
	"impactlab/rulecore/pkg/telemetry/metrics"
)

var historyFlags struct {
	output        string
	limit         int
	rule          string
	contextType   string
	correlationID string
	since         time.Duration
	failed        bool
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect stored metrics snapshots and audit records",
	Long: `Read the audit and metrics history kept by the configured storage backend.

The memory backend keeps nothing between runs, so history is only useful with
a sqlite, sqlite3 or postgres storage driver.`,
}

var historySnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored metrics snapshots",
	Long: `List the most recent metrics snapshots, oldest first. These are the
snapshots that seed the error-rate baseline at startup.

Examples:
  rulecore history snapshots --config rulecore.yaml --limit 10`,
	RunE: showSnapshots,
}

var historyAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query audit records",
	Long: `List audit records, newest pass first.

Examples:
  # Failures of one rule in the last day
  rulecore history audit --rule high_value_order --failed --since 24h

  # Every result of one pass
  rulecore history audit --correlation-id 5b1c0a4e-... --output json`,
	RunE: showAudit,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historySnapshotsCmd, historyAuditCmd)

	historyCmd.PersistentFlags().StringVarP(&historyFlags.output, "output", "o", "text", "output format: text, json")
	historyCmd.PersistentFlags().IntVarP(&historyFlags.limit, "limit", "n", 20, "maximum entries shown")

	historyAuditCmd.Flags().StringVar(&historyFlags.rule, "rule", "", "filter by rule name")
	historyAuditCmd.Flags().StringVar(&historyFlags.contextType, "context-type", "", "filter by context type")
	historyAuditCmd.Flags().StringVar(&historyFlags.correlationID, "correlation-id", "", "filter by correlation id")
	historyAuditCmd.Flags().DurationVar(&historyFlags.since, "since", 0, "only records newer than this (e.g. 24h)")
	historyAuditCmd.Flags().BoolVar(&historyFlags.failed, "failed", false, "only failed results")
}

// openHistoryStore opens the configured store for reading.
func openHistoryStore(cmd *cobra.Command) (storage.Store, cli.OutputFormat, error) {
	format, err := cli.ParseFormat(historyFlags.output)
	if err != nil {
		return nil, "", err
	}
	if historyFlags.limit < 1 {
		return nil, "", cli.NewConfigError("limit", "must be at least 1")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	logger, err := logging.New(logging.FromConfig(cfg.Logging, cmd.ErrOrStderr()))
	if err != nil {
		return nil, "", cli.NewConfigError("logging", err.Error())
	}
	store, err := storage.Open(cfg.Storage,
		storage.WithLogger(logger),
		storage.WithHistoryLimit(historyFlags.limit),
	)
	if err != nil {
		return nil, "", cli.NewCommandError("history", err)
	}
	return store, format, nil
}

type snapshotList []metrics.Snapshot

// WriteText implements cli.TextWriter.
func (l snapshotList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No snapshots stored")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TAKEN AT\tWINDOW\tEVALUATIONS\tFAILURES\tERROR RATE\tCACHE HITS\tPASSES")
	for _, s := range l {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.2f%%\t%d\t%d\n",
			s.TakenAt.Format(time.RFC3339),
			s.TakenAt.Sub(s.WindowStart).Round(time.Second),
			s.Evaluations, s.Failures, s.ErrorRate()*100, s.CacheHits, s.Passes)
	}
	return tw.Flush()
}

func showSnapshots(cmd *cobra.Command, args []string) error {
	store, format, err := openHistoryStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	history, err := store.LoadMetricsHistory(commandContext(cmd))
	if err != nil {
		return cli.NewCommandError("history snapshots", err)
	}
	if history == nil {
		history = []metrics.Snapshot{}
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), snapshotList(history))
}

type auditList []storage.AuditRecord

// WriteText implements cli.TextWriter.
func (l auditList) WriteText(w io.Writer) error {
	if len(l) == 0 {
		_, err := fmt.Fprintln(w, "No audit records found")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED AT\tRULE\tCONTEXT\tMET\tSTATUS\tDURATION\tCORRELATION ID")
	for _, r := range l {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		} else if r.CacheHit {
			status = "ok (cached)"
		}
		contextRef := r.ContextType
		if r.ContextID != "" {
			contextRef += "/" + r.ContextID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\n",
			r.RecordedAt.Format(time.RFC3339), r.RuleName, contextRef,
			r.ConditionsMet, status, r.ExecutionTime, r.CorrelationID)
	}
	return tw.Flush()
}

func showAudit(cmd *cobra.Command, args []string) error {
	store, format, err := openHistoryStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	q := storage.AuditQuery{
		Rule:          historyFlags.rule,
		ContextType:   historyFlags.contextType,
		CorrelationID: historyFlags.correlationID,
		FailedOnly:    historyFlags.failed,
		Limit:         historyFlags.limit,
	}
	if historyFlags.since > 0 {
		q.Since = time.Now().Add(-historyFlags.since)
	}
	records, err := store.QueryAudit(commandContext(cmd), q)
	if err != nil {
		return cli.NewCommandError("history audit", err)
	}
	if records == nil {
		records = []storage.AuditRecord{}
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), auditList(records))
}
