package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"impactlab/rulecore/pkg/cli"
	"impactlab/rulecore/pkg/scheduler"
	"impactlab/rulecore/pkg/telemetry/health"
	"impactlab/rulecore/pkg/telemetry/logging"
)

// maxContextLine bounds one JSON-lines context.
const maxContextLine = 4 << 20

var runFlags struct {
	rules       string
	input       string
	watch       bool
	metricsAddr string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a stream of execution contexts",
	Long: `Read newline-delimited JSON execution contexts and write one JSON line of
results per context to stdout.

While running, rules can be reloaded when their files change, maintenance
jobs run on their cron schedules, and Prometheus metrics and health probes
are served on --metrics-addr. The command stops at end of input or on
SIGINT/SIGTERM and saves a final metrics snapshot.

Examples:
  # Evaluate contexts from a file
  rulecore run --rules rules/ --input contexts.jsonl

  # Stream from another process, reload rules and expose /metrics
  producer | rulecore run --config rulecore.yaml --watch --metrics-addr :9090`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.rules, "rules", "r", "", "rule file or directory (overrides rules.path)")
	runCmd.Flags().StringVarP(&runFlags.input, "input", "i", "-", "JSON-lines context file (- for stdin)")
	runCmd.Flags().BoolVarP(&runFlags.watch, "watch", "w", false, "reload rules when files change (overrides rules.watch)")
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address")
}

// streamError is written in place of results for a line that is not a
// valid context.
type streamError struct {
	Line  int    `json:"line"`
	Error string `json:"error"`
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runFlags.rules == "" && cfg.Rules.Path == "" {
		return cli.NewConfigError("rules.path", "no rule path given")
	}
	if cmd.Flags().Changed("watch") {
		cfg.Rules.Watch = runFlags.watch
	}

	ctx, stop := cli.SetupSignalHandler(commandContext(cmd))
	defer stop()

	a, err := newApp(ctx, cfg, runFlags.rules, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadRules(ctx, false); err != nil {
		return cli.NewCommandError("run", err)
	}
	if cfg.Rules.Watch {
		if err := a.engine.Watch(ctx); err != nil {
			return cli.NewCommandError("run", err)
		}
	}

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.FromConfig(cfg.Scheduler, scheduler.Deps{
			Metrics: a.metrics,
			Cache:   a.engine.Cache(),
			Store:   a.store,
		}, a.logger)
		if err != nil {
			return cli.NewConfigError("scheduler", err.Error())
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if runFlags.metricsAddr != "" {
		shutdown, err := serveMetrics(a, runFlags.metricsAddr)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		defer shutdown()
	}

	in := cmd.InOrStdin()
	if runFlags.input != "-" && runFlags.input != "" {
		f, err := os.Open(runFlags.input)
		if err != nil {
			return cli.NewCommandError("run", fmt.Errorf("failed to open input: %w", err))
		}
		defer f.Close()
		in = f
	}

	a.logger.Info("rulecore started", "rules", len(a.engine.Rules()), "watch", cfg.Rules.Watch, "version", Version)
	processed, err := processStream(ctx, a, in, cmd.OutOrStdout())

	// The final snapshot is saved even after a signal
	snapCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.AuditTimeout)
	defer cancel()
	if serr := scheduler.MetricsSnapshotJob(a.metrics, a.store)(snapCtx); serr != nil {
		a.logger.Error("failed to save final metrics snapshot", "error", serr)
	}

	s := a.metrics.Summary()
	a.logger.Info("rulecore stopped",
		"contexts", processed,
		"evaluations", s.Evaluations,
		"failures", s.Failures,
		"cache_hit_rate", s.CacheHitRate,
	)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	return nil
}

// processStream evaluates one context per input line until EOF or ctx is
// done. Lines that are not valid contexts produce a streamError line and do
// not stop the stream.
func processStream(ctx context.Context, a *app, in io.Reader, out io.Writer) (int, error) {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxContextLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	enc := json.NewEncoder(out)
	lineNo, processed := 0, 0
	for {
		select {
		case <-ctx.Done():
			return processed, nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return processed, fmt.Errorf("failed to read input: %w", err)
					}
				default:
				}
				return processed, nil
			}
			lineNo++
			if len(line) == 0 {
				continue
			}

			ectx, err := decodeContext(line)
			if err != nil {
				a.logger.Warn("skipping invalid context", "line", lineNo, "error", err)
				if err := enc.Encode(streamError{Line: lineNo, Error: err.Error()}); err != nil {
					return processed, err
				}
				continue
			}

			passCtx := logging.WithCorrelationID(ctx, ectx.Metadata.CorrelationID)
			results, err := a.engine.Evaluate(passCtx, ectx)
			if err != nil {
				a.logger.WarnContext(passCtx, "pass incomplete", "line", lineNo, "error", err)
			}
			if err := enc.Encode(newPassReport(ectx, results, err)); err != nil {
				return processed, err
			}
			processed++
		}
	}
}

// serveMetrics starts the metrics and health server. The returned function
// shuts it down.
func serveMetrics(a *app, addr string) (func(), error) {
	checker := health.New(2 * time.Second)
	checker.Register("rules", health.RulesLoaded(func() int { return len(a.engine.Rules()) }))
	checker.Register("storage", health.MetricsHistoryReadable(a.store.LoadMetricsHistory))

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	health.Register(mux, checker, health.NewVersionInfo(Version, GitCommit, BuildDate))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelError),
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("metrics server listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", "error", err)
		}
	}, nil
}
