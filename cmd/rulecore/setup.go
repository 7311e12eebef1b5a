package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"impactlab/rulecore/pkg/cli"
	"impactlab/rulecore/pkg/config"
	"impactlab/rulecore/pkg/rules/engine"
	"impactlab/rulecore/pkg/rules/source"
	"impactlab/rulecore/pkg/storage"
	"impactlab/rulecore/pkg/telemetry/logging"
	"impactlab/rulecore/pkg/telemetry/metrics"
	"impactlab/rulecore/pkg/telemetry/tracing"
)

// loadConfig reads --config (or the defaults) and applies --verbose.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// app holds the components shared by the evaluating commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracer  *tracing.Tracer
	store   storage.Store
	metrics *metrics.Collector
	engine  *engine.Engine
}

// newApp wires logging, tracing, storage, metrics and the engine. When
// rulesPath is set it overrides rules.path from the config. Rules are not
// loaded yet; call loadRules.
func newApp(ctx context.Context, cfg *config.Config, rulesPath string, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logging.FromConfig(cfg.Logging, logOut))
	if err != nil {
		return nil, cli.NewConfigError("logging", err.Error())
	}

	a := &app{cfg: cfg, logger: logger}

	a.tracer, err = tracing.New(ctx, &cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	a.store, err = storage.Open(cfg.Storage,
		storage.WithLogger(logger),
		storage.WithHistoryLimit(cfg.Metrics.HistoryLimit),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a.metrics = metrics.NewCollector(&cfg.Metrics, prometheus.NewRegistry(), metrics.WithLogger(logger))

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithStorage(a.store),
		engine.WithMetrics(a.metrics),
	}
	if rulesPath == "" {
		rulesPath = cfg.Rules.Path
	}
	if rulesPath != "" {
		fc := source.DefaultFileConfig(rulesPath)
		if cfg.Rules.Debounce > 0 {
			fc.Debounce = cfg.Rules.Debounce
		}
		src, err := source.NewFileSource(fc, logger)
		if err != nil {
			a.close()
			return nil, cli.NewConfigError("rules.path", err.Error())
		}
		opts = append(opts, engine.WithSource(src))
	}

	a.engine, err = engine.New(engine.FromConfig(cfg), opts...)
	if err != nil {
		a.close()
		return nil, cli.NewConfigError("engine", err.Error())
	}
	return a, nil
}

// loadRules registers the rules of the configured source. With strict set
// any load or registration error fails; otherwise errors are logged as long
// as at least one rule was registered.
func (a *app) loadRules(ctx context.Context, strict bool) error {
	err := a.engine.Reload(ctx)
	if err == nil {
		return nil
	}
	if strict || len(a.engine.Rules()) == 0 {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	a.logger.Warn("some rules failed to load", "error", err)
	return nil
}

// close releases everything newApp created, in reverse order.
func (a *app) close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(context.Background()))
	}
	return errors.Join(errs...)
}
