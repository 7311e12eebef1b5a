// Package health serves liveness and readiness probes for long-running
// rulecore processes.
//
// A Checker holds named checks. The run command registers two:
//
//	checker := health.New(2 * time.Second)
//	checker.Register("rules", health.RulesLoaded(func() int { return len(eng.Rules()) }))
//	checker.Register("storage", health.MetricsHistoryReadable(store.LoadMetricsHistory))
//
//	mux := http.NewServeMux()
//	health.Register(mux, checker, health.NewVersionInfo(version, commit, date))
//	mux.Handle("/metrics", collector.Handler())
package health
