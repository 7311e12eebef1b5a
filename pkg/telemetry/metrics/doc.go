// Package metrics collects rule evaluation metrics.
//
// The Collector serves two audiences. Prometheus counters and histograms are
// registered on a private registry and exposed with Handler. In-process
// aggregates back Summary and Alerts, which report slow rules, elevated error
// rates and regressions against the historical baseline loaded from storage.
//
// # Usage
//
//	collector := metrics.NewCollector(&cfg.Metrics, nil)
//	collector.Record(result)
//	for _, a := range collector.Alerts() {
//		log.Println(a.Kind, a.Message)
//	}
//
// The collector implements cache.Observer, so passing it to the rule cache
// wires cache hit, miss, eviction and size metrics.
//
// # History
//
// TakeSnapshot returns the counters accumulated since the previous call. The
// scheduler persists one periodically; at startup the engine loads the stored
// snapshots back with LoadHistory to form the baseline error rate.
package metrics
