// Package engine orchestrates rule evaluation.
//
// An Engine holds the registered rules, compiled once at registration, and
// evaluates them against execution contexts:
//
//	eng, err := engine.New(engine.DefaultConfig(), engine.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := eng.Register(rule); err != nil {
//		return err // invalid condition, unknown action or dependency cycle
//	}
//	results, err := eng.Evaluate(ctx, rules.NewExecutionContext("grant", id, data))
//
// # Ordering
//
// A pass selects the enabled rules whose context types include the context's
// type and orders them by priority (highest first), then registration order.
// DependsOn names rules that must run earlier when both are selected; unknown
// or unselected names are ignored.
//
// # Concurrency
//
// The ordered rules are cut into stages. Consecutive rules that neither
// mutate the context nor take part in a dependency share a stage and run on a
// pool of Config.Workers goroutines. Every other rule runs alone. Results are
// returned in execution order whatever the worker count.
//
// # Caching
//
// Results of rules without mutating actions are cached under a fingerprint of
// the rule definition and the context fields its conditions read, for a TTL
// chosen by the volatility of the rule's actions. A hit skips the actions.
//
// # Failures
//
// Condition and action failures are recorded in the rule's result and the
// pass continues. Evaluate only returns an error for a nil context or when
// the pass is cancelled, in which case the completed results are returned
// with it.
package engine
