// Package rules defines the shared model of the rule engine: rules and their
// conditions and actions, the execution context a pass operates over, the
// per-rule results a pass produces, and the error taxonomy.
//
// Evaluation lives in the subpackages:
//
//   - expr: sandboxed condition expressions
//   - cache: fingerprinted result cache with adaptive TTL
//   - actions: action registry and executor
//   - engine: the orchestrator tying them together
//   - source: rule files and hot reload
//
// Only registration errors are returned to callers synchronously. Everything
// that goes wrong while a pass runs is captured as data inside the
// EvaluationResult of the affected rule.
package rules
