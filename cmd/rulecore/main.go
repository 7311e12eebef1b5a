// Rulecore evaluates condition-action rules against JSON execution contexts.
//
// Usage:
//
//	# Check a rule directory without evaluating anything
//	rulecore validate rules/
//
//	# Evaluate one context and print the results
//	rulecore evaluate --context order.json --rules rules/ --output json
//
//	# Evaluate newline-delimited contexts from stdin, reloading rules on change
//	rulecore run --config rulecore.yaml --watch --metrics-addr :9090 < contexts.jsonl
//
//	# Inspect stored metrics snapshots and audit records
//	rulecore history snapshots
//	rulecore history audit --rule high_value_order --failed
package main

func main() {
	Execute()
}
