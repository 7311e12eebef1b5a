// Package cache stores rule evaluation results keyed by a fingerprint of the
// rule definition and the context fields its conditions read.
//
// Lifetimes are adaptive: advisory rules are kept longer than side-effecting
// ones, and mutating rules are never cached. The cache is bounded and evicts
// the least recently used entry when full.
package cache
