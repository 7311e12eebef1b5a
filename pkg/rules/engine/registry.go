package engine

import (
	"fmt"
	"sort"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/actions"
	"impactlab/rulecore/pkg/rules/expr"
)

// compiledRule is a registered rule with its conditions compiled and its
// cache properties resolved.
type compiledRule struct {
	rule       rules.Rule
	seq        uint64
	conditions []*expr.Expression

	// fields is the sorted union of top-level fields read by the conditions
	// and by the action parameter templates.
	fields []string

	// identity is set when actions observe the context's type, id or creation
	// time, and correlated when a template reads the correlation id. Both add
	// those values to the cache key.
	identity   bool
	correlated bool

	volatility rules.Volatility
	hash       string
}

// cacheable reports whether results of the rule may be served from cache.
func (c *compiledRule) cacheable() bool {
	return !c.rule.NoCache && c.volatility != rules.Mutating
}

// cacheKeyInput is the value a cached result of the rule depends on: the
// projected data plus, when actions observe it, the context identity.
func (c *compiledRule) cacheKeyInput(ectx *rules.ExecutionContext, data map[string]any) map[string]any {
	if !c.identity {
		return data
	}
	ident := map[string]any{
		"type":       ectx.Type,
		"id":         ectx.ID,
		"created_at": ectx.Metadata.CreatedAt.UTC(),
	}
	if c.correlated {
		ident["correlation_id"] = ectx.Metadata.CorrelationID
	}
	return map[string]any{"data": data, "context": ident}
}

// compile validates r and prepares it for evaluation. seq is assigned by the
// caller.
func (e *Engine) compile(r rules.Rule) (*compiledRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	hash, err := r.DefinitionHash()
	if err != nil {
		return nil, &rules.RegistrationError{Rule: r.Name, Reason: "hash definition", Cause: err}
	}

	cr := &compiledRule{
		rule:       r.Clone(),
		conditions: make([]*expr.Expression, 0, len(r.Conditions)),
		hash:       hash,
	}

	seen := make(map[string]bool)
	addField := func(f string) {
		if !seen[f] {
			seen[f] = true
			cr.fields = append(cr.fields, f)
		}
	}
	for i, c := range r.Conditions {
		x, err := e.evaluator.Compile(c.Expression)
		if err != nil {
			return nil, &rules.RegistrationError{
				Rule:   r.Name,
				Reason: fmt.Sprintf("conditions[%d] is invalid", i),
				Cause:  err,
			}
		}
		cr.conditions = append(cr.conditions, x)
		for _, f := range x.Fields() {
			addField(f)
		}
	}

	for i, a := range r.Actions {
		v, err := e.executor.Volatility(a.Name)
		if err != nil {
			return nil, &rules.RegistrationError{
				Rule:   r.Name,
				Reason: fmt.Sprintf("actions[%d] cannot be resolved", i),
				Cause:  err,
			}
		}
		cr.volatility = cr.volatility.Max(v)

		for _, ref := range actions.TemplateRefs(a.Parameters) {
			if f, ok := actions.RefField(ref); ok {
				addField(f)
				continue
			}
			cr.identity = true
			if ref == actions.RefCorrelationID {
				cr.correlated = true
			}
		}
	}
	sort.Strings(cr.fields)

	// Side-effecting actions record the context type and id, and follow-ups
	// are due relative to the creation time.
	if cr.volatility == rules.SideEffecting {
		cr.identity = true
	}

	return cr, nil
}

// detectCycle reports the dependency cycle that adding candidate to the
// registered set would create, if any. Dependencies on rules that are not
// registered are ignored. The registered set is acyclic, so any new cycle
// passes through candidate and a walk from it is enough.
func detectCycle(registered map[string]*compiledRule, candidate rules.Rule) error {
	edges := func(name string) []string {
		if name == candidate.Name {
			return candidate.DependsOn
		}
		if cr, ok := registered[name]; ok {
			return cr.rule.DependsOn
		}
		return nil
	}
	known := func(name string) bool {
		_, ok := registered[name]
		return ok || name == candidate.Name
	}

	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(name string, pathStack []string) error
	visit = func(name string, pathStack []string) error {
		if visited[name] {
			return nil
		}

		if visiting[name] {
			// Found a cycle; report it from its first occurrence
			start := 0
			for i, n := range pathStack {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), pathStack[start:]...), name)
			return &rules.CycleError{Path: cycle}
		}

		visiting[name] = true
		pathStack = append(pathStack, name)

		for _, dep := range edges(name) {
			if !known(dep) {
				continue
			}
			if err := visit(dep, pathStack); err != nil {
				return err
			}
		}

		visiting[name] = false
		visited[name] = true
		return nil
	}

	return visit(candidate.Name, nil)
}
