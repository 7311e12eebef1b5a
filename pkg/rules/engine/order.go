package engine

import (
	"sort"

	"impactlab/rulecore/pkg/rules"
)

// byPriority sorts rules by priority descending, then registration order.
func byPriority(list []*compiledRule) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].rule.Priority != list[j].rule.Priority {
			return list[i].rule.Priority > list[j].rule.Priority
		}
		return list[i].seq < list[j].seq
	})
}

// plan is the execution order of one pass.
type plan struct {
	// ordered lists the selected rules in execution order.
	ordered []*compiledRule

	// stages partitions ordered into consecutive runs. Rules within a stage
	// may run concurrently; stages run one after another.
	stages [][]int
}

// buildPlan selects the rules that apply to contextType and orders them.
// Dependencies between selected rules force topological order; among rules
// whose dependencies are satisfied the priority order decides.
func buildPlan(registered map[string]*compiledRule, contextType string) plan {
	var selected []*compiledRule
	for _, cr := range registered {
		if cr.rule.AppliesTo(contextType) {
			selected = append(selected, cr)
		}
	}
	byPriority(selected)

	index := make(map[string]int, len(selected))
	for i, cr := range selected {
		index[cr.rule.Name] = i
	}

	// linked marks rules with a dependency edge inside this pass
	linked := make([]bool, len(selected))
	inDegree := make([]int, len(selected))
	dependents := make([][]int, len(selected))
	for i, cr := range selected {
		for _, dep := range cr.rule.DependsOn {
			j, ok := index[dep]
			if !ok {
				continue
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
			linked[i], linked[j] = true, true
		}
	}

	// Kahn's algorithm, always taking the highest-ranked ready rule
	done := make([]bool, len(selected))
	order := make([]int, 0, len(selected))
	for len(order) < len(selected) {
		next := -1
		for i := range selected {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// Unreachable while registration rejects cycles; keep priority order.
			for i := range selected {
				if !done[i] {
					done[i] = true
					order = append(order, i)
				}
			}
			break
		}
		done[next] = true
		order = append(order, next)
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}

	p := plan{ordered: make([]*compiledRule, len(order))}
	var batch []int
	for pos, i := range order {
		cr := selected[i]
		p.ordered[pos] = cr
		if linked[i] || cr.volatility == rules.Mutating {
			if len(batch) > 0 {
				p.stages = append(p.stages, batch)
				batch = nil
			}
			p.stages = append(p.stages, []int{pos})
			continue
		}
		batch = append(batch, pos)
	}
	if len(batch) > 0 {
		p.stages = append(p.stages, batch)
	}
	return p
}
