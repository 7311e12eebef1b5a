package source

import (
	"context"
	"sync"

	"impactlab/rulecore/pkg/rules"
	"impactlab/rulecore/pkg/rules/engine"
)

var _ engine.RuleSource = (*MemorySource)(nil)

// MemorySource serves rules held in memory. Set replaces the rule set and
// notifies watchers, which makes it a stand-in for files in tests and for
// hosts that manage rules themselves.
type MemorySource struct {
	mu       sync.Mutex
	rules    []rules.Rule
	watchers []chan engine.RuleEvent
}

// NewMemorySource creates a source serving list.
func NewMemorySource(list ...rules.Rule) *MemorySource {
	s := &MemorySource{}
	s.rules = cloneRules(list)
	return s
}

// Set replaces the rule set and sends a modified event to every watcher.
func (s *MemorySource) Set(list ...rules.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = cloneRules(list)
	for _, ch := range s.watchers {
		select {
		case ch <- engine.RuleEvent{Type: engine.RuleEventModified, Path: "memory"}:
		default:
		}
	}
}

// LoadRules returns copies of the current rules.
func (s *MemorySource) LoadRules(context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRules(s.rules), nil
}

// Watch returns a channel receiving an event per Set call. It is closed when
// ctx is cancelled.
func (s *MemorySource) Watch(ctx context.Context) (<-chan engine.RuleEvent, error) {
	ch := make(chan engine.RuleEvent, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func cloneRules(list []rules.Rule) []rules.Rule {
	out := make([]rules.Rule, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out
}
