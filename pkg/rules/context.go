package rules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Metadata describes an execution context without being part of its data.
type Metadata struct {
	// CorrelationID ties together log lines, audit records and results of one pass.
	CorrelationID string `json:"correlation_id,omitempty"`

	// CreatedAt is when the caller built the context. Time-relative actions
	// such as follow-ups are computed from it.
	CreatedAt time.Time `json:"created_at"`

	// Labels are free-form caller annotations.
	Labels map[string]string `json:"labels,omitempty"`
}

// ExecutionContext is the mutable record one evaluation pass operates over.
// The caller owns it for the duration of a pass. Actions mutate Data in place
// through Set and Update, and later rules in the same pass observe the change.
type ExecutionContext struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Data     map[string]any `json:"data"`
	Metadata Metadata       `json:"metadata"`

	mu sync.RWMutex
}

// NewExecutionContext builds a context with a fresh correlation id.
func NewExecutionContext(contextType, id string, data map[string]any) *ExecutionContext {
	if data == nil {
		data = make(map[string]any)
	}
	return &ExecutionContext{
		Type: contextType,
		ID:   id,
		Data: data,
		Metadata: Metadata{
			CorrelationID: uuid.NewString(),
			CreatedAt:     time.Now().UTC(),
		},
	}
}

// EnsureMetadata fills in a correlation id and creation time when missing.
func (c *ExecutionContext) EnsureMetadata() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metadata.CorrelationID == "" {
		c.Metadata.CorrelationID = uuid.NewString()
	}
	if c.Metadata.CreatedAt.IsZero() {
		c.Metadata.CreatedAt = time.Now().UTC()
	}
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
}

// Get resolves a dotted path such as "applicant.country" or "items.0.amount".
func (c *ExecutionContext) Get(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.Data, path)
}

// Project returns a shallow copy of the named top-level fields. Fields that
// are absent are omitted.
func (c *ExecutionContext) Project(fields []string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := c.Data[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Snapshot returns a deep copy of the data.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneValue(c.Data).(map[string]any)
}

// Set writes value at a dotted path, creating intermediate maps as needed.
func (c *ExecutionContext) Set(path string, value any) error {
	return c.Update(path, func(any, bool) (any, error) { return value, nil })
}

// Update replaces the value at path with fn(old). The context stays locked
// while fn runs, so fn must not call back into the context.
func (c *ExecutionContext) Update(path string, fn func(old any, exists bool) (any, error)) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Data == nil {
		c.Data = make(map[string]any)
	}
	parent := c.Data
	for i, p := range parts[:len(parts)-1] {
		next, ok := parent[p]
		if !ok || next == nil {
			m := make(map[string]any)
			parent[p] = m
			parent = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot descend into %q: %T is not an object", strings.Join(parts[:i+1], "."), next)
		}
		parent = m
	}
	leaf := parts[len(parts)-1]
	old, exists := parent[leaf]
	v, err := fn(old, exists)
	if err != nil {
		return err
	}
	parent[leaf] = v
	return nil
}

// Delete removes the value at path. Deleting a missing path is not an error.
func (c *ExecutionContext) Delete(path string) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	parent := c.Data
	for _, p := range parts[:len(parts)-1] {
		m, ok := parent[p].(map[string]any)
		if !ok {
			return nil
		}
		parent = m
	}
	delete(parent, parts[len(parts)-1])
	return nil
}

// Lookup resolves a dotted path against arbitrary JSON-like data.
func Lookup(data map[string]any, path string) (any, bool) {
	return lookup(data, path)
}

func lookup(data map[string]any, path string) (any, bool) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = data
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid field path %q", path)
		}
	}
	return parts, nil
}
