package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"impactlab/rulecore/pkg/rules"
)

// commandContext returns the command's context, or Background when the
// command was not started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// decodeContext parses one JSON execution context:
//
//	{"type": "order", "id": "o-1", "data": {...}, "metadata": {"labels": {...}}}
//
// Integral numbers decode as int64 so CEL arithmetic sees integers.
func decodeContext(data []byte) (*rules.ExecutionContext, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var ectx rules.ExecutionContext
	if err := dec.Decode(&ectx); err != nil {
		return nil, fmt.Errorf("invalid context: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid context: trailing data")
	}
	if ectx.Type == "" {
		return nil, fmt.Errorf("invalid context: type is required")
	}
	if ectx.Data != nil {
		ectx.Data = convertNumbers(ectx.Data).(map[string]any)
	}
	ectx.EnsureMetadata()
	return &ectx, nil
}

func convertNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = convertNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = convertNumbers(e)
		}
		return t
	default:
		return v
	}
}

// passReport is the output of one evaluation pass.
type passReport struct {
	ContextType   string                   `json:"context_type"`
	ContextID     string                   `json:"context_id,omitempty"`
	CorrelationID string                   `json:"correlation_id"`
	Results       []rules.EvaluationResult `json:"results"`
	Data          map[string]any           `json:"data,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

func newPassReport(ectx *rules.ExecutionContext, results []rules.EvaluationResult, err error) passReport {
	p := passReport{
		ContextType:   ectx.Type,
		ContextID:     ectx.ID,
		CorrelationID: ectx.Metadata.CorrelationID,
		Results:       results,
		Data:          ectx.Snapshot(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

// counts returns the number of rules whose conditions held and that failed.
func (p passReport) counts() (matched, failed int) {
	for _, r := range p.Results {
		if r.ConditionsMet {
			matched++
		}
		if !r.Success {
			failed++
		}
	}
	return matched, failed
}

// WriteText implements cli.TextWriter.
func (p passReport) WriteText(w io.Writer) error {
	id := p.ContextType
	if p.ContextID != "" {
		id += "/" + p.ContextID
	}
	fmt.Fprintf(w, "Context %s (correlation %s)\n", id, p.CorrelationID)
	for _, r := range p.Results {
		mark := "✓"
		if !r.Success {
			mark = "✗"
		}
		state := "not met"
		if r.ConditionsMet {
			state = fmt.Sprintf("met, %d action(s)", len(r.Actions))
		}
		line := fmt.Sprintf("  %s %s [priority %d] %s in %s", mark, r.RuleName, r.Priority, state, r.ExecutionTime)
		if r.CacheHit {
			line += " (cached)"
		}
		fmt.Fprintln(w, line)
		if r.Error != "" {
			fmt.Fprintf(w, "      error: %s\n", r.Error)
		}
	}
	matched, failed := p.counts()
	fmt.Fprintf(w, "%d rule(s) evaluated, %d matched, %d failed\n", len(p.Results), matched, failed)
	if p.Error != "" {
		fmt.Fprintf(w, "pass error: %s\n", p.Error)
	}
	return nil
}
