package rules

import (
	"errors"
	"testing"
)

func validRule() Rule {
	return Rule{
		Name:         "budget_reasonable",
		Priority:     PriorityHigh,
		ContextTypes: []string{"grant"},
		Conditions:   []Condition{{Expression: "budget > 0"}},
		Actions:      []Action{{Name: "log", Parameters: map[string]any{"message": "ok"}}},
		Enabled:      true,
	}
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Rule)
		wantErr bool
		cycle   bool
	}{
		{name: "valid", mutate: func(r *Rule) {}},
		{name: "missing name", mutate: func(r *Rule) { r.Name = " " }, wantErr: true},
		{name: "no context types", mutate: func(r *Rule) { r.ContextTypes = nil }, wantErr: true},
		{name: "blank context type", mutate: func(r *Rule) { r.ContextTypes = []string{""} }, wantErr: true},
		{name: "no conditions", mutate: func(r *Rule) { r.Conditions = nil }, wantErr: true},
		{name: "empty expression", mutate: func(r *Rule) { r.Conditions[0].Expression = "" }, wantErr: true},
		{name: "unnamed action", mutate: func(r *Rule) { r.Actions[0].Name = "" }, wantErr: true},
		{name: "no actions is fine", mutate: func(r *Rule) { r.Actions = nil }},
		{name: "self dependency", mutate: func(r *Rule) { r.DependsOn = []string{r.Name} }, wantErr: true, cycle: true},
		{name: "duplicate dependency", mutate: func(r *Rule) { r.DependsOn = []string{"a", "a"} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !IsRegistrationError(err) {
				t.Errorf("Validate() error type = %T, want *RegistrationError", err)
			}
			if tt.cycle && !errors.Is(err, ErrDependencyCycle) {
				t.Errorf("Validate() error = %v, want ErrDependencyCycle", err)
			}
		})
	}
}

func TestRule_AppliesTo(t *testing.T) {
	r := validRule()
	if !r.AppliesTo("grant") {
		t.Error("AppliesTo(grant) = false, want true")
	}
	if r.AppliesTo("report") {
		t.Error("AppliesTo(report) = true, want false")
	}

	r.ContextTypes = []string{AnyContextType}
	if !r.AppliesTo("report") {
		t.Error("wildcard rule should apply to every type")
	}

	r.Enabled = false
	if r.AppliesTo("grant") {
		t.Error("disabled rule should not apply")
	}
}

func TestRule_DefinitionHash(t *testing.T) {
	a := validRule()
	a.Actions[0].Parameters = map[string]any{"message": "ok", "level": "info", "n": 1}
	b := validRule()
	b.Actions[0].Parameters = map[string]any{"n": 1.0, "level": "info", "message": "ok"}

	ha, err := a.DefinitionHash()
	if err != nil {
		t.Fatalf("DefinitionHash() error = %v", err)
	}
	hb, err := b.DefinitionHash()
	if err != nil {
		t.Fatalf("DefinitionHash() error = %v", err)
	}
	if ha != hb {
		t.Errorf("equal definitions hash differently: %s vs %s", ha, hb)
	}

	b.Priority = PriorityLow
	hc, _ := b.DefinitionHash()
	if hc == ha {
		t.Error("changed priority should change the definition hash")
	}
}

func TestRule_Clone(t *testing.T) {
	r := validRule()
	r.Actions[0].Parameters["nested"] = map[string]any{"k": "v"}
	c := r.Clone()

	c.Actions[0].Parameters["message"] = "changed"
	c.Actions[0].Parameters["nested"].(map[string]any)["k"] = "changed"
	c.ContextTypes[0] = "report"

	if r.Actions[0].Parameters["message"] != "ok" {
		t.Error("Clone() shares action parameters")
	}
	if r.Actions[0].Parameters["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone() shares nested parameter maps")
	}
	if r.ContextTypes[0] != "grant" {
		t.Error("Clone() shares context types")
	}
}
