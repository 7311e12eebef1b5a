package expr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"impactlab/rulecore/pkg/rules"
)

// DefaultCostLimit bounds the work a single condition may do.
const DefaultCostLimit uint64 = 1_000_000

// CompileError is returned when an expression is malformed or uses an
// operation outside the allow-list.
type CompileError struct {
	Expression string
	Reason     string
	Cause      error
}

func (e *CompileError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid expression %q: %s: %v", e.Expression, e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid expression %q: %s", e.Expression, e.Reason)
}

func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Evaluator compiles condition expressions once and hands out programs that
// can be evaluated many times, concurrently.
type Evaluator struct {
	env       *cel.Env
	costLimit uint64
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCostLimit overrides DefaultCostLimit. Zero keeps the default.
func WithCostLimit(limit uint64) Option {
	return func(e *Evaluator) {
		if limit > 0 {
			e.costLimit = limit
		}
	}
}

// NewEvaluator creates an evaluator. Only the has() macro is enabled, so
// comprehensions such as all() or map() cannot be expressed.
func NewEvaluator(opts ...Option) (*Evaluator, error) {
	ev := &Evaluator{costLimit: DefaultCostLimit}
	for _, opt := range opts {
		opt(ev)
	}

	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Macros(cel.HasMacro),
		cel.CrossTypeNumericComparisons(true),
		cel.Function("len",
			cel.Overload("len_dyn", []*cel.Type{cel.DynType}, cel.IntType,
				cel.UnaryBinding(sizeOf),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	ev.env = env
	return ev, nil
}

func sizeOf(v ref.Val) ref.Val {
	if s, ok := v.(traits.Sizer); ok {
		return s.Size()
	}
	return types.NewErr("len() does not support %s", v.Type().TypeName())
}

// Expression is a validated, compiled condition.
type Expression struct {
	source  string
	fields  []string
	program cel.Program
}

// Source returns the expression as written.
func (x *Expression) Source() string {
	return x.source
}

// Fields returns the sorted top-level context fields the expression reads.
func (x *Expression) Fields() []string {
	return append([]string(nil), x.fields...)
}

// Compile parses, validates and type-checks an expression.
func (e *Evaluator) Compile(source string) (*Expression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &CompileError{Expression: source, Reason: "expression is empty"}
	}

	parsed, iss := e.env.Parse(normalize(source))
	if iss != nil && iss.Err() != nil {
		return nil, &CompileError{Expression: source, Reason: "syntax error", Cause: iss.Err()}
	}

	fields, err := validate(parsed.NativeRep().Expr())
	if err != nil {
		return nil, &CompileError{Expression: source, Reason: err.Error()}
	}

	vars := make([]cel.EnvOption, 0, len(fields))
	for _, f := range fields {
		vars = append(vars, cel.Variable(varName(f), cel.DynType))
	}
	env, err := e.env.Extend(vars...)
	if err != nil {
		return nil, &CompileError{Expression: source, Reason: "declare fields", Cause: err}
	}

	checked, iss := env.Check(parsed)
	if iss != nil && iss.Err() != nil {
		return nil, &CompileError{Expression: source, Reason: "type error", Cause: iss.Err()}
	}
	switch t := checked.OutputType(); t.Kind() {
	case types.BoolKind, types.DynKind:
	default:
		return nil, &CompileError{Expression: source, Reason: fmt.Sprintf("expression yields %s, want bool", t)}
	}

	prg, err := env.Program(checked,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, &CompileError{Expression: source, Reason: "build program", Cause: err}
	}

	sort.Strings(fields)
	return &Expression{source: source, fields: fields, program: prg}, nil
}

// Eval evaluates the expression against context data. Names resolve only
// against data, including names such as type that CEL uses for builtins. Failures are returned as *rules.EvaluationError.
func (x *Expression) Eval(ctx context.Context, data map[string]any) (bool, error) {
	vars := make(map[string]any, len(x.fields))
	for _, f := range x.fields {
		v, ok := data[f]
		if !ok {
			return false, &rules.EvaluationError{
				Expression: x.source,
				Field:      f,
				Reason:     "not present in context",
				Cause:      rules.ErrUndefinedField,
			}
		}
		vars[varName(f)] = v
	}

	out, _, err := x.program.ContextEval(ctx, vars)
	if err != nil {
		return false, &rules.EvaluationError{Expression: x.source, Reason: err.Error(), Cause: err}
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, &rules.EvaluationError{
			Expression: x.source,
			Reason:     fmt.Sprintf("result is %s, want bool", out.Type().TypeName()),
		}
	}
	return bool(b), nil
}

// Evaluate compiles and evaluates source in one step. Expressions that fail
// to compile are reported as evaluation errors.
func (e *Evaluator) Evaluate(ctx context.Context, source string, data map[string]any) (bool, error) {
	x, err := e.Compile(source)
	if err != nil {
		var ce *CompileError
		reason := err.Error()
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return false, &rules.EvaluationError{Expression: source, Reason: reason, Cause: err}
	}
	return x.Eval(ctx, data)
}
