package expr

import (
	"fmt"
	"strings"

	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
)

// allowedFunctions lists every call an expression may make. Operators are
// included by their internal names.
var allowedFunctions = map[string]bool{
	operators.Conditional:   true,
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.Add:           true,
	operators.Subtract:      true,
	operators.Multiply:      true,
	operators.Divide:        true,
	operators.Modulo:        true,
	operators.Negate:        true,
	operators.Index:         true,
	operators.In:            true,

	"size":       true,
	"len":        true,
	"contains":   true,
	"startsWith": true,
	"endsWith":   true,
	"matches":    true,
	"int":        true,
	"double":     true,
	"string":     true,
}

// builtinIdents are names CEL already binds to its types. A context field
// with one of these names is bound to a renamed variable instead, so a bare
// identifier such as type or list in a condition always reads the field.
var builtinIdents = map[string]bool{
	"bool":      true,
	"bytes":     true,
	"double":    true,
	"dyn":       true,
	"int":       true,
	"list":      true,
	"map":       true,
	"null_type": true,
	"string":    true,
	"type":      true,
	"uint":      true,
}

// renamedPrefix starts the variable name of a field that shadows a builtin.
const renamedPrefix = "__field_"

// varName returns the CEL variable a top-level field is bound to.
func varName(field string) string {
	if builtinIdents[field] {
		return renamedPrefix + field
	}
	return field
}

// validate walks the parsed expression, rejecting anything outside the
// allow-list, and returns the distinct top-level identifiers it references.
// Identifiers naming builtin types are rewritten in place to their varName.
func validate(root celast.Expr) ([]string, error) {
	w := &walker{seen: make(map[string]bool), factory: celast.NewExprFactory()}
	if err := w.walk(root); err != nil {
		return nil, err
	}
	return w.fields, nil
}

type walker struct {
	seen    map[string]bool
	fields  []string
	factory celast.ExprFactory
}

func (w *walker) walk(e celast.Expr) error {
	if e == nil {
		return nil
	}
	switch e.Kind() {
	case celast.LiteralKind:
		return nil

	case celast.IdentKind:
		name := e.AsIdent()
		if strings.HasPrefix(name, renamedPrefix) {
			return fmt.Errorf("identifier %q uses the reserved prefix %q", name, renamedPrefix)
		}
		if builtinIdents[name] {
			e.SetKindCase(w.factory.NewIdent(e.ID(), varName(name)))
		}
		if !w.seen[name] {
			w.seen[name] = true
			w.fields = append(w.fields, name)
		}
		return nil

	case celast.SelectKind:
		return w.walk(e.AsSelect().Operand())

	case celast.CallKind:
		call := e.AsCall()
		if !allowedFunctions[call.FunctionName()] {
			return fmt.Errorf("function %q is not permitted", call.FunctionName())
		}
		if call.IsMemberFunction() {
			if err := w.walk(call.Target()); err != nil {
				return err
			}
		}
		for _, arg := range call.Args() {
			if err := w.walk(arg); err != nil {
				return err
			}
		}
		return nil

	case celast.ListKind:
		for _, el := range e.AsList().Elements() {
			if err := w.walk(el); err != nil {
				return err
			}
		}
		return nil

	case celast.MapKind:
		for _, entry := range e.AsMap().Entries() {
			me := entry.AsMapEntry()
			if err := w.walk(me.Key()); err != nil {
				return err
			}
			if err := w.walk(me.Value()); err != nil {
				return err
			}
		}
		return nil

	case celast.StructKind:
		return fmt.Errorf("object construction is not permitted")

	case celast.ComprehensionKind:
		return fmt.Errorf("comprehensions are not permitted")

	default:
		return fmt.Errorf("unsupported expression node")
	}
}
