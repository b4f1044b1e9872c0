package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// ExprEngine is the default engine: condition nodes without an explicit
// engine tag, split branch conditions, and transform score operations all
// evaluate through it.
type ExprEngine struct {
	programs programCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expr expression over the environment. Undefined variables
// are allowed and resolve to nil, so references into sparse contact data
// stay falsy instead of erroring.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, ok := e.programs.get(expression)
	if !ok {
		compiled, err := expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, invalidExpression("expr", expression, err)
		}
		e.programs.put(expression, compiled)
		prg = compiled
	}

	out, err := vm.Run(prg, fillNamespaces(data))
	if err != nil {
		return nil, evaluationFailed("expr", expression, err)
	}
	return out, nil
}
