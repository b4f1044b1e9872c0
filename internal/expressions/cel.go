package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// CELEngine evaluates Common Expression Language conditions. Condition nodes
// opt in with `"engine": "cel"`.
type CELEngine struct {
	env      *cel.Env
	programs programCache[cel.Program]
}

// NewCELEngine builds a sandboxed CEL environment declaring the standard
// namespaces as dyn-valued maps.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(Namespaces))
	for _, ns := range Namespaces {
		opts = append(opts, cel.Variable(ns, mapType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles and runs a CEL expression. Unlike expr, CEL treats a
// lookup of a missing map key as a runtime error, which surfaces as
// EXECUTION_ERROR.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, ok := e.programs.get(expression)
	if !ok {
		compiled, err := e.compile(expression)
		if err != nil {
			return nil, err
		}
		e.programs.put(expression, compiled)
		prg = compiled
	}

	out, _, err := prg.Eval(fillNamespaces(data))
	if err != nil {
		return nil, evaluationFailed("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, invalidExpression("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, invalidExpression("CEL", expression, err)
	}
	return prg, nil
}
