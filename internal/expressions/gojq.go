package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// GoJQEngine runs jq queries over the execution environment. Transform nodes
// use it for the extract operation.
type GoJQEngine struct {
	programs programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq query with the environment as the input object. jq can
// emit multiple outputs: zero outputs yield nil, a single output is returned
// as-is, and multiple outputs are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, ok := e.programs.get(expression)
	if !ok {
		compiled, err := compileJQ(expression)
		if err != nil {
			return nil, err
		}
		e.programs.put(expression, compiled)
		code = compiled
	}

	iter := code.RunWithContext(ctx, fillNamespaces(data))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evaluationFailed("jq", expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, invalidExpression("jq", expression, err)
	}

	// Empty environ loader keeps $ENV and env out of definitions.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, invalidExpression("jq", expression, err)
	}
	return code, nil
}
