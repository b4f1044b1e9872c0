// Package expressions provides the three expression languages workflow
// definitions can use: expr for conditions, split branches and scoring, CEL
// as an alternate condition language, and jq for transform extraction.
package expressions

import (
	"context"
	"sync"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Engine evaluates expressions against an execution's data environment.
//
// The environment exposes five top-level namespaces:
//   - contact:   contact record fields
//   - trigger:   trigger payload of the execution
//   - variables: accumulated context variables
//   - outputs:   completed node outputs keyed by node ID
//   - execution: execution metadata (id, definition_id)
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Namespaces lists the top-level environment keys available to expressions.
var Namespaces = []string{"contact", "trigger", "variables", "outputs", "execution"}

// programCache memoizes compiled expression programs by source text. Safe for
// concurrent use; a racing compile of the same expression is wasted work, not
// an error.
type programCache[T any] struct {
	m sync.Map
}

func (c *programCache[T]) get(expression string) (T, bool) {
	v, ok := c.m.Load(expression)
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

func (c *programCache[T]) put(expression string, prg T) {
	c.m.Store(expression, prg)
}

func (c *programCache[T]) len() int {
	n := 0
	c.m.Range(func(_, _ any) bool { n++; return true })
	return n
}

// invalidExpression wraps a compile or parse failure. These are definition
// bugs, so the code is VALIDATION_ERROR.
func invalidExpression(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// evaluationFailed wraps a runtime failure against a particular environment.
func evaluationFailed(lang, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// fillNamespaces ensures every namespace key is present so expressions never
// hit a nil map dereference. Extra keys (e.g. a response object for success
// predicates) pass through untouched.
func fillNamespaces(data map[string]any) map[string]any {
	env := make(map[string]any, len(data)+len(Namespaces))
	for k, v := range data {
		if v != nil {
			env[k] = v
		}
	}
	for _, key := range Namespaces {
		if _, ok := env[key]; !ok {
			env[key] = map[string]any{}
		}
	}
	return env
}
