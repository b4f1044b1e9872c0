package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// ConditionHandler evaluates a boolean expression against the execution
// environment. The result's ConditionMet drives edge resolution: edges tagged
// yes/true are taken only when it is true, no/false only when false, and
// untagged edges always.
type ConditionHandler struct {
	engines map[string]expressions.Engine
}

func NewConditionHandler(engines ...expressions.Engine) *ConditionHandler {
	m := make(map[string]expressions.Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &ConditionHandler{engines: m}
}

func (h *ConditionHandler) Type() schema.NodeType { return schema.NodeTypeCondition }

func (h *ConditionHandler) Execute(ctx context.Context, req *Request) (*schema.StepResult, error) {
	var props schema.ConditionProperties
	if err := json.Unmarshal(req.Node.Properties, &props); err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "invalid condition properties").
			WithNode(req.Node.ID).WithCause(err)
	}

	engineName := props.Engine
	if engineName == "" {
		engineName = "expr"
	}
	engine, ok := h.engines[engineName]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable,
			"unknown expression engine %q", engineName).WithNode(req.Node.ID)
	}

	value, err := engine.Evaluate(ctx, props.Expression, environment(req))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "condition evaluation failed").
			WithNode(req.Node.ID).WithCause(err)
	}

	met := truthy(value)
	output, _ := json.Marshal(map[string]any{"condition_met": met})
	return &schema.StepResult{Output: output, ConditionMet: &met}, nil
}

// truthy mirrors expression-language truthiness: false, nil, zero numbers and
// empty strings are false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
