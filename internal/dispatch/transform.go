package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// TransformHandler derives new context variables from contact and context
// data. Derived values are returned in the step output and merged into the
// execution context by the controller; existing keys are only ever
// overwritten with new values, never removed.
type TransformHandler struct {
	expr expressions.Engine
	jq   expressions.Engine
}

func NewTransformHandler(expr, jq expressions.Engine) *TransformHandler {
	return &TransformHandler{expr: expr, jq: jq}
}

func (h *TransformHandler) Type() schema.NodeType { return schema.NodeTypeTransform }

func (h *TransformHandler) Execute(ctx context.Context, req *Request) (*schema.StepResult, error) {
	var props schema.TransformProperties
	if err := json.Unmarshal(req.Node.Properties, &props); err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "invalid transform properties").
			WithNode(req.Node.ID).WithCause(err)
	}

	env := environment(req)
	derived := make(map[string]any, len(props.Operations))

	for _, op := range props.Operations {
		value, err := h.apply(ctx, &op, env)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
				"transform op %q for %q failed", op.Op, op.Target).WithNode(req.Node.ID).WithCause(err)
		}
		derived[op.Target] = value
		// Later operations see earlier results.
		env["variables"].(map[string]any)[op.Target] = value
	}

	output, err := json.Marshal(map[string]any{"variables": derived})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStepFailed, "encode transform output").
			WithNode(req.Node.ID).WithCause(err)
	}
	return &schema.StepResult{Output: output}, nil
}

func (h *TransformHandler) apply(ctx context.Context, op *schema.TransformOp, env map[string]any) (any, error) {
	switch op.Op {
	case "copy":
		return lookupPath(env, op.Source), nil

	case "concat":
		parts := make([]string, 0, len(op.Sources))
		for _, src := range op.Sources {
			parts = append(parts, fmt.Sprintf("%v", lookupPath(env, src)))
		}
		sep := op.Separator
		return strings.Join(parts, sep), nil

	case "format":
		return formatTemplate(op.Template, env), nil

	case "score":
		value, err := h.expr.Evaluate(ctx, op.Expr, env)
		if err != nil {
			return nil, err
		}
		return value, nil

	case "extract":
		return h.jq.Evaluate(ctx, op.Query, env)

	default:
		return nil, fmt.Errorf("unknown transform op %q", op.Op)
	}
}

// formatTemplate resolves {path} placeholders in the template.
func formatTemplate(template string, env map[string]any) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		close := strings.IndexByte(rest[open:], '}')
		if close < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		b.WriteString(fmt.Sprintf("%v", lookupPath(env, rest[open+1:open+close])))
		rest = rest[open+close+1:]
	}
	return b.String()
}

// decodeOutput unmarshals a node output blob for the expression environment.
// Invalid or empty blobs become empty maps so expressions never see nil.
func decodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
