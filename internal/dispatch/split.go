package dispatch

import (
	"context"
	"encoding/json"
	"math/rand"

	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// SplitHandler selects exactly one downstream branch, either by weighted
// random distribution or by evaluating per-branch conditions. The first
// branch is the fallback when nothing matches.
type SplitHandler struct {
	engine expressions.Engine
	randFn func() float64
}

func NewSplitHandler(engine expressions.Engine) *SplitHandler {
	return &SplitHandler{engine: engine, randFn: rand.Float64}
}

func (h *SplitHandler) Type() schema.NodeType { return schema.NodeTypeSplit }

func (h *SplitHandler) Execute(ctx context.Context, req *Request) (*schema.StepResult, error) {
	var props schema.SplitProperties
	if err := json.Unmarshal(req.Node.Properties, &props); err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "invalid split properties").
			WithNode(req.Node.ID).WithCause(err)
	}
	if len(props.Branches) == 0 {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "split node has no branches").
			WithNode(req.Node.ID)
	}

	var handle string
	var err error
	switch props.Mode {
	case "conditional":
		handle, err = h.selectConditional(ctx, req, props.Branches)
	default: // weighted
		handle = h.selectWeighted(props.Branches)
	}
	if err != nil {
		return nil, err
	}

	output, _ := json.Marshal(map[string]any{"selected_handle": handle})
	return &schema.StepResult{Output: output, SelectedHandle: handle}, nil
}

func (h *SplitHandler) selectWeighted(branches []schema.SplitBranch) string {
	total := 0
	for _, b := range branches {
		if b.Weight > 0 {
			total += b.Weight
		}
	}
	if total == 0 {
		return branches[0].Handle
	}

	roll := h.randFn() * float64(total)
	cumulative := 0.0
	for _, b := range branches {
		if b.Weight <= 0 {
			continue
		}
		cumulative += float64(b.Weight)
		if roll < cumulative {
			return b.Handle
		}
	}
	return branches[0].Handle
}

func (h *SplitHandler) selectConditional(ctx context.Context, req *Request, branches []schema.SplitBranch) (string, error) {
	env := environment(req)
	for _, b := range branches {
		if b.Condition == "" {
			continue
		}
		value, err := h.engine.Evaluate(ctx, b.Condition, env)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeStepFailed,
				"split branch %q condition failed", b.Handle).WithNode(req.Node.ID).WithCause(err)
		}
		if truthy(value) {
			return b.Handle, nil
		}
	}
	// No branch matched: fall back to the first.
	return branches[0].Handle, nil
}
