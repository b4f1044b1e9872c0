package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cadenzahq/cadenza/internal/graph"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// maxDelayMs caps any delay at 30 days.
const maxDelayMs int64 = 30 * 24 * 60 * 60 * 1000

// DelayHandler computes a suspension in milliseconds. The controller sees the
// DelayMs directive and schedules a delayed job for the downstream nodes
// instead of immediate ones.
type DelayHandler struct{}

func NewDelayHandler() *DelayHandler { return &DelayHandler{} }

func (h *DelayHandler) Type() schema.NodeType { return schema.NodeTypeDelay }

func (h *DelayHandler) Execute(_ context.Context, req *Request) (*schema.StepResult, error) {
	var props schema.DelayProperties
	if err := json.Unmarshal(req.Node.Properties, &props); err != nil {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "invalid delay properties").
			WithNode(req.Node.ID).WithCause(err)
	}

	unitMs, ok := graph.DelayUnitMillis(props.Unit)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "unknown delay unit %q", props.Unit).
			WithNode(req.Node.ID)
	}
	if props.Amount <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "delay amount must be positive, got %d", props.Amount).
			WithNode(req.Node.ID)
	}

	delayMs := int64(props.Amount) * unitMs
	if delayMs > maxDelayMs {
		delayMs = maxDelayMs
	}

	output, _ := json.Marshal(map[string]any{"delay_ms": delayMs})
	return &schema.StepResult{Output: output, DelayMs: delayMs}, nil
}
