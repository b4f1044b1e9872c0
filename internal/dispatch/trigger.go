package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// TriggerHandler is the entry node of every execution: a pass-through that
// records the trigger fired.
type TriggerHandler struct{}

func NewTriggerHandler() *TriggerHandler { return &TriggerHandler{} }

func (h *TriggerHandler) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (h *TriggerHandler) Execute(_ context.Context, req *Request) (*schema.StepResult, error) {
	output, _ := json.Marshal(map[string]any{"triggered": true})
	return &schema.StepResult{Output: output}, nil
}
