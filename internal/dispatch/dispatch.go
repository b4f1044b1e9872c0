package dispatch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cadenzahq/cadenza/internal/expressions"
	"github.com/cadenzahq/cadenza/internal/ratelimit"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Request carries everything a handler needs to execute one node. Handlers
// hold no state beyond what the request provides; context mutation happens by
// merging the StepResult back in the controller.
type Request struct {
	ExecutionID  string
	DefinitionID string
	Node         *schema.Node
	Contact      *store.Contact
	Context      *schema.ExecutionContext
	// JobID is the queue job that delivered this request. Stable across
	// lease-expiry redelivery, fresh for every new enqueue of the node.
	JobID string
}

// Handler executes one node type.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, req *Request) (*schema.StepResult, error)
}

// Dispatcher routes node execution to the handler registered for the node's
// type. Routing is by exact tag match on the closed NodeType enum.
type Dispatcher struct {
	handlers map[schema.NodeType]Handler
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[schema.NodeType]Handler),
		logger:   logger,
	}
}

// Register installs a handler for its node type, replacing any previous one.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Type()] = h
}

// Deps bundles the collaborators the standard handler set needs.
type Deps struct {
	Gate   *ratelimit.Gate
	Sender ChannelSender
	Store  store.Store
	Client *http.Client
	Expr   expressions.Engine
	CEL    expressions.Engine
	JQ     expressions.Engine
	Logger *slog.Logger
}

// NewStandardDispatcher wires the full handler set for every node type in the
// definition enum.
func NewStandardDispatcher(deps Deps) *Dispatcher {
	d := NewDispatcher(deps.Logger)
	d.Register(NewTriggerHandler())
	d.Register(NewActionHandler(deps.Gate, deps.Sender, deps.Store, deps.Logger))

	engines := []expressions.Engine{deps.Expr}
	if deps.CEL != nil {
		engines = append(engines, deps.CEL)
	}
	d.Register(NewConditionHandler(engines...))
	d.Register(NewDelayHandler())
	d.Register(NewSplitHandler(deps.Expr))
	d.Register(NewTransformHandler(deps.Expr, deps.JQ))
	for _, h := range NewOutboundHandlers(deps.Client, deps.Expr, deps.Logger) {
		d.Register(h)
	}
	return d
}

// Execute runs the node through its registered handler. Errors propagate to
// the caller's step-failure path, never swallowed here.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*schema.StepResult, error) {
	h, ok := d.handlers[req.Node.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable,
			"no handler registered for node type %q", req.Node.Type).WithNode(req.Node.ID)
	}

	d.logger.DebugContext(ctx, "dispatching node",
		"execution_id", req.ExecutionID, "node_id", req.Node.ID, "node_type", string(req.Node.Type))

	result, err := h.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	result.NodeID = req.Node.ID
	result.NodeType = req.Node.Type
	return result, nil
}

// environment builds the five-namespace data map expressions evaluate
// against. Missing sources become empty maps so expressions never see nil.
func environment(req *Request) map[string]any {
	contact := map[string]any{}
	if req.Contact != nil {
		contact["id"] = req.Contact.ID
		contact["email"] = req.Contact.Email
		contact["phone"] = req.Contact.Phone
		tags := make([]any, 0, len(req.Contact.Tags))
		for _, t := range req.Contact.Tags {
			tags = append(tags, t)
		}
		contact["tags"] = tags
		for k, v := range req.Contact.Attributes {
			contact[k] = v
		}
	}

	trigger := map[string]any{}
	variables := map[string]any{}
	outputs := map[string]any{}
	if req.Context != nil {
		for k, v := range req.Context.TriggerPayload {
			trigger[k] = v
		}
		for k, v := range req.Context.Variables {
			variables[k] = v
		}
		for nodeID, raw := range req.Context.NodeOutputs {
			outputs[nodeID] = decodeOutput(raw)
		}
	}

	return map[string]any{
		"contact":   contact,
		"trigger":   trigger,
		"variables": variables,
		"outputs":   outputs,
		"execution": map[string]any{
			"id":            req.ExecutionID,
			"definition_id": req.DefinitionID,
		},
	}
}
