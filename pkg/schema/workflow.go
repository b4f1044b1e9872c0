package schema

import "encoding/json"

// WorkflowDefinition is the immutable node/edge graph describing an
// engagement sequence. Definitions are versioned: editing a definition that
// executions reference produces a new version, never an in-place change.
type WorkflowDefinition struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Version   int             `json:"version"`
	Nodes     []Node          `json:"nodes"`
	Edges     []Edge          `json:"edges"`
	Variables json.RawMessage `json:"variables,omitempty"` // JSON schema for context variables
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// Node is a single typed step in a workflow definition.
type Node struct {
	ID         string          `json:"id"`
	Type       NodeType        `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// Edge connects two nodes. SourceHandle tags the branch it belongs to:
// condition nodes use "yes"/"true" and "no"/"false", split nodes use the
// branch handle, and an empty handle means the edge is always taken.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow. The subtype is set
// explicitly in the definition and resolved by exact tag match.
type NodeType string

const (
	NodeTypeTrigger        NodeType = "trigger"
	NodeTypeAction         NodeType = "action"
	NodeTypeCondition      NodeType = "condition"
	NodeTypeDelay          NodeType = "delay"
	NodeTypeSplit          NodeType = "split"
	NodeTypeTransform      NodeType = "transform"
	NodeTypeWebhook        NodeType = "webhook"
	NodeTypeAPICall        NodeType = "api_call"
	NodeTypeCRMAction      NodeType = "crm_action"
	NodeTypePaymentWebhook NodeType = "payment_webhook"
)

// Channel enumerates the delivery channels an action node can target.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelTag   Channel = "tag"
)

// ActionProperties is the properties block for action-type nodes.
type ActionProperties struct {
	Channel Channel `json:"channel"`
	Subject string  `json:"subject,omitempty"`
	Body    string  `json:"body"`
	TagName string  `json:"tag_name,omitempty"`
}

// ConditionProperties is the properties block for condition-type nodes.
// Engine selects the expression language: "expr" (default) or "cel".
type ConditionProperties struct {
	Expression string `json:"expression"`
	Engine     string `json:"engine,omitempty"`
}

// DelayProperties is the properties block for delay-type nodes.
type DelayProperties struct {
	Amount int    `json:"amount"`
	Unit   string `json:"unit"` // minutes | hours | days
}

// SplitProperties is the properties block for split-type nodes. Branches are
// selected either by weighted random distribution or by per-branch
// conditions; the first branch is the fallback when nothing matches.
type SplitProperties struct {
	Mode     string        `json:"mode,omitempty"` // weighted | conditional (default: weighted)
	Branches []SplitBranch `json:"branches"`
}

// SplitBranch names one downstream branch of a split node. Handle must match
// the source_handle of the edges belonging to this branch.
type SplitBranch struct {
	Handle    string `json:"handle"`
	Weight    int    `json:"weight,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// TransformProperties is the properties block for transform-type nodes.
type TransformProperties struct {
	Operations []TransformOp `json:"operations"`
}

// TransformOp derives one context variable. Op selects the derivation:
// copy (Source path), concat (Sources joined with Separator), format
// (Template with {var} placeholders), score (expr expression), extract
// (jq query over the context).
type TransformOp struct {
	Op        string   `json:"op"`
	Target    string   `json:"target"`
	Source    string   `json:"source,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Separator string   `json:"separator,omitempty"`
	Template  string   `json:"template,omitempty"`
	Expr      string   `json:"expr,omitempty"`
	Query     string   `json:"query,omitempty"`
}

// OutboundProperties is the properties block shared by webhook, api_call,
// crm_action and payment_webhook nodes.
type OutboundProperties struct {
	URL              string            `json:"url"`
	Method           string            `json:"method,omitempty"` // default POST
	Headers          map[string]string `json:"headers,omitempty"`
	BodyTemplate     string            `json:"body_template,omitempty"`
	Timeout          string            `json:"timeout,omitempty"` // default 30s
	SuccessPredicate string            `json:"success_predicate,omitempty"`
}

// ExecutionStatus enumerates workflow execution lifecycle states.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "PENDING"
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// StepStatus enumerates per-node attempt states.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusRetrying  StepStatus = "RETRYING"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// ExecutionContext is the typed mutable state carried through one execution:
// the trigger payload, accumulated variables, and per-node outputs. Variable
// names are declared in the definition's variable schema; unknown keys are
// rejected at definition-validation time.
type ExecutionContext struct {
	TriggerPayload map[string]any             `json:"trigger_payload,omitempty"`
	Variables      map[string]any             `json:"variables"`
	NodeOutputs    map[string]json.RawMessage `json:"node_outputs"`
}

// NewExecutionContext builds a context seeded with the trigger payload.
func NewExecutionContext(triggerPayload map[string]any) *ExecutionContext {
	return &ExecutionContext{
		TriggerPayload: triggerPayload,
		Variables:      make(map[string]any),
		NodeOutputs:    make(map[string]json.RawMessage),
	}
}

// StepResult is the structured outcome of dispatching one node.
type StepResult struct {
	NodeID            string          `json:"node_id"`
	NodeType          NodeType        `json:"node_type"`
	Output            json.RawMessage `json:"output,omitempty"`
	ConditionMet      *bool           `json:"condition_met,omitempty"`
	SelectedHandle    string          `json:"selected_handle,omitempty"`
	DelayMs           int64           `json:"delay_ms,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
}

// RetryStrategy enumerates backoff strategies.
type RetryStrategy string

const (
	RetryStrategyFixed       RetryStrategy = "fixed"
	RetryStrategyLinear      RetryStrategy = "linear"
	RetryStrategyExponential RetryStrategy = "exponential"
)

// RetryPolicy is the per-node-type failure policy. Configuration data, not
// persisted per execution.
type RetryPolicy struct {
	MaxRetries              int           `json:"max_retries"`
	Strategy                RetryStrategy `json:"strategy"`
	BaseDelayMs             int64         `json:"base_delay_ms"`
	MaxDelayMs              int64         `json:"max_delay_ms"`
	BackoffMultiplier       float64       `json:"backoff_multiplier"`
	Jitter                  bool          `json:"jitter"`
	RetryablePatterns       []string      `json:"retryable_patterns,omitempty"`
	NonRetryablePatterns    []string      `json:"non_retryable_patterns,omitempty"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerResetMs   int64         `json:"circuit_breaker_reset_ms"`
}

// RetryAttempt records one failed attempt inside a RetryState.
type RetryAttempt struct {
	Attempt   int    `json:"attempt"`
	Timestamp int64  `json:"timestamp"` // unix millis
	Error     string `json:"error"`
	DelayMs   int64  `json:"delay_ms"`
}
