package store

import (
	"encoding/json"
	"time"

	"github.com/cadenzahq/cadenza/pkg/schema"
)

// DefinitionRecord is a persisted, versioned workflow definition. Versions
// are immutable: edits insert a new version row.
type DefinitionRecord struct {
	ID         string                    `json:"id"`
	Version    int                       `json:"version"`
	Name       string                    `json:"name,omitempty"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
}

// Contact is the engagement target of an execution.
type Contact struct {
	ID         string         `json:"id"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Execution is one run of a definition against one contact. At most one
// non-terminal execution exists per (definition, contact); the store enforces
// this with a partial unique index.
type Execution struct {
	ID                  string                   `json:"id"`
	DefinitionID        string                   `json:"definition_id"`
	DefinitionVersion   int                      `json:"definition_version"`
	VariantDefinitionID string                   `json:"variant_definition_id,omitempty"`
	ContactID           string                   `json:"contact_id"`
	Status              schema.ExecutionStatus   `json:"status"`
	CurrentNodeID       string                   `json:"current_node_id,omitempty"`
	Context             *schema.ExecutionContext `json:"context"`
	ErrorMessage        string                   `json:"error_message,omitempty"`
	StartedAt           time.Time                `json:"started_at"`
	LastExecutedAt      *time.Time               `json:"last_executed_at,omitempty"`
	CompletedAt         *time.Time               `json:"completed_at,omitempty"`
	UpdatedAt           time.Time                `json:"updated_at"`
}

// ExecutionUpdate is a partial update applied to an execution row. Nil
// fields are left unchanged.
type ExecutionUpdate struct {
	Status         *schema.ExecutionStatus
	CurrentNodeID  *string
	Context        *schema.ExecutionContext
	ErrorMessage   *string
	LastExecutedAt *time.Time
	CompletedAt    *time.Time
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	DefinitionID string
	ContactID    string
	Status       schema.ExecutionStatus
	Limit        int
}

// ExecutionStep is one attempt at executing a single node. Rows are
// append-only per attempt; only the status fields of the open attempt mutate
// until it reaches a terminal state.
type ExecutionStep struct {
	ID           string            `json:"id"`
	ExecutionID  string            `json:"execution_id"`
	NodeID       string            `json:"node_id"`
	NodeType     schema.NodeType   `json:"node_type"`
	Attempt      int               `json:"attempt"`
	Status       schema.StepStatus `json:"status"`
	Output       json.RawMessage   `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   int64             `json:"duration_ms,omitempty"`
}

// StepUpdate closes or advances an open step attempt.
type StepUpdate struct {
	Status       *schema.StepStatus
	Output       json.RawMessage
	ErrorMessage *string
	CompletedAt  *time.Time
	DurationMs   *int64
}

// RetryState is the persisted failure-policy state for one (execution, node)
// pair. Owned exclusively by that step; mutated in place until the step is
// terminal, then frozen.
type RetryState struct {
	ExecutionID         string                `json:"execution_id"`
	NodeID              string                `json:"node_id"`
	RetryCount          int                   `json:"retry_count"`
	MaxRetries          int                   `json:"max_retries"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	CircuitOpen         bool                  `json:"circuit_open"`
	LastAttemptAt       *time.Time            `json:"last_attempt_at,omitempty"`
	NextRetryAt         *time.Time            `json:"next_retry_at,omitempty"`
	Attempts            []schema.RetryAttempt `json:"attempts,omitempty"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// QueueJob carries one "execute step" unit of work. Delayed jobs have a
// future RunAt; claimed jobs hold a lease that expires if the worker dies.
type QueueJob struct {
	ID          string     `json:"id"`
	Queue       string     `json:"queue"`
	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	RunAt       time.Time  `json:"run_at"`
	LeaseUntil  *time.Time `json:"lease_until,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
}

// DeadLetter is a job whose delivery retries were exhausted.
type DeadLetter struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

// VariantConfig assigns a slice of a definition's traffic to a variant
// definition. Weights are relative; they need not sum to any fixed total.
type VariantConfig struct {
	DefinitionID        string `json:"definition_id"`
	VariantDefinitionID string `json:"variant_definition_id"`
	Weight              int    `json:"weight"`
}

// ScheduledStart is a cron-triggered workflow start.
type ScheduledStart struct {
	ID             string          `json:"id"`
	DefinitionID   string          `json:"definition_id"`
	ContactID      string          `json:"contact_id"`
	CronExpression string          `json:"cron_expression"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Event is an immutable entry in the audit log, sequenced per execution.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}
