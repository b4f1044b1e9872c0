package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable versions)
	PutDefinition(ctx context.Context, rec *DefinitionRecord) error
	GetDefinition(ctx context.Context, id string, version int) (*DefinitionRecord, error)
	GetLatestDefinition(ctx context.Context, id string) (*DefinitionRecord, error)
	ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error)

	// Contacts
	UpsertContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	// FindActiveExecution returns the single non-terminal execution for a
	// (definition, contact) pair, or nil when none exists.
	FindActiveExecution(ctx context.Context, definitionID, contactID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Execution steps (append-only per attempt)
	AppendStep(ctx context.Context, step *ExecutionStep) error
	UpdateStep(ctx context.Context, id string, update StepUpdate) error
	ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error)

	// Retry state (read-modify-write keyed by the step's identity)
	GetRetryState(ctx context.Context, executionID, nodeID string) (*RetryState, error)
	PutRetryState(ctx context.Context, state *RetryState) error

	// Queue jobs
	EnqueueJob(ctx context.Context, job *QueueJob) error
	// ClaimDueJob atomically claims the oldest due, unleased job on a queue,
	// extending its lease and attempt count. Returns nil when nothing is due.
	ClaimDueJob(ctx context.Context, queue string, now time.Time, lease time.Duration) (*QueueJob, error)
	CompleteJob(ctx context.Context, id string) error
	// ReleaseJob returns a claimed job to the queue for redelivery at runAt.
	ReleaseJob(ctx context.Context, id string, runAt time.Time) error
	CountJobs(ctx context.Context, queue string, now time.Time) (waiting, delayed, active int, err error)

	// Dead letters
	MoveToDeadLetter(ctx context.Context, jobID, reason string) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string) error

	// Variant configs
	PutVariantConfig(ctx context.Context, cfg *VariantConfig) error
	GetVariantConfigs(ctx context.Context, definitionID string) ([]*VariantConfig, error)

	// Scheduled starts
	CreateScheduledStart(ctx context.Context, s *ScheduledStart) error
	ListScheduledStarts(ctx context.Context, enabledOnly bool) ([]*ScheduledStart, error)
	UpdateScheduledStartRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
