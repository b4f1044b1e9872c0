package engine

import (
	"context"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// EventAppender is satisfied by the Store; FSMs emit audit events on
// transitions through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// corresponding audit events. The caller persists the new state.
type ExecutionFSM struct {
	appender EventAppender
}

func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{appender: appender}
}

// Transition validates and records an execution state change.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if !validExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID})
	}

	if eventType := executionEventType(to); eventType != "" && f.appender != nil {
		if err := f.appender.AppendEvent(ctx, &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}); err != nil {
			return schema.NewError(schema.ErrCodeStore, "append execution event").WithCause(err)
		}
	}
	return nil
}

func validExecutionTransition(from, to schema.ExecutionStatus) bool {
	switch from {
	case schema.ExecutionStatusPending:
		return to == schema.ExecutionStatusRunning || to == schema.ExecutionStatusFailed
	case schema.ExecutionStatusRunning:
		return to == schema.ExecutionStatusCompleted || to == schema.ExecutionStatusFailed
	default:
		// COMPLETED and FAILED are terminal.
		return false
	}
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	default:
		return ""
	}
}

// StepFSM validates per-step transitions and emits step audit events.
type StepFSM struct {
	appender EventAppender
}

func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{appender: appender}
}

// Transition validates and records a step state change.
func (f *StepFSM) Transition(ctx context.Context, executionID, nodeID string, from, to schema.StepStatus) error {
	if !validStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"execution_id": executionID})
	}

	if eventType := stepEventType(to); eventType != "" && f.appender != nil {
		if err := f.appender.AppendEvent(ctx, &store.Event{
			ExecutionID: executionID,
			NodeID:      nodeID,
			Type:        eventType,
		}); err != nil {
			return schema.NewError(schema.ErrCodeStore, "append step event").WithNode(nodeID).WithCause(err)
		}
	}
	return nil
}

func validStepTransition(from, to schema.StepStatus) bool {
	switch from {
	case schema.StepStatusRunning:
		return to == schema.StepStatusCompleted || to == schema.StepStatusFailed || to == schema.StepStatusRetrying
	case schema.StepStatusRetrying:
		return to == schema.StepStatusRunning
	default:
		// COMPLETED and FAILED are terminal.
		return false
	}
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}
