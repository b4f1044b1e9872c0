package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Manager owns retry and circuit-breaker state per (execution, node). State
// lives in the store so that decisions survive worker restarts.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a retry manager backed by the given store.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Decision is the outcome of evaluating a failed step.
type Decision struct {
	// Retry allows another attempt under the policy.
	Retry bool
	// Exhausted reports that the retry budget is spent.
	Exhausted bool
	// CircuitOpen reports that the breaker is holding the step. The outcome
	// stays pending; RetryAt is when the reset window elapses.
	CircuitOpen bool
	RetryAt     time.Time
}

// ShouldRetry decides how a failed step proceeds under the policy. An open
// circuit inside its reset window holds the step rather than failing it; once
// the window has elapsed the circuit closes here and the next attempt acts as
// the half-open probe.
func (m *Manager) ShouldRetry(ctx context.Context, executionID, nodeID string, policy *schema.RetryPolicy, stepErr error) (Decision, error) {
	if policy == nil || policy.MaxRetries <= 0 {
		return Decision{}, nil
	}

	state, err := m.store.GetRetryState(ctx, executionID, nodeID)
	if err != nil {
		return Decision{}, schema.NewError(schema.ErrCodeStore, "load retry state").WithNode(nodeID).WithCause(err)
	}

	if state != nil {
		if state.RetryCount >= policy.MaxRetries {
			return Decision{Exhausted: true}, nil
		}
		if state.CircuitOpen {
			resetWindow := time.Duration(policy.CircuitBreakerResetMs) * time.Millisecond
			if state.LastAttemptAt != nil && m.now().Sub(*state.LastAttemptAt) < resetWindow {
				return Decision{CircuitOpen: true, RetryAt: state.LastAttemptAt.Add(resetWindow)}, nil
			}
			// Reset window elapsed: close the circuit and re-evaluate.
			state.CircuitOpen = false
			state.ConsecutiveFailures = 0
			if err := m.store.PutRetryState(ctx, state); err != nil {
				return Decision{}, schema.NewError(schema.ErrCodeStore, "close circuit").WithNode(nodeID).WithCause(err)
			}
			m.emitCircuitEvent(ctx, executionID, nodeID, schema.EventCircuitClosed)
			m.logger.InfoContext(ctx, "circuit closed after reset window",
				"execution_id", executionID, "node_id", nodeID)
		}
	}

	return Decision{Retry: IsRetryable(policy, stepErr)}, nil
}

// ScheduleRetry records a failed attempt, computes the backoff delay, and
// opens the circuit when consecutive failures reach the threshold. The caller
// enqueues the delayed job and marks the step RETRYING.
func (m *Manager) ScheduleRetry(ctx context.Context, executionID, nodeID string, policy *schema.RetryPolicy, stepErr error) (time.Duration, error) {
	now := m.now()

	state, err := m.store.GetRetryState(ctx, executionID, nodeID)
	if err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "load retry state").WithNode(nodeID).WithCause(err)
	}
	if state == nil {
		state = &store.RetryState{
			ExecutionID: executionID,
			NodeID:      nodeID,
			MaxRetries:  policy.MaxRetries,
		}
	}

	delay := ComputeBackoff(policy, state.RetryCount)

	state.RetryCount++
	state.ConsecutiveFailures++
	state.LastAttemptAt = &now
	nextRetry := now.Add(delay)
	state.NextRetryAt = &nextRetry
	state.Attempts = append(state.Attempts, schema.RetryAttempt{
		Attempt:   state.RetryCount,
		Timestamp: now.UnixMilli(),
		Error:     stepErr.Error(),
		DelayMs:   delay.Milliseconds(),
	})

	opened := false
	if policy.CircuitBreakerThreshold > 0 && state.ConsecutiveFailures >= policy.CircuitBreakerThreshold && !state.CircuitOpen {
		state.CircuitOpen = true
		opened = true
	}

	if err := m.store.PutRetryState(ctx, state); err != nil {
		return 0, schema.NewError(schema.ErrCodeStore, "persist retry state").WithNode(nodeID).WithCause(err)
	}

	if opened {
		m.emitCircuitEvent(ctx, executionID, nodeID, schema.EventCircuitOpened)
		m.logger.WarnContext(ctx, "circuit opened",
			"execution_id", executionID, "node_id", nodeID,
			"consecutive_failures", state.ConsecutiveFailures,
			"threshold", policy.CircuitBreakerThreshold)
	}
	m.logger.InfoContext(ctx, "retry scheduled",
		"execution_id", executionID, "node_id", nodeID,
		"retry_count", state.RetryCount, "delay_ms", delay.Milliseconds())

	return delay, nil
}

// MarkStepSuccess resets the failure counters and closes the circuit. Called
// on every completed step, including first-attempt successes, so counters from
// an earlier loop iteration of the same node never leak forward.
func (m *Manager) MarkStepSuccess(ctx context.Context, executionID, nodeID string) error {
	state, err := m.store.GetRetryState(ctx, executionID, nodeID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "load retry state").WithNode(nodeID).WithCause(err)
	}
	if state == nil {
		return nil
	}
	if state.RetryCount == 0 && state.ConsecutiveFailures == 0 && !state.CircuitOpen {
		return nil
	}

	wasOpen := state.CircuitOpen
	state.RetryCount = 0
	state.ConsecutiveFailures = 0
	state.CircuitOpen = false
	state.NextRetryAt = nil
	state.Attempts = nil
	if err := m.store.PutRetryState(ctx, state); err != nil {
		return schema.NewError(schema.ErrCodeStore, "reset retry state").WithNode(nodeID).WithCause(err)
	}
	if wasOpen {
		m.emitCircuitEvent(ctx, executionID, nodeID, schema.EventCircuitClosed)
	}
	return nil
}

// emitCircuitEvent appends a breaker transition to the audit log. Append
// failures are logged, never fatal: the breaker state itself is already
// persisted.
func (m *Manager) emitCircuitEvent(ctx context.Context, executionID, nodeID, eventType string) {
	if err := m.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
	}); err != nil {
		m.logger.WarnContext(ctx, "circuit event append failed",
			"execution_id", executionID, "node_id", nodeID, "error", err)
	}
}

// Attempt returns the current attempt number for a step, zero if no failures
// have been recorded yet.
func (m *Manager) Attempt(ctx context.Context, executionID, nodeID string) (int, error) {
	state, err := m.store.GetRetryState(ctx, executionID, nodeID)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, nil
	}
	return state.RetryCount, nil
}
