package retry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

func newTestManager(t *testing.T) (*Manager, *store.LibSQLStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return NewManager(s, nil), s
}

func seedRunningExecution(t *testing.T, s *store.LibSQLStore) *store.Execution {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutDefinition(ctx, &store.DefinitionRecord{
		ID: "wf-1", Version: 1,
		Definition: schema.WorkflowDefinition{ID: "wf-1", Version: 1},
	}))
	ex := &store.Execution{
		ID:                uuid.New().String(),
		DefinitionID:      "wf-1",
		DefinitionVersion: 1,
		ContactID:         uuid.New().String(),
		Status:            schema.ExecutionStatusRunning,
		Context:           schema.NewExecutionContext(nil),
	}
	require.NoError(t, s.CreateExecution(ctx, ex))
	return ex
}

func retryingPolicy() *schema.RetryPolicy {
	return &schema.RetryPolicy{
		MaxRetries:              3,
		Strategy:                schema.RetryStrategyFixed,
		BaseDelayMs:             1000,
		RetryablePatterns:       []string{"timeout"},
		NonRetryablePatterns:    []string{"unauthorized"},
		CircuitBreakerThreshold: 2,
		CircuitBreakerResetMs:   60000,
	}
}

func TestShouldRetry_FreshStepRetryableError(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()

	d, err := m.ShouldRetry(ctx, ex.ID, "n1", retryingPolicy(), errors.New("timeout"))
	require.NoError(t, err)
	assert.True(t, d.Retry)
}

func TestShouldRetry_NonRetryableNeverRetries(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()

	// First failure, retries remaining, but the pattern is non-retryable.
	d, err := m.ShouldRetry(ctx, ex.ID, "n1", retryingPolicy(), errors.New("unauthorized"))
	require.NoError(t, err)
	assert.False(t, d.Retry)
	assert.False(t, d.Exhausted)
	assert.False(t, d.CircuitOpen)
}

func TestShouldRetry_BudgetExhausted(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()
	policy := retryingPolicy()
	policy.CircuitBreakerThreshold = 10 // keep the circuit out of this test

	for i := 0; i < policy.MaxRetries; i++ {
		_, err := m.ScheduleRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
		require.NoError(t, err)
	}

	d, err := m.ShouldRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, d.Retry)
	assert.True(t, d.Exhausted)
}

func TestShouldRetry_CircuitBlocksDespiteBudget(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()
	policy := retryingPolicy() // threshold 2, max retries 3

	for i := 0; i < 2; i++ {
		_, err := m.ScheduleRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
		require.NoError(t, err)
	}

	state, err := s.GetRetryState(ctx, ex.ID, "n1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.CircuitOpen)
	assert.Less(t, state.RetryCount, policy.MaxRetries)

	// The open circuit holds the step rather than exhausting it; the decision
	// names when the reset window elapses.
	d, err := m.ShouldRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, d.Retry)
	assert.False(t, d.Exhausted)
	require.True(t, d.CircuitOpen)
	require.NotNil(t, state.LastAttemptAt)
	assert.WithinDuration(t, state.LastAttemptAt.Add(time.Minute), d.RetryAt, time.Second)

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventCircuitOpened)
}

func TestShouldRetry_CircuitClosesAfterResetWindow(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()
	policy := retryingPolicy()

	for i := 0; i < 2; i++ {
		_, err := m.ScheduleRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
		require.NoError(t, err)
	}

	// Advance the manager clock past the reset window.
	m.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }

	d, err := m.ShouldRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
	require.NoError(t, err)
	assert.True(t, d.Retry)
	assert.False(t, d.CircuitOpen)

	state, err := s.GetRetryState(ctx, ex.ID, "n1")
	require.NoError(t, err)
	assert.False(t, state.CircuitOpen)
	assert.Equal(t, 0, state.ConsecutiveFailures)

	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	closed := 0
	for _, ev := range events {
		if ev.Type == schema.EventCircuitClosed {
			closed++
		}
	}
	assert.Equal(t, 1, closed)
}

func TestScheduleRetry_RecordsAttempts(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()
	policy := retryingPolicy()
	policy.CircuitBreakerThreshold = 10

	delay, err := m.ScheduleRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
	require.NoError(t, err)
	assert.Equal(t, time.Second, delay)

	_, err = m.ScheduleRetry(ctx, ex.ID, "n1", policy, errors.New("timeout again"))
	require.NoError(t, err)

	state, err := s.GetRetryState(ctx, ex.ID, "n1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 2, state.RetryCount)
	assert.Equal(t, 2, state.ConsecutiveFailures)
	require.Len(t, state.Attempts, 2)
	assert.Equal(t, 1, state.Attempts[0].Attempt)
	assert.Equal(t, "timeout again", state.Attempts[1].Error)
	require.NotNil(t, state.NextRetryAt)
}

func TestMarkStepSuccess_ResetsState(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	ctx := context.Background()
	policy := retryingPolicy()

	for i := 0; i < 2; i++ {
		_, err := m.ScheduleRetry(ctx, ex.ID, "n1", policy, errors.New("timeout"))
		require.NoError(t, err)
	}

	require.NoError(t, m.MarkStepSuccess(ctx, ex.ID, "n1"))

	state, err := s.GetRetryState(ctx, ex.ID, "n1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 0, state.RetryCount)
	assert.Equal(t, 0, state.ConsecutiveFailures)
	assert.False(t, state.CircuitOpen)
	assert.Nil(t, state.NextRetryAt)
	assert.Empty(t, state.Attempts)

	// Two failures opened the circuit; the success closes it on the log too.
	events, err := s.GetEvents(ctx, ex.ID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventCircuitOpened)
	assert.Contains(t, types, schema.EventCircuitClosed)
}

func TestMarkStepSuccess_NoStateIsNoop(t *testing.T) {
	m, s := newTestManager(t)
	ex := seedRunningExecution(t, s)
	require.NoError(t, m.MarkStepSuccess(context.Background(), ex.ID, "never-failed"))
}
