package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/internal/store"
)

type startRecorder struct {
	starts []startCall
	fail   error
}

type startCall struct {
	definitionID string
	contactID    string
	payload      map[string]any
}

func (r *startRecorder) StartExecution(_ context.Context, definitionID, contactID string, payload map[string]any) (string, error) {
	r.starts = append(r.starts, startCall{definitionID: definitionID, contactID: contactID, payload: payload})
	if r.fail != nil {
		return "", r.fail
	}
	return "ex-1", nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *startRecorder, *store.LibSQLStore) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	rec := &startRecorder{}
	return NewScheduler(s, rec, nil), rec, s
}

func TestTick_FirstSightingRecordsNextRunWithoutStarting(t *testing.T) {
	sched, rec, s := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID:             "ss-1",
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "0 9 * * *",
		Enabled:        true,
	}))

	sched.Tick(ctx)
	assert.Empty(t, rec.starts)

	starts, err := s.ListScheduledStarts(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, starts[0].NextRunAt)
}

func TestTick_DueStartFires(t *testing.T) {
	sched, rec, s := newTestScheduler(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID:             "ss-1",
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "@daily",
		Payload:        json.RawMessage(`{"source":"digest"}`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)

	require.Len(t, rec.starts, 1)
	assert.Equal(t, "wf-1", rec.starts[0].definitionID)
	assert.Equal(t, "c-1", rec.starts[0].contactID)
	assert.Equal(t, "digest", rec.starts[0].payload["source"])
	assert.Equal(t, "ss-1", rec.starts[0].payload["scheduled_start_id"])

	// Next run advanced past now.
	starts, err := s.ListScheduledStarts(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, starts[0].NextRunAt)
	assert.True(t, starts[0].NextRunAt.After(time.Now().UTC()))
	require.NotNil(t, starts[0].LastRunAt)
}

func TestTick_FutureStartDoesNotFire(t *testing.T) {
	sched, rec, s := newTestScheduler(t)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID:             "ss-1",
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "@hourly",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.Tick(ctx)
	assert.Empty(t, rec.starts)
}

func TestTick_DisabledStartSkipped(t *testing.T) {
	sched, rec, s := newTestScheduler(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID:             "ss-1",
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "@daily",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)
	assert.Empty(t, rec.starts)
}

func TestTick_StartFailureStillAdvancesSchedule(t *testing.T) {
	sched, rec, s := newTestScheduler(t)
	rec.fail = errors.New("rate limited")
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.CreateScheduledStart(ctx, &store.ScheduledStart{
		ID:             "ss-1",
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "@daily",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.Tick(ctx)
	require.Len(t, rec.starts, 1)

	// A failing start must not fire again on the very next tick.
	sched.Tick(ctx)
	assert.Len(t, rec.starts, 1)
}
