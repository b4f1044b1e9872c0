package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenzahq/cadenza/internal/queue"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

type fakeStarter struct {
	executionID string
	err         error
	calls       int
	lastPayload map[string]any
}

func (f *fakeStarter) StartExecution(_ context.Context, _, _ string, payload map[string]any) (string, error) {
	f.calls++
	f.lastPayload = payload
	if f.err != nil {
		return "", f.err
	}
	return f.executionID, nil
}

type testServer struct {
	srv     *Server
	store   *store.LibSQLStore
	starter *fakeStarter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "api.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	starter := &fakeStarter{executionID: "ex-1"}
	queues := queue.NewManager(st, nil)
	return &testServer{
		srv:     NewServer(st, starter, queues, nil),
		store:   st,
		starter: starter,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func minimalDefinition() schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "welcome", Type: schema.NodeTypeAction,
				Properties: json.RawMessage(`{"channel":"email","subject":"Hi","body":"Welcome"}`)},
		},
		Edges: []schema.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "welcome"},
		},
	}
}

func (ts *testServer) putDefinition(t *testing.T, id string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/definitions", putDefinitionRequest{
		ID: id, Definition: minimalDefinition(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestPutDefinition_AssignsVersions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/definitions", putDefinitionRequest{
		ID: "wf-1", Definition: minimalDefinition(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 1, first["version"])

	rec = ts.do(t, http.MethodPost, "/definitions", putDefinitionRequest{
		ID: "wf-1", Definition: minimalDefinition(),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	second := decodeBody[map[string]any](t, rec)
	assert.EqualValues(t, 2, second["version"])
}

func TestPutDefinition_RejectsInvalidGraph(t *testing.T) {
	ts := newTestServer(t)

	def := minimalDefinition()
	def.Nodes = def.Nodes[1:] // drop the trigger

	rec := ts.do(t, http.MethodPost, "/definitions", putDefinitionRequest{
		ID: "wf-bad", Definition: def,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, schema.ErrCodeValidation, body.Code)
}

func TestGetDefinition_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/definitions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, schema.ErrCodeNotFound, body.Code)
}

func TestGetDefinitionVersion(t *testing.T) {
	ts := newTestServer(t)
	ts.putDefinition(t, "wf-1")
	ts.putDefinition(t, "wf-1")

	rec := ts.do(t, http.MethodGet, "/definitions/wf-1/versions/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[store.DefinitionRecord](t, rec)
	assert.Equal(t, 1, body.Version)

	rec = ts.do(t, http.MethodGet, "/definitions/wf-1/versions/oops", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVariants_PutAndGet(t *testing.T) {
	ts := newTestServer(t)
	ts.putDefinition(t, "wf-base")
	ts.putDefinition(t, "wf-variant")

	rec := ts.do(t, http.MethodPut, "/definitions/wf-base/variants", []variantRequest{
		{VariantDefinitionID: "wf-variant", Weight: 30},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/definitions/wf-base/variants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfgs := decodeBody[[]store.VariantConfig](t, rec)
	require.Len(t, cfgs, 1)
	assert.Equal(t, "wf-variant", cfgs[0].VariantDefinitionID)
	assert.Equal(t, 30, cfgs[0].Weight)
}

func TestVariants_RejectsUnknownVariantDefinition(t *testing.T) {
	ts := newTestServer(t)
	ts.putDefinition(t, "wf-base")

	rec := ts.do(t, http.MethodPut, "/definitions/wf-base/variants", []variantRequest{
		{VariantDefinitionID: "nope", Weight: 50},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContacts_UpsertAndGet(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/contacts/c-1", store.Contact{
		Email:      "ada@example.com",
		Attributes: map[string]any{"plan": "pro"},
		Tags:       []string{"beta"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/contacts/c-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	contact := decodeBody[store.Contact](t, rec)
	assert.Equal(t, "c-1", contact.ID)
	assert.Equal(t, "ada@example.com", contact.Email)
}

func TestStartExecution(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/executions", startExecutionRequest{
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		TriggerPayload: map[string]any{"source": "signup"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ex-1", body["execution_id"])
	assert.Equal(t, 1, ts.starter.calls)
	assert.Equal(t, "signup", ts.starter.lastPayload["source"])
}

func TestStartExecution_MissingFields(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/executions", startExecutionRequest{ContactID: "c-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ts.starter.calls)
}

func TestStartExecution_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	ts.starter.err = schema.NewError(schema.ErrCodeRateLimited, "workflow start denied")

	rec := ts.do(t, http.MethodPost, "/executions", startExecutionRequest{
		DefinitionID: "wf-1", ContactID: "c-1",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, schema.ErrCodeRateLimited, body.Code)
}

func TestGetExecution_WithStepsAndEvents(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	ex := &store.Execution{
		ID:           "ex-9",
		DefinitionID: "wf-1",
		ContactID:    "c-1",
		Status:       schema.ExecutionStatusRunning,
		Context:      schema.NewExecutionContext(nil),
		StartedAt:    time.Now().UTC(),
	}
	require.NoError(t, ts.store.CreateExecution(ctx, ex))
	require.NoError(t, ts.store.AppendStep(ctx, &store.ExecutionStep{
		ID: "step-1", ExecutionID: "ex-9", NodeID: "start",
		NodeType: schema.NodeTypeTrigger, Status: schema.StepStatusRunning,
		StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, ts.store.AppendEvent(ctx, &store.Event{
		ExecutionID: "ex-9", Type: schema.EventExecutionStarted,
	}))

	rec := ts.do(t, http.MethodGet, "/executions/ex-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[executionDetail](t, rec)
	assert.Equal(t, "ex-9", detail.Execution.ID)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "start", detail.Steps[0].NodeID)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, schema.EventExecutionStarted, detail.Events[0].Type)
}

func TestListExecutions_Filtered(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for i, status := range []schema.ExecutionStatus{
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted,
	} {
		require.NoError(t, ts.store.CreateExecution(ctx, &store.Execution{
			ID:           fmt.Sprintf("ex-%d", i),
			DefinitionID: "wf-1",
			ContactID:    fmt.Sprintf("c-%d", i),
			Status:       status,
			Context:      schema.NewExecutionContext(nil),
			StartedAt:    time.Now().UTC(),
		}))
	}

	rec := ts.do(t, http.MethodGet, "/executions?status=RUNNING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	executions := decodeBody[[]store.Execution](t, rec)
	require.Len(t, executions, 1)
	assert.Equal(t, schema.ExecutionStatusRunning, executions[0].Status)
}

func TestQueues_PauseResumeAndStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/queues/workflow/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, body["paused"])

	rec = ts.do(t, http.MethodPost, "/queues/workflow/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/queues/bogus/pause", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/queues/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[map[string]queue.Stats](t, rec)
	assert.Contains(t, stats, queue.QueueImmediate)
	assert.Contains(t, stats, queue.QueueDelayed)
}

func TestDeadLetters_ListAndRequeue(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	job := &store.QueueJob{
		ID: "job-1", Queue: queue.QueueImmediate,
		ExecutionID: "ex-1", NodeID: "start",
		RunAt: time.Now().UTC(),
	}
	require.NoError(t, ts.store.EnqueueJob(ctx, job))
	require.NoError(t, ts.store.MoveToDeadLetter(ctx, "job-1", "delivery attempts exhausted"))

	rec := ts.do(t, http.MethodGet, "/deadletters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	letters := decodeBody[[]store.DeadLetter](t, rec)
	require.Len(t, letters, 1)

	rec = ts.do(t, http.MethodPost, "/deadletters/"+letters[0].ID+"/requeue", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/deadletters", nil)
	letters = decodeBody[[]store.DeadLetter](t, rec)
	assert.Empty(t, letters)
}

func TestSchedules_CreateAndList(t *testing.T) {
	ts := newTestServer(t)
	ts.putDefinition(t, "wf-1")

	rec := ts.do(t, http.MethodPost, "/schedules", createScheduleRequest{
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "0 9 * * 1",
		Payload:        json.RawMessage(`{"source":"digest"}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[store.ScheduledStart](t, rec)
	assert.True(t, created.Enabled)
	assert.NotEmpty(t, created.ID)

	rec = ts.do(t, http.MethodGet, "/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	schedules := decodeBody[[]store.ScheduledStart](t, rec)
	require.Len(t, schedules, 1)
	assert.Equal(t, "0 9 * * 1", schedules[0].CronExpression)
}

func TestSchedules_RejectsBadCron(t *testing.T) {
	ts := newTestServer(t)
	ts.putDefinition(t, "wf-1")

	rec := ts.do(t, http.MethodPost, "/schedules", createScheduleRequest{
		DefinitionID:   "wf-1",
		ContactID:      "c-1",
		CronExpression: "not a cron",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
