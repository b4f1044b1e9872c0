package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/cache"
	"github.com/cadenzahq/cadenza/internal/dispatch"
	"github.com/cadenzahq/cadenza/internal/graph"
	"github.com/cadenzahq/cadenza/internal/logging"
	"github.com/cadenzahq/cadenza/internal/queue"
	"github.com/cadenzahq/cadenza/internal/ratelimit"
	"github.com/cadenzahq/cadenza/internal/retry"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/variant"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Controller orchestrates executions: admission, variant assignment, state
// persistence, step dispatch, and edge-driven graph advancement.
type Controller struct {
	store      store.Store
	queue      *queue.Manager
	gate       *ratelimit.Gate
	retries    *retry.Manager
	assignor   *variant.Assignor
	dispatcher *dispatch.Dispatcher
	policies   PolicyTable
	execFSM    *ExecutionFSM
	stepFSM    *StepFSM
	graphs     *cache.Cache[string, *graph.Graph]
	logger     *slog.Logger
}

// PolicyTable maps node types to their retry policies. Node types without an
// entry fail on first error.
type PolicyTable map[schema.NodeType]*schema.RetryPolicy

// DefaultPolicyTable returns the stock failure policies: outbound I/O node
// types retry transient errors, pure computation does not.
func DefaultPolicyTable() PolicyTable {
	transient := []string{
		"timeout", "timed out", "connection refused", "connection reset",
		"broken pipe", "service unavailable", "bad gateway", "gateway timeout",
		"too many requests", "status 5",
	}
	fatal := []string{
		"status 400", "status 401", "status 403", "status 404",
		"unauthorized", "forbidden", "invalid",
	}
	outbound := &schema.RetryPolicy{
		MaxRetries:              3,
		Strategy:                schema.RetryStrategyExponential,
		BaseDelayMs:             1000,
		MaxDelayMs:              300000,
		BackoffMultiplier:       2,
		Jitter:                  true,
		RetryablePatterns:       transient,
		NonRetryablePatterns:    fatal,
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetMs:   60000,
	}
	action := &schema.RetryPolicy{
		MaxRetries:              3,
		Strategy:                schema.RetryStrategyExponential,
		BaseDelayMs:             2000,
		MaxDelayMs:              300000,
		BackoffMultiplier:       2,
		Jitter:                  true,
		RetryablePatterns:       append([]string{"rate limited"}, transient...),
		NonRetryablePatterns:    fatal,
		CircuitBreakerThreshold: 5,
		CircuitBreakerResetMs:   60000,
	}
	return PolicyTable{
		schema.NodeTypeAction:         action,
		schema.NodeTypeWebhook:        outbound,
		schema.NodeTypeAPICall:        outbound,
		schema.NodeTypeCRMAction:      outbound,
		schema.NodeTypePaymentWebhook: outbound,
	}
}

// NewController wires the controller with its collaborators.
func NewController(st store.Store, qm *queue.Manager, gate *ratelimit.Gate, rm *retry.Manager, va *variant.Assignor, d *dispatch.Dispatcher, policies PolicyTable, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if policies == nil {
		policies = DefaultPolicyTable()
	}
	return &Controller{
		store:      st,
		queue:      qm,
		gate:       gate,
		retries:    rm,
		assignor:   va,
		dispatcher: d,
		policies:   policies,
		execFSM:    NewExecutionFSM(st),
		stepFSM:    NewStepFSM(st),
		graphs:     cache.New[string, *graph.Graph](30*time.Second, 512),
		logger:     logger,
	}
}

// StartExecution admits, creates and kicks off one execution. Idempotent: a
// second start for the same (definition, contact) while the first is still
// active returns the existing execution id.
func (c *Controller) StartExecution(ctx context.Context, definitionID, contactID string, triggerPayload map[string]any) (string, error) {
	ctx = logging.WithContactID(ctx, contactID)

	decision := c.gate.CheckMultiple([]ratelimit.Check{
		{Scope: ratelimit.ScopeContactStarts, Identifier: contactID},
		{Scope: ratelimit.ScopeGlobalStarts, Identifier: ratelimit.GlobalIdentifier},
	})
	if !decision.Allowed {
		c.logger.WarnContext(ctx, "execution start rate limited",
			"definition_id", definitionID, "contact_id", contactID,
			"failed_check", decision.FailedCheck)
		return "", schema.NewErrorf(schema.ErrCodeRateLimited,
			"workflow start denied by %s", decision.FailedCheck).
			WithDetails(map[string]any{"reset_time": decision.ResetTime})
	}

	if existing, err := c.store.FindActiveExecution(ctx, definitionID, contactID); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "check active execution").WithCause(err)
	} else if existing != nil {
		c.logger.InfoContext(ctx, "idempotent start, returning active execution",
			"definition_id", definitionID, "execution_id", existing.ID)
		return existing.ID, nil
	}

	baseRec, err := c.store.GetLatestDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}
	if _, err := c.store.GetContact(ctx, contactID); err != nil {
		return "", err
	}

	effective := &baseRec.Definition
	variantID := ""
	if c.assignor != nil {
		if assigned := c.assignor.Assign(ctx, definitionID, contactID); assigned != nil {
			effective = assigned.Definition
			variantID = assigned.VariantDefinitionID
		}
	}

	g, err := graph.Compile(effective)
	if err != nil {
		return "", err
	}
	trigger := g.FirstTrigger()
	if trigger == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "definition has no trigger node")
	}

	ex := &store.Execution{
		ID:                  uuid.New().String(),
		DefinitionID:        definitionID,
		DefinitionVersion:   baseRec.Version,
		VariantDefinitionID: variantID,
		ContactID:           contactID,
		Status:              schema.ExecutionStatusRunning,
		CurrentNodeID:       trigger.ID,
		Context:             schema.NewExecutionContext(triggerPayload),
		StartedAt:           time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, ex); err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeConflict {
			// Lost the race to a concurrent start; return the winner.
			if existing, ferr := c.store.FindActiveExecution(ctx, definitionID, contactID); ferr == nil && existing != nil {
				return existing.ID, nil
			}
		}
		return "", err
	}
	ctx = logging.WithExecutionID(ctx, ex.ID)

	if err := c.store.AppendEvent(ctx, &store.Event{
		ExecutionID: ex.ID,
		Type:        schema.EventExecutionStarted,
	}); err != nil {
		c.logger.WarnContext(ctx, "start event append failed", "error", err)
	}
	if variantID != "" {
		payload, _ := json.Marshal(map[string]any{"variant_definition_id": variantID})
		if err := c.store.AppendEvent(ctx, &store.Event{
			ExecutionID: ex.ID,
			Type:        schema.EventVariantAssigned,
			Payload:     payload,
		}); err != nil {
			c.logger.WarnContext(ctx, "variant event append failed", "error", err)
		}
	}

	if err := c.queue.Enqueue(ctx, ex.ID, trigger.ID, 0); err != nil {
		return "", err
	}

	c.logger.InfoContext(ctx, "execution started",
		"definition_id", definitionID, "definition_version", baseRec.Version,
		"variant_definition_id", variantID, "trigger_node", trigger.ID)
	return ex.ID, nil
}

// HandleJob is the queue handler: it executes the step named by the job.
func (c *Controller) HandleJob(ctx context.Context, job *store.QueueJob) error {
	return c.ExecuteStep(ctx, job.ExecutionID, job.NodeID, job.ID)
}

// ExecuteStep runs one node of an execution. Jobs for terminal executions
// no-op: cancellation is cooperative. jobID identifies the enqueued delivery
// and scopes send idempotency: lease-expiry redelivery reuses it, a fresh
// visit to the same node (retry or loop-back) gets a new one.
func (c *Controller) ExecuteStep(ctx context.Context, executionID, nodeID, jobID string) error {
	ctx = logging.WithNodeID(logging.WithExecutionID(ctx, executionID), nodeID)

	ex, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithContactID(ctx, ex.ContactID)
	if ex.Status.Terminal() {
		c.logger.InfoContext(ctx, "discarding job for terminal execution", "status", string(ex.Status))
		return nil
	}

	g, err := c.loadGraph(ctx, ex)
	if err != nil {
		return c.failExecution(ctx, ex, err)
	}
	node, ok := g.NodesByID[nodeID]
	if !ok {
		return c.failExecution(ctx, ex, schema.NewErrorf(schema.ErrCodeValidation,
			"node %q not in definition", nodeID).WithNode(nodeID))
	}

	contact, err := c.store.GetContact(ctx, ex.ContactID)
	if err != nil {
		return c.failExecution(ctx, ex, err)
	}

	attempt, err := c.retries.Attempt(ctx, executionID, nodeID)
	if err != nil {
		return err
	}

	step := &store.ExecutionStep{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		NodeID:      nodeID,
		NodeType:    node.Type,
		Attempt:     attempt,
		Status:      schema.StepStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := c.store.AppendStep(ctx, step); err != nil {
		return schema.NewError(schema.ErrCodeStore, "append step").WithNode(nodeID).WithCause(err)
	}
	if err := c.store.AppendEvent(ctx, &store.Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        schema.EventStepStarted,
	}); err != nil {
		c.logger.WarnContext(ctx, "step event append failed", "error", err)
	}

	result, dispatchErr := c.dispatcher.Execute(ctx, &dispatch.Request{
		ExecutionID:  executionID,
		DefinitionID: ex.DefinitionID,
		Node:         node,
		Contact:      contact,
		Context:      ex.Context,
		JobID:        jobID,
	})
	if dispatchErr != nil {
		return c.handleStepFailure(ctx, ex, g, node, step, dispatchErr)
	}

	return c.completeStep(ctx, ex, g, node, step, result)
}

// completeStep persists the step outcome and the mutated context atomically,
// then advances the graph. Edges are only enqueued after the result is
// durable.
func (c *Controller) completeStep(ctx context.Context, ex *store.Execution, g *graph.Graph, node *schema.Node, step *store.ExecutionStep, result *schema.StepResult) error {
	if err := c.retries.MarkStepSuccess(ctx, ex.ID, node.ID); err != nil {
		c.logger.WarnContext(ctx, "retry state reset failed", "error", err)
	}

	if err := c.mergeResult(ex, g, node, result); err != nil {
		return c.handleStepFailure(ctx, ex, g, node, step, err)
	}

	now := time.Now().UTC()
	completed := schema.StepStatusCompleted
	durMs := now.Sub(step.StartedAt).Milliseconds()
	if err := c.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:      &completed,
		Output:      result.Output,
		CompletedAt: &now,
		DurationMs:  &durMs,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "complete step").WithNode(node.ID).WithCause(err)
	}

	nodeID := node.ID
	if err := c.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		CurrentNodeID:  &nodeID,
		Context:        ex.Context,
		LastExecutedAt: &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist execution context").WithNode(node.ID).WithCause(err)
	}

	if err := c.stepFSM.Transition(ctx, ex.ID, node.ID, schema.StepStatusRunning, schema.StepStatusCompleted); err != nil {
		c.logger.WarnContext(ctx, "step transition event failed", "error", err)
	}

	return c.advance(ctx, ex, g, node, result)
}

// mergeResult folds the step result into the execution context. Transform
// results add declared variables; every node records its output. Merges only
// add or overwrite keys, never remove them.
func (c *Controller) mergeResult(ex *store.Execution, g *graph.Graph, node *schema.Node, result *schema.StepResult) error {
	if len(result.Output) > 0 {
		ex.Context.NodeOutputs[node.ID] = result.Output
	}

	if node.Type != schema.NodeTypeTransform || len(result.Output) == 0 {
		return nil
	}

	var out struct {
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(result.Output, &out); err != nil {
		return schema.NewError(schema.ErrCodeNonRetryable, "decode transform output").
			WithNode(node.ID).WithCause(err)
	}

	merged := make(map[string]any, len(ex.Context.Variables)+len(out.Variables))
	for k, v := range ex.Context.Variables {
		merged[k] = v
	}
	for k, v := range out.Variables {
		merged[k] = v
	}
	if err := g.ValidateVariables(merged); err != nil {
		return schema.NewError(schema.ErrCodeNonRetryable, "transform produced invalid variables").
			WithNode(node.ID).WithCause(err)
	}
	ex.Context.Variables = merged
	return nil
}

// advance resolves outgoing edges, applies branch selection, and enqueues the
// next steps. Zero selected edges completes the execution.
func (c *Controller) advance(ctx context.Context, ex *store.Execution, g *graph.Graph, node *schema.Node, result *schema.StepResult) error {
	selected := selectEdges(g.Outgoing(node.ID), node.Type, result)

	if len(selected) == 0 {
		return c.completeExecution(ctx, ex)
	}

	delay := time.Duration(result.DelayMs) * time.Millisecond
	for _, edge := range selected {
		if err := c.queue.Enqueue(ctx, ex.ID, edge.TargetNodeID, delay); err != nil {
			return err
		}
	}
	return nil
}

// selectEdges applies the branch conventions: condition results gate
// yes/true and no/false handles, split results match the selected handle,
// untagged edges are always taken.
func selectEdges(edges []*schema.Edge, nodeType schema.NodeType, result *schema.StepResult) []*schema.Edge {
	var selected []*schema.Edge
	for _, edge := range edges {
		handle := strings.ToLower(edge.SourceHandle)
		switch {
		case handle == "":
			selected = append(selected, edge)
		case nodeType == schema.NodeTypeCondition && result.ConditionMet != nil:
			met := *result.ConditionMet
			if (handle == "yes" || handle == "true") && met {
				selected = append(selected, edge)
			} else if (handle == "no" || handle == "false") && !met {
				selected = append(selected, edge)
			}
		case nodeType == schema.NodeTypeSplit:
			if edge.SourceHandle == result.SelectedHandle {
				selected = append(selected, edge)
			}
		}
	}
	return selected
}

func (c *Controller) completeExecution(ctx context.Context, ex *store.Execution) error {
	now := time.Now().UTC()
	completed := schema.ExecutionStatusCompleted
	if err := c.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		Status:      &completed,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "complete execution").WithCause(err)
	}
	if err := c.execFSM.Transition(ctx, ex.ID, ex.Status, schema.ExecutionStatusCompleted); err != nil {
		c.logger.WarnContext(ctx, "execution transition event failed", "error", err)
	}
	c.logger.InfoContext(ctx, "execution completed")
	return nil
}

// handleStepFailure routes a dispatch error through the retry manager:
// schedule a delayed retry, hold the step while a circuit is open, or fail
// the step and the execution terminally.
func (c *Controller) handleStepFailure(ctx context.Context, ex *store.Execution, g *graph.Graph, node *schema.Node, step *store.ExecutionStep, stepErr error) error {
	policy := c.policies[node.Type]

	decision, err := c.retries.ShouldRetry(ctx, ex.ID, node.ID, policy, stepErr)
	if err != nil {
		c.logger.ErrorContext(ctx, "retry evaluation failed", "error", err)
		decision = retry.Decision{}
	}

	now := time.Now().UTC()
	errMsg := stepErr.Error()

	if decision.CircuitOpen {
		return c.holdStepForCircuit(ctx, ex, node, step, decision.RetryAt, errMsg, now)
	}

	if decision.Retry {
		delay, serr := c.retries.ScheduleRetry(ctx, ex.ID, node.ID, policy, stepErr)
		if serr != nil {
			c.logger.ErrorContext(ctx, "retry scheduling failed", "error", serr)
			return c.failStepTerminal(ctx, ex, step, node, errMsg, now)
		}

		retrying := schema.StepStatusRetrying
		if uerr := c.store.UpdateStep(ctx, step.ID, store.StepUpdate{
			Status:       &retrying,
			ErrorMessage: &errMsg,
			CompletedAt:  &now,
		}); uerr != nil {
			return schema.NewError(schema.ErrCodeStore, "mark step retrying").WithNode(node.ID).WithCause(uerr)
		}
		if terr := c.stepFSM.Transition(ctx, ex.ID, node.ID, schema.StepStatusRunning, schema.StepStatusRetrying); terr != nil {
			c.logger.WarnContext(ctx, "step transition event failed", "error", terr)
		}

		if qerr := c.queue.Enqueue(ctx, ex.ID, node.ID, delay); qerr != nil {
			return qerr
		}
		c.logger.InfoContext(ctx, "step retry scheduled",
			"delay_ms", delay.Milliseconds(), "error", errMsg)
		return nil
	}

	if decision.Exhausted {
		errMsg = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retry budget exhausted after %d retries: %s", policy.MaxRetries, errMsg).
			WithNode(node.ID).Error()
	}
	return c.failStepTerminal(ctx, ex, step, node, errMsg, now)
}

// holdStepForCircuit parks a step behind an open circuit: the outcome stays
// pending and nothing is charged against the retry budget. The step re-enters
// the queue when the breaker's reset window elapses.
func (c *Controller) holdStepForCircuit(ctx context.Context, ex *store.Execution, node *schema.Node, step *store.ExecutionStep, retryAt time.Time, errMsg string, now time.Time) error {
	held := schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit open, next attempt at %s: %s", retryAt.Format(time.RFC3339), errMsg).
		WithNode(node.ID).Error()

	retrying := schema.StepStatusRetrying
	if err := c.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:       &retrying,
		ErrorMessage: &held,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "hold step").WithNode(node.ID).WithCause(err)
	}
	if err := c.stepFSM.Transition(ctx, ex.ID, node.ID, schema.StepStatusRunning, schema.StepStatusRetrying); err != nil {
		c.logger.WarnContext(ctx, "step transition event failed", "error", err)
	}

	delay := retryAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if err := c.queue.Enqueue(ctx, ex.ID, node.ID, delay); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "step held behind open circuit",
		"retry_at", retryAt, "error", errMsg)
	return nil
}

// failStepTerminal marks the step and the owning execution FAILED. Completed
// earlier steps are never rolled back.
func (c *Controller) failStepTerminal(ctx context.Context, ex *store.Execution, step *store.ExecutionStep, node *schema.Node, errMsg string, now time.Time) error {
	failed := schema.StepStatusFailed
	if err := c.store.UpdateStep(ctx, step.ID, store.StepUpdate{
		Status:       &failed,
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "mark step failed").WithNode(node.ID).WithCause(err)
	}
	if err := c.stepFSM.Transition(ctx, ex.ID, node.ID, schema.StepStatusRunning, schema.StepStatusFailed); err != nil {
		c.logger.WarnContext(ctx, "step transition event failed", "error", err)
	}

	exFailed := schema.ExecutionStatusFailed
	if err := c.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		Status:       &exFailed,
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "fail execution").WithCause(err)
	}
	if err := c.execFSM.Transition(ctx, ex.ID, ex.Status, schema.ExecutionStatusFailed); err != nil {
		c.logger.WarnContext(ctx, "execution transition event failed", "error", err)
	}

	c.logger.ErrorContext(ctx, "execution failed", "node_id", node.ID, "error", errMsg)
	return nil
}

// failExecution terminally fails an execution from outside the step path
// (graph or contact resolution errors).
func (c *Controller) failExecution(ctx context.Context, ex *store.Execution, cause error) error {
	now := time.Now().UTC()
	errMsg := cause.Error()
	exFailed := schema.ExecutionStatusFailed
	if err := c.store.UpdateExecution(ctx, ex.ID, store.ExecutionUpdate{
		Status:       &exFailed,
		ErrorMessage: &errMsg,
		CompletedAt:  &now,
	}); err != nil {
		return schema.NewError(schema.ErrCodeStore, "fail execution").WithCause(err)
	}
	if err := c.execFSM.Transition(ctx, ex.ID, ex.Status, schema.ExecutionStatusFailed); err != nil {
		c.logger.WarnContext(ctx, "execution transition event failed", "error", err)
	}
	c.logger.ErrorContext(ctx, "execution failed", "error", errMsg)
	return nil
}

// loadGraph compiles the effective definition for an execution: the assigned
// variant when one was bucketed at start, the pinned base version otherwise.
// Compiled graphs are cached. Pinned versions are immutable so their entries
// can never go stale; "latest" variant lookups age out with the cache TTL.
func (c *Controller) loadGraph(ctx context.Context, ex *store.Execution) (*graph.Graph, error) {
	var key string
	if ex.VariantDefinitionID != "" {
		key = ex.VariantDefinitionID + "@latest"
	} else {
		key = ex.DefinitionID + "@" + strconv.Itoa(ex.DefinitionVersion)
	}
	if g, ok := c.graphs.Get(key); ok {
		return g, nil
	}

	var rec *store.DefinitionRecord
	var err error
	if ex.VariantDefinitionID != "" {
		rec, err = c.store.GetLatestDefinition(ctx, ex.VariantDefinitionID)
	} else {
		rec, err = c.store.GetDefinition(ctx, ex.DefinitionID, ex.DefinitionVersion)
	}
	if err != nil {
		return nil, err
	}
	g, err := graph.Compile(&rec.Definition)
	if err != nil {
		return nil, err
	}
	c.graphs.Set(key, g)
	return g, nil
}
