package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/schema"
)

// Queue names. Immediate step work and delayed step work are separate logical
// queues over the same durable table.
const (
	QueueImmediate = "workflow"
	QueueDelayed   = "workflow-delayed"
)

// Names lists all logical queues the manager operates.
var Names = []string{QueueImmediate, QueueDelayed}

const (
	defaultPollInterval  = 250 * time.Millisecond
	defaultLease         = 30 * time.Second
	defaultMaxDeliveries = 5
	redeliveryBackoff    = 5 * time.Second
)

// Handler processes one claimed job. A returned error triggers queue-level
// redelivery, which is infrastructure delivery only; business retries are the
// retry manager's concern.
type Handler func(ctx context.Context, job *store.QueueJob) error

// Stats is the per-queue operational counter set.
type Stats struct {
	Waiting   int   `json:"waiting"`
	Delayed   int   `json:"delayed"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    bool  `json:"paused"`
}

type counters struct {
	completed atomic.Int64
	failed    atomic.Int64
	paused    atomic.Bool
}

// Manager runs the durable work queues: enqueueing step jobs, polling for due
// work with lease-based claims (at-least-once delivery), and dead-lettering
// jobs that exhaust their delivery budget.
type Manager struct {
	store         store.Store
	logger        *slog.Logger
	pollInterval  time.Duration
	lease         time.Duration
	maxDeliveries int

	counters map[string]*counters

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// WithLease sets the claim lease duration.
func WithLease(d time.Duration) Option {
	return func(m *Manager) { m.lease = d }
}

// WithMaxDeliveries sets the delivery budget before dead-lettering.
func WithMaxDeliveries(n int) Option {
	return func(m *Manager) { m.maxDeliveries = n }
}

// NewManager creates a queue manager over the given store.
func NewManager(st store.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:         st,
		logger:        logger,
		pollInterval:  defaultPollInterval,
		lease:         defaultLease,
		maxDeliveries: defaultMaxDeliveries,
		counters:      make(map[string]*counters, len(Names)),
	}
	for _, name := range Names {
		m.counters[name] = &counters{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue schedules step execution for (executionID, nodeID). A positive
// delay routes the job to the delayed queue with a future eligibility time.
func (m *Manager) Enqueue(ctx context.Context, executionID, nodeID string, delay time.Duration) error {
	queue := QueueImmediate
	runAt := time.Now().UTC()
	if delay > 0 {
		queue = QueueDelayed
		runAt = runAt.Add(delay)
	}

	job := &store.QueueJob{
		ID:          uuid.New().String(),
		Queue:       queue,
		ExecutionID: executionID,
		NodeID:      nodeID,
		RunAt:       runAt,
	}
	if err := m.store.EnqueueJob(ctx, job); err != nil {
		return schema.NewError(schema.ErrCodeStore, "enqueue job").WithNode(nodeID).WithCause(err)
	}

	m.logger.DebugContext(ctx, "job enqueued",
		"queue", queue, "execution_id", executionID, "node_id", nodeID,
		"delay_ms", delay.Milliseconds())
	return nil
}

// Start launches workersPerQueue polling workers for each queue. Returns
// immediately; call Stop to drain.
func (m *Manager) Start(ctx context.Context, handler Handler, workersPerQueue int) {
	if workersPerQueue <= 0 {
		workersPerQueue = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	workerCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, queue := range Names {
		for i := 0; i < workersPerQueue; i++ {
			m.wg.Add(1)
			go m.worker(workerCtx, queue, handler)
		}
	}
}

// Stop cancels all workers and waits for in-flight jobs to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Pause stops claiming from the queue. In-flight jobs finish normally.
func (m *Manager) Pause(queue string) bool {
	c, ok := m.counters[queue]
	if !ok {
		return false
	}
	c.paused.Store(true)
	m.logger.Info("queue paused", "queue", queue)
	return true
}

// Resume reverses Pause.
func (m *Manager) Resume(queue string) bool {
	c, ok := m.counters[queue]
	if !ok {
		return false
	}
	c.paused.Store(false)
	m.logger.Info("queue resumed", "queue", queue)
	return true
}

// Stats reports waiting/delayed/active counts from the store plus process
// lifetime completed/failed counters.
func (m *Manager) Stats(ctx context.Context) (map[string]Stats, error) {
	now := time.Now().UTC()
	out := make(map[string]Stats, len(Names))
	for _, queue := range Names {
		waiting, delayed, active, err := m.store.CountJobs(ctx, queue, now)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "count jobs").WithCause(err)
		}
		c := m.counters[queue]
		out[queue] = Stats{
			Waiting:   waiting,
			Delayed:   delayed,
			Active:    active,
			Completed: c.completed.Load(),
			Failed:    c.failed.Load(),
			Paused:    c.paused.Load(),
		}
	}
	return out, nil
}

func (m *Manager) worker(ctx context.Context, queue string, handler Handler) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.counters[queue].paused.Load() {
			continue
		}

		// Drain all due work before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := m.store.ClaimDueJob(ctx, queue, time.Now().UTC(), m.lease)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.ErrorContext(ctx, "claim failed", "queue", queue, "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			m.process(ctx, queue, job, handler)
		}
	}
}

func (m *Manager) process(ctx context.Context, queue string, job *store.QueueJob, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		if cerr := m.store.CompleteJob(ctx, job.ID); cerr != nil {
			m.logger.ErrorContext(ctx, "complete job failed", "job_id", job.ID, "error", cerr)
			return
		}
		m.counters[queue].completed.Add(1)
		return
	}

	m.logger.WarnContext(ctx, "job handler failed",
		"queue", queue, "job_id", job.ID, "execution_id", job.ExecutionID,
		"node_id", job.NodeID, "attempt", job.Attempts, "error", err)

	if job.Attempts >= m.maxDeliveries {
		m.deadLetter(ctx, queue, job, err)
		return
	}

	if rerr := m.store.ReleaseJob(ctx, job.ID, time.Now().UTC().Add(redeliveryBackoff)); rerr != nil {
		m.logger.ErrorContext(ctx, "release job failed", "job_id", job.ID, "error", rerr)
	}
}

func (m *Manager) deadLetter(ctx context.Context, queue string, job *store.QueueJob, cause error) {
	if err := m.store.MoveToDeadLetter(ctx, job.ID, cause.Error()); err != nil {
		m.logger.ErrorContext(ctx, "dead letter move failed", "job_id", job.ID, "error", err)
		return
	}
	m.counters[queue].failed.Add(1)

	payload, _ := json.Marshal(map[string]any{
		"job_id":   job.ID,
		"queue":    queue,
		"attempts": job.Attempts,
		"reason":   cause.Error(),
	})
	if err := m.store.AppendEvent(ctx, &store.Event{
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
		Type:        schema.EventJobDeadLettered,
		Payload:     payload,
	}); err != nil {
		m.logger.ErrorContext(ctx, "dead letter event failed", "job_id", job.ID, "error", err)
	}

	m.logger.ErrorContext(ctx, "job dead lettered",
		"queue", queue, "job_id", job.ID, "execution_id", job.ExecutionID,
		"attempts", job.Attempts, "reason", cause.Error())
}
