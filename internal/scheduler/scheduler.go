package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cadenzahq/cadenza/internal/store"
)

// ExecutionStarter is the interface the scheduler uses to kick off workflow
// runs. Satisfied by the engine controller (avoids an import cycle).
type ExecutionStarter interface {
	StartExecution(ctx context.Context, definitionID, contactID string, triggerPayload map[string]any) (string, error)
}

// Scheduler polls the store for due scheduled starts and launches executions
// on their cron cadence.
type Scheduler struct {
	store   store.Store
	starter ExecutionStarter
	parser  cron.Parser
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over the given store and starter.
func NewScheduler(s store.Store, starter ExecutionStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		starter: starter,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the background loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled scheduled start that is due. Exported so tests and
// operational tooling can force a pass.
func (s *Scheduler) Tick(ctx context.Context) {
	starts, err := s.store.ListScheduledStarts(ctx, true)
	if err != nil {
		s.logger.ErrorContext(ctx, "list scheduled starts failed", "error", err)
		return
	}

	now := s.now()
	for _, sched := range starts {
		if err := s.runIfDue(ctx, sched, now); err != nil {
			s.logger.ErrorContext(ctx, "scheduled start failed",
				"scheduled_start_id", sched.ID, "definition_id", sched.DefinitionID, "error", err)
		}
	}
}

func (s *Scheduler) runIfDue(ctx context.Context, sched *store.ScheduledStart, now time.Time) error {
	schedule, err := s.parser.Parse(sched.CronExpression)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sched.CronExpression, err)
	}

	// First sighting: record the next fire time without running.
	if sched.NextRunAt == nil {
		next := schedule.Next(now)
		return s.store.UpdateScheduledStartRun(ctx, sched.ID, now, &next)
	}
	if now.Before(*sched.NextRunAt) {
		return nil
	}

	var payload map[string]any
	if len(sched.Payload) > 0 {
		if err := json.Unmarshal(sched.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["scheduled_start_id"] = sched.ID

	execID, err := s.starter.StartExecution(ctx, sched.DefinitionID, sched.ContactID, payload)
	if err != nil {
		// Record the attempt time anyway so a broken start does not fire
		// every tick.
		next := schedule.Next(now)
		_ = s.store.UpdateScheduledStartRun(ctx, sched.ID, now, &next)
		return err
	}

	s.logger.InfoContext(ctx, "scheduled execution started",
		"scheduled_start_id", sched.ID, "definition_id", sched.DefinitionID,
		"execution_id", execID)

	next := schedule.Next(now)
	return s.store.UpdateScheduledStartRun(ctx, sched.ID, now, &next)
}
