// Package scheduler implements the Scheduler/Reconciler (C11): a
// robfig/cron-backed single-process scheduler that reconciles workflow
// cron triggers against the database. The queued-run worker loop lives in
// internal/worker.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bentbr/rdatacore/internal/obsmetrics"
	"github.com/bentbr/rdatacore/pkg/logger"
)

// WorkflowTrigger is one {workflow_uuid, schedule_cron} pair eligible for
// scheduling: kind = Consumer, enabled, schedule_cron set.
type WorkflowTrigger struct {
	WorkflowUUID string
	TriggerID    string
	ScheduleCron string
}

// TriggerSource reads the current set of schedulable triggers and enqueues
// a run for a fired trigger.
type TriggerSource interface {
	ListScheduledTriggers(ctx context.Context) ([]WorkflowTrigger, error)
	EnqueueRun(ctx context.Context, workflowUUID, triggerID string) error
}

// Scheduler owns a robfig/cron instance plus the in-memory
// workflow_uuid -> cron entry ID map used for reconciliation.
type Scheduler struct {
	cron   *cron.Cron
	source TriggerSource
	log    *logger.Logger

	reconcileInterval time.Duration

	mu      sync.Mutex
	entries map[string]cronEntry // keyed by workflow_uuid
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type cronEntry struct {
	id   cron.EntryID
	spec string
}

func New(source TriggerSource, log *logger.Logger, reconcileInterval time.Duration) *Scheduler {
	if reconcileInterval <= 0 {
		reconcileInterval = 30 * time.Second
	}
	return &Scheduler{
		cron:              cron.New(cron.WithSeconds()),
		source:            source,
		log:               log,
		reconcileInterval: reconcileInterval,
		entries:           make(map[string]cronEntry),
	}
}

func (s *Scheduler) Name() string { return "rdatacore-scheduler" }

// Start loads the current trigger set, schedules each, starts the cron
// runner, and begins the reconciliation timer.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if err := s.reconcile(runCtx); err != nil {
		s.log.WithError(err).Warn("initial scheduler reconciliation failed")
	}
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := s.reconcile(runCtx); err != nil {
					s.log.WithError(err).Warn("scheduler reconciliation failed")
				}
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	stopCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
	return nil
}

// reconcile re-reads the DB, diffs against the in-memory entry map, and
// unschedules removed jobs / schedules added or changed ones. A changed
// cron expression is a remove-then-add. Reconciliation never mutates run
// state and never backfills missed ticks.
func (s *Scheduler) reconcile(ctx context.Context) error {
	defer obsmetrics.RecordSchedulerReconcile()

	triggers, err := s.source.ListScheduledTriggers(ctx)
	if err != nil {
		return err
	}

	desired := make(map[string]WorkflowTrigger, len(triggers))
	for _, t := range triggers {
		desired[t.WorkflowUUID] = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for workflowUUID, entry := range s.entries {
		if _, ok := desired[workflowUUID]; !ok {
			s.cron.Remove(entry.id)
			delete(s.entries, workflowUUID)
		}
	}

	for workflowUUID, t := range desired {
		existing, ok := s.entries[workflowUUID]
		if ok && existing.spec == t.ScheduleCron {
			continue
		}
		if ok {
			s.cron.Remove(existing.id)
			delete(s.entries, workflowUUID)
		}
		trigger := t
		id, err := s.cron.AddFunc(trigger.ScheduleCron, func() {
			fireCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.source.EnqueueRun(fireCtx, trigger.WorkflowUUID, trigger.TriggerID); err != nil {
				s.log.WithError(err).
					WithField("workflow_uuid", trigger.WorkflowUUID).
					Warn("failed to enqueue scheduled run")
			}
		})
		if err != nil {
			s.log.WithError(err).
				WithField("workflow_uuid", trigger.WorkflowUUID).
				Warn("invalid schedule_cron, skipping")
			continue
		}
		s.entries[workflowUUID] = cronEntry{id: id, spec: trigger.ScheduleCron}
	}
	return nil
}

// ScheduledCount reports the number of workflows currently scheduled, for
// diagnostics and tests.
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
