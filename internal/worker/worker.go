// Package worker implements the queued-run worker loop of the Scheduler
// (C11): poll list_queued_runs, mark running, stage if not already
// staged, invoke the DSL executor over staged items, and transition to
// success or failure. It also adapts the workflow store + run lifecycle
// store into the scheduler's TriggerSource interface.
package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bentbr/rdatacore/internal/dsl"
	"github.com/bentbr/rdatacore/internal/runlifecycle"
	"github.com/bentbr/rdatacore/internal/scheduler"
	"github.com/bentbr/rdatacore/internal/workflow"
	"github.com/bentbr/rdatacore/pkg/logger"
)

// Stager fetches raw input for a Consumer workflow and stages it via
// runlifecycle.InsertRawItems. A concrete implementation wraps the
// fetch.Fetcher (HTTP sources) or a direct upload path (CSV uploads,
// which arrive already staged and never call Stager at all).
type Stager interface {
	FetchAndStage(ctx context.Context, w workflow.Workflow, runUUID string) error
}

// TriggerSource adapts workflow.Store + runlifecycle.Store to
// scheduler.TriggerSource without either package importing the other.
type TriggerSource struct {
	Workflows *workflow.Store
	Runs      *runlifecycle.Store
}

func (t TriggerSource) ListScheduledTriggers(ctx context.Context) ([]scheduler.WorkflowTrigger, error) {
	triggers, err := t.Workflows.ListScheduledTriggers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]scheduler.WorkflowTrigger, 0, len(triggers))
	for _, tr := range triggers {
		out = append(out, scheduler.WorkflowTrigger{
			WorkflowUUID: tr.WorkflowUUID,
			TriggerID:    "scheduler:" + tr.WorkflowUUID,
			ScheduleCron: tr.ScheduleCron,
		})
	}
	return out, nil
}

func (t TriggerSource) EnqueueRun(ctx context.Context, workflowUUID, triggerID string) error {
	_, err := t.Runs.InsertRunQueued(ctx, workflowUUID, triggerID)
	return err
}

// Loop drives the queued-run worker: poll, claim, stage, process,
// transition. It is intended to run on its own ticker, independent of the
// scheduler's cron-driven enqueue side.
type Loop struct {
	Workflows *workflow.Store
	Runs      *runlifecycle.Store
	Stager    Stager
	Executor  *dsl.Executor
	Log       *logger.Logger
	BatchSize int

	PollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (l *Loop) Name() string { return "rdatacore-worker" }

// Start polls PollOnce on a fixed interval until Stop is called. It mirrors
// the scheduler's own Start/Stop lifecycle so both can be managed the same
// way by the top-level application.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	interval := l.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := l.PollOnce(runCtx); err != nil && l.Log != nil {
					l.Log.WithError(err).Warn("worker poll failed")
				}
			}
		}
	}()
	return nil
}

func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.running = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollOnce claims up to BatchSize queued runs and drives each to
// completion. Errors from an individual run are logged and recorded via
// mark_run_failure; they do not abort the batch.
func (l *Loop) PollOnce(ctx context.Context) error {
	batchSize := l.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	runs, err := l.Runs.ListQueuedRuns(ctx, batchSize)
	if err != nil {
		return err
	}
	for _, run := range runs {
		l.processRun(ctx, run)
	}
	return nil
}

func (l *Loop) processRun(ctx context.Context, run runlifecycle.Run) {
	claimed, err := l.Runs.MarkRunning(ctx, run.UUID)
	if err != nil {
		l.logf(run.UUID, "mark_running failed: %v", err)
		return
	}
	if !claimed {
		return // another worker already claimed this run
	}

	w, err := l.Workflows.Get(ctx, run.WorkflowUUID)
	if err != nil {
		l.fail(ctx, run.UUID, "load workflow: "+err.Error())
		return
	}

	staged, err := l.Runs.CountRawItemsForRun(ctx, run.UUID)
	if err != nil {
		l.fail(ctx, run.UUID, "count raw items: "+err.Error())
		return
	}
	if staged == 0 {
		if w.Kind == workflow.Consumer {
			if err := l.Stager.FetchAndStage(ctx, w, run.UUID); err != nil {
				l.fail(ctx, run.UUID, "fetch and stage: "+err.Error())
				return
			}
		}
	}

	processed, failed, err := l.processStagedItems(ctx, w, run.UUID)
	if err != nil {
		l.fail(ctx, run.UUID, "process staged items: "+err.Error())
		return
	}

	if err := l.Runs.MarkSuccess(ctx, run.UUID, processed, failed); err != nil {
		l.logf(run.UUID, "mark_success failed: %v", err)
	}
}

// processStagedItems parses the workflow's DSL program, resolves the first
// step's input records (from entity queries for an entity-sourced program,
// or from staged raw items otherwise), then runs every step of the program
// over each record in order, chaining each step's output into the next via
// RunProgram. Per-item failures increment failed_items but do not abort the
// run, matching §4.9.6.
func (l *Loop) processStagedItems(ctx context.Context, w workflow.Workflow, runUUID string) (processed, failed int, err error) {
	var prog dsl.Program
	if unmarshalErr := json.Unmarshal(w.Config, &prog); unmarshalErr != nil {
		return 0, 0, unmarshalErr
	}
	if len(prog.Steps) == 0 {
		return 0, 0, nil
	}

	records, unmarshalFailed, err := l.resolveInitialRecords(ctx, prog.Steps[0], runUUID)
	if err != nil {
		return 0, 0, err
	}
	failed += unmarshalFailed

	for _, record := range records {
		results := l.Executor.RunProgram(ctx, prog.Steps, record)
		for _, r := range results {
			if r.Err != nil {
				failed++
				l.logf(runUUID, "execute step: %v", r.Err)
				continue
			}
			processed++
		}
	}
	return processed, failed, nil
}

// resolveInitialRecords resolves the records the first step of a program
// runs over. An entity-sourced first step (from.type "entity") pulls its
// records straight from the gateway via the executor; every other
// from.type consumes the items staged for this run by the Stager.
func (l *Loop) resolveInitialRecords(ctx context.Context, first dsl.Step, runUUID string) (records []map[string]any, failed int, err error) {
	if first.From.Type == "entity" {
		records, err = l.Executor.ResolveEntitySource(ctx, first.From)
		return records, 0, err
	}

	items, err := l.Runs.RawItems(ctx, runUUID)
	if err != nil {
		return nil, 0, err
	}
	records = make([]map[string]any, 0, len(items))
	for _, raw := range items {
		var record map[string]any
		if unmarshalErr := json.Unmarshal(raw, &record); unmarshalErr != nil {
			failed++
			l.logf(runUUID, "unmarshal staged item: %v", unmarshalErr)
			continue
		}
		records = append(records, record)
	}
	return records, failed, nil
}

func (l *Loop) fail(ctx context.Context, runUUID, message string) {
	if err := l.Runs.MarkFailure(ctx, runUUID, message); err != nil {
		l.logf(runUUID, "mark_failure failed: %v", err)
	}
}

func (l *Loop) logf(runUUID, format string, args ...any) {
	if l.Log == nil {
		return
	}
	l.Log.WithField("run_uuid", runUUID).Warnf(format, args...)
}
