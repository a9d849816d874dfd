package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bentbr/rdatacore/pkg/logger"
)

type fakeSource struct {
	mu       sync.Mutex
	triggers []WorkflowTrigger
	enqueued []string
}

func (f *fakeSource) ListScheduledTriggers(ctx context.Context) ([]WorkflowTrigger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkflowTrigger, len(f.triggers))
	copy(out, f.triggers)
	return out, nil
}

func (f *fakeSource) EnqueueRun(ctx context.Context, workflowUUID, triggerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, workflowUUID)
	return nil
}

func (f *fakeSource) setTriggers(t []WorkflowTrigger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = t
}

func TestReconcileAddsAndRemovesEntries(t *testing.T) {
	source := &fakeSource{triggers: []WorkflowTrigger{
		{WorkflowUUID: "wf-1", TriggerID: "trg-1", ScheduleCron: "*/5 * * * * *"},
		{WorkflowUUID: "wf-2", TriggerID: "trg-2", ScheduleCron: "*/5 * * * * *"},
	}}
	s := New(source, logger.NewDefault("test"), time.Hour)

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := s.ScheduledCount(); got != 2 {
		t.Fatalf("ScheduledCount = %d, want 2", got)
	}

	source.setTriggers([]WorkflowTrigger{
		{WorkflowUUID: "wf-2", TriggerID: "trg-2", ScheduleCron: "*/5 * * * * *"},
	})
	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile (removal): %v", err)
	}
	if got := s.ScheduledCount(); got != 1 {
		t.Fatalf("ScheduledCount after removal = %d, want 1", got)
	}
	if _, ok := s.entries["wf-2"]; !ok {
		t.Fatal("expected wf-2 to remain scheduled")
	}
}

func TestReconcileReschedulesOnCronChange(t *testing.T) {
	source := &fakeSource{triggers: []WorkflowTrigger{
		{WorkflowUUID: "wf-1", TriggerID: "trg-1", ScheduleCron: "*/5 * * * * *"},
	}}
	s := New(source, logger.NewDefault("test"), time.Hour)

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	first := s.entries["wf-1"]

	source.setTriggers([]WorkflowTrigger{
		{WorkflowUUID: "wf-1", TriggerID: "trg-1", ScheduleCron: "*/10 * * * * *"},
	})
	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile (cron change): %v", err)
	}
	second := s.entries["wf-1"]
	if second.id == first.id {
		t.Fatal("expected a new cron entry id after schedule_cron changed")
	}
	if second.spec != "*/10 * * * * *" {
		t.Fatalf("spec = %q, want */10 * * * * *", second.spec)
	}
	if got := s.ScheduledCount(); got != 1 {
		t.Fatalf("ScheduledCount = %d, want 1", got)
	}
}

func TestReconcileSkipsInvalidCronSpec(t *testing.T) {
	source := &fakeSource{triggers: []WorkflowTrigger{
		{WorkflowUUID: "wf-bad", TriggerID: "trg-bad", ScheduleCron: "not-a-cron-spec"},
	}}
	s := New(source, logger.NewDefault("test"), time.Hour)

	if err := s.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := s.ScheduledCount(); got != 0 {
		t.Fatalf("ScheduledCount = %d, want 0 for invalid cron spec", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	source := &fakeSource{}
	s := New(source, logger.NewDefault("test"), 50*time.Millisecond)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// starting twice is a no-op, not an error
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start (second call): %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
