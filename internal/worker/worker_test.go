package worker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bentbr/rdatacore/internal/dsl"
	"github.com/bentbr/rdatacore/internal/runlifecycle"
	"github.com/bentbr/rdatacore/internal/workflow"
)

type noopStager struct{ called bool }

func (s *noopStager) FetchAndStage(ctx context.Context, w workflow.Workflow, runUUID string) error {
	s.called = true
	return nil
}

func TestProcessRunSkipsWhenAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE workflow_runs SET status = 'running'`).WillReturnResult(sqlmock.NewResult(0, 0))

	stager := &noopStager{}
	loop := &Loop{
		Workflows: workflow.NewStore(db),
		Runs:      runlifecycle.NewStore(db),
		Stager:    stager,
		Executor:  &dsl.Executor{},
	}
	loop.processRun(context.Background(), runlifecycle.Run{UUID: "run-1", WorkflowUUID: "wf-1"})

	if stager.called {
		t.Fatal("expected FetchAndStage not to be called when the run was not claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLoopStartStopLifecycle(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`SELECT`).WillReturnRows(sqlmock.NewRows([]string{
		"uuid", "workflow_uuid", "status", "trigger_id", "queued_at", "started_at", "finished_at", "processed_items", "failed_items", "error",
	}))

	loop := &Loop{
		Workflows:    workflow.NewStore(db),
		Runs:         runlifecycle.NewStore(db),
		Stager:       &noopStager{},
		Executor:     &dsl.Executor{},
		PollInterval: 10 * time.Millisecond,
	}

	ctx := context.Background()
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start (idempotent): %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
