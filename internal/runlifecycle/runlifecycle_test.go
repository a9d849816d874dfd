package runlifecycle

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestInsertRunQueuedWritesInitialLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO workflow_runs`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO workflow_run_logs`).WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewStore(db)
	run, err := store.InsertRunQueued(context.Background(), "wf-1", "trigger-1")
	if err != nil {
		t.Fatalf("InsertRunQueued: %v", err)
	}
	if run.Status != Queued {
		t.Fatalf("expected queued status, got %s", run.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkRunningOnlyFromQueued(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE workflow_runs SET status = 'running'`).WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	ok, err := store.MarkRunning(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if ok {
		t.Fatal("expected false when no queued row matched")
	}
}

func TestMarkSuccessRejectsNonRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE workflow_runs SET status = 'success'`).WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewStore(db)
	err = store.MarkSuccess(context.Background(), "run-1", 2, 0)
	if err == nil {
		t.Fatal("expected error when run is not in running state")
	}
}

func TestMarkFailureTerminal(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`UPDATE workflow_runs SET status = 'failed'`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_uuid"}).AddRow("wf-1"))

	store := NewStore(db)
	if err := store.MarkFailure(context.Background(), "run-1", "boom"); err != nil {
		t.Fatalf("MarkFailure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkFailureRejectsNonRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`UPDATE workflow_runs SET status = 'failed'`).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_uuid"}))

	store := NewStore(db)
	if err := store.MarkFailure(context.Background(), "run-1", "boom"); err == nil {
		t.Fatal("expected error when run is not in running state")
	}
}
