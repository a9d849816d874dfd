package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

const validConfig = `{"steps":[{"from":{"type":"trigger","mapping":{}},"transform":{"type":"none"},"to":{"type":"next_step","mapping":{}}}]}`

func TestCreateRejectsInvalidConfig(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	_, err = store.Create(context.Background(), Workflow{
		Name: "bad", Kind: Consumer, Config: json.RawMessage(`{"steps":[]}`),
	}, "actor-1")
	if err == nil {
		t.Fatal("expected validation error for empty steps")
	}
}

func TestCreatePersistsValidWorkflow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO workflows`).WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewStore(db)
	w, err := store.Create(context.Background(), Workflow{
		Name: "nightly-sync", Kind: Consumer, ScheduleCron: "0 0 * * * *",
		Config: json.RawMessage(validConfig),
	}, "actor-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Version != 1 {
		t.Fatalf("version = %d, want 1", w.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListScheduledTriggersFiltersConsumerEnabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT uuid, schedule_cron FROM workflows`).
		WithArgs(string(Consumer)).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "schedule_cron"}).
			AddRow("wf-1", "*/5 * * * * *"))

	store := NewStore(db)
	triggers, err := store.ListScheduledTriggers(context.Background())
	if err != nil {
		t.Fatalf("ListScheduledTriggers: %v", err)
	}
	if len(triggers) != 1 || triggers[0].WorkflowUUID != "wf-1" {
		t.Fatalf("triggers = %+v", triggers)
	}
}
