package settings

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bentbr/rdatacore/internal/cache"
)

func TestEntityVersioningSettingsAbsentDefaultsDisabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT payload FROM settings WHERE name = \$1`).
		WithArgs("entity_versioning").
		WillReturnError(sql.ErrNoRows)

	svc := NewService(db, cache.NewMemory(0))
	cfg, err := svc.EntityVersioningSettings(context.Background())
	if err != nil {
		t.Fatalf("EntityVersioningSettings: %v", err)
	}
	if cfg.Enabled {
		t.Fatal("expected disabled default when no row exists")
	}
}

func TestPatchMergesPartialFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT payload FROM settings WHERE name = \$1`).
		WithArgs("workflow_run_logs").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(`{"enabled":true,"max_runs":10}`))
	mock.ExpectExec(`INSERT INTO settings`).WillReturnResult(sqlmock.NewResult(1, 1))

	svc := NewService(db, cache.NewMemory(0))
	err = svc.PatchWorkflowRunLogSettings(context.Background(), []byte(`{"max_age_days":30}`))
	if err != nil {
		t.Fatalf("PatchWorkflowRunLogSettings: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestValidateRejectsNonPositive(t *testing.T) {
	zero := 0
	cfg := EntityVersioningSettings{Enabled: true, MaxVersions: &zero}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for max_versions=0")
	}
}
