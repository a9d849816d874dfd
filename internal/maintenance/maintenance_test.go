package maintenance

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/internal/settings"
)

func TestRefreshTokenCleanupDeletesExpiredAndRevoked(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`DELETE FROM refresh_tokens WHERE expires_at < \$1 OR is_revoked = true`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	tc := TaskContext{DB: db}
	if err := RefreshTokenCleanup(context.Background(), tc); err != nil {
		t.Fatalf("RefreshTokenCleanup: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWorkflowRunLogsPurgerNoOpWhenDisabled(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT payload FROM settings WHERE name = \$1`).
		WithArgs("workflow_run_logs").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(`{"enabled":false}`))

	tc := TaskContext{DB: db, Settings: settings.NewService(db, cache.NewMemory(0))}
	if err := WorkflowRunLogsPurger(context.Background(), tc); err != nil {
		t.Fatalf("WorkflowRunLogsPurger: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
