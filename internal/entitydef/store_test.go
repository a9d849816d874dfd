package entitydef

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestHasColumnReportsExistence(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("widget_view", "name").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := NewStore(db, nil)
	exists, err := store.HasColumn(context.Background(), "widget_view", "name")
	if err != nil {
		t.Fatalf("HasColumn: %v", err)
	}
	if !exists {
		t.Fatalf("expected column to exist")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCheckViewExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(ViewName("widget")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	store := NewStore(db, nil)
	exists, err := store.CheckViewExists(context.Background(), "widget")
	if err != nil {
		t.Fatalf("CheckViewExists: %v", err)
	}
	if exists {
		t.Fatalf("expected view to not exist")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
