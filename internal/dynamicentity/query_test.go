package dynamicentity

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/bentbr/rdatacore/internal/entitydef"
)

func TestGetByTypeReturnsRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"uuid", "path", "entity_key", "title"}).
		AddRow("u1", "/", "doc1", "Hello")
	mock.ExpectQuery(`SELECT \* FROM "entity_article_view" WHERE uuid = \$1`).WithArgs("u1").WillReturnRows(rows)

	store := NewStore(db, nil)
	rec, err := store.GetByType(context.Background(), "article", "u1")
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if rec["title"] != "Hello" {
		t.Fatalf("expected title Hello, got %v", rec["title"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByTypeNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"uuid"})
	mock.ExpectQuery(`SELECT \* FROM "entity_article_view"`).WillReturnRows(rows)

	store := NewStore(db, nil)
	if _, err := store.GetByType(context.Background(), "article", "missing"); err == nil {
		t.Fatal("expected not found error")
	}
}

func TestHasChildren(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("parent-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	store := NewStore(db, nil)
	has, err := store.HasChildren(context.Background(), "parent-1")
	if err != nil {
		t.Fatalf("HasChildren: %v", err)
	}
	if !has {
		t.Fatal("expected true")
	}
}

func TestFilterEntitiesRejectsUnfilterableField(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	def := entitydef.Definition{
		EntityType: "article",
		Fields: []entitydef.FieldDefinition{
			{Name: "title", Type: entitydef.FieldString, Filterable: false},
		},
	}
	store := NewStore(db, nil)
	_, err = store.FilterEntities(context.Background(), "article", def, []Filter{
		{Field: "title", Operator: "=", Value: "x"},
	}, "", "", 10, 0)
	if err == nil {
		t.Fatal("expected validation error for unfilterable field")
	}
}

func TestFilterEntitiesBuildsInClause(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	def := entitydef.Definition{
		EntityType: "article",
		Fields: []entitydef.FieldDefinition{
			{Name: "status", Type: entitydef.FieldString, Filterable: true},
		},
	}
	mock.ExpectQuery(`SELECT \* FROM "entity_article_view" WHERE "status" IN \(\$1, \$2\) ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("draft", "published", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"uuid", "status"}))

	store := NewStore(db, nil)
	_, err = store.FilterEntities(context.Background(), "article", def, []Filter{
		{Field: "status", Operator: "IN", Value: []any{"draft", "published"}},
	}, "", "", 10, 0)
	if err != nil {
		t.Fatalf("FilterEntities: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestBrowseByPathSuppressesFolderOnFileCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{"uuid", "path", "entity_key", "created_at"}).
		AddRow("u1", "/docs", "reports", now).
		AddRow("u2", "/docs/reports", "q1", now).
		AddRow("u3", "/docs", "notes", now)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery(`SELECT \* FROM "entity_article_view" WHERE path = \$1 OR path LIKE \$2`).
		WithArgs("/docs", "/docs/%").
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("u3").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	store := NewStore(db, nil)
	entries, err := store.BrowseByPath(context.Background(), "article", "/docs", 50, 0)
	if err != nil {
		t.Fatalf("BrowseByPath: %v", err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 entries (file 'reports' wins over folder, plus file 'notes'), got %v", names)
	}
	for _, e := range entries {
		if e.Name == "reports" && e.IsFolder {
			t.Fatal("folder 'reports' should be suppressed by the file of the same name")
		}
		if e.Name == "reports" && !e.HasChildren {
			t.Fatal("expected 'reports' to report has_children=true (it has a child at /docs/reports/q1)")
		}
		if e.Name == "notes" && e.HasChildren {
			t.Fatal("expected 'notes' to report has_children=false")
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
