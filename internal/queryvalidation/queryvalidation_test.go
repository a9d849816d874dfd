package queryvalidation

import (
	"context"
	"testing"
)

func intp(i int) *int { return &i }

func TestResolvePaginationDefaults(t *testing.T) {
	d, err := ResolvePagination(Pagination{}, 50, 1000, false)
	if err != nil || d.Limit != 50 {
		t.Fatalf("got %+v, %v", d, err)
	}
}

func TestResolvePaginationPerPageNoLimit(t *testing.T) {
	_, err := ResolvePagination(Pagination{PerPage: intp(-1)}, 50, 1000, false)
	if err == nil {
		t.Fatal("expected error when per_page=-1 not permitted")
	}
	d, err := ResolvePagination(Pagination{PerPage: intp(-1)}, 50, 1000, true)
	if err != nil || d.Limit != -1 {
		t.Fatalf("got %+v, %v", d, err)
	}
}

func TestResolvePaginationMaxLimit(t *testing.T) {
	d, err := ResolvePagination(Pagination{Limit: intp(5000)}, 50, 1000, false)
	if err != nil || d.Limit != 1000 {
		t.Fatalf("got %+v, %v", d, err)
	}
}

type fakeSchema struct{ cols map[string]bool }

func (f fakeSchema) HasColumn(ctx context.Context, table, column string) (bool, error) {
	return f.cols[table+"."+column], nil
}

func TestSortValidator(t *testing.T) {
	v := NewSortValidator(fakeSchema{cols: map[string]bool{"entity_customer.name": true}})
	sortBy, order, err := v.Validate(context.Background(), "entity_customer", "name", "desc", nil)
	if err != nil || sortBy != "name" || order != "DESC" {
		t.Fatalf("got %q %q %v", sortBy, order, err)
	}
	if _, _, err := v.Validate(context.Background(), "entity_customer", "drop table;", "asc", nil); err == nil {
		t.Fatal("expected error for unsafe sort_by")
	}
	if _, _, err := v.Validate(context.Background(), "entity_customer", "nope", "asc", nil); err == nil {
		t.Fatal("expected error for unknown column")
	}
	sortBy, _, err = v.Validate(context.Background(), "entity_customer", "computed", "asc", map[string]bool{"computed": true})
	if err != nil || sortBy != "computed" {
		t.Fatalf("virtual field should validate, got %q %v", sortBy, err)
	}
}
