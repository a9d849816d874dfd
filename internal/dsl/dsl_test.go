package dsl

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeGateway struct {
	pages       [][]map[string]any
	findResults map[string]map[string]any // keyed by JSON-ish filter summary
	created     []map[string]any
	updated     map[string]map[string]any
}

func (g *fakeGateway) FilterEntities(ctx context.Context, entityType string, filter *EntityFilter, limit, offset int) ([]map[string]any, error) {
	page := offset / limit
	if page >= len(g.pages) {
		return nil, nil
	}
	return g.pages[page], nil
}

func (g *fakeGateway) Create(ctx context.Context, entityType, path string, fields map[string]any) (map[string]any, error) {
	rec := map[string]any{"path": path, "uuid": "new-uuid"}
	for k, v := range fields {
		rec[k] = v
	}
	g.created = append(g.created, rec)
	return rec, nil
}

func (g *fakeGateway) FindOneByFilters(ctx context.Context, entityType string, filters map[string]any) (map[string]any, bool, error) {
	key := fmt.Sprintf("%v", filters)
	if rec, ok := g.findResults[key]; ok {
		return rec, true, nil
	}
	return nil, false, nil
}

func (g *fakeGateway) UpdateByUUID(ctx context.Context, entityType, uuid string, fields map[string]any) (map[string]any, error) {
	if g.updated == nil {
		g.updated = make(map[string]map[string]any)
	}
	g.updated[uuid] = fields
	return fields, nil
}

func TestCastToF64Strict(t *testing.T) {
	if _, err := CastToF64Strict(nil, "f"); err == nil {
		t.Fatal("expected error for null")
	}
	if _, err := CastToF64Strict("  ", "f"); err == nil {
		t.Fatal("expected error for empty string")
	}
	f, err := CastToF64Strict("42", "f")
	if err != nil || f != 42 {
		t.Fatalf("got %v, %v", f, err)
	}
}

func TestCastToStringSmart(t *testing.T) {
	s, err := CastToStringSmart(float64(3), "n")
	if err != nil || s != "3" {
		t.Fatalf("got %q, %v", s, err)
	}
	s, err = CastToStringSmart(float64(3.5), "n")
	if err != nil || s != "3.5" {
		t.Fatalf("got %q, %v", s, err)
	}
	if _, err := CastToStringSmart(nil, "n"); err == nil {
		t.Fatal("expected error for null")
	}
}

func TestArithmeticDivisionByZero(t *testing.T) {
	_, err := Arithmetic(1, Div, 0)
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestApplyLiteralMapping(t *testing.T) {
	out, err := Apply(Mapping{"@literal:true": "published"}, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if out["published"] != true {
		t.Fatalf("got %v", out)
	}
}

func TestBuildPathFromFields(t *testing.T) {
	path, err := BuildPathFromFields("/{a}/{b}", map[string]any{"a": "x", "b": "y"}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if path != "/x/y" {
		t.Fatalf("got %q", path)
	}
}

func TestParseEntityPath(t *testing.T) {
	normalized, key, parent := ParseEntityPath("/x/y")
	if normalized != "/x/y" || key != "y" || parent == nil || *parent != "/x" {
		t.Fatalf("got %q %q %v", normalized, key, parent)
	}

	normalized, key, parent = ParseEntityPath("acme")
	if normalized != "/acme" || key != "acme" || parent != nil {
		t.Fatalf("got %q %q %v", normalized, key, parent)
	}
}

func TestSetNestedDeepMerge(t *testing.T) {
	target := map[string]any{"a": map[string]any{"x": 1}}
	SetNested(target, "a.y", 2)
	a := target["a"].(map[string]any)
	if a["x"] != 1 || a["y"] != 2 {
		t.Fatalf("got %v", a)
	}
}

func TestValidateRejectsEmptySteps(t *testing.T) {
	if err := Validate(Program{}); err == nil {
		t.Fatal("expected error for empty steps")
	}
}

func TestValidateRejectsUnsafeFieldName(t *testing.T) {
	p := Program{Steps: []Step{{
		From: FromDef{Type: "previous_step", Mapping: Mapping{"bad name!": "dest"}},
		To:   ToDef{Type: "next_step"},
	}}}
	if err := Validate(p); err == nil {
		t.Fatal("expected error for unsafe field name")
	}
}

func TestApplyValueTransformSlug(t *testing.T) {
	if got := ApplyValueTransform("Hello World!!", "slug"); got != "hello-world" {
		t.Fatalf("got %v", got)
	}
}

func TestRunProgramChainsStepsViaNextStep(t *testing.T) {
	gw := &fakeGateway{findResults: map[string]map[string]any{}}
	exec := &Executor{Gateway: gw}

	steps := []Step{
		{
			From: FromDef{Type: "trigger"},
			To:   ToDef{Type: "next_step", Mapping: Mapping{"name": "full_name"}},
		},
		{
			From: FromDef{Type: "previous_step"},
			To:   ToDef{Type: "entity", EntityDefinition: "contact", Path: "/contacts/a", Mode: "create"},
		},
	}

	results := exec.RunProgram(context.Background(), steps, map[string]any{"name": "Ada"})
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
	}
	if len(gw.created) != 1 || gw.created[0]["full_name"] != "Ada" {
		t.Fatalf("expected step 2 to receive step 1's mapped output, got %v", gw.created)
	}
}

func TestRunProgramStopsOnFirstStepError(t *testing.T) {
	gw := &fakeGateway{}
	exec := &Executor{Gateway: gw}

	steps := []Step{
		{From: FromDef{Type: "trigger"}, To: ToDef{Type: "bogus"}},
	}

	results := exec.RunProgram(context.Background(), steps, map[string]any{})
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected a single failing result, got %v", results)
	}
	if len(gw.created) != 0 {
		t.Fatal("expected no entity to be created when the only step fails")
	}
}

func TestResolveEntitySourcePagesUntilShortPage(t *testing.T) {
	full := make([]map[string]any, entitySourcePageSize)
	for i := range full {
		full[i] = map[string]any{"uuid": fmt.Sprintf("u%d", i)}
	}
	short := []map[string]any{{"uuid": "last"}}

	gw := &fakeGateway{pages: [][]map[string]any{full, short}}
	exec := &Executor{Gateway: gw}

	records, err := exec.ResolveEntitySource(context.Background(), FromDef{Type: "entity", EntityDefinition: "contact"})
	if err != nil {
		t.Fatalf("ResolveEntitySource: %v", err)
	}
	if len(records) != entitySourcePageSize+1 {
		t.Fatalf("expected %d records across two pages, got %d", entitySourcePageSize+1, len(records))
	}
}

func TestDispatchEntityUpdateUsesFallbackEntityUUID(t *testing.T) {
	gw := &fakeGateway{
		findResults: map[string]map[string]any{
			fmt.Sprintf("%v", map[string]any{"path_equals": "/contacts/default"}): {
				"path": "/contacts/default", "uuid": "fallback-uuid",
			},
		},
	}
	exec := &Executor{Gateway: gw}

	to := ToDef{
		Type:             "entity",
		EntityDefinition: "contact",
		Mode:             "update",
		Identify:         Mapping{"email": "email"},
		FallbackPath:     "/contacts/default",
	}
	err := exec.dispatchEntity(context.Background(), to, map[string]any{"email": "missing@example.com", "name": "Grace"})
	if err != nil {
		t.Fatalf("dispatchEntity: %v", err)
	}
	if fields, ok := gw.updated["fallback-uuid"]; !ok || fields["name"] != "Grace" {
		t.Fatalf("expected update against the fallback entity's real uuid, got %v", gw.updated)
	}
}

func TestDispatchEntityUpdateErrorsWhenFallbackAlsoMissing(t *testing.T) {
	gw := &fakeGateway{findResults: map[string]map[string]any{}}
	exec := &Executor{Gateway: gw}

	to := ToDef{
		Type:             "entity",
		EntityDefinition: "contact",
		Mode:             "update",
		Identify:         Mapping{"email": "email"},
		FallbackPath:     "/contacts/default",
	}
	err := exec.dispatchEntity(context.Background(), to, map[string]any{"email": "missing@example.com"})
	if err == nil {
		t.Fatal("expected an error when neither the match nor the fallback entity exist")
	}
}
