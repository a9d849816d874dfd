package permission

import "testing"

func strp(s string) *string { return &s }

func TestHasSuperAdminShortCircuit(t *testing.T) {
	r := Role{SuperAdmin: true}
	if !Has(r, System, Admin, nil) {
		t.Fatal("expected super_admin to short-circuit")
	}
}

func TestHasAdminGrantsEveryType(t *testing.T) {
	r := Role{Permissions: []Permission{{ResourceType: Workflows, PermissionType: Admin, AccessLevel: All}}}
	for _, typ := range []Type{Read, Create, Update, Delete, Publish, Execute} {
		if !Has(r, Workflows, typ, nil) {
			t.Fatalf("expected Admin to grant %s", typ)
		}
	}
	if Has(r, System, Read, nil) {
		t.Fatal("Admin must not grant outside its own namespace")
	}
}

func TestHasPathConstraints(t *testing.T) {
	r := Role{Permissions: []Permission{{
		ResourceType:   Entities,
		PermissionType: Read,
		Constraints:    map[string]any{"path": "/projects"},
	}}}

	cases := []struct {
		path string
		want bool
	}{
		{"/projects", true},
		{"/projects/a", true},
		{"/projects/a/b", true},
		{"/other", false},
		{"/projectx", false},
	}
	for _, tc := range cases {
		if got := Has(r, Entities, Read, strp(tc.path)); got != tc.want {
			t.Errorf("path %s: got %v want %v", tc.path, got, tc.want)
		}
	}
	if Has(r, Entities, Read, nil) {
		t.Fatal("nil query path must fail a constrained permission")
	}
}

func TestPathMatchesWildcard(t *testing.T) {
	if !pathMatches("/projects/*", "/projects/a") {
		t.Fatal("wildcard prefix should match")
	}
	if !pathMatches("/projects/*", "/projects") {
		t.Fatal("wildcard prefix should match the base path itself")
	}
	if pathMatches("/projects/*", "/projectx") {
		t.Fatal("wildcard prefix must not match a sibling with the same prefix text")
	}
}

func TestValidateNewRejectsExecuteOutsideWorkflows(t *testing.T) {
	err := ValidateNew(Permission{ResourceType: Entities, PermissionType: Execute})
	if err == nil {
		t.Fatal("expected validation error")
	}
}
