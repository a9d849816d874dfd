// Package dynamicentity implements the Dynamic Entity Store (C5): CRUD over
// per-type tables plus the central registry, path/key integrity, and parent
// inference.
package dynamicentity

import (
	"strings"
	"time"

	"github.com/bentbr/rdatacore/internal/entitydef"
)

// Entity is the persisted split: registry identity/hierarchy plus
// type-specific field data.
type Entity struct {
	UUID       string
	EntityType string
	Path       string
	EntityKey  string
	ParentUUID string
	Published  bool
	Version    int
	CreatedAt  time.Time
	CreatedBy  string
	UpdatedAt  time.Time
	UpdatedBy  string
	Fields     map[string]any
}

// NormalizePath applies the create-path rule: empty -> "/", leading "/"
// enforced, trailing "/" stripped except for root.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	return path
}

// CanonicalChildPath computes a child's path from its parent's (path,
// entity_key), root-specialised.
func CanonicalChildPath(parentPath, parentKey string) string {
	if parentPath == "/" {
		return "/" + parentKey
	}
	return parentPath + "/" + parentKey
}

// DiffFieldColumns returns the subset of provided fields that belong in the
// per-type table: those matching the definition's fields case-insensitively,
// excluding registry-owned system fields.
func DiffFieldColumns(definition entitydef.Definition, provided map[string]any) map[string]any {
	byLower := make(map[string]entitydef.FieldDefinition, len(definition.Fields))
	for _, f := range definition.Fields {
		byLower[strings.ToLower(f.Name)] = f
	}
	out := make(map[string]any)
	for name, val := range provided {
		lower := strings.ToLower(name)
		if entitydef.SystemFields[lower] {
			continue
		}
		if _, ok := byLower[lower]; ok {
			out[lower] = val
		}
	}
	return out
}

// RequiredFieldsPresent validates that every required field in the
// definition has a value in provided.
func RequiredFieldsPresent(definition entitydef.Definition, provided map[string]any) []string {
	byLower := make(map[string]any, len(provided))
	for k, v := range provided {
		byLower[strings.ToLower(k)] = v
	}
	var missing []string
	for _, f := range definition.Fields {
		if !f.Required {
			continue
		}
		v, ok := byLower[strings.ToLower(f.Name)]
		if !ok || v == nil {
			missing = append(missing, f.Name)
		}
	}
	return missing
}
