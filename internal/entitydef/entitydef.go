// Package entitydef implements the Entity Definition Registry (C4): CRUD
// for runtime type definitions, derived-view lifecycle, and cache
// coherency.
package entitydef

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var entityTypeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)
var fieldNameRe = entityTypeRe

type FieldType string

const (
	FieldString      FieldType = "String"
	FieldText        FieldType = "Text"
	FieldWysiwyg     FieldType = "Wysiwyg"
	FieldInteger     FieldType = "Integer"
	FieldFloat       FieldType = "Float"
	FieldBoolean     FieldType = "Boolean"
	FieldDateTime    FieldType = "DateTime"
	FieldDate        FieldType = "Date"
	FieldObject      FieldType = "Object"
	FieldArray       FieldType = "Array"
	FieldUUID        FieldType = "UUID"
	FieldManyToOne   FieldType = "ManyToOne"
	FieldManyToMany  FieldType = "ManyToMany"
	FieldSelect      FieldType = "Select"
	FieldMultiSelect FieldType = "MultiSelect"
	FieldImage       FieldType = "Image"
	FieldFile        FieldType = "File"
	FieldPassword    FieldType = "Password" // write-only
	FieldJSON        FieldType = "Json"
)

type FieldDefinition struct {
	Name       string
	Type       FieldType
	Required   bool
	Indexed    bool
	Filterable bool
	Unique     bool
}

type Definition struct {
	UUID        string
	EntityType  string
	DisplayName string
	Description string
	Group       string
	Icon        string
	IsParent    bool
	Fields      []FieldDefinition
	Published   bool
	Version     int
	CreatedAt   time.Time
	CreatedBy   string
	UpdatedAt   time.Time
	UpdatedBy   string
}

// SystemFields are registry-owned columns excluded from per-type field
// diffing (see internal/dynamicentity).
var SystemFields = map[string]bool{
	"uuid": true, "entity_type": true, "path": true, "created_at": true,
	"updated_at": true, "created_by": true, "updated_by": true,
	"published": true, "version": true,
}

// Validate checks the entity_type and field-name invariants required before
// persistence.
func Validate(d Definition) error {
	if !entityTypeRe.MatchString(d.EntityType) {
		return fmt.Errorf("entity_type %q does not match %s", d.EntityType, entityTypeRe.String())
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if !fieldNameRe.MatchString(f.Name) {
			return fmt.Errorf("field name %q does not match %s", f.Name, fieldNameRe.String())
		}
		if seen[strings.ToLower(f.Name)] {
			return fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[strings.ToLower(f.Name)] = true
	}
	return nil
}

// TableName returns the per-type physical table name: lowercased
// entity_type prefixed "entity_".
func TableName(entityType string) string { return "entity_" + strings.ToLower(entityType) }

// ViewName returns the derived view name.
func ViewName(entityType string) string { return TableName(entityType) + "_view" }
