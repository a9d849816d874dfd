// Package gateway adapts internal/dynamicentity.Store to dsl.EntityGateway,
// the same way internal/worker.TriggerSource adapts workflow/runlifecycle
// stores to scheduler.TriggerSource: the DSL package stays storage-free,
// and the concrete wiring lives in one small translation layer.
package gateway

import (
	"context"
	"fmt"

	"github.com/bentbr/rdatacore/internal/dsl"
	"github.com/bentbr/rdatacore/internal/dynamicentity"
	"github.com/bentbr/rdatacore/internal/entitydef"
)

// EntityGateway implements dsl.EntityGateway over the dynamic entity store.
type EntityGateway struct {
	Entities *dynamicentity.Store
	Defs     *entitydef.Store
}

func New(entities *dynamicentity.Store, defs *entitydef.Store) *EntityGateway {
	return &EntityGateway{Entities: entities, Defs: defs}
}

func (g *EntityGateway) FilterEntities(ctx context.Context, entityType string, filter *dsl.EntityFilter, limit, offset int) ([]map[string]any, error) {
	def, err := g.Defs.GetByEntityType(ctx, entityType)
	if err != nil {
		return nil, err
	}
	var filters []dynamicentity.Filter
	if filter != nil {
		filters = append(filters, dynamicentity.Filter{Field: filter.Field, Operator: filter.Operator, Value: filter.Value})
	}
	records, err := g.Entities.FilterEntities(ctx, entityType, def, filters, "", "", limit, offset)
	if err != nil {
		return nil, err
	}
	return toMaps(records), nil
}

func (g *EntityGateway) Create(ctx context.Context, entityType string, path string, fields map[string]any) (map[string]any, error) {
	e, err := g.Entities.Create(ctx, dynamicentity.Entity{EntityType: entityType, Path: path, Fields: fields}, "dsl-executor")
	if err != nil {
		return nil, err
	}
	return entityToMap(e), nil
}

// FindOneByFilters runs an equality-AND filter set and returns the first
// match, if any. The DSL's "find or create" entity steps use this to check
// for an existing record before falling back to Create.
func (g *EntityGateway) FindOneByFilters(ctx context.Context, entityType string, filters map[string]any) (map[string]any, bool, error) {
	def, err := g.Defs.GetByEntityType(ctx, entityType)
	if err != nil {
		return nil, false, err
	}
	dynFilters := make([]dynamicentity.Filter, 0, len(filters))
	for field, value := range filters {
		dynFilters = append(dynFilters, dynamicentity.Filter{Field: field, Operator: "=", Value: value})
	}
	records, err := g.Entities.FilterEntities(ctx, entityType, def, dynFilters, "", "", 1, 0)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return map[string]any(records[0]), true, nil
}

func (g *EntityGateway) UpdateByUUID(ctx context.Context, entityType, uuid string, fields map[string]any) (map[string]any, error) {
	e, err := g.Entities.Update(ctx, uuid, nil, fields, "dsl-executor", false)
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", entityType, uuid, err)
	}
	return entityToMap(e), nil
}

func toMaps(records []dynamicentity.Record) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, r := range records {
		out[i] = map[string]any(r)
	}
	return out
}

func entityToMap(e dynamicentity.Entity) map[string]any {
	out := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["uuid"] = e.UUID
	out["entity_type"] = e.EntityType
	out["path"] = e.Path
	out["entity_key"] = e.EntityKey
	out["parent_uuid"] = e.ParentUUID
	out["version"] = e.Version
	return out
}
