package dsl

import (
	"context"
	"fmt"
)

// EntityGateway is the subset of the Dynamic Entity Store the executor
// needs. A concrete implementation adapts internal/dynamicentity.Store to
// this interface, keeping the DSL package free of a storage dependency.
type EntityGateway interface {
	FilterEntities(ctx context.Context, entityType string, filter *EntityFilter, limit, offset int) ([]map[string]any, error)
	Create(ctx context.Context, entityType string, path string, fields map[string]any) (map[string]any, error)
	FindOneByFilters(ctx context.Context, entityType string, filters map[string]any) (map[string]any, bool, error)
	UpdateByUUID(ctx context.Context, entityType, uuid string, fields map[string]any) (map[string]any, error)
}

// FormatSource decodes an input payload into a sequence of JSON records.
type FormatSource interface {
	Decode(ctx context.Context, source []byte, spec *FormatSpec) ([]map[string]any, error)
}

// FormatSink streams output records to the requested destination/encoder.
type FormatSink interface {
	Emit(ctx context.Context, records []map[string]any, output *PushOutput, spec *FormatSpec) error
}

// Authenticator issues Authenticate-transform tokens.
type Authenticator interface {
	Issue(ctx context.Context, claims map[string]any, expirySecs int) (string, error)
}

// RecordResult captures the per-record outcome used to update run counters.
type RecordResult struct {
	Err error
}

// Executor runs one compiled Program over fetched input.
type Executor struct {
	Entities FormatSource
	Sink     FormatSink
	Auth     Authenticator
	Gateway  EntityGateway
}

// ExecuteStep applies from.mapping, transform, and to.mapping to a single
// input record, producing one output record (none on error) and
// dispatching it. It returns the step's mapped output (so RunProgram can feed it to
// the next step as from.type "previous_step") alongside a RecordResult per
// produced/attempted output, so the caller can update failed_items/
// processed_items without aborting the run, per §4.9.6.
func (e *Executor) ExecuteStep(ctx context.Context, step Step, record map[string]any) (map[string]any, []RecordResult) {
	in, err := Apply(step.From.Mapping, record)
	if err != nil {
		return nil, []RecordResult{{Err: err}}
	}

	outCtx, err := e.applyTransform(ctx, step.Transform, in)
	if err != nil {
		return nil, []RecordResult{{Err: err}}
	}

	out, err := Apply(step.To.Mapping, outCtx)
	if err != nil {
		return nil, []RecordResult{{Err: err}}
	}

	switch step.To.Type {
	case "entity":
		return out, []RecordResult{{Err: e.dispatchEntity(ctx, step.To, out)}}
	case "format":
		return out, []RecordResult{{Err: e.Sink.Emit(ctx, []map[string]any{out}, step.To.Output, step.To.Format)}}
	case "next_step":
		return out, []RecordResult{{Err: nil}}
	default:
		return nil, []RecordResult{{Err: fmt.Errorf("unknown to type %q", step.To.Type)}}
	}
}

// RunProgram iterates every step in order, feeding each step's mapped
// output forward as the next step's input record (the "previous_step"
// from.type). It stops at the first step that produces a failing
// RecordResult, since a downstream step can't meaningfully run on a record
// its predecessor failed to produce.
func (e *Executor) RunProgram(ctx context.Context, steps []Step, record map[string]any) []RecordResult {
	current := record
	for _, step := range steps {
		out, results := e.ExecuteStep(ctx, step, current)
		for _, r := range results {
			if r.Err != nil {
				return results
			}
		}
		current = out
	}
	return []RecordResult{{Err: nil}}
}

// entitySourcePageSize bounds each FilterEntities page when paging through
// an entity-sourced program's first step (from.type "entity").
const entitySourcePageSize = 500

// ResolveEntitySource pages through the gateway's FilterEntities for an
// entity-sourced step, accumulating every record across pages until a
// short page signals the end of the result set.
func (e *Executor) ResolveEntitySource(ctx context.Context, from FromDef) ([]map[string]any, error) {
	var all []map[string]any
	offset := 0
	for {
		page, err := e.Gateway.FilterEntities(ctx, from.EntityDefinition, from.Filter, entitySourcePageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < entitySourcePageSize {
			return all, nil
		}
		offset += entitySourcePageSize
	}
}

func (e *Executor) applyTransform(ctx context.Context, t TransformDef, record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	switch t.Type {
	case "", "none":
		return out, nil
	case "arithmetic":
		left, err := EvalOperand(out, *t.Left)
		if err != nil {
			return nil, err
		}
		right, err := EvalOperand(out, *t.Right)
		if err != nil {
			return nil, err
		}
		result, err := Arithmetic(left, t.Op, right)
		if err != nil {
			return nil, err
		}
		SetNested(out, t.Target, result)
		return out, nil
	case "concat":
		left, err := EvalStringOperand(out, *t.ConcatLeft)
		if err != nil {
			return nil, err
		}
		right, err := EvalStringOperand(out, *t.ConcatRight)
		if err != nil {
			return nil, err
		}
		SetNested(out, t.Target, left+t.Separator+right)
		return out, nil
	case "authenticate":
		if e.Auth == nil {
			return nil, fmt.Errorf("authenticate transform configured but no authenticator is wired")
		}
		claims := map[string]any{}
		for _, c := range t.RequiredClaims {
			if v, ok := GetNested(out, c); ok {
				SetNested(claims, c, v)
			}
		}
		token, err := e.Auth.Issue(ctx, claims, t.AuthExpirySecs)
		if err != nil {
			return nil, err
		}
		SetNested(out, t.Target, token)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform type %q", t.Type)
	}
}

func (e *Executor) dispatchEntity(ctx context.Context, to ToDef, out map[string]any) error {
	switch to.Mode {
	case "create":
		_, err := e.Gateway.Create(ctx, to.EntityDefinition, to.Path, out)
		return err
	case "update":
		path, uuid, err := e.resolveEntityPath(ctx, to, out)
		if err != nil {
			return err
		}
		if uuid == "" {
			return fmt.Errorf("entity to update not found at path %q", path)
		}
		_, err = e.Gateway.UpdateByUUID(ctx, to.EntityDefinition, uuid, out)
		return err
	case "create_or_update":
		_, uuid, err := e.resolveEntityPath(ctx, to, out)
		if err != nil {
			return err
		}
		if uuid != "" {
			_, err = e.Gateway.UpdateByUUID(ctx, to.EntityDefinition, uuid, out)
			return err
		}
		_, err = e.Gateway.Create(ctx, to.EntityDefinition, to.Path, out)
		return err
	default:
		return fmt.Errorf("unknown entity mode %q", to.Mode)
	}
}

// resolveEntityPath implements the design-note pattern: filter value
// transforms -> repository find_one_by_filters -> match -> (path, uuid);
// no match -> look up the fallback path itself, so a pre-existing fallback
// entity is updated in place rather than treated as absent; only if the
// fallback path itself has no entity is ("", "") returned with no error. A
// database error from the gateway always propagates.
func (e *Executor) resolveEntityPath(ctx context.Context, to ToDef, record map[string]any) (path string, uuid string, err error) {
	filters := make(map[string]any, len(to.Identify))
	for source, dest := range to.Identify {
		val, ok := GetNested(record, source)
		if !ok {
			continue
		}
		if kind, ok := to.ValueTransforms[dest]; ok {
			val = ApplyValueTransform(val, kind)
		}
		filters[dest] = val
	}

	found, ok, err := e.Gateway.FindOneByFilters(ctx, to.EntityDefinition, filters)
	if err != nil {
		return "", "", err
	}
	if ok {
		p, _ := found["path"].(string)
		u, _ := found["uuid"].(string)
		return p, u, nil
	}
	if to.FallbackPath != "" {
		fallback, fallbackOK, ferr := e.Gateway.FindOneByFilters(ctx, to.EntityDefinition, map[string]any{"path_equals": to.FallbackPath})
		if ferr != nil {
			return "", "", ferr
		}
		if fallbackOK {
			u, _ := fallback["uuid"].(string)
			return to.FallbackPath, u, nil
		}
		return to.FallbackPath, "", nil
	}
	return "", "", nil
}
