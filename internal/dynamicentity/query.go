package dynamicentity

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/entitydef"
)

// Record is a view row: registry fields flattened alongside type fields,
// as returned by the per-type view (row_to_json shape).
type Record map[string]any

// GetByType implements get_by_type (§4.5.3): a single row from the
// per-type view by uuid.
func (s *Store) GetByType(ctx context.Context, entityType, uuidVal string) (Record, error) {
	view := entitydef.ViewName(entityType)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE uuid = $1`, quoteIdent(view)), uuidVal)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	recs, err := scanRows(rows)
	if err != nil {
		return nil, apperr.Database(err)
	}
	if len(recs) == 0 {
		return nil, apperr.NotFound("entity", uuidVal)
	}
	return recs[0], nil
}

// GetAllByType implements get_all_by_type: every row for a type, newest
// first, paginated.
func (s *Store) GetAllByType(ctx context.Context, entityType string, limit, offset int) ([]Record, error) {
	view := entitydef.ViewName(entityType)
	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY created_at DESC LIMIT $1 OFFSET $2`, quoteIdent(view))
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// QueryByParent implements query_by_parent: children of a given parent
// uuid, restricted to entity_type.
func (s *Store) QueryByParent(ctx context.Context, entityType, parentUUID string, limit, offset int) ([]Record, error) {
	view := entitydef.ViewName(entityType)
	query := fmt.Sprintf(`SELECT * FROM %s WHERE parent_uuid = $1 ORDER BY entity_key LIMIT $2 OFFSET $3`, quoteIdent(view))
	rows, err := s.db.QueryContext(ctx, query, parentUUID, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// QueryByPath implements query_by_path: exact path match.
func (s *Store) QueryByPath(ctx context.Context, entityType, path string) ([]Record, error) {
	view := entitydef.ViewName(entityType)
	query := fmt.Sprintf(`SELECT * FROM %s WHERE path = $1 ORDER BY entity_key`, quoteIdent(view))
	rows, err := s.db.QueryContext(ctx, query, NormalizePath(path))
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// HasChildren implements has_children: existence check on parent_uuid,
// across the whole registry (not type-scoped, since children may be of
// a different entity type than their parent).
func (s *Store) HasChildren(ctx context.Context, parentUUID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM entities_registry WHERE parent_uuid = $1)`, parentUUID).Scan(&exists)
	if err != nil {
		return false, apperr.Database(err)
	}
	return exists, nil
}

// Filter describes a single filter_entities predicate. Field "path_equals"
// and "path_prefix" address the registry's path column directly; any
// other field name must be a filterable, indexed or unique field of the
// type's definition.
type Filter struct {
	Field    string
	Operator string
	Value    any
}

var allowedFilterOps = map[string]bool{
	"=": true, ">": true, "<": true, "<=": true, ">=": true, "IN": true, "NOT IN": true,
}

// FilterEntities implements filter_entities (§4.5.3): a parameterised
// WHERE clause built from Filter predicates, each validated against the
// definition's filterable, indexed or unique fields (or the
// path_equals/path_prefix registry keys).
func (s *Store) FilterEntities(ctx context.Context, entityType string, def entitydef.Definition, filters []Filter, sortBy, sortOrder string, limit, offset int) ([]Record, error) {
	filterable := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if f.Filterable || f.Indexed || f.Unique {
			filterable[strings.ToLower(f.Name)] = true
		}
	}

	view := entitydef.ViewName(entityType)
	var clauses []string
	var args []any

	for _, f := range filters {
		if !allowedFilterOps[strings.ToUpper(f.Operator)] {
			return nil, apperr.Validation("unsupported filter operator %q", f.Operator)
		}
		op := strings.ToUpper(f.Operator)

		switch f.Field {
		case "path_equals":
			clauses = append(clauses, "path = ?")
			args = append(args, NormalizePath(fmt.Sprintf("%v", f.Value)))
		case "path_prefix":
			clauses = append(clauses, "path LIKE ?")
			args = append(args, NormalizePath(fmt.Sprintf("%v", f.Value))+"%")
		default:
			lower := strings.ToLower(f.Field)
			if !filterable[lower] {
				return nil, apperr.Validation("field %q is not filterable", f.Field)
			}
			col := quoteIdent(lower)
			if op == "IN" || op == "NOT IN" {
				values, ok := f.Value.([]any)
				if !ok || len(values) == 0 {
					return nil, apperr.Validation("field %q: %s requires a non-empty list", f.Field, op)
				}
				clauses = append(clauses, fmt.Sprintf("%s %s (?)", col, op))
				args = append(args, values)
			} else {
				clauses = append(clauses, fmt.Sprintf("%s %s ?", col, op))
				args = append(args, f.Value)
			}
		}
	}

	query := fmt.Sprintf(`SELECT * FROM %s`, quoteIdent(view))
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if sortBy != "" {
		order := "ASC"
		if strings.EqualFold(sortOrder, "desc") {
			order = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY %s %s", quoteIdent(strings.ToLower(sortBy)), order)
	} else {
		query += " ORDER BY created_at DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	expanded = sqlx.Rebind(sqlx.DOLLAR, expanded)

	rows, err := s.db.QueryContext(ctx, expanded, expandedArgs...)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// BrowseEntry is one row of a browse_by_path listing: either a file (a
// real entity at the exact browsed path) or a virtual folder (the first
// path segment shared by entities nested deeper than the browsed path).
type BrowseEntry struct {
	Name        string
	IsFolder    bool
	Entity      Record
	HasChildren bool
}

// BrowseByPath implements browse_by_path (§4.5.3, scenario S6): lists the
// immediate children of a path as a mix of real entities (files) and
// synthetic folders representing deeper nesting. When a folder name
// collides with a file's entity_key, the folder is suppressed and the
// file wins (resolved design decision, matching the original's comment
// "suppressing the folder").
func (s *Store) BrowseByPath(ctx context.Context, entityType, browsePath string, limit, offset int) ([]BrowseEntry, error) {
	prefix := NormalizePath(browsePath)
	view := entitydef.ViewName(entityType)

	likePrefix := prefix
	if likePrefix != "/" {
		likePrefix += "/"
	}

	query := fmt.Sprintf(`SELECT * FROM %s WHERE path = $1 OR path LIKE $2 ORDER BY path, entity_key`, quoteIdent(view))
	rows, err := s.db.QueryContext(ctx, query, prefix, likePrefix+"%")
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	all, err := scanRows(rows)
	if err != nil {
		return nil, apperr.Database(err)
	}

	files := make(map[string]Record)
	folders := make(map[string]bool)

	for _, r := range all {
		rowPath, _ := r["path"].(string)
		key, _ := r["entity_key"].(string)
		if rowPath == prefix {
			files[key] = r
			continue
		}
		rest := strings.TrimPrefix(rowPath, likePrefix)
		segments := strings.SplitN(rest, "/", 2)
		first := segments[0]
		if len(segments) == 1 {
			// rest has no further slash: this row's own path is the first
			// level below prefix and its entity_key names a grandchild,
			// so the folder is `first` (the last path segment itself).
			folders[first] = true
		} else {
			folders[first] = true
		}
	}

	var entries []BrowseEntry
	for name := range folders {
		if _, isFile := files[name]; isFile {
			continue
		}
		entries = append(entries, BrowseEntry{Name: name, IsFolder: true})
	}
	for name, rec := range files {
		entry := BrowseEntry{Name: name, IsFolder: false, Entity: rec}
		if uuidVal, _ := rec["uuid"].(string); uuidVal != "" {
			hasChildren, err := s.HasChildren(ctx, uuidVal)
			if err != nil {
				return nil, err
			}
			entry.HasChildren = hasChildren
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsFolder != entries[j].IsFolder {
			return entries[i].IsFolder
		}
		return entries[i].Name < entries[j].Name
	})

	if offset >= len(entries) {
		return []BrowseEntry{}, nil
	}
	end := offset + limit
	if end > len(entries) || limit <= 0 {
		end = len(entries)
	}
	return entries[offset:end], nil
}

func scanRows(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Record
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, c := range cols {
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
