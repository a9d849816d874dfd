package entitydef

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bentbr/rdatacore/internal/apperr"
)

// ApplySchema idempotently creates or alters the per-type physical table
// and its derived view. Columns are named by lowercasing the field name;
// the view maps them back to the definition's original-case field names
// and redacts write-only (Password) fields to null.
func ApplySchema(ctx context.Context, db *sql.DB, entityType string, fields []FieldDefinition) error {
	table := TableName(entityType)

	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		uuid UUID PRIMARY KEY
	)`, quoteIdent(table))
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return apperr.Database(err)
	}

	for _, f := range fields {
		col := strings.ToLower(f.Name)
		colType := sqlColumnType(f.Type)
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
			quoteIdent(table), quoteIdent(col), colType)
		if _, err := db.ExecContext(ctx, alter); err != nil {
			return apperr.Database(err)
		}
		if f.Unique {
			idxName := fmt.Sprintf("idx_%s_%s_unique", strings.ToLower(entityType), col)
			idx := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)`,
				quoteIdent(idxName), quoteIdent(table), quoteIdent(col))
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return apperr.Database(err)
			}
		} else if f.Indexed || f.Filterable {
			idxName := fmt.Sprintf("idx_%s_%s", strings.ToLower(entityType), col)
			idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
				quoteIdent(idxName), quoteIdent(table), quoteIdent(col))
			if _, err := db.ExecContext(ctx, idx); err != nil {
				return apperr.Database(err)
			}
		}
	}

	return createView(ctx, db, entityType, fields)
}

func createView(ctx context.Context, db *sql.DB, entityType string, fields []FieldDefinition) error {
	table := TableName(entityType)
	view := ViewName(entityType)

	cols := []string{
		"r.uuid", "r.path", "r.entity_key", "r.parent_uuid", "r.published",
		"r.version", "r.created_at", "r.updated_at", "r.created_by", "r.updated_by",
	}
	for _, f := range fields {
		col := quoteIdent(strings.ToLower(f.Name))
		alias := quoteIdent(f.Name)
		if f.Type == FieldPassword {
			cols = append(cols, fmt.Sprintf("NULL AS %s", alias))
			continue
		}
		if strings.ToLower(f.Name) == f.Name {
			cols = append(cols, fmt.Sprintf("t.%s", col))
		} else {
			cols = append(cols, fmt.Sprintf("t.%s AS %s", col, alias))
		}
	}

	stmt := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS
		SELECT %s
		FROM %s t
		JOIN entities_registry r ON r.uuid = t.uuid AND r.entity_type = %s`,
		quoteIdent(view), strings.Join(cols, ", "), quoteIdent(table), quoteLiteral(entityType))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return apperr.Database(err)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sqlColumnType(t FieldType) string {
	switch t {
	case FieldInteger:
		return "BIGINT"
	case FieldFloat:
		return "DOUBLE PRECISION"
	case FieldBoolean:
		return "BOOLEAN"
	case FieldDateTime:
		return "TIMESTAMPTZ"
	case FieldDate:
		return "DATE"
	case FieldUUID, FieldManyToOne:
		return "UUID"
	case FieldObject, FieldArray, FieldJSON, FieldManyToMany, FieldMultiSelect:
		return "JSONB"
	default: // String, Text, Wysiwyg, Select, Image, File, Password
		return "TEXT"
	}
}
