package dynamicentity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/entitydef"
	"github.com/bentbr/rdatacore/internal/versioning"
)

// DefinitionLookup resolves an EntityDefinition by type, through cache.
type DefinitionLookup interface {
	GetByEntityType(ctx context.Context, entityType string) (entitydef.Definition, error)
}

// Store implements create/update/read/delete over the registry plus
// per-type tables. Every mutation is a single transaction.
type Store struct {
	db   *sql.DB
	defs DefinitionLookup
}

func NewStore(db *sql.DB, defs DefinitionLookup) *Store {
	return &Store{db: db, defs: defs}
}

// Create implements §4.5.1.
func (s *Store) Create(ctx context.Context, e Entity, actor string) (Entity, error) {
	def, err := s.defs.GetByEntityType(ctx, e.EntityType)
	if err != nil {
		return Entity{}, err
	}
	if missing := RequiredFieldsPresent(def, e.Fields); len(missing) > 0 {
		return Entity{}, apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	e.EntityKey = strings.TrimSpace(e.EntityKey)
	if e.EntityKey == "" {
		return Entity{}, apperr.Validation("entity_key must be non-empty")
	}
	e.Path = NormalizePath(e.Path)

	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}

	if e.ParentUUID != "" {
		parent, err := s.getRegistryRow(ctx, e.ParentUUID)
		if err != nil {
			return Entity{}, err
		}
		e.Path = CanonicalChildPath(parent.Path, parent.EntityKey)
	} else if e.Path != "/" {
		if parent, ok, err := s.findByFullPath(ctx, e.Path); err != nil {
			return Entity{}, err
		} else if ok {
			e.ParentUUID = parent.UUID
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entity{}, apperr.Database(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities_registry
		  (uuid, entity_type, path, entity_key, parent_uuid, created_at, updated_at, created_by, updated_by, published, version)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,$6,$7,$7,$8,1)`,
		e.UUID, e.EntityType, e.Path, e.EntityKey, e.ParentUUID, now, actor, e.Published)
	if err != nil {
		translated := apperr.TranslatePG(err)
		if apperr.IsValidationFailed(translated) {
			return Entity{}, apperr.ValidationFailed("entity_key", "an entity with the same key already exists in this path")
		}
		return Entity{}, translated
	}

	if err := s.insertTypeRow(ctx, tx, def, e); err != nil {
		return Entity{}, err
	}

	if err := tx.Commit(); err != nil {
		return Entity{}, apperr.Database(err)
	}

	e.CreatedAt, e.UpdatedAt, e.CreatedBy, e.UpdatedBy, e.Version = now, now, actor, actor, 1
	return e, nil
}

func (s *Store) insertTypeRow(ctx context.Context, tx *sql.Tx, def entitydef.Definition, e Entity) error {
	cols := DiffFieldColumns(def, e.Fields)
	columnNames := []string{"uuid"}
	placeholders := []string{"$1"}
	args := []any{e.UUID}
	i := 2
	for name, val := range cols {
		columnNames = append(columnNames, quoteIdent(name))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, val)
		i++
	}
	table := entitydef.TableName(e.EntityType)
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (uuid) DO UPDATE SET %s`,
		quoteIdent(table), strings.Join(columnNames, ", "), strings.Join(placeholders, ", "),
		updateSetClause(columnNames))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return apperr.Database(err)
	}
	return nil
}

func updateSetClause(columns []string) string {
	var parts []string
	for _, c := range columns {
		if c == "uuid" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	if len(parts) == 0 {
		return "uuid = EXCLUDED.uuid"
	}
	return strings.Join(parts, ", ")
}

// Update implements §4.5.2.
func (s *Store) Update(ctx context.Context, uuidVal string, changes map[string]any, fields map[string]any, actor string, skipVersioning bool) (Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entity{}, apperr.Database(err)
	}
	defer tx.Rollback()

	current, err := s.getRegistryRowTx(ctx, tx, uuidVal)
	if err != nil {
		return Entity{}, err
	}

	def, err := s.defs.GetByEntityType(ctx, current.EntityType)
	if err != nil {
		return Entity{}, err
	}

	if !skipVersioning {
		data, err := s.currentRowJSONTx(ctx, tx, current.EntityType, uuidVal)
		if err != nil {
			return Entity{}, err
		}
		if err := versioning.SnapshotDataTx(ctx, tx, "entity", uuidVal, current.Version, data, actor); err != nil {
			return Entity{}, err
		}
	}

	path := current.Path
	key := current.EntityKey
	published := current.Published
	if v, ok := changes["path"].(string); ok {
		path = NormalizePath(v)
	}
	if v, ok := changes["entity_key"].(string); ok {
		key = v
	}
	if v, ok := changes["published"].(bool); ok {
		published = v
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE entities_registry
		SET path=$1, entity_key=$2, published=$3, version=version+1, updated_at=$4, updated_by=$5
		WHERE uuid=$6`, path, key, published, now, actor, uuidVal)
	if err != nil {
		translated := apperr.TranslatePG(err)
		if apperr.IsValidationFailed(translated) {
			return Entity{}, apperr.ValidationFailed("entity_key", "an entity with the same key already exists in this path")
		}
		return Entity{}, translated
	}

	if len(fields) > 0 {
		e := Entity{UUID: uuidVal, EntityType: current.EntityType, Fields: fields}
		if err := s.insertTypeRow(ctx, tx, def, e); err != nil {
			return Entity{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Entity{}, apperr.Database(err)
	}

	current.Path, current.EntityKey, current.Published = path, key, published
	current.Version++
	current.UpdatedAt, current.UpdatedBy = now, actor
	return current, nil
}

// Delete implements §4.5.4.
func (s *Store) Delete(ctx context.Context, entityType, uuidVal string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Database(err)
	}
	defer tx.Rollback()

	table := entitydef.TableName(entityType)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uuid = $1`, quoteIdent(table)), uuidVal); err != nil {
		return apperr.Database(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities_registry WHERE uuid = $1 AND entity_type = $2`, uuidVal, entityType); err != nil {
		return apperr.Database(err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Database(err)
	}
	return nil
}

// currentRowJSONTx reads the pre-update row via row_to_json over the
// derived view, for use as the versioning snapshot payload.
func (s *Store) currentRowJSONTx(ctx context.Context, tx *sql.Tx, entityType, uuidVal string) (json.RawMessage, error) {
	view := entitydef.ViewName(entityType)
	var data json.RawMessage
	query := fmt.Sprintf(`SELECT row_to_json(v) FROM %s v WHERE v.uuid = $1`, quoteIdent(view))
	if err := tx.QueryRowContext(ctx, query, uuidVal).Scan(&data); err != nil {
		return nil, apperr.Database(err)
	}
	return data, nil
}

func (s *Store) getRegistryRow(ctx context.Context, uuidVal string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, entity_type, path, entity_key, COALESCE(parent_uuid::text, ''), published, version,
		       created_at, updated_at, created_by, updated_by
		FROM entities_registry WHERE uuid = $1`, uuidVal)
	return scanRegistryRow(row, uuidVal)
}

func (s *Store) getRegistryRowTx(ctx context.Context, tx *sql.Tx, uuidVal string) (Entity, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT uuid, entity_type, path, entity_key, COALESCE(parent_uuid::text, ''), published, version,
		       created_at, updated_at, created_by, updated_by
		FROM entities_registry WHERE uuid = $1 FOR UPDATE`, uuidVal)
	return scanRegistryRow(row, uuidVal)
}

func (s *Store) findByFullPath(ctx context.Context, path string) (Entity, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, entity_type, path, entity_key, COALESCE(parent_uuid::text, ''), published, version,
		       created_at, updated_at, created_by, updated_by
		FROM entities_registry
		WHERE (path || '/' || entity_key) = $1 OR (path = '/' AND entity_key = $2)
		LIMIT 1`, path, strings.TrimPrefix(path, "/"))
	e, err := scanRegistryRow(row, "")
	if err == sql.ErrNoRows {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, apperr.Database(err)
	}
	return e, true, nil
}

func scanRegistryRow(r rowScanner, id string) (Entity, error) {
	var e Entity
	err := r.Scan(&e.UUID, &e.EntityType, &e.Path, &e.EntityKey, &e.ParentUUID, &e.Published, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &e.CreatedBy, &e.UpdatedBy)
	if err == sql.ErrNoRows {
		if id != "" {
			return Entity{}, apperr.NotFound("entity", id)
		}
		return Entity{}, sql.ErrNoRows
	}
	if err != nil {
		return Entity{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
