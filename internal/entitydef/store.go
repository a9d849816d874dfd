package entitydef

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/cache"
)

// Store implements the Entity Definition Registry against PostgreSQL, with
// cache coherency on every mutation.
type Store struct {
	db    *sql.DB
	cache cache.Cache
}

func NewStore(db *sql.DB, c cache.Cache) *Store {
	return &Store{db: db, cache: c}
}

func (s *Store) List(ctx context.Context, limit, offset int) ([]Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, entity_type, display_name, description, "group", icon, is_parent,
		       fields, published, version, created_at, created_by, updated_at, updated_by
		FROM entity_definitions ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	var out []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM entity_definitions`).Scan(&n)
	if err != nil {
		return 0, apperr.Database(err)
	}
	return n, nil
}

func (s *Store) GetByUUID(ctx context.Context, id string) (Definition, error) {
	if v, ok := s.cache.Get(cache.EntityDefByUUID(id)); ok {
		if d, ok := v.(Definition); ok {
			return d, nil
		}
	}
	d, err := s.fetchByUUID(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	s.cache.Set(cache.EntityDefByUUID(id), d, 0)
	return d, nil
}

func (s *Store) fetchByUUID(ctx context.Context, id string) (Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, entity_type, display_name, description, "group", icon, is_parent,
		       fields, published, version, created_at, created_by, updated_at, updated_by
		FROM entity_definitions WHERE uuid = $1`, id)
	d, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return Definition{}, apperr.NotFound("entity_definition", id)
	}
	if err != nil {
		return Definition{}, apperr.Database(err)
	}
	return d, nil
}

func (s *Store) GetByEntityType(ctx context.Context, entityType string) (Definition, error) {
	if v, ok := s.cache.Get(cache.EntityDefByType(entityType)); ok {
		if d, ok := v.(Definition); ok {
			return d, nil
		}
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, entity_type, display_name, description, "group", icon, is_parent,
		       fields, published, version, created_at, created_by, updated_at, updated_by
		FROM entity_definitions WHERE entity_type = $1`, entityType)
	d, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return Definition{}, apperr.NotFound("entity_definition", entityType)
	}
	if err != nil {
		return Definition{}, apperr.Database(err)
	}
	s.cache.Set(cache.EntityDefByType(entityType), d, 0)
	return d, nil
}

// Create validates, inserts, idempotently applies the physical schema, and
// populates both cache keys from a canonical re-read.
func (s *Store) Create(ctx context.Context, d Definition, actor string) (Definition, error) {
	if err := Validate(d); err != nil {
		return Definition{}, apperr.Validation("%s", err.Error())
	}
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT uuid FROM entity_definitions WHERE entity_type = $1`, d.EntityType).Scan(&existing)
	if err == nil {
		return Definition{}, apperr.ValidationFailed("entity_type", fmt.Sprintf("entity type %q already exists", d.EntityType))
	}
	if err != sql.ErrNoRows {
		return Definition{}, apperr.Database(err)
	}

	fieldsJSON, err := json.Marshal(d.Fields)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %s", apperr.ErrSerialization, err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_definitions
		  (uuid, entity_type, display_name, description, "group", icon, is_parent, fields, published, version, created_at, created_by, updated_at, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,false,1,$9,$10,$9,$10)`,
		id, d.EntityType, d.DisplayName, d.Description, d.Group, d.Icon, d.IsParent, fieldsJSON, now, actor)
	if err != nil {
		return Definition{}, apperr.TranslatePG(err)
	}

	if err := ApplySchema(ctx, s.db, d.EntityType, d.Fields); err != nil {
		return Definition{}, err
	}

	canonical, err := s.fetchByUUID(ctx, id)
	if err != nil {
		return Definition{}, err
	}
	s.cache.Set(cache.EntityDefByUUID(id), canonical, 0)
	s.cache.Set(cache.EntityDefByType(canonical.EntityType), canonical, 0)
	return canonical, nil
}

// Update invalidates stale cache keys before applying changes, re-reads
// after, and invalidates the old by_type key if entity_type changed.
func (s *Store) Update(ctx context.Context, d Definition, actor string) (Definition, error) {
	before, err := s.fetchByUUID(ctx, d.UUID)
	if err != nil {
		return Definition{}, err
	}
	s.cache.Delete(cache.EntityDefByUUID(d.UUID))
	s.cache.Delete(cache.EntityDefByType(before.EntityType))

	if err := Validate(d); err != nil {
		return Definition{}, apperr.Validation("%s", err.Error())
	}
	fieldsJSON, err := json.Marshal(d.Fields)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %s", apperr.ErrSerialization, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE entity_definitions
		SET entity_type=$1, display_name=$2, description=$3, "group"=$4, icon=$5, is_parent=$6,
		    fields=$7, published=$8, version=version+1, updated_at=$9, updated_by=$10
		WHERE uuid=$11`,
		d.EntityType, d.DisplayName, d.Description, d.Group, d.Icon, d.IsParent,
		fieldsJSON, d.Published, now, actor, d.UUID)
	if err != nil {
		return Definition{}, apperr.TranslatePG(err)
	}

	if err := ApplySchema(ctx, s.db, d.EntityType, d.Fields); err != nil {
		return Definition{}, err
	}

	canonical, err := s.fetchByUUID(ctx, d.UUID)
	if err != nil {
		return Definition{}, err
	}
	s.cache.Set(cache.EntityDefByUUID(d.UUID), canonical, 0)
	s.cache.Set(cache.EntityDefByType(canonical.EntityType), canonical, 0)
	if before.EntityType != canonical.EntityType {
		s.cache.Delete(cache.EntityDefByType(before.EntityType))
	}
	return canonical, nil
}

// Delete refuses while any instance of the type exists.
func (s *Store) Delete(ctx context.Context, id string) error {
	d, err := s.fetchByUUID(ctx, id)
	if err != nil {
		return err
	}
	n, err := s.CountViewRecords(ctx, d.EntityType)
	if err != nil {
		return err
	}
	if n > 0 {
		return apperr.Conflict(fmt.Sprintf("entity type %q has %d instances", d.EntityType, n))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entity_definitions WHERE uuid = $1`, id); err != nil {
		return apperr.Database(err)
	}
	s.cache.Delete(cache.EntityDefByUUID(id))
	s.cache.Delete(cache.EntityDefByType(d.EntityType))
	return s.CleanupUnusedEntityView(ctx, d.EntityType)
}

func (s *Store) CheckViewExists(ctx context.Context, entityType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.views WHERE table_name = $1)`, ViewName(entityType)).Scan(&exists)
	if err != nil {
		return false, apperr.Database(err)
	}
	return exists, nil
}

// HasColumn reports whether table has a column named columnName, checking
// both ordinary tables and the generated per-type views. Satisfies
// queryvalidation.SchemaLookup.
func (s *Store) HasColumn(ctx context.Context, table, columnName string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.columns
		WHERE table_name = $1 AND column_name = $2)`, table, columnName).Scan(&exists)
	if err != nil {
		return false, apperr.Database(err)
	}
	return exists, nil
}

func (s *Store) CountViewRecords(ctx context.Context, entityType string) (int, error) {
	exists, err := s.CheckViewExists(ctx, entityType)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var n int
	query := fmt.Sprintf(`SELECT count(*) FROM %s`, quoteIdent(ViewName(entityType)))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, apperr.Database(err)
	}
	return n, nil
}

func (s *Store) CleanupUnusedEntityView(ctx context.Context, entityType string) error {
	n, err := s.CountViewRecords(ctx, entityType)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DROP VIEW IF EXISTS %s`, quoteIdent(ViewName(entityType))))
	if err != nil {
		return apperr.Database(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(r rowScanner) (Definition, error) {
	var (
		d          Definition
		desc       sql.NullString
		group      sql.NullString
		icon       sql.NullString
		fieldsJSON []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := r.Scan(&d.UUID, &d.EntityType, &d.DisplayName, &desc, &group, &icon, &d.IsParent,
		&fieldsJSON, &d.Published, &d.Version, &createdAt, &d.CreatedBy, &updatedAt, &d.UpdatedBy); err != nil {
		return Definition{}, err
	}
	d.Description = desc.String
	d.Group = group.String
	d.Icon = icon.String
	d.CreatedAt = createdAt.UTC()
	d.UpdatedAt = updatedAt.UTC()
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &d.Fields); err != nil {
			return Definition{}, err
		}
	}
	return d, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
