// Package identity implements the Role/Identity Services (C7): role
// management, API key lifecycle, and admin-user credential login with
// access/refresh tokens.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/internal/permission"
)

// Role mirrors permission.Role with the identity fields persisted
// alongside it.
type Role struct {
	UUID        string
	Name        string
	Description string
	IsSystem    bool
	SuperAdmin  bool
	Permissions []permission.Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoleStore implements role CRUD against PostgreSQL, invalidating every
// cache key that depends on a role's permission set when it mutates.
type RoleStore struct {
	db    *sql.DB
	cache cache.Cache
}

func NewRoleStore(db *sql.DB, c cache.Cache) *RoleStore {
	return &RoleStore{db: db, cache: c}
}

func (s *RoleStore) Get(ctx context.Context, id string) (Role, error) {
	if v, ok := s.cache.Get(cache.Role(id)); ok {
		if r, ok := v.(Role); ok {
			return r, nil
		}
	}
	r, err := s.fetch(ctx, id)
	if err != nil {
		return Role{}, err
	}
	s.cache.Set(cache.Role(id), r, 0)
	return r, nil
}

func (s *RoleStore) fetch(ctx context.Context, id string) (Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, COALESCE(description, ''), is_system, super_admin, permissions, created_at, updated_at
		FROM roles WHERE uuid = $1`, id)
	r, err := scanRole(row)
	if err == sql.ErrNoRows {
		return Role{}, apperr.NotFound("role", id)
	}
	if err != nil {
		return Role{}, apperr.Database(err)
	}
	return r, nil
}

func (s *RoleStore) List(ctx context.Context, limit, offset int) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, COALESCE(description, ''), is_system, super_admin, permissions, created_at, updated_at
		FROM roles ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Create validates every permission before persisting, per §4.3's
// ValidateNew rule (Execute only within the Workflows namespace).
func (s *RoleStore) Create(ctx context.Context, r Role, actor string) (Role, error) {
	for _, p := range r.Permissions {
		if err := permission.ValidateNew(p); err != nil {
			return Role{}, apperr.Validation("%s", err.Error())
		}
	}
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	permsJSON, err := json.Marshal(r.Permissions)
	if err != nil {
		return Role{}, fmt.Errorf("%w: %s", apperr.ErrSerialization, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (uuid, name, description, is_system, super_admin, permissions, created_at, updated_at, created_by)
		VALUES ($1,$2,$3,false,$4,$5,$6,$6,$7)`,
		r.UUID, r.Name, r.Description, r.SuperAdmin, permsJSON, now, actor)
	if err != nil {
		return Role{}, apperr.TranslatePG(err)
	}
	r.IsSystem = false
	r.CreatedAt, r.UpdatedAt = now, now
	return r, nil
}

// Update rejects mutation of system roles, validates permissions, and
// cascades cache invalidation to every user/API key that references this
// role (their cached permission sets are now stale).
func (s *RoleStore) Update(ctx context.Context, r Role, actor string) (Role, error) {
	before, err := s.fetch(ctx, r.UUID)
	if err != nil {
		return Role{}, err
	}
	if before.IsSystem {
		return Role{}, apperr.Forbidden("system roles cannot be modified")
	}
	for _, p := range r.Permissions {
		if err := permission.ValidateNew(p); err != nil {
			return Role{}, apperr.Validation("%s", err.Error())
		}
	}
	permsJSON, err := json.Marshal(r.Permissions)
	if err != nil {
		return Role{}, fmt.Errorf("%w: %s", apperr.ErrSerialization, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE roles SET name=$1, description=$2, super_admin=$3, permissions=$4, updated_at=$5, updated_by=$6
		WHERE uuid=$7 AND is_system = false`,
		r.Name, r.Description, r.SuperAdmin, permsJSON, now, actor, r.UUID)
	if err != nil {
		return Role{}, apperr.TranslatePG(err)
	}

	s.cache.Delete(cache.Role(r.UUID))
	if err := s.invalidateHolders(ctx, r.UUID); err != nil {
		return Role{}, err
	}

	r.IsSystem = before.IsSystem
	r.CreatedAt = before.CreatedAt
	r.UpdatedAt = now
	return r, nil
}

func (s *RoleStore) Delete(ctx context.Context, id string) error {
	before, err := s.fetch(ctx, id)
	if err != nil {
		return err
	}
	if before.IsSystem {
		return apperr.Forbidden("system roles cannot be deleted")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM roles WHERE uuid = $1 AND is_system = false`, id); err != nil {
		return apperr.Database(err)
	}
	s.cache.Delete(cache.Role(id))
	return s.invalidateHolders(ctx, id)
}

// invalidateHolders drops the cached permission sets of every user and
// API key assigned this role, so the next permission check re-derives
// from the database.
func (s *RoleStore) invalidateHolders(ctx context.Context, roleUUID string) error {
	userRows, err := s.db.QueryContext(ctx, `SELECT user_uuid FROM user_roles WHERE role_uuid = $1`, roleUUID)
	if err != nil {
		return apperr.Database(err)
	}
	defer userRows.Close()
	for userRows.Next() {
		var uid string
		if err := userRows.Scan(&uid); err != nil {
			return apperr.Database(err)
		}
		s.cache.Delete(cache.UserRoles(uid))
		s.cache.Delete(cache.UserPermissions(uid))
	}
	if err := userRows.Err(); err != nil {
		return apperr.Database(err)
	}

	keyRows, err := s.db.QueryContext(ctx, `SELECT api_key_uuid FROM api_key_roles WHERE role_uuid = $1`, roleUUID)
	if err != nil {
		return apperr.Database(err)
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var kid string
		if err := keyRows.Scan(&kid); err != nil {
			return apperr.Database(err)
		}
		s.cache.Delete(cache.APIKeyRoles(kid))
		s.cache.Delete(cache.APIKeyPermissions(kid))
	}
	return keyRows.Err()
}

func scanRole(r rowScanner) (Role, error) {
	var (
		role       Role
		permsJSON  []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := r.Scan(&role.UUID, &role.Name, &role.Description, &role.IsSystem, &role.SuperAdmin,
		&permsJSON, &createdAt, &updatedAt); err != nil {
		return Role{}, err
	}
	role.CreatedAt = createdAt.UTC()
	role.UpdatedAt = updatedAt.UTC()
	if len(permsJSON) > 0 {
		if err := json.Unmarshal(permsJSON, &role.Permissions); err != nil {
			return Role{}, err
		}
	}
	return role, nil
}

// ToPermissionRole adapts a Role to permission.Role for Has()/HasAny()
// evaluation.
func ToPermissionRole(r Role) permission.Role {
	return permission.Role{SuperAdmin: r.SuperAdmin, Permissions: r.Permissions}
}

type rowScanner interface {
	Scan(dest ...any) error
}
