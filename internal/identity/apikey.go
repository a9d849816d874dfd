package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/cache"
)

// ApiKey is the persisted record; Secret is only ever populated by Create,
// never by a read path (the raw key is not retrievable after issuance).
type ApiKey struct {
	UUID        string
	UserUUID    string
	Name        string
	Description string
	KeyHash     string
	IsActive    bool
	Published   bool
	CreatedAt   time.Time
	CreatedBy   string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	Secret      string
}

// ApiKeyStore implements creation/validation/revoke/reassign per §4.7.2.
type ApiKeyStore struct {
	db    *sql.DB
	cache cache.Cache
}

func NewApiKeyStore(db *sql.DB, c cache.Cache) *ApiKeyStore {
	return &ApiKeyStore{db: db, cache: c}
}

// hashKey derives the stored lookup hash from a raw API key. Raw keys are
// never persisted; only this hash is, so validation compares hashes
// (FindForAuth does so in constant time).
func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Create generates a new random API key, persists its hash, and returns
// the raw secret to the caller exactly once.
func (s *ApiKeyStore) Create(ctx context.Context, userUUID, name, description string, expiresInDays int, actor string) (ApiKey, error) {
	raw := uuid.NewString() + uuid.NewString()
	key := ApiKey{
		UUID:        uuid.NewString(),
		UserUUID:    userUUID,
		Name:        name,
		Description: description,
		KeyHash:     hashKey(raw),
		IsActive:    true,
		Published:   true,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   actor,
		Secret:      raw,
	}
	if expiresInDays > 0 {
		exp := key.CreatedAt.AddDate(0, 0, expiresInDays)
		key.ExpiresAt = &exp
	}

	var expires any
	if key.ExpiresAt != nil {
		expires = *key.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (uuid, user_uuid, name, description, key_hash, is_active, published, created_at, created_by, expires_at)
		VALUES ($1,$2,$3,$4,$5,true,true,$6,$7,$8)`,
		key.UUID, key.UserUUID, key.Name, key.Description, key.KeyHash, key.CreatedAt, key.CreatedBy, expires)
	if err != nil {
		return ApiKey{}, apperr.TranslatePG(err)
	}
	return key, nil
}

// FindForAuth validates a raw API key: active, unexpired, hash match. A
// constant-time compare avoids leaking hash-prefix timing.
func (s *ApiKeyStore) FindForAuth(ctx context.Context, raw string) (ApiKey, bool, error) {
	hash := hashKey(raw)
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, user_uuid, name, COALESCE(description, ''), key_hash, is_active, published, created_at, created_by, expires_at, last_used_at
		FROM api_keys WHERE key_hash = $1 AND is_active = true`, hash)
	key, err := scanApiKey(row)
	if err == sql.ErrNoRows {
		return ApiKey{}, false, nil
	}
	if err != nil {
		return ApiKey{}, false, apperr.Database(err)
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return ApiKey{}, false, nil
	}
	if key.ExpiresAt != nil && time.Now().UTC().After(*key.ExpiresAt) {
		return ApiKey{}, false, nil
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE uuid = $2`, time.Now().UTC(), key.UUID)
	return key, true, nil
}

func (s *ApiKeyStore) Revoke(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET is_active = false WHERE uuid = $1`, id); err != nil {
		return apperr.Database(err)
	}
	s.cache.Delete(cache.APIKeyRoles(id))
	s.cache.Delete(cache.APIKeyPermissions(id))
	return nil
}

func (s *ApiKeyStore) Reassign(ctx context.Context, id, newUserUUID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET user_uuid = $1 WHERE uuid = $2`, newUserUUID, id)
	if err != nil {
		return apperr.Database(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("api_key", id)
	}
	s.cache.Delete(cache.APIKeyRoles(id))
	s.cache.Delete(cache.APIKeyPermissions(id))
	return nil
}

func (s *ApiKeyStore) ListByUser(ctx context.Context, userUUID string, limit, offset int) ([]ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, user_uuid, name, COALESCE(description, ''), key_hash, is_active, published, created_at, created_by, expires_at, last_used_at
		FROM api_keys WHERE user_uuid = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, userUUID, limit, offset)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RoleUUIDs returns the role set assigned to an API key, cache-first.
func (s *ApiKeyStore) RoleUUIDs(ctx context.Context, apiKeyUUID string) ([]string, error) {
	if v, ok := s.cache.Get(cache.APIKeyRoles(apiKeyUUID)); ok {
		if ids, ok := v.([]string); ok {
			return ids, nil
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT role_uuid FROM api_key_roles WHERE api_key_uuid = $1`, apiKeyUUID)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Database(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err)
	}
	s.cache.Set(cache.APIKeyRoles(apiKeyUUID), ids, 0)
	return ids, nil
}

func scanApiKey(r rowScanner) (ApiKey, error) {
	var (
		k         ApiKey
		expires   sql.NullTime
		lastUsed  sql.NullTime
		createdAt time.Time
	)
	if err := r.Scan(&k.UUID, &k.UserUUID, &k.Name, &k.Description, &k.KeyHash, &k.IsActive, &k.Published,
		&createdAt, &k.CreatedBy, &expires, &lastUsed); err != nil {
		return ApiKey{}, err
	}
	k.CreatedAt = createdAt.UTC()
	if expires.Valid {
		t := expires.Time.UTC()
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		k.LastUsedAt = &t
	}
	return k, nil
}
