package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/bentbr/rdatacore/internal/apperr"
)

// argon2 parameters match the reference implementation's defaults
// ($argon2id$v=19$m=19456,t=2,p=1$...).
const (
	argonTime    = 2
	argonMemory  = 19456
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// AdminUser is a platform operator account.
type AdminUser struct {
	UUID         string
	Username     string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HashPassword produces a PHC-formatted argon2id hash.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks a password against a PHC-formatted argon2id hash.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("unrecognised password hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	var memory, t uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &t, &threads); err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, t, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// AdminUserStore implements credential lookup for login.
type AdminUserStore struct {
	db *sql.DB
}

func NewAdminUserStore(db *sql.DB) *AdminUserStore {
	return &AdminUserStore{db: db}
}

func (s *AdminUserStore) GetByUsername(ctx context.Context, username string) (AdminUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, username, email, password_hash, COALESCE(first_name, ''), COALESCE(last_name, ''), is_active, created_at, updated_at
		FROM admin_users WHERE username = $1`, username)
	u, err := scanAdminUser(row)
	if err == sql.ErrNoRows {
		return AdminUser{}, apperr.NotFound("admin_user", username)
	}
	if err != nil {
		return AdminUser{}, apperr.Database(err)
	}
	return u, nil
}

func (s *AdminUserStore) GetByUUID(ctx context.Context, id string) (AdminUser, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, username, email, password_hash, COALESCE(first_name, ''), COALESCE(last_name, ''), is_active, created_at, updated_at
		FROM admin_users WHERE uuid = $1`, id)
	u, err := scanAdminUser(row)
	if err == sql.ErrNoRows {
		return AdminUser{}, apperr.NotFound("admin_user", id)
	}
	if err != nil {
		return AdminUser{}, apperr.Database(err)
	}
	return u, nil
}

// RoleUUIDs returns the set of roles directly assigned to a user.
func (s *AdminUserStore) RoleUUIDs(ctx context.Context, userUUID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role_uuid FROM user_roles WHERE user_uuid = $1`, userUUID)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Database(err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanAdminUser(r rowScanner) (AdminUser, error) {
	var (
		u         AdminUser
		createdAt time.Time
		updatedAt time.Time
	)
	if err := r.Scan(&u.UUID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.IsActive, &createdAt, &updatedAt); err != nil {
		return AdminUser{}, err
	}
	u.CreatedAt = createdAt.UTC()
	u.UpdatedAt = updatedAt.UTC()
	return u, nil
}
