package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bentbr/rdatacore/internal/apperr"
)

// Claims mirrors the teacher's legacy auth.Claims shape, carrying the
// admin user's identity and role set instead of a single role string.
type Claims struct {
	UserUUID string   `json:"sub"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenPair is issued on login and on refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenManager issues and validates access tokens (stateless JWT) and
// refresh tokens (random secret, only its hash persisted, rotated on use).
type TokenManager struct {
	db            *sql.DB
	secret        []byte
	accessTTL     time.Duration
	refreshTTLDay int
}

func NewTokenManager(db *sql.DB, secret string, accessTTL time.Duration, refreshTTLDays int) *TokenManager {
	return &TokenManager{db: db, secret: []byte(secret), accessTTL: accessTTL, refreshTTLDay: refreshTTLDays}
}

// Issue mints a fresh access/refresh pair for a successful login.
func (m *TokenManager) Issue(ctx context.Context, user AdminUser, roles []string) (TokenPair, error) {
	accessToken, exp, err := m.signAccessToken(user, roles)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := m.issueRefreshToken(ctx, user.UUID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: exp}, nil
}

func (m *TokenManager) signAccessToken(user AdminUser, roles []string) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	ttl := m.accessTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	exp := time.Now().Add(ttl)
	claims := Claims{
		UserUUID: user.UUID,
		Username: user.Username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UUID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	return signed, exp, err
}

// Validate parses and validates an access token.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (m *TokenManager) issueRefreshToken(ctx context.Context, userUUID string) (string, error) {
	raw, err := randomToken()
	if err != nil {
		return "", err
	}
	days := m.refreshTTLDay
	if days <= 0 {
		days = 30
	}
	expires := time.Now().UTC().AddDate(0, 0, days)
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, is_revoked, created_at)
		VALUES ($1,$2,$3,$4,false,$5)`,
		uuid.NewString(), userUUID, hashKey(raw), expires, time.Now().UTC())
	if err != nil {
		return "", apperr.Database(err)
	}
	return raw, nil
}

// Refresh validates and rotates a refresh token: the presented token is
// revoked and a new access/refresh pair is issued, so a stolen token can
// only be replayed once before detection (reuse of a revoked token should
// be treated by the caller as a compromise signal).
func (m *TokenManager) Refresh(ctx context.Context, users *AdminUserStore, rawRefreshToken string) (TokenPair, error) {
	hash := hashKey(rawRefreshToken)
	var (
		id        string
		userID    string
		isRevoked bool
		expiresAt time.Time
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, is_revoked, expires_at FROM refresh_tokens WHERE token_hash = $1`, hash).
		Scan(&id, &userID, &isRevoked, &expiresAt)
	if err == sql.ErrNoRows {
		return TokenPair{}, apperr.Unauthorized("refresh token not recognised")
	}
	if err != nil {
		return TokenPair{}, apperr.Database(err)
	}
	if isRevoked {
		return TokenPair{}, apperr.Unauthorized("refresh token already used")
	}
	if time.Now().UTC().After(expiresAt) {
		return TokenPair{}, apperr.Unauthorized("refresh token expired")
	}

	if _, err := m.db.ExecContext(ctx, `UPDATE refresh_tokens SET is_revoked = true, last_used_at = $1 WHERE id = $2`,
		time.Now().UTC(), id); err != nil {
		return TokenPair{}, apperr.Database(err)
	}

	user, err := users.GetByUUID(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	roles, err := users.RoleUUIDs(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	return m.Issue(ctx, user, roles)
}

// Logout revokes every active refresh token for a user.
func (m *TokenManager) Logout(ctx context.Context, userUUID string) error {
	if _, err := m.db.ExecContext(ctx, `UPDATE refresh_tokens SET is_revoked = true WHERE user_id = $1 AND is_revoked = false`, userUUID); err != nil {
		return apperr.Database(err)
	}
	return nil
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
