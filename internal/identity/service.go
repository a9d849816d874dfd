package identity

import (
	"context"

	"github.com/bentbr/rdatacore/internal/apperr"
	"github.com/bentbr/rdatacore/internal/cache"
	"github.com/bentbr/rdatacore/internal/permission"
)

// Service composes the admin-user, role, API key, and token pieces into
// the login/authorization surface the rest of the platform calls.
type Service struct {
	Users   *AdminUserStore
	Roles   *RoleStore
	ApiKeys *ApiKeyStore
	Tokens  *TokenManager
	cache   cache.Cache
}

func NewService(users *AdminUserStore, roles *RoleStore, apiKeys *ApiKeyStore, tokens *TokenManager, c cache.Cache) *Service {
	return &Service{Users: users, Roles: roles, ApiKeys: apiKeys, Tokens: tokens, cache: c}
}

// Login verifies credentials and issues a fresh token pair.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, AdminUser, error) {
	user, err := s.Users.GetByUsername(ctx, username)
	if err != nil {
		return TokenPair{}, AdminUser{}, apperr.Unauthorized("invalid credentials")
	}
	if !user.IsActive {
		return TokenPair{}, AdminUser{}, apperr.Unauthorized("invalid credentials")
	}
	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return TokenPair{}, AdminUser{}, apperr.Unauthorized("invalid credentials")
	}
	roleIDs, err := s.Users.RoleUUIDs(ctx, user.UUID)
	if err != nil {
		return TokenPair{}, AdminUser{}, err
	}
	pair, err := s.Tokens.Issue(ctx, user, roleIDs)
	if err != nil {
		return TokenPair{}, AdminUser{}, err
	}
	return pair, user, nil
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, rawRefreshToken string) (TokenPair, error) {
	return s.Tokens.Refresh(ctx, s.Users, rawRefreshToken)
}

// Logout revokes all of a user's active refresh tokens.
func (s *Service) Logout(ctx context.Context, userUUID string) error {
	return s.Tokens.Logout(ctx, userUUID)
}

// PermissionsForUser resolves and caches the union of every role assigned
// to a user, for use by permission.Has/HasAny.
func (s *Service) PermissionsForUser(ctx context.Context, userUUID string) ([]permission.Role, error) {
	if v, ok := s.cache.Get(cache.UserPermissions(userUUID)); ok {
		if roles, ok := v.([]permission.Role); ok {
			return roles, nil
		}
	}
	roleIDs, err := s.Users.RoleUUIDs(ctx, userUUID)
	if err != nil {
		return nil, err
	}
	roles, err := s.resolveRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cache.UserPermissions(userUUID), roles, 0)
	return roles, nil
}

// PermissionsForAPIKey resolves and caches the union of every role
// assigned to an API key.
func (s *Service) PermissionsForAPIKey(ctx context.Context, apiKeyUUID string) ([]permission.Role, error) {
	if v, ok := s.cache.Get(cache.APIKeyPermissions(apiKeyUUID)); ok {
		if roles, ok := v.([]permission.Role); ok {
			return roles, nil
		}
	}
	roleIDs, err := s.ApiKeys.RoleUUIDs(ctx, apiKeyUUID)
	if err != nil {
		return nil, err
	}
	roles, err := s.resolveRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	s.cache.Set(cache.APIKeyPermissions(apiKeyUUID), roles, 0)
	return roles, nil
}

func (s *Service) resolveRoles(ctx context.Context, roleIDs []string) ([]permission.Role, error) {
	out := make([]permission.Role, 0, len(roleIDs))
	for _, id := range roleIDs {
		r, err := s.Roles.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ToPermissionRole(r))
	}
	return out, nil
}
