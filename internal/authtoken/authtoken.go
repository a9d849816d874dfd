// Package authtoken implements dsl.Authenticator: minting short-lived
// JWTs from arbitrary workflow-supplied claims for the DSL's
// "authenticate" transform (EntityJwt). This is distinct from
// internal/identity's login/session tokens, which carry a fixed
// user/role shape rather than caller-supplied claims.
package authtoken

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues HS256 tokens signed with a shared secret.
type Signer struct {
	secret []byte
}

func New(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Issue signs claims as a JWT expiring expirySecs from now. Claims are
// passed through as-is (already nested-path-resolved by the DSL layer);
// this package only adds "exp" and "iat".
func (s *Signer) Issue(ctx context.Context, claims map[string]any, expirySecs int) (string, error) {
	if expirySecs <= 0 {
		expirySecs = 3600
	}
	now := time.Now().UTC()
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	mapClaims["iat"] = now.Unix()
	mapClaims["exp"] = now.Add(time.Duration(expirySecs) * time.Second).Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(s.secret)
}
