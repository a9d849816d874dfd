package authtoken

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueSetsExpiryAndClaims(t *testing.T) {
	signer := New("test-secret")
	tokenString, err := signer.Issue(context.Background(), map[string]any{"sub": "user-1"}, 60)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	parsed, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) { return []byte("test-secret"), nil })
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != "user-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if _, ok := claims["exp"]; !ok {
		t.Fatal("expected exp claim")
	}
}

func TestIssueDefaultsExpiry(t *testing.T) {
	signer := New("s")
	tokenString, err := signer.Issue(context.Background(), map[string]any{}, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tokenString == "" {
		t.Fatal("expected non-empty token")
	}
}
