package identity

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Fatal("expected password to verify")
	}
	ok, err = VerifyPassword("wrong password", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestHashPasswordUniqueSalt(t *testing.T) {
	h1, _ := HashPassword("same-password")
	h2, _ := HashPassword("same-password")
	if h1 == h2 {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
}

func TestTokenManagerIssueAndValidate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO refresh_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))

	tm := NewTokenManager(db, "test-secret", time.Hour, 30)
	user := AdminUser{UUID: "u1", Username: "alice"}
	pair, err := tm.Issue(context.Background(), user, []string{"role1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected non-empty tokens")
	}

	claims, err := tm.Validate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserUUID != "u1" || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTokenManagerValidateRejectsWrongSecret(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()
	mock.ExpectExec(`INSERT INTO refresh_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))

	tm := NewTokenManager(db, "secret-a", time.Hour, 30)
	pair, err := tm.Issue(context.Background(), AdminUser{UUID: "u1"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewTokenManager(db, "secret-b", time.Hour, 30)
	if _, err := other.Validate(pair.AccessToken); err == nil {
		t.Fatal("expected validation failure with mismatched secret")
	}
}

func TestApiKeyFindForAuthRejectsInactive(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT uuid, user_uuid`).WillReturnRows(sqlmock.NewRows(
		[]string{"uuid", "user_uuid", "name", "description", "key_hash", "is_active", "published", "created_at", "created_by", "expires_at", "last_used_at"}))

	store := NewApiKeyStore(db, nil)
	_, ok, err := store.FindForAuth(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("FindForAuth: %v", err)
	}
	if ok {
		t.Fatal("expected no match for inactive/unknown key")
	}
}
