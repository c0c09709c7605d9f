package httpapi

import (
	"context"
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/store"
)

type userStoreStub struct {
	users map[string]domain.UserAccount
}

func (s *userStoreStub) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func newStubStore(t *testing.T) *userStoreStub {
	t.Helper()
	return &userStoreStub{users: map[string]domain.UserAccount{
		"manager": {Username: "manager", Password: mustHashPassword(t, "manager-pass"), Role: domain.RoleManager, Active: true},
		"retired": {Username: "retired", Password: mustHashPassword(t, "retired-pass"), Role: domain.RoleCashier, Active: false},
		"legacy":  {Username: "legacy", Password: "plain-text", Role: domain.RoleCashier, Active: true},
	}}
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func TestLoginIssuesTokenCarryingActor(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubStore(t))

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Manager ", Password: "manager-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.Role != domain.RoleManager {
		t.Fatalf("unexpected login response %+v", resp)
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected expiry in the future, got %s", resp.ExpiresAt)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "manager" || actor.Role != domain.RoleManager {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubStore(t))
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.LoginRequest
	}{
		{"wrong password", domain.LoginRequest{Username: "manager", Password: "nope"}},
		{"unknown user", domain.LoginRequest{Username: "ghost", Password: "manager-pass"}},
		{"plain text stored password", domain.LoginRequest{Username: "legacy", Password: "plain-text"}},
		{"empty password", domain.LoginRequest{Username: "manager"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := manager.Login(ctx, tt.req); !errors.Is(err, errInvalidCredentials) {
				t.Fatalf("expected invalid credentials, got %v", err)
			}
		})
	}

	if _, err := manager.Login(ctx, domain.LoginRequest{Username: "retired", Password: "retired-pass"}); err == nil {
		t.Fatalf("expected inactive account to be rejected")
	}
}

func TestParseTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newStubStore(t))
	other := NewAuthManager("other-secret", time.Hour, newStubStore(t))

	foreign, err := other.sign("manager", domain.RoleManager, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign("manager", domain.RoleManager, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.RegisteredClaims{Subject: "manager"})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := manager.ParseToken(raw); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
}
