package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/internal/store"
)

func newTestService() *Service {
	return NewService(store.NewMemoryStore(), "stocksim-test", []byte("test-secret"), time.Hour, decimal.NewFromInt(10000))
}

func TestRegister_CreatesFundedAccount(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	id, err := svc.Register(ctx, "alice", "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	acct, err := svc.GetAccount(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if acct.Username != "alice" {
		t.Errorf("expected username alice, got %s", acct.Username)
	}
	if !acct.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected starting balance 10000, got %s", acct.Balance)
	}
	if len(acct.Positions) != 0 {
		t.Error("new account should hold no positions")
	}
}

func TestRegister_Validation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	cases := []struct {
		name               string
		username, email, pw string
	}{
		{"missing username", "", "a@example.com", "secret1"},
		{"missing email", "alice", "", "secret1"},
		{"missing password", "alice", "a@example.com", ""},
		{"bad email", "alice", "not-an-email", "secret1"},
		{"short password", "alice", "a@example.com", "12345"},
	}
	for _, tc := range cases {
		if _, err := svc.Register(ctx, tc.username, tc.email, tc.pw); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "alice@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Register(ctx, "bob", "alice@example.com", "secret1")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestLogin_RoundTrip(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	id, err := svc.Register(ctx, "alice", "alice@example.com", "secret1")
	if err != nil {
		t.Fatal(err)
	}
	token, err := svc.Login(ctx, "alice@example.com", "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	subject, err := svc.ParseToken(token)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if subject != id {
		t.Errorf("token subject %s does not match account id %s", subject, id)
	}
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "Alice@Example.com", "secret1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "alice@example.com", "secret1"); err != nil {
		t.Errorf("login with lowercased email failed: %v", err)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "alice@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestParseToken_RejectsForeignToken(t *testing.T) {
	svc := newTestService()
	other := NewService(store.NewMemoryStore(), "stocksim-test", []byte("other-secret"), time.Hour, decimal.NewFromInt(10000))
	ctx := context.Background()

	if _, err := other.Register(ctx, "eve", "eve@example.com", "secret1"); err != nil {
		t.Fatal(err)
	}
	token, err := other.Login(ctx, "eve@example.com", "secret1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ParseToken(token); err == nil {
		t.Error("token signed with a different secret must be rejected")
	}
}
