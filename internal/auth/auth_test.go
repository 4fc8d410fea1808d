package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeDirectory struct {
	users map[string]*Principal
}

func (d *fakeDirectory) Lookup(_ context.Context, userID string) (*Principal, error) {
	p, ok := d.users[userID]
	if !ok {
		return nil, ErrNoDirectoryEntry
	}
	return p, nil
}

var testSecret = []byte("test-secret")

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(testSecret, &fakeDirectory{
		users: map[string]*Principal{
			"u1": {UserID: "u1", Username: "ada", AvatarURL: "https://example.com/a.png"},
		},
	})
}

func TestAuthenticate_Success(t *testing.T) {
	a := newTestAuthenticator()

	token, err := NewToken(testSecret, "u1", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	p, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != "u1" || p.Username != "ada" {
		t.Errorf("unexpected principal: %+v", p)
	}
}

func TestAuthenticate_MissingCredential(t *testing.T) {
	a := newTestAuthenticator()

	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestAuthenticate_InvalidCredential(t *testing.T) {
	a := newTestAuthenticator()

	_, err := a.Authenticate(context.Background(), "not-a-jwt")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	a := newTestAuthenticator()

	token, err := NewToken([]byte("other-secret"), "u1", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	_, err = a.Authenticate(context.Background(), token)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
}

func TestAuthenticate_ExpiredCredential(t *testing.T) {
	a := newTestAuthenticator()

	token, err := NewToken(testSecret, "u1", -time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	_, err = a.Authenticate(context.Background(), token)
	if !errors.Is(err, ErrExpiredCredential) {
		t.Fatalf("expected ErrExpiredCredential, got %v", err)
	}
}

func TestAuthenticate_PrincipalNotFound(t *testing.T) {
	a := newTestAuthenticator()

	token, err := NewToken(testSecret, "ghost", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	_, err = a.Authenticate(context.Background(), token)
	if !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
}
