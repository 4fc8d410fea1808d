// Package auth authenticates connection credentials before any room
// operation is possible. Credentials are bearer tokens (JWT, HS256); the
// token subject is resolved against the principal directory to produce a
// full identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication failure taxonomy. Any of these rejects the connection
// attempt outright; no session is created.
var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrExpiredCredential = errors.New("auth: expired credential")
	ErrPrincipalNotFound = errors.New("auth: principal not found")
)

// Principal is the authenticated identity behind a connection.
type Principal struct {
	UserID    string
	Username  string
	AvatarURL string
}

// Directory resolves a user ID to its directory record. It is the narrow
// contract to the external account system; this core never writes to it.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Principal, error)
}

// ErrNoDirectoryEntry is returned by Directory implementations when the
// user ID has no record.
var ErrNoDirectoryEntry = errors.New("auth: no directory entry")

// Authenticator verifies bearer tokens and resolves principals.
type Authenticator struct {
	secret    []byte
	directory Directory
}

// NewAuthenticator creates an Authenticator with the given HMAC signing
// secret and principal directory.
func NewAuthenticator(secret []byte, directory Directory) *Authenticator {
	return &Authenticator{secret: secret, directory: directory}
}

// Authenticate validates the credential and returns the principal it
// identifies. The error is always one of the taxonomy sentinels (possibly
// wrapped) so callers can map it to a transport response.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}

	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredCredential, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredential
	}
	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}

	principal, err := a.directory.Lookup(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoDirectoryEntry) {
			return nil, fmt.Errorf("%w: user %s", ErrPrincipalNotFound, userID)
		}
		return nil, fmt.Errorf("auth: directory lookup: %w", err)
	}
	return principal, nil
}

// NewToken mints a signed token for the given user ID. Used by tests and by
// the loadtest client; the production issuer lives in the account system.
func NewToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
