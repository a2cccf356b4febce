// Package auth implements the optional authentication collaborator: a
// capability injected into the session coordinator whose whole contract
// is approve(credentials) -> assigned name, or reject. The user database
// and password hashing live outside this repo; this package verifies the
// opaque credentials blob from the Hello frame and extracts the caller's
// name.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRejected is returned by Authenticator.Approve when credentials do not
// verify. The session coordinator treats this like any other handshake
// failure: refuse the handshake, close without emitting Join.
var ErrRejected = errors.New("auth: credentials rejected")

// Authenticator is the capability the Session Coordinator is constructed
// with. A nil Authenticator means the collaborator is not engaged and
// every Hello is accepted.
type Authenticator interface {
	Approve(credentials []byte) (name string, err error)
}

// Claims carried inside a collabtext session token.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 session tokens. There is no HTTP
// header or query extraction here: credentials arrive as an opaque blob
// inside the Hello frame.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds an Authenticator backed by the given shared
// secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Approve verifies the JWT carried in credentials and returns its "name"
// claim as the name to use for the joining client. A token with an empty
// name claim is rejected.
func (a *JWTAuthenticator) Approve(credentials []byte) (string, error) {
	token, err := jwt.ParseWithClaims(string(credentials), &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Name == "" {
		return "", ErrRejected
	}
	return claims.Name, nil
}

// Issue creates a signed session token for name, valid for ttl. Exported
// for use by whatever out-of-core login flow mints tokens for clients
// before they dial the collaboration server.
func (a *JWTAuthenticator) Issue(name string, ttl time.Duration) (string, error) {
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   name,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}
