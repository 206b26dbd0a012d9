// Package ws is the client-facing websocket channel: authenticated
// sessions, market data subscriptions and trading commands.
package ws

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrNoToken      = errors.New("no token supplied")
)

// UserClaims is the engine-relevant slice of a session token.
type UserClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
}

// Claims is the full JWT payload.
type Claims struct {
	UserClaims
	jwt.RegisteredClaims
}

// TokenManager validates the bearer tokens the account portal issues.
type TokenManager struct {
	secret []byte
}

// NewTokenManager creates a validator over a shared HMAC secret.
func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

// Validate parses and verifies a token, returning its user claims.
func (m *TokenManager) Validate(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return &claims.UserClaims, nil
}

// Issue signs a token for a user. Used by tests and local tooling; the
// portal is the production issuer.
func (m *TokenManager) Issue(claims UserClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "propfirm-engine",
		},
	})
	return token.SignedString(m.secret)
}

// tokenFromRequest pulls the bearer token from the Authorization header
// or, for browser websocket clients, the token query parameter.
func tokenFromRequest(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimPrefix(auth, "Bearer "), nil
		}
		return "", ErrTokenInvalid
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}
