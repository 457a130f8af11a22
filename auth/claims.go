package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims is the capability a caller presents.
// Path is a pattern whose "*" segment stands for the task id.
type Claims struct {
	Owner string `json:"owner"`
	Path  string `json:"path"`
	Admin bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

var signingMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Parse verifies an HMAC signed token and returns its claims.
func Parse(raw string, key []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods(signingMethods))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, ErrUnauthorized
	}
	if claims.Owner == "" {
		return nil, fmt.Errorf("%w: no owner claim", ErrUnauthorized)
	}
	return claims, nil
}

// Sign mints a token, valid for ttl when ttl > 0.
func Sign(c Claims, key []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	c.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
}
