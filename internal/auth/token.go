// Package auth verifies and issues the bearer tokens that identify a
// registered caller. Tokens are HS256 JWTs whose subject is the owner id.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when no bearer token is presented.
var ErrMissingToken = errors.New("authorization header required")

// ErrInvalidToken is returned when a token fails verification or carries an
// unusable subject.
var ErrInvalidToken = errors.New("invalid or expired token")

// subjectPattern restricts owner ids to characters that are safe as an
// object-store key segment.
var subjectPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Claims are the token claims the service reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Issue creates a signed token for subject, valid for ttl from now.
func Issue(secret, subject, email string, ttl time.Duration, now time.Time) (string, error) {
	if !subjectPattern.MatchString(subject) {
		return "", fmt.Errorf("issue token: subject %q is not a valid owner id", subject)
	}
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse verifies raw and returns its claims.
func Parse(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !subjectPattern.MatchString(claims.Subject) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ParseBearer extracts the token from an Authorization header value and parses it.
func ParseBearer(secret, header string) (*Claims, error) {
	if header == "" {
		return nil, ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return nil, ErrInvalidToken
	}
	return Parse(secret, parts[1])
}
