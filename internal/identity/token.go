// Package identity verifies the bearer tokens the surrounding web app issues.
// The circulation core does not authenticate anyone; it only extracts the
// pre-authenticated acting user and role from a signed token.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleMember can query availability and manage their own reservations.
	RoleMember = "member"
	// RoleStaff can additionally deliver, receive, and manage copies.
	RoleStaff = "staff"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the acting identity extracted from a verified token.
type Claims struct {
	UserID string
	Role   string
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 tokens with a shared secret.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// New constructs a token codec. ttl bounds the validity of signed tokens.
func New(secret, issuer string, ttl time.Duration) (*Tokens, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 characters")
	}
	if issuer == "" {
		issuer = "circulate"
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl}, nil
}

// Sign issues a token for the given user and role.
func (t *Tokens) Sign(userID, role string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	if role != RoleMember && role != RoleStaff {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC()
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a token, returning the acting identity.
func (t *Tokens) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	role := claims.Role
	if role != RoleStaff {
		role = RoleMember
	}
	return Claims{UserID: claims.Subject, Role: role}, nil
}
