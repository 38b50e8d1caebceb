// ABOUTME: JWT verification and minting for end-user identity on the HTTP API
// ABOUTME: HS256 tokens carry sub, name, email and roles claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HS256 secret, in bytes.
const MinSecretLength = 32

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier turns a bearer token into a verified identity.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{secret: secret}, nil
}

type claims struct {
	Name  string   `json:"name,omitempty"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verify validates the token and returns the identity it carries.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &Identity{
		UserID: c.Subject,
		Name:   c.Name,
		Email:  c.Email,
		Roles:  c.Roles,
	}, nil
}

// Generate creates a signed token for id that expires after expiresIn.
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	now := time.Now()
	c := claims{
		Name:  id.Name,
		Email: id.Email,
		Roles: id.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(v.secret)
}
