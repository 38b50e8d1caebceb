// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and claim round-trips

package auth

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_RejectsShortSecret(t *testing.T) {
	if _, err := NewJWTVerifier([]byte("short")); !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newVerifier(t)

	want := Identity{UserID: "user-123", Name: "Uma", Email: "uma@example.org", Roles: []string{"admin"}}
	token, err := verifier.Generate(want, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if got.UserID != want.UserID || got.Name != want.Name || got.Email != want.Email {
		t.Errorf("Verify() = %+v, want %+v", got, want)
	}
	if !slices.Equal(got.Roles, want.Roles) {
		t.Errorf("Verify() roles = %v, want %v", got.Roles, want.Roles)
	}
	if !got.IsAdmin() {
		t.Error("IsAdmin() = false, want true")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newVerifier(t)

	other, err := NewJWTVerifier([]byte("a-completely-different-secret-32"))
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	foreign, _ := other.Generate(Identity{UserID: "user-123"}, time.Hour)

	noneToken, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-123"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: foreign},
		{name: "alg none", token: noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newVerifier(t)

	token, err := verifier.Generate(Identity{UserID: "user-123"}, -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier := newVerifier(t)

	if _, err := verifier.Generate(Identity{Name: "nobody"}, time.Hour); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Generate() error = %v, want ErrMissingClaim", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"name": "nobody",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Verify() error = %v, want ErrMissingClaim", err)
	}
}
