package auth

import (
	"strings"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func TestIssueAndParseToken(t *testing.T) {
	claims := Claims{
		Sub:   "usr_1",
		Email: "ada@example.com",
		JTI:   "jti_1",
		Exp:   time.Now().Add(time.Minute).Unix(),
	}
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Email != claims.Email || parsed.JTI != claims.JTI {
		t.Errorf("claims mismatch: got %+v", parsed)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	token, err := IssueToken(secret, Claims{Sub: "usr_1", JTI: "jti_1", Exp: time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	tampered := strings.Replace(token, ".", "x.", 1)
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken(secret, Claims{Sub: "usr_1", JTI: "jti_1", Exp: time.Now().Add(time.Minute).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken([]byte("other-secret"), token); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	token, err := IssueToken(secret, Claims{Sub: "usr_1", JTI: "jti_1", Exp: time.Now().Add(-time.Second).Unix()})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); err != ErrExpiredToken {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestNewRawTokenUniqueAndOpaque(t *testing.T) {
	a := NewRawToken()
	b := NewRawToken()
	if a == b {
		t.Error("two tokens should never collide")
	}
	// 32 bytes base64url without padding is 43 characters
	if len(a) != 43 {
		t.Errorf("unexpected token length %d", len(a))
	}
	if HashToken(a) == HashToken(b) {
		t.Error("hashes should differ")
	}
	if HashToken(a) == a {
		t.Error("hash must not equal raw token")
	}
}
