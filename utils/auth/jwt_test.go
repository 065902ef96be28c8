package auth

import (
	"testing"
	"time"
)

func testManager(expiry time.Duration) *JWTManager {
	return NewJWTManager(JWTConfig{
		Secret: "test-secret",
		Expiry: expiry,
		Issuer: "scriptgrade-test",
	})
}

func TestGenerateAndValidateToken(t *testing.T) {
	m := testManager(time.Hour)

	token, err := m.GenerateToken(42, "teacher@example.com", "teacher")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.UserID != 42 || claims.Email != "teacher@example.com" || claims.Role != "teacher" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	token, err := testManager(time.Hour).GenerateToken(1, "a@b.c", "teacher")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	other := NewJWTManager(JWTConfig{Secret: "different", Expiry: time.Hour, Issuer: "x"})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatal("token validated with wrong secret")
	}
}

func TestValidateExpiredToken(t *testing.T) {
	m := testManager(-time.Minute)

	token, err := m.GenerateToken(1, "a@b.c", "teacher")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	if _, err := m.ValidateToken(token); err == nil {
		t.Fatal("expired token validated")
	}
}

func TestValidateGarbageToken(t *testing.T) {
	if _, err := testManager(time.Hour).ValidateToken("not.a.jwt"); err == nil {
		t.Fatal("garbage token validated")
	}
}
