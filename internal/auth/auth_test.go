package auth

import (
	"testing"

	"cmoon.dev/moonchat/internal/config"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("pw1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == "pw1" {
		t.Fatal("password stored in cleartext")
	}
	if !CheckPasswordHash("pw1", hash) {
		t.Error("correct password rejected")
	}
	if CheckPasswordHash("pw2", hash) {
		t.Error("wrong password accepted")
	}
}

func TestPasswordHashesAreSalted(t *testing.T) {
	h1, err := HashPassword("pw1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("pw1")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password are identical; digest is unsalted")
	}
}

func TestJWTRoundTrip(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"

	token, err := GenerateJWT("alice")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	subject, err := ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if subject != "alice" {
		t.Errorf("subject = %q, want %q", subject, "alice")
	}
}

func TestJWTRejectsTamperedToken(t *testing.T) {
	config.AppConfig.JWTSecret = "test-secret"

	token, err := GenerateJWT("alice")
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	if _, err := ValidateJWT(token + "x"); err == nil {
		t.Error("tampered token accepted")
	}

	config.AppConfig.JWTSecret = "different-secret"
	if _, err := ValidateJWT(token); err == nil {
		t.Error("token signed with another secret accepted")
	}
}
