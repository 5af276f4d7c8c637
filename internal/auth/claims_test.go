package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseAdminToken(t *testing.T) {
	secret := "test-secret-key-for-jwt-signing"

	token, err := GenerateAdminToken(secret, 60)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateAdminToken() returned empty token")
	}

	claims, err := ParseAdminToken(token, secret)
	if err != nil {
		t.Fatalf("ParseAdminToken() error = %v", err)
	}

	if claims.Role != "admin" {
		t.Errorf("Role = %q, want %q", claims.Role, "admin")
	}
	if claims.Subject != "admin" {
		t.Errorf("Subject = %q, want %q", claims.Subject, "admin")
	}
	if claims.ID == "" {
		t.Error("JTI (ID) should not be empty")
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("expiry in %v, want about 60 minutes", remaining)
	}
}

func TestParseAdminToken_WrongSecret(t *testing.T) {
	token, err := GenerateAdminToken("correct-secret", 15)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}

	if _, err := ParseAdminToken(token, "wrong-secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseAdminToken() error = %v, want ErrTokenInvalid", err)
	}
}

func TestParseAdminToken_Garbage(t *testing.T) {
	if _, err := ParseAdminToken("not-a-valid-jwt", "secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseAdminToken() error = %v, want ErrTokenInvalid", err)
	}
	if _, err := ParseAdminToken("", "secret"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseAdminToken(empty) error = %v, want ErrTokenInvalid", err)
	}
}

func TestGenerateAdminToken_NoSecret(t *testing.T) {
	if _, err := GenerateAdminToken("", 15); !errors.Is(err, ErrAdminRequired) {
		t.Errorf("GenerateAdminToken() error = %v, want ErrAdminRequired", err)
	}
}

func TestGenerateAdminToken_DefaultTTL(t *testing.T) {
	token, err := GenerateAdminToken("secret", 0)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}
	claims, err := ParseAdminToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseAdminToken() error = %v", err)
	}
	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("default expiry in %v, want about 60 minutes", remaining)
	}
}

func TestVerifyAdminSecret(t *testing.T) {
	tests := []struct {
		name       string
		presented  string
		configured string
		want       bool
	}{
		{"matching secrets", "hunter2-but-long", "hunter2-but-long", true},
		{"mismatched secrets", "wrong", "hunter2-but-long", false},
		{"empty presented", "", "hunter2-but-long", false},
		{"unconfigured secret rejects everything", "anything", "", false},
		{"unconfigured secret rejects empty too", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyAdminSecret(tt.presented, tt.configured); got != tt.want {
				t.Errorf("VerifyAdminSecret(%q, %q) = %v, want %v",
					tt.presented, tt.configured, got, tt.want)
			}
		})
	}
}
