package auth

import (
	"testing"
	"time"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "rollcall-test"
)

func TestIssueParseRoundTrip(t *testing.T) {
	token, err := Issue("lect-1", testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token.Value == "" {
		t.Fatal("empty token")
	}

	claims, err := Parse(token.Value, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "lect-1" {
		t.Errorf("Subject = %q, want lect-1", claims.Subject)
	}
	if claims.Role != "lecturer" {
		t.Errorf("Role = %q, want lecturer", claims.Role)
	}
}

func TestParseRejections(t *testing.T) {
	token, err := Issue("lect-1", testIssuer, testKey, time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	expired, err := Issue("lect-1", testIssuer, testKey, -time.Minute)
	if err != nil {
		t.Fatalf("Issue(expired) error = %v", err)
	}

	tests := []struct {
		name        string
		value       string
		key, issuer string
	}{
		{"wrong key", token.Value, "other-key", testIssuer},
		{"wrong issuer", token.Value, testKey, "other-issuer"},
		{"expired", expired.Value, testKey, testIssuer},
		{"garbage", "not.a.jwt", testKey, testIssuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.value, tt.key, tt.issuer); err == nil {
				t.Error("Parse() accepted an invalid token")
			}
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("Sup3rSecret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "Sup3rSecret" {
		t.Fatal("password stored in the clear")
	}
	if !CheckPassword("Sup3rSecret", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}
