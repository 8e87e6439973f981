package auth

import (
	"testing"
	"time"
)

func TestGenerateAndParseJWT(t *testing.T) {
	secret := "test-secret"
	token, err := GenerateJWT(secret, "qa.manager", []string{RoleQAManager}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	claims, err := ParseJWT(secret, token)
	if err != nil {
		t.Fatalf("ParseJWT: %v", err)
	}
	if claims.ActorID != "qa.manager" {
		t.Errorf("ActorID = %q, want qa.manager", claims.ActorID)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleQAManager {
		t.Errorf("Roles = %v, want [%s]", claims.Roles, RoleQAManager)
	}
}

func TestParseJWTWrongSecret(t *testing.T) {
	token, err := GenerateJWT("secret-a", "actor", []string{RoleViewer}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	if _, err := ParseJWT("secret-b", token); err == nil {
		t.Error("expected error for wrong secret")
	}
}

func TestParseJWTExpired(t *testing.T) {
	token, err := GenerateJWT("secret", "actor", []string{RoleViewer}, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := ParseJWT("secret", token); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestHasAnyRole(t *testing.T) {
	tests := []struct {
		name     string
		have     []string
		wanted   []string
		expected bool
	}{
		{"direct match", []string{RoleViewer}, []string{RoleViewer}, true},
		{"one of several", []string{RoleQAManager}, []string{RoleViewer, RoleQAManager}, true},
		{"admin bypasses", []string{RoleAdmin}, []string{RoleOpsScheduler}, true},
		{"no match", []string{RoleViewer}, []string{RoleOpsScheduler}, false},
		{"empty roles", nil, []string{RoleViewer}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Claims{Roles: tt.have}
			if got := c.HasAnyRole(tt.wanted...); got != tt.expected {
				t.Errorf("HasAnyRole(%v) with %v = %v, want %v", tt.wanted, tt.have, got, tt.expected)
			}
		})
	}
}
