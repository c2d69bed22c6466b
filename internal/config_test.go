package internal

import (
	"strings"
	"testing"
	"time"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func validConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Scopes = []ScopeConfig{
		{ID: "docs", Path: "./docs"},
		{ID: "trash", Path: "./trash", Role: ScopeRoleTrash},
	}
	return cfg
}

func TestFullConfig_Valid(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.Scopes[0].Kind != ScopeKindLocal {
		t.Errorf("kind = %q, want %q", cfg.Scopes[0].Kind, ScopeKindLocal)
	}
	if cfg.Scopes[0].DisplayName() != "docs" {
		t.Errorf("display name = %q", cfg.Scopes[0].DisplayName())
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestFullConfig_RequiresScopes(t *testing.T) {
	cfg := NewDefaultConfig()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "at least one scope") {
		t.Fatalf("err = %v", err)
	}
}

func TestFullConfig_DuplicateScopeID(t *testing.T) {
	cfg := validConfig()
	cfg.Scopes = append(cfg.Scopes, ScopeConfig{ID: "docs", Path: "./other"})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("err = %v", err)
	}
}

func TestFullConfig_RoleHeldTwice(t *testing.T) {
	cfg := validConfig()
	cfg.Scopes = append(cfg.Scopes, ScopeConfig{ID: "bin", Path: "./bin", Role: ScopeRoleTrash})
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "already held") {
		t.Fatalf("err = %v", err)
	}
}

func TestScopeConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ScopeConfig
		wantErr bool
	}{
		{"local", ScopeConfig{ID: "a", Path: "/tmp/a"}, false},
		{"local without path", ScopeConfig{ID: "a"}, true},
		{"missing id", ScopeConfig{Path: "/tmp/a"}, true},
		{"unknown kind", ScopeConfig{ID: "a", Kind: "ftp", Path: "/tmp/a"}, true},
		{"unknown role", ScopeConfig{ID: "a", Path: "/tmp/a", Role: "archive"}, true},
		{"s3", ScopeConfig{ID: "a", Kind: ScopeKindS3, S3: S3Config{Bucket: "docs"}}, false},
		{"s3 without bucket", ScopeConfig{ID: "a", Kind: ScopeKindS3}, true},
		{"s3 key without secret", ScopeConfig{ID: "a", Kind: ScopeKindS3, S3: S3Config{Bucket: "docs", AccessKey: "k"}}, true},
		{"negative poll", ScopeConfig{ID: "a", Path: "/tmp/a", PollInterval: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestS3Config_DefaultRegion(t *testing.T) {
	cfg := S3Config{Bucket: "docs"}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %q", cfg.Region)
	}
}
