package config

import (
	"testing"
	"time"

	"github.com/sqlfront/sqlfront/engines"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.ListenAddr != ":8440" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SharingLevel() != engines.LevelUser {
		t.Errorf("default sharing level = %v, want USER", cfg.SharingLevel())
	}
	if cfg.SessionIdleTimeout != 6*time.Hour {
		t.Errorf("idle timeout = %s", cfg.SessionIdleTimeout)
	}
	if cfg.ProbeFailureThreshold != 3 {
		t.Errorf("probe failures = %d", cfg.ProbeFailureThreshold)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SQLFRONT_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("SQLFRONT_SHARING_LEVEL", "connection")
	t.Setenv("SQLFRONT_SESSION_IDLE_TIMEOUT", "15m")
	t.Setenv("SQLFRONT_MAX_SESSIONS_PER_USER", "4")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.SharingLevel() != engines.LevelConnection {
		t.Errorf("sharing level = %v", cfg.SharingLevel())
	}
	if cfg.SessionIdleTimeout != 15*time.Minute {
		t.Errorf("idle timeout = %s", cfg.SessionIdleTimeout)
	}
	if cfg.MaxSessionsPerUser != 4 {
		t.Errorf("per-user cap = %d", cfg.MaxSessionsPerUser)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SQLFRONT_SHARING_LEVEL", "CLUSTER")
	if _, err := FromEnv(); err == nil {
		t.Fatal("unknown sharing level must be rejected")
	}
}

func TestValidateRequiresAudienceWithIssuer(t *testing.T) {
	t.Setenv("SQLFRONT_OIDC_ISSUER", "https://issuer.example.com")
	if _, err := FromEnv(); err == nil {
		t.Fatal("issuer without audience must be rejected")
	}

	t.Setenv("SQLFRONT_OIDC_AUDIENCE", "sqlfront")
	if _, err := FromEnv(); err != nil {
		t.Fatalf("issuer with audience: %v", err)
	}
}
