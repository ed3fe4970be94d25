// Package config declares the environment-driven configuration for the
// sqlfront gateway binary. Every knob has a default so a bare process
// comes up with sane single-node behavior; production deployments set
// the SQLFRONT_* variables.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/sqlfront/sqlfront/engines"
)

// Config is the full gateway configuration.
type Config struct {
	// ListenAddr is the HTTP listen address. ENV: SQLFRONT_LISTEN_ADDR
	ListenAddr string `env:"SQLFRONT_LISTEN_ADDR,default=:8440"`
	// Realm is advertised in WWW-Authenticate challenges.
	// ENV: SQLFRONT_REALM
	Realm string `env:"SQLFRONT_REALM,default=sqlfront"`
	// LogLevel is one of debug, info, warn, error.
	// ENV: SQLFRONT_LOG_LEVEL
	LogLevel string `env:"SQLFRONT_LOG_LEVEL,default=info"`

	// LaunchTemplatePath points at the YAML engine launch template.
	// ENV: SQLFRONT_LAUNCH_TEMPLATE
	LaunchTemplatePath string `env:"SQLFRONT_LAUNCH_TEMPLATE,default=engine.yaml"`
	// DefaultSharingLevel applies when a client does not request one.
	// ENV: SQLFRONT_SHARING_LEVEL
	DefaultSharingLevel string `env:"SQLFRONT_SHARING_LEVEL,default=USER"`

	// SessionIdleTimeout closes sessions with no activity.
	// ENV: SQLFRONT_SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"SQLFRONT_SESSION_IDLE_TIMEOUT,default=6h"`
	// SessionMaxLifetime closes sessions regardless of activity; 0
	// disables. ENV: SQLFRONT_SESSION_MAX_LIFETIME
	SessionMaxLifetime time.Duration `env:"SQLFRONT_SESSION_MAX_LIFETIME,default=0"`
	// MaxSessions caps concurrently open sessions; 0 is unlimited.
	// ENV: SQLFRONT_MAX_SESSIONS
	MaxSessions int `env:"SQLFRONT_MAX_SESSIONS,default=0"`
	// MaxSessionsPerUser caps sessions per effective user; 0 is
	// unlimited. ENV: SQLFRONT_MAX_SESSIONS_PER_USER
	MaxSessionsPerUser int `env:"SQLFRONT_MAX_SESSIONS_PER_USER,default=0"`
	// DispatchTimeout bounds a single statement execution.
	// ENV: SQLFRONT_DISPATCH_TIMEOUT
	DispatchTimeout time.Duration `env:"SQLFRONT_DISPATCH_TIMEOUT,default=5m"`
	// OperationQueueDepth bounds queued statements per session.
	// ENV: SQLFRONT_OPERATION_QUEUE_DEPTH
	OperationQueueDepth int `env:"SQLFRONT_OPERATION_QUEUE_DEPTH,default=32"`

	// LaunchTimeout bounds engine launch plus readiness.
	// ENV: SQLFRONT_LAUNCH_TIMEOUT
	LaunchTimeout time.Duration `env:"SQLFRONT_LAUNCH_TIMEOUT,default=60s"`
	// ProbeInterval is the engine health probe period.
	// ENV: SQLFRONT_PROBE_INTERVAL
	ProbeInterval time.Duration `env:"SQLFRONT_PROBE_INTERVAL,default=10s"`
	// ProbeFailureThreshold is how many consecutive probe failures mark
	// an engine unhealthy. ENV: SQLFRONT_PROBE_FAILURES
	ProbeFailureThreshold int `env:"SQLFRONT_PROBE_FAILURES,default=3"`
	// EngineIdleGrace is how long an unreferenced engine lingers before
	// eviction. ENV: SQLFRONT_ENGINE_IDLE_GRACE
	EngineIdleGrace time.Duration `env:"SQLFRONT_ENGINE_IDLE_GRACE,default=60s"`

	// OIDCIssuer enables OIDC bearer auth when set; discovery runs
	// against this issuer. ENV: SQLFRONT_OIDC_ISSUER
	OIDCIssuer string `env:"SQLFRONT_OIDC_ISSUER,default="`
	// OIDCAudience is the audience access tokens must carry.
	// ENV: SQLFRONT_OIDC_AUDIENCE
	OIDCAudience string `env:"SQLFRONT_OIDC_AUDIENCE,default="`
	// OIDCGroupsClaim names the token claim carrying group membership.
	// ENV: SQLFRONT_OIDC_GROUPS_CLAIM
	OIDCGroupsClaim string `env:"SQLFRONT_OIDC_GROUPS_CLAIM,default=groups"`

	// EventDir enables the file event sink when set.
	// ENV: SQLFRONT_EVENT_DIR
	EventDir string `env:"SQLFRONT_EVENT_DIR,default="`
	// EventRedisAddr enables the Redis event sink when set.
	// ENV: SQLFRONT_EVENT_REDIS_ADDR
	EventRedisAddr string `env:"SQLFRONT_EVENT_REDIS_ADDR,default="`
	// EventQueueDepth bounds the async event queue.
	// ENV: SQLFRONT_EVENT_QUEUE_DEPTH
	EventQueueDepth int `env:"SQLFRONT_EVENT_QUEUE_DEPTH,default=1024"`
}

// FromEnv loads configuration from the process environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the gateway cannot run with.
func (c *Config) Validate() error {
	if _, err := engines.ParseSharingLevel(c.DefaultSharingLevel); err != nil {
		return fmt.Errorf("invalid SQLFRONT_SHARING_LEVEL: %w", err)
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SQLFRONT_SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("SQLFRONT_LAUNCH_TIMEOUT must be positive")
	}
	if c.ProbeFailureThreshold < 1 {
		return fmt.Errorf("SQLFRONT_PROBE_FAILURES must be at least 1")
	}
	if c.OIDCIssuer != "" && c.OIDCAudience == "" {
		return fmt.Errorf("SQLFRONT_OIDC_AUDIENCE is required when SQLFRONT_OIDC_ISSUER is set")
	}
	return nil
}

// SharingLevel returns the parsed default sharing level. Validate must
// have succeeded.
func (c *Config) SharingLevel() engines.SharingLevel {
	level, _ := engines.ParseSharingLevel(c.DefaultSharingLevel)
	return level
}
