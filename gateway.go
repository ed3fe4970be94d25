// Package sqlfront assembles the SQL gateway: a session manager that
// leases pooled backend engines per sharing key, an operation
// dispatcher per session, and an HTTP JSON-RPC frontend. The pieces
// are individually usable; this package is the batteries-included
// wiring for the common single-binary deployment.
package sqlfront

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sqlfront/sqlfront/auth"
	"github.com/sqlfront/sqlfront/engines"
	"github.com/sqlfront/sqlfront/events"
	"github.com/sqlfront/sqlfront/httpfront"
	"github.com/sqlfront/sqlfront/internal/provisioner"
	"github.com/sqlfront/sqlfront/internal/sessioncore"
	"github.com/sqlfront/sqlfront/sessions"
)

// GatewayConfig wires a Gateway. Launcher, Dialer, Template and
// Authenticator are required; everything else has defaults.
type GatewayConfig struct {
	// Launcher starts backend engines.
	Launcher engines.Launcher
	// Dialer connects to a launched engine's endpoint.
	Dialer engines.Dialer
	// Template returns the current engine launch template.
	Template func() engines.LaunchSpec
	// Authenticator validates frontend bearer credentials.
	Authenticator auth.Authenticator

	// ProxyAuthorizer gates proxy-user impersonation. Nil denies all.
	ProxyAuthorizer auth.ProxyAuthorizer
	// Groups resolves group membership for GROUP sharing. Nil trusts
	// the groups carried on each principal.
	Groups engines.GroupLookup
	// Sink receives lifecycle events. Nil discards them.
	Sink events.Sink
	// LogHandler receives structured logs. Nil discards them.
	LogHandler slog.Handler

	// Realm is advertised in WWW-Authenticate challenges.
	Realm string

	// DefaultSharingLevel applies when a session does not request one.
	// The zero value is CONNECTION.
	DefaultSharingLevel engines.SharingLevel

	SessionIdleTimeout  time.Duration
	SessionMaxLifetime  time.Duration
	MaxSessions         int
	MaxSessionsPerUser  int
	DispatchTimeout     time.Duration
	OperationQueueDepth int

	LaunchTimeout         time.Duration
	ProbeInterval         time.Duration
	ProbeFailureThreshold int
	EngineIdleGrace       time.Duration
}

// Gateway is a fully wired sqlfront instance.
type Gateway struct {
	prov    *provisioner.Provisioner
	mgr     *sessioncore.Manager
	handler *httpfront.Handler
}

var _ http.Handler = (*Gateway)(nil)

// NewGateway builds and starts a Gateway. The caller owns Close.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Launcher == nil || cfg.Dialer == nil || cfg.Template == nil {
		return nil, fmt.Errorf("launcher, dialer and template are required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	log := slog.New(slog.DiscardHandler)
	if cfg.LogHandler != nil {
		log = slog.New(cfg.LogHandler)
	}

	provOpts := []provisioner.Option{
		provisioner.WithLogger(log),
	}
	if cfg.Sink != nil {
		provOpts = append(provOpts, provisioner.WithSink(cfg.Sink))
	}
	if cfg.LaunchTimeout > 0 {
		provOpts = append(provOpts, provisioner.WithLaunchTimeout(cfg.LaunchTimeout))
	}
	if cfg.ProbeInterval > 0 {
		provOpts = append(provOpts, provisioner.WithProbeInterval(cfg.ProbeInterval))
	}
	if cfg.ProbeFailureThreshold > 0 {
		provOpts = append(provOpts, provisioner.WithFailureThreshold(cfg.ProbeFailureThreshold))
	}
	if cfg.EngineIdleGrace > 0 {
		provOpts = append(provOpts, provisioner.WithIdleGrace(cfg.EngineIdleGrace))
	}
	prov, err := provisioner.New(cfg.Launcher, cfg.Dialer, provOpts...)
	if err != nil {
		return nil, fmt.Errorf("build provisioner: %w", err)
	}

	mgr, err := sessioncore.New(sessioncore.Config{
		Provisioner:         prov,
		Dial:                cfg.Dialer,
		Template:            cfg.Template,
		Groups:              cfg.Groups,
		Log:                 log,
		Sink:                cfg.Sink,
		DefaultLevel:        cfg.DefaultSharingLevel,
		IdleTimeout:         cfg.SessionIdleTimeout,
		MaxLifetime:         cfg.SessionMaxLifetime,
		DispatchTimeout:     cfg.DispatchTimeout,
		MaxSessionsPerUser:  cfg.MaxSessionsPerUser,
		MaxSessions:         cfg.MaxSessions,
		OperationQueueDepth: cfg.OperationQueueDepth,
	})
	if err != nil {
		prov.Close()
		return nil, fmt.Errorf("build session manager: %w", err)
	}

	frontOpts := []httpfront.Option{
		httpfront.WithLogger(log),
		httpfront.WithRealm(cfg.Realm),
	}
	if cfg.ProxyAuthorizer != nil {
		frontOpts = append(frontOpts, httpfront.WithProxyAuthorizer(cfg.ProxyAuthorizer))
	}
	handler, err := httpfront.New(mgr, cfg.Authenticator, frontOpts...)
	if err != nil {
		mgr.Close()
		prov.Close()
		return nil, fmt.Errorf("build frontend: %w", err)
	}

	return &Gateway{prov: prov, mgr: mgr, handler: handler}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Sessions exposes the session manager for embedding programs.
func (g *Gateway) Sessions() sessions.Manager { return g.mgr }

// Close shuts down sessions first so leases release before the engine
// pool tears down.
func (g *Gateway) Close() error {
	mErr := g.mgr.Close()
	pErr := g.prov.Close()
	if mErr != nil {
		return mErr
	}
	return pErr
}
