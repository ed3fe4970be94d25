// Package jwtauth validates JWT bearer tokens for the gateway frontend.
// It supports OIDC discovery (issuer -> jwks_uri, auto-refreshing keys)
// and a static JWKS-URI mode, and maps validated claims onto an
// auth.Principal.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/sqlfront/sqlfront/auth"
)

// Config controls validation behavior for access tokens: issuer,
// audience, algorithm and clock-skew policy, plus the claim names the
// principal's group memberships are read from.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the primary audience (index 0)
	// followed by any additional accepted audiences.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// GroupsClaim names the claim carrying group memberships. Defaults
	// to "groups".
	GroupsClaim string
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
		GroupsClaim: "groups",
	}
}

type tokenAuthenticator struct {
	cfg     *Config
	issuer  string
	keyfunc jwt.Keyfunc
}

var _ auth.Authenticator = (*tokenAuthenticator)(nil)

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and
// issuer, and constructs an Authenticator with auto-refreshed JWKS keys.
func NewFromDiscovery(ctx context.Context, cfg *Config) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	return newWithJWKS(ctx, cfg, meta.Issuer, meta.JwksURI)
}

// NewStatic constructs an authenticator against a statically configured
// JWKS URI (no discovery).
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newWithJWKS(ctx, cfg, cfg.Issuer, jwksURI)
}

func newWithJWKS(ctx context.Context, cfg *Config, issuer, jwksURI string) (*tokenAuthenticator, error) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}

	// Auto-refreshing JWKS.
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &tokenAuthenticator{
		cfg:    cfg,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			allowed := false
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

func (a *tokenAuthenticator) Authenticate(ctx context.Context, credentials string) (*auth.Principal, error) {
	if credentials == "" {
		return nil, fmt.Errorf("empty token: %w", auth.ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	// With exactly one expected audience the parser's built-in check
	// suffices; with several we intersect after parsing.
	if len(a.cfg.ExpectedAudiences) == 1 {
		opts = append(opts, jwt.WithAudience(a.cfg.ExpectedAudiences[0]))
	}
	parser := jwt.NewParser(opts...)

	parsed, err := parser.Parse(credentials, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("token parse/verify failed: %v: %w", err, auth.ErrUnauthenticated)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type: %w", auth.ErrUnauthenticated)
	}

	if len(a.cfg.ExpectedAudiences) > 1 {
		if !audienceMatches(claims, a.cfg.ExpectedAudiences) {
			return nil, fmt.Errorf("audience mismatch: %w", auth.ErrUnauthenticated)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token missing sub: %w", auth.ErrUnauthenticated)
	}

	return &auth.Principal{
		Name:   sub,
		Groups: groupsFromClaims(claims, a.cfg.GroupsClaim),
		Token:  credentials,
	}, nil
}

func audienceMatches(claims jwt.MapClaims, expected []string) bool {
	auds, err := claims.GetAudience()
	if err != nil {
		return false
	}
	for _, aud := range auds {
		for _, want := range expected {
			if aud == want {
				return true
			}
		}
	}
	return false
}

func groupsFromClaims(claims jwt.MapClaims, claim string) []string {
	switch v := claims[claim].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return strings.Fields(v)
	default:
		return nil
	}
}
