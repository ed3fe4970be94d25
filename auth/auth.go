// Package auth defines the authentication contract consumed by the
// gateway frontend. Implementations validate transport credentials and
// produce an immutable Principal; the gateway itself never inspects
// credentials beyond this boundary.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated indicates authentication failed or no valid
// credentials were supplied. Terminal for the client: retrying with the
// same credentials will not succeed.
var ErrUnauthenticated = errors.New("unauthenticated")

// ErrUnauthorized indicates the caller authenticated but is not allowed
// to act as the requested proxy user.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is an authenticated identity. Immutable after creation;
// safe for concurrent use.
type Principal struct {
	// Name is the authenticated username (the token subject).
	Name string
	// ProxyName, if set, is the username this principal acts on behalf
	// of. It must have been validated by a ProxyAuthorizer.
	ProxyName string
	// ClientIP is the remote address the credentials arrived from.
	ClientIP string
	// Groups lists the principal's groups, primary group first, when
	// the authenticator can supply them.
	Groups []string
	// Token is the opaque, renewable credential the principal presented.
	Token string
}

// EffectiveName returns the identity sessions run as: the proxy target
// when one was authorized, otherwise the authenticated name.
func (p *Principal) EffectiveName() string {
	if p.ProxyName != "" {
		return p.ProxyName
	}
	return p.Name
}

// Authenticator validates bearer credentials and returns the principal
// they belong to. It must return an error wrapping ErrUnauthenticated
// for invalid credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, credentials string) (*Principal, error)
}

// ProxyAuthorizer decides whether a real, authenticated principal may
// impersonate proxyUser from clientIP. A nil error means allowed.
// Denials must wrap ErrUnauthorized.
type ProxyAuthorizer interface {
	AuthorizeProxyUser(ctx context.Context, real *Principal, proxyUser, clientIP string) error
}

// DenyAllProxy is a ProxyAuthorizer that rejects every impersonation
// request. It is the default when no authorizer is configured.
type DenyAllProxy struct{}

func (DenyAllProxy) AuthorizeProxyUser(ctx context.Context, real *Principal, proxyUser, clientIP string) error {
	return ErrUnauthorized
}
