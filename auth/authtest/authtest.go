// Package authtest provides static authenticators for tests and
// development environments where a real token issuer is not available.
package authtest

import (
	"context"
	"fmt"

	"github.com/sqlfront/sqlfront/auth"
)

// Static is an Authenticator backed by a fixed token -> principal map.
type Static struct {
	principals map[string]*auth.Principal
	// AllowProxy lists (real, proxy) pairs permitted by
	// AuthorizeProxyUser, keyed "real:proxy".
	AllowProxy map[string]bool
}

// NewStatic builds a Static authenticator. Tokens map to principal
// names; groups default to a single group equal to the name.
func NewStatic(tokens map[string]string) *Static {
	s := &Static{
		principals: make(map[string]*auth.Principal, len(tokens)),
		AllowProxy: make(map[string]bool),
	}
	for tok, name := range tokens {
		s.principals[tok] = &auth.Principal{
			Name:   name,
			Groups: []string{name},
			Token:  tok,
		}
	}
	return s
}

func (s *Static) Authenticate(ctx context.Context, credentials string) (*auth.Principal, error) {
	p, ok := s.principals[credentials]
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", auth.ErrUnauthenticated)
	}
	cp := *p
	return &cp, nil
}

func (s *Static) AuthorizeProxyUser(ctx context.Context, real *auth.Principal, proxyUser, clientIP string) error {
	if s.AllowProxy[real.Name+":"+proxyUser] {
		return nil
	}
	return fmt.Errorf("%s may not act as %s: %w", real.Name, proxyUser, auth.ErrUnauthorized)
}
