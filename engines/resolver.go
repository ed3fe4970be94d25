package engines

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sqlfront/sqlfront/auth"
)

// GroupLookup resolves a user's primary group. Required for
// LevelGroup; a failed lookup is an error, never a silent fallback.
type GroupLookup interface {
	PrimaryGroup(ctx context.Context, user string) (string, error)
}

// GroupLookupFunc adapts a function to the GroupLookup interface.
type GroupLookupFunc func(ctx context.Context, user string) (string, error)

func (f GroupLookupFunc) PrimaryGroup(ctx context.Context, user string) (string, error) {
	return f(ctx, user)
}

// PrincipalGroups is a GroupLookup that trusts the group list carried
// on the principal itself (first entry is the primary group).
func PrincipalGroups(p *auth.Principal) GroupLookup {
	return GroupLookupFunc(func(ctx context.Context, user string) (string, error) {
		if len(p.Groups) == 0 {
			return "", fmt.Errorf("no groups known for user %s", user)
		}
		return p.Groups[0], nil
	})
}

// KeyResolver derives sharing keys from (principal, level, tag). Apart
// from the optional group lookup it is pure and deterministic: equal
// inputs always yield equal keys, except at LevelConnection where every
// call yields a fresh unique key by design.
type KeyResolver struct {
	fingerprint string
	groups      GroupLookup
}

// NewKeyResolver builds a resolver. The fingerprint (typically
// LaunchSpec.Fingerprint of the configured engine) is mixed into every
// non-CONNECTION key so differently configured gateways never share
// engines. groups may be nil when LevelGroup is not used.
func NewKeyResolver(fingerprint string, groups GroupLookup) *KeyResolver {
	return &KeyResolver{fingerprint: fingerprint, groups: groups}
}

// Resolve maps the principal onto a sharing key at the given level.
// tag optionally namespaces tenants; it is mixed verbatim into the key.
func (r *KeyResolver) Resolve(ctx context.Context, p *auth.Principal, level SharingLevel, tag string) (SharingKey, error) {
	var scope string
	switch level {
	case LevelConnection:
		// Unique per call: no reuse, no single-flight sharing.
		scope = uuid.NewString()
	case LevelUser:
		scope = p.EffectiveName()
	case LevelGroup:
		if r.groups == nil {
			return "", fmt.Errorf("sharing level GROUP requires a group lookup")
		}
		group, err := r.groups.PrimaryGroup(ctx, p.EffectiveName())
		if err != nil {
			return "", fmt.Errorf("resolve primary group for %s: %w", p.EffectiveName(), err)
		}
		scope = group
	case LevelServer:
		scope = "server"
	default:
		return "", fmt.Errorf("unknown sharing level %v", level)
	}
	return SharingKey(fmt.Sprintf("%s/%s/%s/%s", level, scope, tag, r.fingerprint)), nil
}
