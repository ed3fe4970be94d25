package engines

import (
	"context"
	"errors"
	"testing"

	"github.com/sqlfront/sqlfront/auth"
)

func TestResolveConnectionLevelIsUniquePerCall(t *testing.T) {
	ctx := context.Background()
	r := NewKeyResolver("abc123", nil)
	p := &auth.Principal{Name: "alice"}

	k1, err := r.Resolve(ctx, p, LevelConnection, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	k2, err := r.Resolve(ctx, p, LevelConnection, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if k1 == k2 {
		t.Fatalf("CONNECTION keys must be unique per call, got %q twice", k1)
	}
}

func TestResolveUserLevelIsStable(t *testing.T) {
	ctx := context.Background()
	r := NewKeyResolver("abc123", nil)
	alice := &auth.Principal{Name: "alice"}
	bob := &auth.Principal{Name: "bob"}

	k1, _ := r.Resolve(ctx, alice, LevelUser, "")
	k2, _ := r.Resolve(ctx, alice, LevelUser, "")
	k3, _ := r.Resolve(ctx, bob, LevelUser, "")
	if k1 != k2 {
		t.Fatalf("same user must map to same key: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Fatalf("different users must not share a key: %q", k1)
	}
}

func TestResolveUserLevelHonorsProxyIdentity(t *testing.T) {
	ctx := context.Background()
	r := NewKeyResolver("abc123", nil)
	proxied := &auth.Principal{Name: "service", ProxyName: "alice"}
	direct := &auth.Principal{Name: "alice"}

	k1, _ := r.Resolve(ctx, proxied, LevelUser, "")
	k2, _ := r.Resolve(ctx, direct, LevelUser, "")
	if k1 != k2 {
		t.Fatalf("proxy sessions run as the effective user: %q vs %q", k1, k2)
	}
}

func TestResolveGroupLevelRequiresLookup(t *testing.T) {
	ctx := context.Background()
	p := &auth.Principal{Name: "alice"}

	if _, err := NewKeyResolver("abc123", nil).Resolve(ctx, p, LevelGroup, ""); err == nil {
		t.Fatal("GROUP without a lookup must fail, never fall back")
	}

	lookupErr := errors.New("ldap down")
	failing := GroupLookupFunc(func(ctx context.Context, user string) (string, error) {
		return "", lookupErr
	})
	if _, err := NewKeyResolver("abc123", failing).Resolve(ctx, p, LevelGroup, ""); !errors.Is(err, lookupErr) {
		t.Fatalf("failed lookup must surface, got %v", err)
	}

	static := GroupLookupFunc(func(ctx context.Context, user string) (string, error) {
		return "analytics", nil
	})
	r := NewKeyResolver("abc123", static)
	k1, err := r.Resolve(ctx, p, LevelGroup, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	k2, _ := r.Resolve(ctx, &auth.Principal{Name: "bob"}, LevelGroup, "")
	if k1 != k2 {
		t.Fatalf("same group must share a key: %q vs %q", k1, k2)
	}
}

func TestResolveServerLevelSharedAcrossUsers(t *testing.T) {
	ctx := context.Background()
	r := NewKeyResolver("abc123", nil)

	k1, _ := r.Resolve(ctx, &auth.Principal{Name: "alice"}, LevelServer, "")
	k2, _ := r.Resolve(ctx, &auth.Principal{Name: "bob"}, LevelServer, "")
	if k1 != k2 {
		t.Fatalf("SERVER level must share one key: %q vs %q", k1, k2)
	}
}

func TestResolveMixesTagAndFingerprint(t *testing.T) {
	ctx := context.Background()
	p := &auth.Principal{Name: "alice"}

	r := NewKeyResolver("abc123", nil)
	base, _ := r.Resolve(ctx, p, LevelUser, "")
	tagged, _ := r.Resolve(ctx, p, LevelUser, "tenant-a")
	if base == tagged {
		t.Fatal("tag must partition sharing keys")
	}

	other := NewKeyResolver("def456", nil)
	reconfigured, _ := other.Resolve(ctx, p, LevelUser, "")
	if base == reconfigured {
		t.Fatal("different launch fingerprints must never share a key")
	}
}

func TestPrincipalGroupsUsesPrimaryGroup(t *testing.T) {
	ctx := context.Background()
	p := &auth.Principal{Name: "alice", Groups: []string{"analytics", "staff"}}

	g, err := PrincipalGroups(p).PrimaryGroup(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if g != "analytics" {
		t.Fatalf("want primary group analytics, got %q", g)
	}

	if _, err := PrincipalGroups(&auth.Principal{Name: "bob"}).PrimaryGroup(ctx, "bob"); err == nil {
		t.Fatal("principal without groups must fail GROUP resolution")
	}
}
