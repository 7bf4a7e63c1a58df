package authz

import (
	"context"
	"errors"
	"testing"
)

func staticRoles(m map[string][]string) RoleResolver {
	return RoleResolverFunc(func(_ context.Context, role string) ([]string, error) {
		return m[role], nil
	})
}

func TestDenyByDefault(t *testing.T) {
	engine := NewEngine(staticRoles(nil))
	principal := Principal{ID: "u1"}
	decision, err := engine.Decide(context.Background(), principal, "edit", Resource{Type: "profile", ID: "p1"}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Deny {
		t.Fatalf("expected deny for empty role/permission set, got %v", decision)
	}
}

func TestOwnershipOverridesMissingPermission(t *testing.T) {
	engine := NewEngine(staticRoles(map[string][]string{"user": {"profile.edit.own"}}))

	alice := Principal{ID: "alice", Roles: []string{"user"}}

	bobProfile := Resource{Type: "profile", ID: "profile-bob", OwnerID: "bob"}
	decision, err := engine.Decide(context.Background(), alice, "edit", bobProfile, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Deny {
		t.Fatalf("expected deny editing another user's profile, got %v", decision)
	}

	aliceProfile := Resource{Type: "profile", ID: "profile-alice", OwnerID: "alice"}
	decision, err = engine.Decide(context.Background(), alice, "edit", aliceProfile, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow || decision.Rule != "owner" {
		t.Fatalf("expected ownership allow, got %v", decision)
	}
}

func TestDirectGrantPrecedesRoles(t *testing.T) {
	engine := NewEngine(staticRoles(nil))
	principal := Principal{ID: "u1", Grants: []string{"report.read"}}
	decision, err := engine.Decide(context.Background(), principal, "read", Resource{Type: "report", ID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow || decision.Rule != "grant" {
		t.Fatalf("expected direct grant allow, got %v", decision)
	}
}

func TestPermissionKeysAreCaseInsensitive(t *testing.T) {
	engine := NewEngine(staticRoles(nil))
	principal := Principal{ID: "u1", Grants: []string{"profile.edit"}}
	decision, err := engine.Decide(context.Background(), principal, "Edit", Resource{Type: "Profile", ID: "p1"}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow || decision.Rule != "grant" {
		t.Fatalf("expected mixed-case request to match grant, got %v", decision)
	}
}

func TestRoleDerivedPermissionAndWildcard(t *testing.T) {
	engine := NewEngine(staticRoles(map[string][]string{
		"auditor": {"report.read"},
		"admin":   {"report.*"},
	}))

	decision, err := engine.Decide(context.Background(),
		Principal{ID: "u1", Roles: []string{"auditor"}}, "read", Resource{Type: "report", ID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow || decision.Rule != "role:auditor" {
		t.Fatalf("expected role allow, got %v", decision)
	}

	decision, err = engine.Decide(context.Background(),
		Principal{ID: "u2", Roles: []string{"admin"}}, "delete", Resource{Type: "report", ID: "r1"}, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow {
		t.Fatalf("expected wildcard role allow, got %v", decision)
	}
}

func TestPolicyVetoRestrictsButNeverGrants(t *testing.T) {
	internalOnly := RequireEnv("internal-only", "channel", "internal")
	engine := NewEngine(staticRoles(map[string][]string{"ops": {"server.restart"}}), internalOnly)

	ops := Principal{ID: "op1", Roles: []string{"ops"}}
	resource := Resource{Type: "server", ID: "srv-9"}

	decision, err := engine.Decide(context.Background(), ops, "restart", resource, Environment{"channel": "public"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Deny || decision.Rule != "policy:internal-only" {
		t.Fatalf("expected policy veto, got %v", decision)
	}

	decision, err = engine.Decide(context.Background(), ops, "restart", resource, Environment{"channel": "internal"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow {
		t.Fatalf("expected allow on internal channel, got %v", decision)
	}

	// No permission at all: the policy passing must not grant anything.
	nobody := Principal{ID: "n1"}
	decision, err = engine.Decide(context.Background(), nobody, "restart", resource, Environment{"channel": "internal"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Deny {
		t.Fatalf("expected deny without permission, got %v", decision)
	}
}

func TestOwnerBypassesPolicyVeto(t *testing.T) {
	vetoAll := PolicyFunc{PolicyName: "veto-all", Fn: func(Principal, string, Resource, Environment) bool { return true }}
	engine := NewEngine(staticRoles(nil), vetoAll)

	owner := Principal{ID: "alice"}
	resource := Resource{Type: "profile", ID: "p1", OwnerID: "alice"}
	decision, err := engine.Decide(context.Background(), owner, "edit", resource, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Effect != Allow || decision.Rule != "owner" {
		t.Fatalf("expected ownership to settle first, got %v", decision)
	}
}

func TestResolverErrorPropagates(t *testing.T) {
	boom := errors.New("store down")
	engine := NewEngine(RoleResolverFunc(func(context.Context, string) ([]string, error) {
		return nil, boom
	}))
	principal := Principal{ID: "u1", Roles: []string{"user"}}
	decision, err := engine.Decide(context.Background(), principal, "read", Resource{Type: "doc", ID: "d1"}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
	if decision.Effect != Deny {
		t.Fatalf("expected deny on resolver error, got %v", decision)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatal("unexpected principal in empty context")
	}
	ctx = ContextWithPrincipal(ctx, Principal{ID: "u7", Roles: []string{"user"}})
	principal, ok := PrincipalFromContext(ctx)
	if !ok || principal.ID != "u7" {
		t.Fatalf("unexpected principal: %+v ok=%v", principal, ok)
	}
}
