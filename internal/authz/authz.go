// Package authz makes role, permission and attribute based access
// decisions. The engine is pure per call: it mutates nothing, so
// concurrent evaluation needs no locking.
package authz

import (
	"context"
	"fmt"
	"strings"

	"sentra.org/internal/obs"
)

// Effect is the outcome of an authorization decision.
type Effect int

const (
	Deny Effect = iota
	Allow
)

func (e Effect) String() string {
	if e == Allow {
		return "allow"
	}
	return "deny"
}

// Principal is an authenticated subject with resolved roles and direct grants.
type Principal struct {
	ID     string
	Roles  []string
	Grants []string
}

// Resource is the object of an access request. OwnerID is optional; when
// set, the owner passes regardless of roles or grants.
type Resource struct {
	Type       string            `json:"type"`
	ID         string            `json:"id,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Environment carries request-scoped attributes (time, IP, channel) for
// attribute policies.
type Environment map[string]string

// Decision is the result of Decide, with the rule that settled it.
type Decision struct {
	Effect Effect
	Rule   string
}

// RoleResolver maps a role name to its permission keys. Resolution happens
// once per decision and is never cached across requests.
type RoleResolver interface {
	PermissionsForRole(ctx context.Context, role string) ([]string, error)
}

// RoleResolverFunc adapts a function to RoleResolver.
type RoleResolverFunc func(ctx context.Context, role string) ([]string, error)

func (f RoleResolverFunc) PermissionsForRole(ctx context.Context, role string) ([]string, error) {
	return f(ctx, role)
}

// Policy is an attribute predicate evaluated after permission checks. A
// policy can only veto a permission-derived allow, never grant access.
type Policy interface {
	Name() string
	Veto(principal Principal, action string, resource Resource, env Environment) bool
}

// Engine evaluates access decisions with deny-by-default semantics.
type Engine struct {
	roles    RoleResolver
	policies []Policy
}

// NewEngine constructs an Engine. A nil resolver disables role-derived
// permissions; direct grants and ownership still apply.
func NewEngine(roles RoleResolver, policies ...Policy) *Engine {
	return &Engine{roles: roles, policies: policies}
}

// Decide evaluates, in order: resource ownership, direct grants,
// role-derived permissions, then attribute policy vetoes. Absence of a
// matching rule is Deny.
func (e *Engine) Decide(ctx context.Context, principal Principal, action string, resource Resource, env Environment) (Decision, error) {
	action = strings.TrimSpace(strings.ToLower(action))
	resourceType := strings.TrimSpace(strings.ToLower(resource.Type))
	if principal.ID == "" || action == "" || resourceType == "" {
		return e.record(Decision{Effect: Deny, Rule: "invalid-request"}), nil
	}

	if resource.OwnerID != "" && resource.OwnerID == principal.ID {
		return e.record(Decision{Effect: Allow, Rule: "owner"}), nil
	}

	key := resourceType + "." + action

	if matchAny(principal.Grants, key) {
		return e.vetoed(principal, action, resource, env, Decision{Effect: Allow, Rule: "grant"}), nil
	}

	if e.roles != nil {
		for _, role := range principal.Roles {
			perms, err := e.roles.PermissionsForRole(ctx, role)
			if err != nil {
				return Decision{Effect: Deny, Rule: "resolver-error"}, fmt.Errorf("resolve role %s: %w", role, err)
			}
			if matchAny(perms, key) {
				return e.vetoed(principal, action, resource, env, Decision{Effect: Allow, Rule: "role:" + role}), nil
			}
		}
	}

	return e.record(Decision{Effect: Deny, Rule: "default"}), nil
}

// vetoed runs attribute policies over a tentative allow. The first policy
// that objects turns the decision into a Deny.
func (e *Engine) vetoed(principal Principal, action string, resource Resource, env Environment, tentative Decision) Decision {
	for _, policy := range e.policies {
		if policy.Veto(principal, action, resource, env) {
			return e.record(Decision{Effect: Deny, Rule: "policy:" + policy.Name()})
		}
	}
	return e.record(tentative)
}

func (e *Engine) record(d Decision) Decision {
	obs.AuthzDecisions.WithLabelValues(d.Effect.String(), d.Rule).Inc()
	return d
}

// matchAny reports whether any permission key covers the requested key.
// A grant of "profile.*" covers every action on profile; "*" covers all.
func matchAny(perms []string, key string) bool {
	for _, perm := range perms {
		perm = strings.TrimSpace(strings.ToLower(perm))
		if perm == "" {
			continue
		}
		if perm == key || perm == "*" {
			return true
		}
		if suffix, ok := strings.CutSuffix(perm, ".*"); ok && strings.HasPrefix(key, suffix+".") {
			return true
		}
	}
	return false
}
