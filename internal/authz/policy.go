package authz

// PolicyFunc adapts a predicate to Policy.
type PolicyFunc struct {
	PolicyName string
	Fn         func(principal Principal, action string, resource Resource, env Environment) bool
}

func (p PolicyFunc) Name() string { return p.PolicyName }

func (p PolicyFunc) Veto(principal Principal, action string, resource Resource, env Environment) bool {
	if p.Fn == nil {
		return false
	}
	return p.Fn(principal, action, resource, env)
}

// RequireEnv vetoes any permission-derived allow unless the environment
// carries the given attribute value. Typical use: restrict destructive
// actions to requests arriving over an internal channel.
func RequireEnv(name, key, want string) Policy {
	return PolicyFunc{
		PolicyName: name,
		Fn: func(_ Principal, _ string, _ Resource, env Environment) bool {
			return env[key] != want
		},
	}
}
