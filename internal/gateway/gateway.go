// Package gateway orchestrates login, MFA step-up, OAuth2 callbacks and
// credential validation. It is the only layer that composes the
// credential store, hasher, session manager, token service and
// authorization engine; callers above it see a uniform error shape.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sentra.org/internal/audit"
	"sentra.org/internal/authz"
	"sentra.org/internal/credstore"
	"sentra.org/internal/obs"
	"sentra.org/internal/password"
	"sentra.org/internal/session"
	"sentra.org/internal/token"
)

// Gateway is the auth facade. Safe for concurrent use.
type Gateway struct {
	users    credstore.Store
	roles    credstore.RoleStore
	hasher   *password.Hasher
	sessions *session.Manager
	tokens   *token.Service
	engine   *authz.Engine

	idp IdentityProvider
	mfa Deliverer

	lockPolicy  credstore.LockPolicy
	mfaIssuer   string
	mfaRequired bool
	now         func() time.Time

	// dummyHash soaks up a verify for unknown identifiers so a miss
	// costs the same as a wrong password.
	dummyHash string
}

// Option configures the Gateway.
type Option func(*Gateway) error

// WithIdentityProvider wires the OAuth2 collaborator for the callback leg.
func WithIdentityProvider(idp IdentityProvider) Option {
	return func(g *Gateway) error {
		g.idp = idp
		return nil
	}
}

// WithMFADeliverer wires the external code-delivery collaborator.
func WithMFADeliverer(d Deliverer) Option {
	return func(g *Gateway) error {
		g.mfa = d
		return nil
	}
}

// WithLockPolicy overrides the failed-attempt lockout policy.
func WithLockPolicy(policy credstore.LockPolicy) Option {
	return func(g *Gateway) error {
		if policy.MaxAttempts > 0 && policy.Cooldown > 0 {
			g.lockPolicy = policy
		}
		return nil
	}
}

// WithMFARequired mandates a second factor for every login. Users
// without an enrolled authenticator fall back to delivered codes, so a
// Deliverer must be wired as well.
func WithMFARequired(required bool) Option {
	return func(g *Gateway) error {
		g.mfaRequired = required
		return nil
	}
}

// WithMFAIssuer sets the issuer shown in authenticator apps.
func WithMFAIssuer(issuer string) Option {
	return func(g *Gateway) error {
		if issuer != "" {
			g.mfaIssuer = issuer
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Gateway) error {
		if fn != nil {
			g.now = fn
		}
		return nil
	}
}

// New wires the gateway. All core collaborators are required.
func New(users credstore.Store, roles credstore.RoleStore, hasher *password.Hasher,
	sessions *session.Manager, tokens *token.Service, engine *authz.Engine, opts ...Option) (*Gateway, error) {
	if users == nil || roles == nil || hasher == nil || sessions == nil || tokens == nil || engine == nil {
		return nil, errors.New("gateway: missing collaborator")
	}
	g := &Gateway{
		users:      users,
		roles:      roles,
		hasher:     hasher,
		sessions:   sessions,
		tokens:     tokens,
		engine:     engine,
		lockPolicy: credstore.DefaultLockPolicy(),
		mfaIssuer:  "sentra",
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	dummy, err := hasher.Hash("sentra-timing-equalizer")
	if err != nil {
		return nil, err
	}
	g.dummyHash = dummy
	return g, nil
}

// LoginResult is what a successful (or MFA-pending) login produces.
// When MFAChallenge is set, no credential has been issued yet.
type LoginResult struct {
	UserID       string
	SessionID    string
	Tokens       token.Pair
	MFAChallenge string
}

// Login authenticates a password and, once every check passes, issues a
// session and a token pair in one step. Nothing is created before the
// final check, so an abandoned login leaves no reachable state.
func (g *Gateway) Login(ctx context.Context, email, plaintext string, meta session.Metadata) (*LoginResult, error) {
	email = credstore.NormalizeEmail(email)
	if email == "" || plaintext == "" {
		obs.LoginAttempts.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	}

	user, err := g.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			// Unknown identifier: burn the same hash work as a real
			// mismatch so callers cannot enumerate accounts.
			g.hasher.Verify(plaintext, g.dummyHash)
			obs.LoginAttempts.WithLabelValues("unknown_user").Inc()
			_ = audit.LogEvent(ctx, "auth.login.unknown_user", map[string]any{"email": email})
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if user.Locked(g.now()) {
		obs.LoginAttempts.WithLabelValues("locked").Inc()
		_ = audit.LogEvent(ctx, "auth.login.locked", map[string]any{"user_id": user.ID})
		return nil, ErrAccountLocked
	}

	if !g.hasher.Verify(plaintext, user.PasswordHash) {
		count, lockedNow, recErr := g.users.RecordFailedAttempt(ctx, user.ID, g.lockPolicy)
		if recErr != nil {
			return nil, recErr
		}
		fields := map[string]any{"user_id": user.ID, "failed_attempts": count}
		if lockedNow {
			_ = audit.LogEvent(ctx, "auth.account.locked", fields)
		} else {
			_ = audit.LogEvent(ctx, "auth.login.bad_password", fields)
		}
		obs.LoginAttempts.WithLabelValues("bad_password").Inc()
		return nil, ErrInvalidCredentials
	}

	if user.Status != credstore.StatusActive {
		obs.LoginAttempts.WithLabelValues("disabled").Inc()
		_ = audit.LogEvent(ctx, "auth.login.disabled", map[string]any{"user_id": user.ID})
		return nil, ErrInvalidCredentials
	}

	if err := g.users.ResetFailedAttempts(ctx, user.ID); err != nil {
		return nil, err
	}

	if g.requiresSecondFactor(user) {
		return g.beginMFA(ctx, user)
	}
	return g.issueCredentials(ctx, user, meta)
}

// issueCredentials mints a brand-new session (never reusing a
// pre-authentication handle, so fixation is impossible) plus a token pair.
func (g *Gateway) issueCredentials(ctx context.Context, user *credstore.User, meta session.Metadata) (*LoginResult, error) {
	pair, err := g.tokens.IssuePair(ctx, user.ID, g.profileOf(user))
	if err != nil {
		return nil, err
	}
	sessionID, err := g.sessions.Create(ctx, user.ID, meta)
	if err != nil {
		return nil, err
	}
	obs.LoginAttempts.WithLabelValues("success").Inc()
	_ = audit.LogEvent(ctx, "auth.login.success", map[string]any{"user_id": user.ID})
	return &LoginResult{UserID: user.ID, SessionID: sessionID, Tokens: pair}, nil
}

func (g *Gateway) profileOf(user *credstore.User) token.Profile {
	return token.Profile{Roles: user.Roles, Permissions: user.Grants}
}

// resolveProfile re-reads the user so rotated tokens pick up role changes.
func (g *Gateway) resolveProfile(ctx context.Context, userID string) (token.Profile, error) {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return token.Profile{}, err
	}
	if user.Status != credstore.StatusActive || user.Locked(g.now()) {
		return token.Profile{}, ErrInvalidCredentials
	}
	return g.profileOf(user), nil
}

// ValidateSession resolves a session handle to a principal.
func (g *Gateway) ValidateSession(ctx context.Context, sessionID string) (authz.Principal, error) {
	rec, err := g.sessions.Validate(ctx, sessionID)
	if err != nil {
		return authz.Principal{}, err
	}
	user, err := g.users.FindByID(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			_ = g.sessions.Revoke(ctx, sessionID)
			return authz.Principal{}, session.ErrInvalid
		}
		return authz.Principal{}, err
	}
	if user.Status != credstore.StatusActive {
		return authz.Principal{}, session.ErrInvalid
	}
	return authz.Principal{ID: user.ID, Roles: user.Roles, Grants: user.Grants}, nil
}

// ValidateToken resolves a bearer access token to a principal. Tokens
// are self-contained: the claims snapshot stands until expiry even if
// roles changed since issuance.
func (g *Gateway) ValidateToken(ctx context.Context, raw string) (authz.Principal, error) {
	claims, err := g.tokens.Validate(ctx, raw, token.TypeAccess)
	if err != nil {
		if errors.Is(err, token.ErrRevoked) {
			_ = audit.LogEvent(ctx, "auth.token.revoked_use", nil)
		}
		return authz.Principal{}, err
	}
	return authz.Principal{ID: claims.Subject, Roles: claims.Roles, Grants: claims.Permissions}, nil
}

// Authorize runs the decision engine for an authenticated principal.
func (g *Gateway) Authorize(ctx context.Context, principal authz.Principal, action string, resource authz.Resource, env authz.Environment) (authz.Decision, error) {
	return g.engine.Decide(ctx, principal, action, resource, env)
}

// Refresh rotates a refresh token. Replay of a consumed token is logged
// as a security event before the generic failure is returned.
func (g *Gateway) Refresh(ctx context.Context, rawRefresh string) (token.Pair, error) {
	pair, err := g.tokens.Refresh(ctx, rawRefresh, g.resolveProfile)
	if err != nil {
		if errors.Is(err, token.ErrRefreshReuse) {
			_ = audit.LogEvent(ctx, "auth.refresh.reuse_detected", nil)
			return token.Pair{}, ErrInvalidCredentials
		}
		if errors.Is(err, token.ErrInvalid) {
			return token.Pair{}, ErrInvalidCredentials
		}
		return token.Pair{}, err
	}
	return pair, nil
}

// Logout revokes one session. Idempotent.
func (g *Gateway) Logout(ctx context.Context, sessionID string) error {
	return g.sessions.Revoke(ctx, sessionID)
}

// LogoutAll is the logout-everywhere / breach response: every session,
// refresh chain and live access token of the user dies.
func (g *Gateway) LogoutAll(ctx context.Context, userID string) error {
	if err := g.sessions.RevokeAll(ctx, userID); err != nil {
		return err
	}
	if err := g.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.logout.all", map[string]any{"user_id": userID})
	return nil
}

// Register creates a user with a freshly hashed password. Requested
// roles must already exist in the catalog.
func (g *Gateway) Register(ctx context.Context, email, plaintext string, roles []string) (*credstore.User, error) {
	for _, name := range roles {
		if _, err := g.roles.Find(ctx, name); err != nil {
			if errors.Is(err, credstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown role %q", credstore.ErrInvalidInput, name)
			}
			return nil, err
		}
	}
	hash, err := g.hasher.Hash(plaintext)
	if err != nil {
		return nil, err
	}
	user := &credstore.User{
		Email:        credstore.NormalizeEmail(email),
		PasswordHash: hash,
		Roles:        roles,
	}
	if err := g.users.Create(ctx, user); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.user.created", map[string]any{"user_id": user.ID})
	return user, nil
}

// ChangePassword re-authenticates, swaps the hash and then rotates
// every outstanding credential of the user: a password change is a
// privilege boundary, nothing issued before it survives.
func (g *Gateway) ChangePassword(ctx context.Context, userID, oldPlaintext, newPlaintext string) error {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if user.Locked(g.now()) {
		return ErrAccountLocked
	}
	if !g.hasher.Verify(oldPlaintext, user.PasswordHash) {
		_ = audit.LogEvent(ctx, "auth.password.change_rejected", map[string]any{"user_id": userID})
		return ErrInvalidCredentials
	}
	hash, err := g.hasher.Hash(newPlaintext)
	if err != nil {
		return err
	}
	if err := g.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	if err := g.LogoutAll(ctx, userID); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "auth.password.changed", map[string]any{"user_id": userID})
	return nil
}
