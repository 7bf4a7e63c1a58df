package gateway

import (
	"context"
	"errors"
	"time"

	"sentra.org/internal/audit"
	"sentra.org/internal/credstore"
	"sentra.org/internal/ids"
	"sentra.org/internal/session"
	"sentra.org/internal/token"
)

// Identity is what an external provider asserts about a user.
type Identity struct {
	ProviderID string
	Email      string
	Name       string
}

// IdentityProvider abstracts the OAuth2 upstream. Implementations own
// the HTTP client, endpoints and credential exchange.
type IdentityProvider interface {
	Name() string
	ExchangeCode(ctx context.Context, code string) (accessToken string, err error)
	FetchUserInfo(ctx context.Context, accessToken string) (Identity, error)
}

const (
	upstreamAttempts = 3
	upstreamBackoff  = 200 * time.Millisecond
)

// BeginOAuth returns the signed state token the caller must round-trip
// through the provider. State is self-contained, so the callback can
// land on any replica.
func (g *Gateway) BeginOAuth(ctx context.Context, redirectURI string) (state string, err error) {
	if g.idp == nil {
		return "", errors.New("gateway: no identity provider configured")
	}
	nonce, err := ids.NewOpaque(16)
	if err != nil {
		return "", err
	}
	state, _, err = g.tokens.IssueState("oauth:"+g.idp.Name(), map[string]any{
		"provider": g.idp.Name(),
		"nonce":    nonce,
		"redirect": redirectURI,
	})
	return state, err
}

// CompleteOAuth handles the provider callback: the state token is
// checked and burned first, then the code is exchanged upstream. An
// existing linked account signs in, an account matching the asserted
// email is linked, and anyone else is provisioned on the spot with an
// unusable password.
func (g *Gateway) CompleteOAuth(ctx context.Context, state, code string, meta session.Metadata) (*LoginResult, error) {
	if g.idp == nil {
		return nil, errors.New("gateway: no identity provider configured")
	}
	claims, err := g.tokens.Validate(ctx, state, token.TypeState)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if provider, _ := claims.Extra["provider"].(string); provider != g.idp.Name() {
		return nil, ErrInvalidCredentials
	}
	// State is single-use regardless of what the exchange does next.
	if err := g.tokens.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, err
	}

	identity, err := g.fetchIdentity(ctx, code)
	if err != nil {
		_ = audit.LogEvent(ctx, "auth.oauth.upstream_failed", map[string]any{"provider": g.idp.Name()})
		return nil, ErrUpstream
	}
	if identity.ProviderID == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := g.resolveIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if user.Status != credstore.StatusActive || user.Locked(g.now()) {
		return nil, ErrInvalidCredentials
	}
	_ = audit.LogEvent(ctx, "auth.oauth.login", map[string]any{
		"user_id":  user.ID,
		"provider": g.idp.Name(),
	})
	return g.issueCredentials(ctx, user, meta)
}

// fetchIdentity runs the two upstream calls with bounded retries.
func (g *Gateway) fetchIdentity(ctx context.Context, code string) (Identity, error) {
	var lastErr error
	for attempt := 0; attempt < upstreamAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Identity{}, ctx.Err()
			case <-time.After(upstreamBackoff << (attempt - 1)):
			}
		}
		accessToken, err := g.idp.ExchangeCode(ctx, code)
		if err != nil {
			lastErr = err
			continue
		}
		identity, err := g.idp.FetchUserInfo(ctx, accessToken)
		if err != nil {
			lastErr = err
			continue
		}
		return identity, nil
	}
	return Identity{}, lastErr
}

func (g *Gateway) resolveIdentity(ctx context.Context, identity Identity) (*credstore.User, error) {
	provider := g.idp.Name()

	user, err := g.users.FindByProvider(ctx, provider, identity.ProviderID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		return nil, err
	}

	if email := credstore.NormalizeEmail(identity.Email); email != "" {
		user, err = g.users.FindByEmail(ctx, email)
		if err == nil {
			if err := g.users.LinkProvider(ctx, user.ID, provider, identity.ProviderID); err != nil {
				return nil, err
			}
			user.Provider = provider
			user.ProviderID = identity.ProviderID
			_ = audit.LogEvent(ctx, "auth.oauth.linked", map[string]any{
				"user_id":  user.ID,
				"provider": provider,
			})
			return user, nil
		}
		if !errors.Is(err, credstore.ErrNotFound) {
			return nil, err
		}
	}

	// First sight of this identity: provision an account. Accounts are
	// keyed by email, so a provider that withholds it cannot sign up.
	if credstore.NormalizeEmail(identity.Email) == "" {
		return nil, ErrInvalidCredentials
	}
	// The password hash is random and never disclosed, so password
	// login stays shut until the user explicitly sets one.
	random, err := ids.NewOpaque(32)
	if err != nil {
		return nil, err
	}
	hash, err := g.hasher.Hash(random)
	if err != nil {
		return nil, err
	}
	user = &credstore.User{
		Email:        credstore.NormalizeEmail(identity.Email),
		PasswordHash: hash,
		Provider:     provider,
		ProviderID:   identity.ProviderID,
	}
	if err := g.users.Create(ctx, user); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.oauth.provisioned", map[string]any{
		"user_id":  user.ID,
		"provider": provider,
	})
	return user, nil
}
