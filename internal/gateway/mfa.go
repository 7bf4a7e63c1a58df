package gateway

import (
	"context"

	"github.com/pquerna/otp/totp"

	"sentra.org/internal/audit"
	"sentra.org/internal/credstore"
	"sentra.org/internal/session"
	"sentra.org/internal/token"
)

// Deliverer is the external MFA delivery collaborator (SMS/email
// gateway). Sentra only hands it a destination and checks the code.
type Deliverer interface {
	SendCode(ctx context.Context, destination string) (deliveryID string, err error)
	VerifyCode(ctx context.Context, deliveryID, code string) (bool, error)
}

const (
	mfaModeTOTP     = "totp"
	mfaModeDelivery = "delivery"
)

// requiresSecondFactor reports whether login must detour through an MFA
// challenge: either the user enrolled an authenticator, or the operator
// mandates MFA and a code deliverer is wired for everyone else.
func (g *Gateway) requiresSecondFactor(user *credstore.User) bool {
	if user.MFASecret != "" {
		return true
	}
	return g.mfaRequired && g.mfa != nil
}

// beginMFA issues the short-lived challenge token. The password has
// already been verified; no session or access token exists yet.
func (g *Gateway) beginMFA(ctx context.Context, user *credstore.User) (*LoginResult, error) {
	extra := map[string]any{"mode": mfaModeTOTP}
	if user.MFASecret == "" {
		if g.mfa == nil {
			return nil, ErrInvalidCredentials
		}
		deliveryID, err := g.mfa.SendCode(ctx, user.Email)
		if err != nil {
			_ = audit.LogEvent(ctx, "auth.mfa.delivery_failed", map[string]any{"user_id": user.ID})
			return nil, ErrUpstream
		}
		extra = map[string]any{"mode": mfaModeDelivery, "delivery_id": deliveryID}
	}
	challenge, _, err := g.tokens.IssueChallenge(user.ID, extra)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.mfa.challenge", map[string]any{"user_id": user.ID})
	return &LoginResult{UserID: user.ID, MFAChallenge: challenge}, nil
}

// CompleteMFA verifies the second factor and only then issues
// credentials. The challenge token is single-use: its id is revoked the
// moment it is presented, pass or fail.
func (g *Gateway) CompleteMFA(ctx context.Context, challenge, code string, meta session.Metadata) (*LoginResult, error) {
	claims, err := g.tokens.Validate(ctx, challenge, token.TypeChallenge)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := g.tokens.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, err
	}

	user, err := g.users.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Locked(g.now()) {
		return nil, ErrAccountLocked
	}

	mode, _ := claims.Extra["mode"].(string)
	ok := false
	switch mode {
	case mfaModeTOTP:
		ok = user.MFASecret != "" && totp.Validate(code, user.MFASecret)
	case mfaModeDelivery:
		deliveryID, _ := claims.Extra["delivery_id"].(string)
		if g.mfa == nil || deliveryID == "" {
			return nil, ErrInvalidCredentials
		}
		ok, err = g.mfa.VerifyCode(ctx, deliveryID, code)
		if err != nil {
			return nil, ErrUpstream
		}
	}
	if !ok {
		count, lockedNow, recErr := g.users.RecordFailedAttempt(ctx, user.ID, g.lockPolicy)
		if recErr != nil {
			return nil, recErr
		}
		fields := map[string]any{"user_id": user.ID, "failed_attempts": count}
		if lockedNow {
			_ = audit.LogEvent(ctx, "auth.account.locked", fields)
		} else {
			_ = audit.LogEvent(ctx, "auth.mfa.bad_code", fields)
		}
		return nil, ErrInvalidCredentials
	}

	if err := g.users.ResetFailedAttempts(ctx, user.ID); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "auth.mfa.success", map[string]any{"user_id": user.ID})
	return g.issueCredentials(ctx, user, meta)
}

// EnrollTOTP generates and stores an authenticator secret for the user
// and returns the otpauth:// provisioning URL.
func (g *Gateway) EnrollTOTP(ctx context.Context, userID string) (secret, url string, err error) {
	user, err := g.users.FindByID(ctx, userID)
	if err != nil {
		return "", "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      g.mfaIssuer,
		AccountName: user.Email,
	})
	if err != nil {
		return "", "", err
	}
	if err := g.users.SetMFASecret(ctx, userID, key.Secret()); err != nil {
		return "", "", err
	}
	_ = audit.LogEvent(ctx, "auth.mfa.enrolled", map[string]any{"user_id": userID})
	return key.Secret(), key.URL(), nil
}
