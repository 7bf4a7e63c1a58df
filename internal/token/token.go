// Package token issues and validates signed bearer tokens and manages
// the refresh-token chain. Access tokens are self-contained JWTs; only
// revocation entries and refresh-token hashes are kept server-side.
package token

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sentra.org/internal/obs"
)

// Token types carried in the token_type claim.
const (
	TypeAccess    = "access"
	TypeChallenge = "challenge"
	TypeState     = "state"
)

var (
	// ErrInvalid is the generic verdict shown at the outer boundary.
	ErrInvalid = errors.New("token: invalid")
	// ErrExpired, ErrSignature and ErrRevoked stay internal so logging
	// and metrics can distinguish what ErrInvalid collapses.
	ErrExpired   = errors.New("token: expired")
	ErrSignature = errors.New("token: bad signature")
	ErrRevoked   = errors.New("token: revoked")
	// ErrRefreshReuse signals a consumed refresh token was replayed.
	ErrRefreshReuse = errors.New("token: refresh reuse detected")
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 14 * 24 * time.Hour
	defaultChallengeTTL = 5 * time.Minute
	defaultLeeway       = 30 * time.Second
)

// Claims is the strongly-typed payload: a fixed required set plus an
// open extension map, all validated on parse rather than trusted.
type Claims struct {
	Roles       []string       `json:"roles,omitempty"`
	Permissions []string       `json:"permissions,omitempty"`
	TokenType   string         `json:"token_type"`
	Extra       map[string]any `json:"ext,omitempty"`
	jwt.RegisteredClaims
}

// Profile is the authorization snapshot embedded into an issued token.
type Profile struct {
	Roles       []string
	Permissions []string
	Extra       map[string]any
}

// Service signs, validates and rotates tokens.
type Service struct {
	refresh RefreshStore
	revoked RevocationSet
	now     func() time.Time

	secret     []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      string

	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	challengeTTL time.Duration
	leeway       time.Duration
}

// Option configures Service behavior.
type Option func(*Service) error

// WithSecret enables HS256 signing with the given shared secret.
func WithSecret(secret string) Option {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return errors.New("token: empty secret")
		}
		s.secret = []byte(secret)
		return nil
	}
}

// WithRS256Keys enables RS256 signing with a PEM keypair.
func WithRS256Keys(privatePEM, publicPEM string) Option {
	return func(s *Service) error {
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return fmt.Errorf("token: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return fmt.Errorf("token: parse public key: %w", err)
		}
		s.privateKey = priv
		s.publicKey = pub
		return nil
	}
}

// WithKeyID sets the kid embedded into token headers.
func WithKeyID(kid string) Option {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithChallengeTTL configures MFA challenge and OAuth state token lifetime.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
		return nil
	}
}

// WithLeeway sets the clock-skew tolerance for exp/iat validation.
func WithLeeway(d time.Duration) Option {
	return func(s *Service) error {
		if d >= 0 {
			s.leeway = d
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service. Exactly one signing scheme must be
// configured: an HS256 secret or an RS256 keypair.
func NewService(refresh RefreshStore, revoked RevocationSet, opts ...Option) (*Service, error) {
	svc := &Service{
		refresh:      refresh,
		revoked:      revoked,
		now:          time.Now,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		challengeTTL: defaultChallengeTTL,
		leeway:       defaultLeeway,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.secret == nil && svc.privateKey == nil {
		return nil, errors.New("token: no signing key configured")
	}
	if svc.secret != nil && svc.privateKey != nil {
		return nil, errors.New("token: configure either a secret or RSA keys, not both")
	}
	if svc.refresh == nil {
		return nil, errors.New("token: refresh store is required")
	}
	if svc.revoked == nil {
		return nil, errors.New("token: revocation set is required")
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Issue signs a token of the given type. A non-positive ttl produces a
// token that is already expired, which every validation rejects.
func (s *Service) Issue(subject, tokenType string, profile Profile, ttl time.Duration) (string, *Claims, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", nil, errors.New("token: subject is required")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	if ttl <= 0 {
		// Back-date past the skew tolerance so the token fails
		// validation even with the leeway applied.
		exp = exp.Add(-s.leeway)
	}
	claims := &Claims{
		Roles:       profile.Roles,
		Permissions: profile.Permissions,
		TokenType:   tokenType,
		Extra:       profile.Extra,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	var tok *jwt.Token
	if s.privateKey != nil {
		tok = jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		if s.keyID != "" {
			tok.Header["kid"] = s.keyID
		}
		signed, err := tok.SignedString(s.privateKey)
		if err != nil {
			return "", nil, fmt.Errorf("sign token: %w", err)
		}
		return signed, claims, nil
	}
	tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// IssueAccess mints an access token with the configured TTL.
func (s *Service) IssueAccess(subject string, profile Profile) (string, *Claims, error) {
	return s.Issue(subject, TypeAccess, profile, s.accessTTL)
}

// IssueChallenge mints the short-lived token used for MFA step-up.
func (s *Service) IssueChallenge(subject string, extra map[string]any) (string, *Claims, error) {
	return s.Issue(subject, TypeChallenge, Profile{Extra: extra}, s.challengeTTL)
}

// IssueState mints the signed OAuth2 state token that replaces
// server-side callback state.
func (s *Service) IssueState(subject string, extra map[string]any) (string, *Claims, error) {
	return s.Issue(subject, TypeState, Profile{Extra: extra}, s.challengeTTL)
}

// Validate parses and verifies a token of the expected type. The signing
// method is checked against an explicit allow-list derived from the
// service configuration; the token's own alg header never selects a key.
func (s *Service) Validate(ctx context.Context, raw, wantType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, s.reject(ErrInvalid)
	}

	var (
		methods []string
		keyfunc jwt.Keyfunc
	)
	if s.privateKey != nil {
		methods = []string{jwt.SigningMethodRS256.Alg()}
		keyfunc = func(t *jwt.Token) (any, error) { return s.publicKey, nil }
	} else {
		methods = []string{jwt.SigningMethodHS256.Alg()}
		keyfunc = func(t *jwt.Token) (any, error) { return s.secret, nil }
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, keyfunc, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, s.reject(ErrExpired)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, s.reject(ErrSignature)
		default:
			return nil, s.reject(ErrInvalid)
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, s.reject(ErrInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, s.reject(ErrInvalid)
	}
	if claims.TokenType != wantType {
		return nil, s.reject(ErrInvalid)
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, s.reject(ErrRevoked)
	}
	obs.TokenValidations.WithLabelValues("ok").Inc()
	return claims, nil
}

// Revoke adds a token id to the revocation set, bounded by the token's
// own expiry so the set never grows past live tokens.
func (s *Service) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	return s.revoked.Revoke(ctx, tokenID, expiresAt)
}

func (s *Service) reject(err error) error {
	label := "invalid"
	switch {
	case errors.Is(err, ErrExpired):
		label = "expired"
	case errors.Is(err, ErrSignature):
		label = "bad_signature"
	case errors.Is(err, ErrRevoked):
		label = "revoked"
	}
	obs.TokenValidations.WithLabelValues(label).Inc()
	return err
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
