// Package config loads service configuration from an optional TOML file
// with SENTRA_* environment overrides on top. Defaults are safe for a
// single-node dev deployment: in-memory stores, HS256 dev secret refused
// in validation so operators must set one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration.
type Config struct {
	Listen string `toml:"listen"`

	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Token    TokenConfig    `toml:"token"`
	Session  SessionConfig  `toml:"session"`
	Lockout  LockoutConfig  `toml:"lockout"`
	Password PasswordConfig `toml:"password"`
	OAuth    OAuthConfig    `toml:"oauth"`
	MFA      MFAConfig      `toml:"mfa"`
}

// PostgresConfig selects the durable store. Empty DSN means in-memory.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// RedisConfig selects the session store. Empty address means in-memory.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// TokenConfig configures signing and lifetimes. Exactly one of Secret or
// the RSA PEM pair must be set.
type TokenConfig struct {
	Issuer        string   `toml:"issuer"`
	Secret        string   `toml:"secret"`
	RSAPrivatePEM string   `toml:"rsa_private_pem"`
	RSAPublicPEM  string   `toml:"rsa_public_pem"`
	KeyID         string   `toml:"key_id"`
	AccessTTL     Duration `toml:"access_ttl"`
	RefreshTTL    Duration `toml:"refresh_ttl"`
	ChallengeTTL  Duration `toml:"challenge_ttl"`
	Leeway        Duration `toml:"leeway"`
}

type SessionConfig struct {
	TTL           Duration `toml:"ttl"`
	Sliding       bool     `toml:"sliding"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type LockoutConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Cooldown    Duration `toml:"cooldown"`
}

type PasswordConfig struct {
	MinLength int `toml:"min_length"`
	MaxLength int `toml:"max_length"`
}

// OAuthConfig holds the upstream identity provider credentials.
type OAuthConfig struct {
	Provider     string `toml:"provider"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AuthURL      string `toml:"auth_url"`
	TokenURL     string `toml:"token_url"`
	UserInfoURL  string `toml:"userinfo_url"`
	RedirectURI  string `toml:"redirect_uri"`
}

type MFAConfig struct {
	Issuer   string `toml:"issuer"`
	Required bool   `toml:"required"`
}

// Duration unmarshals TOML strings like "15m" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":8080",
		Token: TokenConfig{
			Issuer:       "sentra-auth",
			AccessTTL:    Duration(15 * time.Minute),
			RefreshTTL:   Duration(14 * 24 * time.Hour),
			ChallengeTTL: Duration(5 * time.Minute),
			Leeway:       Duration(30 * time.Second),
		},
		Session: SessionConfig{
			TTL:           Duration(24 * time.Hour),
			SweepInterval: Duration(5 * time.Minute),
		},
		Lockout: LockoutConfig{
			MaxAttempts: 5,
			Cooldown:    Duration(15 * time.Minute),
		},
		Password: PasswordConfig{
			MinLength: 8,
			MaxLength: 512,
		},
		MFA: MFAConfig{Issuer: "sentra"},
	}
}

// Load reads the TOML file at path (skipped when path is empty or the
// file does not exist), applies SENTRA_* environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = Duration(parsed)
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}

	setString("SENTRA_LISTEN", &cfg.Listen)
	setString("SENTRA_PG_DSN", &cfg.Postgres.DSN)
	setString("SENTRA_REDIS_ADDR", &cfg.Redis.Addr)
	setString("SENTRA_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("SENTRA_REDIS_DB", &cfg.Redis.DB)

	setString("SENTRA_TOKEN_ISSUER", &cfg.Token.Issuer)
	setString("SENTRA_TOKEN_SECRET", &cfg.Token.Secret)
	setString("SENTRA_TOKEN_RSA_PRIVATE_PEM", &cfg.Token.RSAPrivatePEM)
	setString("SENTRA_TOKEN_RSA_PUBLIC_PEM", &cfg.Token.RSAPublicPEM)
	setString("SENTRA_TOKEN_KEY_ID", &cfg.Token.KeyID)
	setDuration("SENTRA_TOKEN_ACCESS_TTL", &cfg.Token.AccessTTL)
	setDuration("SENTRA_TOKEN_REFRESH_TTL", &cfg.Token.RefreshTTL)
	setDuration("SENTRA_TOKEN_CHALLENGE_TTL", &cfg.Token.ChallengeTTL)
	setDuration("SENTRA_TOKEN_LEEWAY", &cfg.Token.Leeway)

	setDuration("SENTRA_SESSION_TTL", &cfg.Session.TTL)
	setBool("SENTRA_SESSION_SLIDING", &cfg.Session.Sliding)
	setDuration("SENTRA_SESSION_SWEEP_INTERVAL", &cfg.Session.SweepInterval)

	setInt("SENTRA_LOCKOUT_MAX_ATTEMPTS", &cfg.Lockout.MaxAttempts)
	setDuration("SENTRA_LOCKOUT_COOLDOWN", &cfg.Lockout.Cooldown)

	setInt("SENTRA_PASSWORD_MIN_LENGTH", &cfg.Password.MinLength)
	setInt("SENTRA_PASSWORD_MAX_LENGTH", &cfg.Password.MaxLength)

	setString("SENTRA_OAUTH_PROVIDER", &cfg.OAuth.Provider)
	setString("SENTRA_OAUTH_CLIENT_ID", &cfg.OAuth.ClientID)
	setString("SENTRA_OAUTH_CLIENT_SECRET", &cfg.OAuth.ClientSecret)
	setString("SENTRA_OAUTH_AUTH_URL", &cfg.OAuth.AuthURL)
	setString("SENTRA_OAUTH_TOKEN_URL", &cfg.OAuth.TokenURL)
	setString("SENTRA_OAUTH_USERINFO_URL", &cfg.OAuth.UserInfoURL)
	setString("SENTRA_OAUTH_REDIRECT_URI", &cfg.OAuth.RedirectURI)

	setString("SENTRA_MFA_ISSUER", &cfg.MFA.Issuer)
	setBool("SENTRA_MFA_REQUIRED", &cfg.MFA.Required)
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("config: listen address is required")
	}
	hasSecret := strings.TrimSpace(c.Token.Secret) != ""
	hasRSA := strings.TrimSpace(c.Token.RSAPrivatePEM) != "" && strings.TrimSpace(c.Token.RSAPublicPEM) != ""
	if !hasSecret && !hasRSA {
		return errors.New("config: token signing requires a secret or an RSA keypair")
	}
	if hasSecret && hasRSA {
		return errors.New("config: configure token.secret or the RSA keypair, not both")
	}
	if hasSecret && len(c.Token.Secret) < 32 {
		return errors.New("config: token.secret must be at least 32 bytes")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.Session.TTL <= 0 {
		return errors.New("config: session.ttl must be positive")
	}
	if c.Lockout.MaxAttempts < 1 {
		return errors.New("config: lockout.max_attempts must be at least 1")
	}
	if c.Lockout.Cooldown <= 0 {
		return errors.New("config: lockout.cooldown must be positive")
	}
	if c.Password.MinLength < 1 || c.Password.MaxLength < c.Password.MinLength {
		return errors.New("config: invalid password length bounds")
	}
	if c.OAuth.Provider != "" {
		if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" ||
			c.OAuth.TokenURL == "" || c.OAuth.UserInfoURL == "" {
			return errors.New("config: oauth requires client credentials and endpoint URLs")
		}
	}
	if c.MFA.Required && c.MFA.Issuer == "" {
		return errors.New("config: mfa.issuer is required when mfa is mandatory")
	}
	return nil
}
