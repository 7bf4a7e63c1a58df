package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProviderConfig describes a standard OAuth2 code-flow upstream.
type HTTPProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	TokenURL     string
	UserInfoURL  string
	RedirectURI  string
}

// HTTPProvider implements IdentityProvider against any provider that
// speaks the RFC 6749 code exchange plus a JSON userinfo endpoint.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

var _ IdentityProvider = (*HTTPProvider)(nil)

func NewHTTPProvider(cfg HTTPProviderConfig, client *http.Client) (*HTTPProvider, error) {
	if cfg.Name == "" || cfg.ClientID == "" || cfg.ClientSecret == "" ||
		cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("gateway: incomplete provider configuration")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProvider{cfg: cfg, client: client}, nil
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

func (p *HTTPProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {p.cfg.ClientID},
		"client_secret": {p.cfg.ClientSecret},
	}
	if p.cfg.RedirectURI != "" {
		form.Set("redirect_uri", p.cfg.RedirectURI)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}
	return body.AccessToken, nil
}

func (p *HTTPProvider) FetchUserInfo(ctx context.Context, accessToken string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Identity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Identity{}, fmt.Errorf("userinfo endpoint returned %d", resp.StatusCode)
	}
	// Accept both OIDC ("sub") and the common "id" field.
	var body struct {
		Sub   string `json:"sub"`
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Identity{}, err
	}
	providerID := body.Sub
	if providerID == "" {
		providerID = body.ID
	}
	return Identity{ProviderID: providerID, Email: body.Email, Name: body.Name}, nil
}
