// Package oauth implements the OAuth 2.0 refresh_token grant against
// per-platform token endpoints.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ineyio/relaycore"
)

// Endpoint is one platform's token endpoint.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Client exchanges refresh credentials for access tokens.
type Client struct {
	endpoints  map[string]Endpoint
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client (default 15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New creates a Client for the given platform endpoints.
func New(endpoints map[string]Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds a Client from the identity config section.
func FromConfig(cfg relaycore.IdentityConfig, opts ...Option) *Client {
	endpoints := make(map[string]Endpoint, len(cfg.Endpoints))
	for platform, e := range cfg.Endpoints {
		endpoints[platform] = Endpoint{TokenURL: e.TokenURL, ClientID: e.ClientID, ClientSecret: e.ClientSecret}
	}
	return New(endpoints, opts...)
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh performs the refresh grant. Rejected grants wrap
// relaycore.ErrInvalidGrant; network failures and server errors wrap
// relaycore.ErrIdentityUnavailable.
func (c *Client) Refresh(ctx context.Context, platform, refreshToken string) (relaycore.TokenSet, error) {
	ep, ok := c.endpoints[platform]
	if !ok {
		return relaycore.TokenSet{}, fmt.Errorf("relaycore/oauth: no token endpoint for platform %q", platform)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", strings.TrimSpace(refreshToken))
	form.Set("client_id", ep.ClientID)
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return relaycore.TokenSet{}, fmt.Errorf("relaycore/oauth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return relaycore.TokenSet{}, fmt.Errorf("%w: %s: %v", relaycore.ErrIdentityUnavailable, platform, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return relaycore.TokenSet{}, fmt.Errorf("%w: %s: read body: %v", relaycore.ErrIdentityUnavailable, platform, err)
	}

	var out tokenResponse
	_ = json.Unmarshal(body, &out)

	if resp.StatusCode >= 500 {
		return relaycore.TokenSet{}, fmt.Errorf("%w: %s: status %d", relaycore.ErrIdentityUnavailable, platform, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		switch out.Error {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return relaycore.TokenSet{}, fmt.Errorf("%w: %s: %s %s", relaycore.ErrInvalidGrant, platform, out.Error, out.ErrorDescription)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return relaycore.TokenSet{}, fmt.Errorf("%w: %s: status %d", relaycore.ErrInvalidGrant, platform, resp.StatusCode)
		}
		return relaycore.TokenSet{}, fmt.Errorf("%w: %s: status %d %s", relaycore.ErrIdentityUnavailable, platform, resp.StatusCode, out.Error)
	}

	if strings.TrimSpace(out.AccessToken) == "" {
		return relaycore.TokenSet{}, fmt.Errorf("%w: %s: response has no access_token", relaycore.ErrIdentityUnavailable, platform)
	}
	return relaycore.TokenSet{
		AccessToken:  strings.TrimSpace(out.AccessToken),
		RefreshToken: strings.TrimSpace(out.RefreshToken),
		ExpiresIn:    time.Duration(out.ExpiresIn) * time.Second,
	}, nil
}
