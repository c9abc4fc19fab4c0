// Package upstream builds requests to the upstream API endpoints and
// classifies their responses.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/ratelimit"
	"github.com/ineyio/relaycore/upstream/signing"
)

// Request is a caller request to be relayed.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Streaming reports whether the body asks for an event stream.
func (r Request) Streaming() bool {
	return gjson.GetBytes(r.Body, "stream").Bool()
}

// Platform is one upstream API endpoint.
type Platform struct {
	BaseURL    string
	HTTPClient *http.Client
}

// Client routes requests to platform endpoints.
type Client struct {
	platforms map[string]Platform
}

// New creates a Client.
func New(platforms map[string]Platform) *Client {
	return &Client{platforms: platforms}
}

// FromConfig builds a Client from the upstream config section. Platforms
// with signing enabled authenticate through signing.Transport.
func FromConfig(cfg relaycore.UpstreamConfig) *Client {
	platforms := make(map[string]Platform, len(cfg.Platforms))
	for name, p := range cfg.Platforms {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = p.Timeout
		// The relay decodes event streams itself.
		base.DisableCompression = true

		var rt http.RoundTripper = base
		if p.Signing {
			var opts []signing.Option
			if p.AddressPrefix != "" {
				opts = append(opts, signing.WithAddressPrefix(p.AddressPrefix))
			}
			rt = signing.NewTransport(base, opts...)
		}
		platforms[name] = Platform{
			BaseURL:    p.BaseURL,
			HTTPClient: &http.Client{Transport: rt},
		}
	}
	return New(platforms)
}

func (c *Client) platform(name string) (Platform, error) {
	p, ok := c.platforms[name]
	if !ok {
		return Platform{}, fmt.Errorf("relaycore/upstream: unknown platform %q", name)
	}
	return p, nil
}

// HTTPClient returns the client used for platform.
func (c *Client) HTTPClient(platform string) (*http.Client, error) {
	p, err := c.platform(platform)
	if err != nil {
		return nil, err
	}
	if p.HTTPClient == nil {
		return http.DefaultClient, nil
	}
	return p.HTTPClient, nil
}

// blockedHeader reports whether a caller header must not reach the
// upstream.
func blockedHeader(lower string) bool {
	switch lower {
	case "connection", "transfer-encoding", "keep-alive", "proxy-connection", "upgrade", "te", "trailer":
		return true
	case "authorization", "x-api-key", "cookie", "proxy-authorization":
		return true
	case "accept-encoding", "host", "content-length":
		return true
	case strings.ToLower(affinity.SessionHeader):
		return true
	}
	return false
}

// NewRequest builds the outbound request for platform authenticated with
// token.
func (c *Client) NewRequest(ctx context.Context, platform, token string, r Request) (*http.Request, error) {
	p, err := c.platform(platform)
	if err != nil {
		return nil, err
	}
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}
	url := strings.TrimRight(p.BaseURL, "/") + "/" + strings.TrimLeft(r.Path, "/")

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("relaycore/upstream: create request: %w", err)
	}
	for k, vs := range r.Header {
		if blockedHeader(strings.ToLower(k)) {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.Streaming() {
		req.Header.Set("Accept", "text/event-stream")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// RateLimitError is a 429 from the upstream. ResetAt is zero when the
// response carried no usable reset header.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return relaycore.ErrRateLimited.Error()
	}
	return fmt.Sprintf("%v: resets at %s", relaycore.ErrRateLimited, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return relaycore.ErrRateLimited }

// StatusError is a non-success upstream status.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (status %d)", e.Err, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify maps an upstream response status to an error. It reads only
// the status line and headers; the body is left for the caller.
func Classify(resp *http.Response, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		reset, _ := ratelimit.ParseReset(resp.Header, now)
		return &RateLimitError{ResetAt: reset}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &StatusError{StatusCode: code, Err: relaycore.ErrAuthFailed}
	case code == http.StatusBadRequest || code == http.StatusNotFound || code == http.StatusRequestEntityTooLarge:
		return &StatusError{StatusCode: code, Err: relaycore.ErrInvalidRequest}
	default:
		return &StatusError{StatusCode: code, Err: relaycore.ErrUpstreamUnavailable}
	}
}

// Failover reports whether an error classified by Classify should move
// the request to another account.
func Failover(err error) bool {
	return errors.Is(err, relaycore.ErrRateLimited) || errors.Is(err, relaycore.ErrAuthFailed)
}

// ErrorMessage extracts the upstream's error message from a JSON error
// body.
func ErrorMessage(body []byte) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}
