package gateway

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/upstream"
)

const maxRequestBody = 32 << 20

// ErrUnknownCaller is returned by resolvers for an unrecognised credential.
var ErrUnknownCaller = errors.New("relaycore/gateway: unknown caller credential")

// CallerResolver maps an inbound request to the caller's scheduling
// constraints.
type CallerResolver interface {
	Resolve(r *http.Request) (relaycore.CallerContext, error)
}

// ResolverFunc adapts a function to CallerResolver.
type ResolverFunc func(r *http.Request) (relaycore.CallerContext, error)

func (f ResolverFunc) Resolve(r *http.Request) (relaycore.CallerContext, error) { return f(r) }

// StaticResolver resolves callers from a fixed credential list.
type StaticResolver struct {
	callers []relaycore.CallerConfig
}

var _ CallerResolver = (*StaticResolver)(nil)

// NewStaticResolver creates a resolver over the configured callers.
func NewStaticResolver(callers []relaycore.CallerConfig) *StaticResolver {
	return &StaticResolver{callers: callers}
}

// Resolve reads the caller key from X-Api-Key or a bearer Authorization
// header.
func (s *StaticResolver) Resolve(r *http.Request) (relaycore.CallerContext, error) {
	key := r.Header.Get("X-Api-Key")
	if key == "" {
		key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return relaycore.CallerContext{}, ErrUnknownCaller
	}
	for _, c := range s.callers {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(key)) == 1 {
			return relaycore.CallerContext{
				Caller:             c.Name,
				DedicatedAccountID: c.DedicatedAccount,
				Capability:         c.Capability,
			}, nil
		}
	}
	return relaycore.CallerContext{}, ErrUnknownCaller
}

// Handler serves caller requests through g. The session fingerprint is
// derived from the request unless the resolver supplied one.
func (g *Gateway) Handler(resolver CallerResolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cc, err := resolver.Resolve(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid caller credential")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
			return
		}
		if cc.Fingerprint == "" {
			cc.Fingerprint = affinity.Fingerprint(cc.Caller, r.Header, body)
		}

		req := upstream.Request{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Header: r.Header,
			Body:   body,
		}
		res, err := g.SelectAndRelay(r.Context(), cc, req, w)
		if err == nil || res.StatusCode != 0 {
			return
		}
		if status, errType, message := errorStatus(err); status != 0 {
			writeError(w, status, errType, message)
		}
	})
}

// errorStatus maps a failure that happened before any response byte was
// written to the status the caller sees. A zero status means the caller
// is gone and nothing should be written.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, relaycore.ErrClientGone):
		return 0, "", ""
	case errors.Is(err, relaycore.ErrNoCapacity):
		return http.StatusServiceUnavailable, "overloaded_error", "no upstream account available"
	case errors.Is(err, relaycore.ErrRefreshTimeout):
		return http.StatusServiceUnavailable, "overloaded_error", "upstream credential refresh in progress"
	case relaycore.IsTerminal(err):
		return http.StatusServiceUnavailable, "overloaded_error", "no authorized upstream account available"
	case errors.Is(err, relaycore.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", "invalid request"
	default:
		return http.StatusBadGateway, "api_error", "upstream unavailable"
	}
}
