// Package mock provides a scripted upstream API and a call-counting
// identity provider for tests and demos.
package mock

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/relaycore"
)

// Response is one scripted upstream reply.
type Response struct {
	Status int
	Header http.Header

	// Body is written as-is for non-streaming replies.
	Body string

	// Chunks are written and flushed one at a time as an event stream.
	Chunks []string

	// Delay is slept before each chunk.
	Delay time.Duration

	// Hang keeps the connection open after the last chunk until the
	// client goes away.
	Hang bool
}

// Upstream is a scripted upstream API. Replies are chosen by the bearer
// token of the request; the last scripted reply for a token repeats.
type Upstream struct {
	mu       sync.Mutex
	scripts  map[string][]Response
	fallback Response
	calls    atomic.Int64
	byToken  map[string]int
	aborted  atomic.Int64
	bodies   []string
}

// Option configures an Upstream.
type Option func(*Upstream)

// WithFallback sets the reply for tokens without a script.
func WithFallback(r Response) Option {
	return func(u *Upstream) { u.fallback = r }
}

// New creates an Upstream whose default reply is a short message stream.
func New(opts ...Option) *Upstream {
	u := &Upstream{
		scripts:  make(map[string][]Response),
		byToken:  make(map[string]int),
		fallback: Stream(25, 10, 10, 30),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// On scripts the replies for requests carrying token.
func (u *Upstream) On(token string, responses ...Response) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.scripts[token] = responses
}

// Calls returns the number of requests served.
func (u *Upstream) Calls() int { return int(u.calls.Load()) }

// CallsFor returns the number of requests served for token.
func (u *Upstream) CallsFor(token string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.byToken[token]
}

// Aborted returns how many replies ended because the client went away.
func (u *Upstream) Aborted() int { return int(u.aborted.Load()) }

// Bodies returns the request bodies received, in order.
func (u *Upstream) Bodies() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.bodies...)
}

func (u *Upstream) next(token, body string) Response {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.byToken[token]++
	u.bodies = append(u.bodies, body)
	script, ok := u.scripts[token]
	if !ok || len(script) == 0 {
		return u.fallback
	}
	r := script[0]
	if len(script) > 1 {
		u.scripts[token] = script[1:]
	}
	return r
}

func (u *Upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.Header.Get("X-Api-Key")
	}
	body, _ := io.ReadAll(r.Body)
	resp := u.next(token, string(body))

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Chunks == nil {
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp.Body))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	ctx := r.Context()
	for _, chunk := range resp.Chunks {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-ctx.Done():
				u.aborted.Add(1)
				return
			}
		}
		if _, err := w.Write([]byte(chunk)); err != nil {
			u.aborted.Add(1)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if resp.Hang {
		<-ctx.Done()
		u.aborted.Add(1)
	}
}

// Event formats one event-stream record.
func Event(name, data string) string {
	return "event: " + name + "\ndata: " + data + "\n\n"
}

// MessageStart is the opening record of a message stream.
func MessageStart(model string, input, output int) string {
	return Event("message_start", fmt.Sprintf(
		`{"type":"message_start","message":{"id":"msg_mock","type":"message","role":"assistant","model":%q,"usage":{"input_tokens":%d,"output_tokens":%d}}}`,
		model, input, output))
}

// TextDelta is a content record carrying text.
func TextDelta(text string) string {
	return Event("content_block_delta", fmt.Sprintf(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text))
}

// MessageDelta carries the cumulative output token count.
func MessageDelta(output int, stopReason string) string {
	stop := "null"
	if stopReason != "" {
		stop = fmt.Sprintf("%q", stopReason)
	}
	return Event("message_delta", fmt.Sprintf(
		`{"type":"message_delta","delta":{"stop_reason":%s},"usage":{"output_tokens":%d}}`, stop, output))
}

// MessageStop is the terminal record.
func MessageStop() string {
	return Event("message_stop", `{"type":"message_stop"}`)
}

// ErrorEvent is an in-band error record.
func ErrorEvent(typ, message string) string {
	return Event("error", fmt.Sprintf(`{"type":"error","error":{"type":%q,"message":%q}}`, typ, message))
}

// Stream scripts a complete message stream: a start record with input
// tokens, one delta per cumulative output count and a terminal record.
func Stream(input int, outputs ...int) Response {
	chunks := []string{MessageStart("claude-mock", input, 1), TextDelta("Hello")}
	for i, o := range outputs {
		stop := ""
		if i == len(outputs)-1 {
			stop = "end_turn"
		}
		chunks = append(chunks, MessageDelta(o, stop))
	}
	chunks = append(chunks, MessageStop())
	return Response{Status: http.StatusOK, Chunks: chunks}
}

// JSON scripts a non-streaming reply.
func JSON(status int, body string) Response {
	return Response{Status: status, Body: body}
}

// RateLimited scripts a 429 with an exact reset header.
func RateLimited(resetAt time.Time) Response {
	h := http.Header{}
	if !resetAt.IsZero() {
		h.Set("anthropic-ratelimit-unified-reset", fmt.Sprint(resetAt.Unix()))
	}
	return Response{
		Status: http.StatusTooManyRequests,
		Header: h,
		Body:   `{"type":"error","error":{"type":"rate_limit_error","message":"rate limited"}}`,
	}
}

// Unauthorized scripts a 401.
func Unauthorized() Response {
	return JSON(http.StatusUnauthorized, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
}

// IdentityProvider is a call-counting token endpoint.
type IdentityProvider struct {
	latency time.Duration
	ttl     time.Duration
	err     error
	calls   atomic.Int64
}

// IdentityOption configures an IdentityProvider.
type IdentityOption func(*IdentityProvider)

// WithLatency delays every refresh.
func WithLatency(d time.Duration) IdentityOption {
	return func(p *IdentityProvider) { p.latency = d }
}

// WithTokenTTL sets the lifetime of issued tokens (default 1h).
func WithTokenTTL(d time.Duration) IdentityOption {
	return func(p *IdentityProvider) { p.ttl = d }
}

// WithRefreshError makes every refresh fail with err.
func WithRefreshError(err error) IdentityOption {
	return func(p *IdentityProvider) { p.err = err }
}

// NewIdentityProvider creates an IdentityProvider.
func NewIdentityProvider(opts ...IdentityOption) *IdentityProvider {
	p := &IdentityProvider{ttl: time.Hour}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Calls returns the number of refreshes performed.
func (p *IdentityProvider) Calls() int { return int(p.calls.Load()) }

func (p *IdentityProvider) Refresh(ctx context.Context, platform, refreshToken string) (relaycore.TokenSet, error) {
	n := p.calls.Add(1)
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return relaycore.TokenSet{}, fmt.Errorf("%w: %v", relaycore.ErrIdentityUnavailable, ctx.Err())
		}
	}
	if p.err != nil {
		return relaycore.TokenSet{}, p.err
	}
	return relaycore.TokenSet{
		AccessToken:  fmt.Sprintf("at-%s-%d", platform, n),
		RefreshToken: fmt.Sprintf("rt-%s-%d", platform, n),
		ExpiresIn:    p.ttl,
	}, nil
}
