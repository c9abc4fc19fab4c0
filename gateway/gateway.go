// Package gateway serves caller requests from the account pool.
//
// SelectAndRelay drives one request end to end: it asks the scheduler for
// an account, obtains that account's access token, issues the upstream
// call and relays the response. Rate-limited and rejected accounts are
// failed over before any byte reaches the caller.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/relaycore"
	"github.com/ineyio/relaycore/accounts"
	"github.com/ineyio/relaycore/affinity"
	"github.com/ineyio/relaycore/ratelimit"
	"github.com/ineyio/relaycore/relay"
	"github.com/ineyio/relaycore/scheduler"
	"github.com/ineyio/relaycore/upstream"
)

// RequestIDHeader carries the id assigned to each relayed request.
const RequestIDHeader = "X-Request-Id"

const (
	defaultMaxAttempts = 2
	maxErrorBody       = 64 << 10
)

// TokenSource returns a usable access token for an account.
type TokenSource interface {
	Token(ctx context.Context, a relaycore.Account) (relaycore.Token, error)
}

// Result describes how a request was served. StatusCode is zero when
// nothing was written to the caller.
type Result struct {
	RequestID  string
	AccountID  string
	Usage      relaycore.Usage
	Outcome    relaycore.Outcome
	StatusCode int
	Attempts   int
	Stale      bool
}

// Gateway relays caller requests through pooled accounts.
type Gateway struct {
	scheduler *scheduler.Scheduler
	tokens    TokenSource
	upstream  *upstream.Client
	accounts  *accounts.Repository
	limits    *ratelimit.Tracker
	affinity  *affinity.Table
	relay     *relay.Relay
	meter     relaycore.Meter
	now       func() time.Time

	maxAttempts int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxAttempts bounds how many accounts one request may try.
func WithMaxAttempts(n int) Option {
	return func(g *Gateway) { g.maxAttempts = n }
}

// WithMeter sets the meter.
func WithMeter(m relaycore.Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// WithRelay sets the stream relay.
func WithRelay(r *relay.Relay) Option {
	return func(g *Gateway) { g.relay = r }
}

// WithClock sets the time source used to interpret reset headers.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway.
func New(
	sched *scheduler.Scheduler,
	tokens TokenSource,
	client *upstream.Client,
	repo *accounts.Repository,
	limits *ratelimit.Tracker,
	table *affinity.Table,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		scheduler:   sched,
		tokens:      tokens,
		upstream:    client,
		accounts:    repo,
		limits:      limits,
		affinity:    table,
		relay:       relay.New(),
		meter:       relaycore.NoopMeter{},
		now:         time.Now,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SelectAndRelay serves req for cc and writes the upstream response to w.
//
// A 401 marks the account unauthorized and drops its session mapping, a
// 429 marks it rate limited; both move the request to another account
// while attempts remain. Other upstream statuses are relayed as they are
// and leave the account usable.
func (g *Gateway) SelectAndRelay(ctx context.Context, cc relaycore.CallerContext, req upstream.Request, w http.ResponseWriter) (Result, error) {
	start := time.Now()
	res := Result{RequestID: uuid.New().String(), Outcome: relaycore.OutcomeUpstreamError}
	w.Header().Set(RequestIDHeader, res.RequestID)

	res, err := g.serve(ctx, cc, req, w, res)

	g.meter.OnResult(relaycore.ResultEvent{
		RequestID:  res.RequestID,
		Caller:     cc.Caller,
		AccountID:  res.AccountID,
		Outcome:    res.Outcome,
		StatusCode: res.StatusCode,
		Attempts:   res.Attempts,
		Streamed:   req.Streaming(),
		Duration:   time.Since(start),
		Usage:      res.Usage,
		Error:      err,
	})
	return res, err
}

func (g *Gateway) serve(ctx context.Context, cc relaycore.CallerContext, req upstream.Request, w http.ResponseWriter, res Result) (Result, error) {
	var (
		exclude  []string
		lastErr  error
		last     *failure
		platform string
	)
	wrap := func(err error) error {
		if err == nil {
			return nil
		}
		return &relaycore.RelayError{Err: err, AccountID: res.AccountID, Platform: platform, Attempts: res.Attempts}
	}
	for res.Attempts < g.maxAttempts {
		sel, err := g.scheduler.SelectAccount(ctx, cc, exclude...)
		if errors.Is(err, relaycore.ErrNoCapacity) && last != nil {
			// Every remaining account was tried; report the last rejection.
			res.StatusCode = last.status
			writeError(w, last.status, last.errType, last.message)
			return res, wrap(lastErr)
		}
		if err != nil {
			if errors.Is(err, relaycore.ErrNoCapacity) {
				res.Outcome = relaycore.OutcomeNoCapacity
			}
			return res, wrap(err)
		}
		res.Attempts++
		res.AccountID = sel.Account.ID
		platform = sel.Account.Platform
		exclude = append(exclude, sel.Account.ID)

		tok, err := g.tokens.Token(ctx, sel.Account)
		if err != nil {
			if relaycore.IsTerminal(err) {
				if errors.Is(err, relaycore.ErrNoRefreshCredential) {
					if _, serr := g.accounts.SetStatus(ctx, sel.Account.ID, relaycore.StatusError, "access token expired"); serr != nil {
						return res, wrap(serr)
					}
				}
				lastErr = err
				last = &failure{status: http.StatusUnauthorized, errType: "authentication_error", message: "upstream account unavailable"}
				continue
			}
			return res, wrap(err)
		}
		res.Stale = tok.Stale

		pipe, err := g.open(ctx, sel.Account, tok, req)
		if err != nil {
			return res, wrap(err)
		}

		cerr := upstream.Classify(pipe.Response, g.now())
		if cerr != nil && upstream.Failover(cerr) && res.Attempts < g.maxAttempts {
			f, err := g.reject(ctx, cc, sel.Account, pipe, cerr)
			if err != nil {
				return res, wrap(err)
			}
			lastErr, last = cerr, f
			continue
		}
		if cerr != nil && upstream.Failover(cerr) {
			// Out of attempts: record the rejection, then relay it.
			f := peekFailure(pipe, cerr)
			if err := g.mark(ctx, cc, sel.Account, cerr, f.message); err != nil {
				pipe.Close()
				return res, wrap(err)
			}
		}

		res.StatusCode = pipe.Response.StatusCode
		usage, ferr := pipe.Forward(w)
		res.Usage = usage
		switch {
		case cerr != nil || ferr != nil || usage.Error != nil:
			res.Outcome = relaycore.OutcomeUpstreamError
		case sel.Outcome == relaycore.OutcomeDegraded:
			res.Outcome = relaycore.OutcomeDegraded
		default:
			res.Outcome = relaycore.OutcomeSuccess
		}

		if n := usage.TotalTokens(); n > 0 {
			// Billing bookkeeping survives a caller that already left.
			if _, err := g.limits.RecordWindowUsage(context.WithoutCancel(ctx), sel.Account, n); err != nil && ferr == nil {
				ferr = err
			}
		}
		if ferr != nil {
			return res, wrap(ferr)
		}
		if cerr != nil {
			return res, wrap(cerr)
		}
		return res, nil
	}
	return res, wrap(lastErr)
}

func (g *Gateway) open(ctx context.Context, a relaycore.Account, tok relaycore.Token, req upstream.Request) (*relay.Pipe, error) {
	doer, err := g.upstream.HTTPClient(a.Platform)
	if err != nil {
		return nil, err
	}
	out, err := g.upstream.NewRequest(ctx, a.Platform, tok.Value, req)
	if err != nil {
		return nil, err
	}
	return g.relay.Open(ctx, doer, out)
}

// failure is an upstream rejection the caller sees if no other account
// can serve the request.
type failure struct {
	status  int
	errType string
	message string
}

// reject records a failover-worthy response and releases it unread by
// the caller.
func (g *Gateway) reject(ctx context.Context, cc relaycore.CallerContext, a relaycore.Account, pipe *relay.Pipe, cerr error) (*failure, error) {
	defer pipe.Close()

	f := peekFailure(pipe, cerr)
	if err := g.mark(ctx, cc, a, cerr, f.message); err != nil {
		return nil, err
	}
	return f, nil
}

// peekFailure reads the head of a rejection body for its message and puts
// the bytes back so the response can still be relayed whole.
func peekFailure(pipe *relay.Pipe, cerr error) *failure {
	orig := pipe.Response.Body
	body, _ := io.ReadAll(io.LimitReader(orig, maxErrorBody))
	pipe.Response.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), orig), orig}

	f := &failure{status: pipe.Response.StatusCode, message: upstream.ErrorMessage(body)}
	if errors.Is(cerr, relaycore.ErrRateLimited) {
		f.errType = "rate_limit_error"
	} else {
		f.errType = "authentication_error"
	}
	if f.message == "" {
		f.message = http.StatusText(f.status)
	}
	return f
}

func (g *Gateway) mark(ctx context.Context, cc relaycore.CallerContext, a relaycore.Account, cerr error, message string) error {
	var rl *upstream.RateLimitError
	if errors.As(cerr, &rl) {
		_, err := g.limits.MarkLimited(ctx, a.ID, cc.Fingerprint, rl.ResetAt)
		return err
	}

	if _, err := g.accounts.SetStatus(ctx, a.ID, relaycore.StatusUnauthorized, message); err != nil {
		return err
	}
	if g.affinity != nil && cc.Fingerprint != "" {
		if _, err := g.affinity.DeleteIf(ctx, cc.Fingerprint, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// writeError writes an error body in the upstream's JSON error shape.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: message},
	})
}

type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
