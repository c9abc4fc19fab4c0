// Package relay proxies upstream responses to clients while decoding
// usage and error signals from them.
//
// Each Pipe owns its decode buffer, usage counters and abort latch; none
// of that state is shared between requests. Bytes reach the client before
// they are decoded, so a decode problem never delays or alters delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync"

	"github.com/ineyio/relaycore"
)

const (
	defaultBufferSize  = 32 << 10
	defaultMaxJSONBody = 8 << 20
)

// Doer sends HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Relay opens pipes to the upstream.
type Relay struct {
	bufferSize  int
	maxJSONBody int
}

// Option configures a Relay.
type Option func(*Relay)

// WithBufferSize sets the read buffer per pipe.
func WithBufferSize(n int) Option {
	return func(r *Relay) { r.bufferSize = n }
}

// WithMaxJSONBody bounds how much of a non-streaming body is kept for
// usage decoding. Larger bodies are still relayed in full.
func WithMaxJSONBody(n int) Option {
	return func(r *Relay) { r.maxJSONBody = n }
}

// New creates a Relay.
func New(opts ...Option) *Relay {
	r := &Relay{bufferSize: defaultBufferSize, maxJSONBody: defaultMaxJSONBody}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pipe is one in-flight upstream response.
type Pipe struct {
	// Response is the upstream response. Its body is owned by the pipe.
	Response *http.Response

	clientCtx   context.Context
	latch       *latch
	stop        func() bool
	bufferSize  int
	maxJSONBody int
	closeOnce   sync.Once
}

// Open sends req upstream. The upstream request runs on a context that is
// detached from ctx and cancelled only through the pipe's latch, which
// fires once the connection exists and the client has disconnected.
func (r *Relay) Open(ctx context.Context, doer Doer, req *http.Request) (*Pipe, error) {
	upCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := newLatch(cancel)

	upCtx = httptrace.WithClientTrace(upCtx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { l.Attach() },
	})
	stop := context.AfterFunc(ctx, l.Disconnect)

	resp, err := doer.Do(req.WithContext(upCtx))
	if err != nil {
		stop()
		cancel()
		if l.ClientGone() || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", relaycore.ErrClientGone, err)
		}
		return nil, fmt.Errorf("%w: %v", relaycore.ErrUpstreamUnavailable, err)
	}
	// Transports that skip the trace hook still attach here.
	l.Attach()
	if ctx.Err() != nil {
		stop()
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %v", relaycore.ErrClientGone, ctx.Err())
	}

	return &Pipe{
		Response:    resp,
		clientCtx:   ctx,
		latch:       l,
		stop:        stop,
		bufferSize:  r.bufferSize,
		maxJSONBody: r.maxJSONBody,
	}, nil
}

// Aborted reports whether the upstream request was cancelled.
func (p *Pipe) Aborted() bool { return p.latch.Fired() }

// Close releases the upstream response. It is safe to call repeatedly.
func (p *Pipe) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.stop()
		err = p.Response.Body.Close()
		p.latch.abort()
	})
	return err
}

// EventStream reports whether the response is an event stream.
func (p *Pipe) EventStream() bool {
	mt, _, _ := mime.ParseMediaType(p.Response.Header.Get("Content-Type"))
	return mt == "text/event-stream"
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeaders(dst, src http.Header, stream bool) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || (stream && ck == "Content-Length") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// syntheticError ends an interrupted event stream so clients see a
// terminal record.
const syntheticError = "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"upstream stream interrupted\"}}\n\n"

// Forward writes the upstream response to w: status and headers, then
// every body chunk verbatim and flushed, decoding each chunk only after
// it was delivered. It returns the usage captured so far on every path.
//
// A client that goes away aborts the upstream and yields
// relaycore.ErrClientGone. An upstream that fails or closes an event
// stream before its terminal record gets a synthetic error record
// appended and yields relaycore.ErrUpstreamUnavailable.
func (p *Pipe) Forward(w http.ResponseWriter) (relaycore.Usage, error) {
	defer p.Close()

	stream := p.EventStream()
	copyHeaders(w.Header(), p.Response.Header, stream)
	w.WriteHeader(p.Response.StatusCode)
	rc := http.NewResponseController(w)
	if stream {
		_ = rc.Flush()
	}

	var (
		dec       decoder
		body      []byte
		truncated bool
		sent      int64
		buf       = make([]byte, p.bufferSize)
	)
	finish := func() relaycore.Usage {
		var u relaycore.Usage
		switch {
		case stream:
			dec.Flush()
			u = dec.usage
		case truncated:
			u.DecodeErrors = 1
		default:
			u = DecodeJSON(body)
		}
		u.Bytes = sent
		return u
	}

	for {
		n, rerr := p.Response.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := w.Write(chunk); werr != nil {
				p.latch.Abort()
				return finish(), fmt.Errorf("%w: write: %v", relaycore.ErrClientGone, werr)
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				p.latch.Abort()
				return finish(), fmt.Errorf("%w: flush: %v", relaycore.ErrClientGone, ferr)
			}
			sent += int64(n)

			switch {
			case stream:
				dec.Feed(chunk)
			case truncated:
			case len(body)+n > p.maxJSONBody:
				truncated, body = true, nil
			default:
				body = append(body, chunk...)
			}
		}

		if rerr == nil {
			continue
		}
		if p.latch.ClientGone() || p.clientCtx.Err() != nil {
			return finish(), fmt.Errorf("%w: %v", relaycore.ErrClientGone, p.clientCtx.Err())
		}
		pending := dec.Pending()
		u := finish()
		eof := errors.Is(rerr, io.EOF)
		if eof && (!stream || u.Terminal || u.Error != nil) {
			return u, nil
		}

		cause := rerr
		if eof {
			cause = errors.New("stream ended before terminal record")
		}
		if stream && !u.Terminal && u.Error == nil {
			p.writeSynthetic(w, rc, pending)
			u.Error = &relaycore.UpstreamError{Type: "api_error", Message: "upstream stream interrupted"}
		}
		return u, fmt.Errorf("%w: %v", relaycore.ErrUpstreamUnavailable, cause)
	}
}

func (p *Pipe) writeSynthetic(w io.Writer, rc *http.ResponseController, pending bool) {
	var sb strings.Builder
	if pending {
		// Terminate the partial record the client already received.
		sb.WriteString("\n\n")
	}
	sb.WriteString(syntheticError)
	if _, err := io.WriteString(w, sb.String()); err == nil {
		_ = rc.Flush()
	}
}
