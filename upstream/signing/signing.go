// Package signing authenticates upstream requests with a per-account
// secp256k1 key instead of a bearer token.
//
// The account's access token is the hex private key. The transport
// replaces the bearer header with a signature over
// hex(sha256(body)) || timestamp || audience, and publishes the compressed
// public key so the upstream can verify it.
package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Headers set on signed requests.
const (
	HeaderRequesterKey = "X-Requester-Key"
	HeaderTimestamp    = "X-Timestamp"
)

// ErrBadSignature is returned by Verify for signatures that do not match.
var ErrBadSignature = errors.New("relaycore/signing: signature mismatch")

// Transport is an http.RoundTripper that signs request bodies.
type Transport struct {
	base     http.RoundTripper
	audience string
	hrp      string
	now      func() time.Time

	mu    sync.RWMutex
	keys  map[string]*secp256k1.PrivateKey
	addrs map[string]string
}

// Option configures a Transport.
type Option func(*Transport)

// WithClock sets the time source for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) { t.now = now }
}

// WithAudience binds signatures to one upstream identity. Defaults to the
// request host.
func WithAudience(audience string) Option {
	return func(t *Transport) { t.audience = audience }
}

// WithAddressPrefix publishes the account's bech32 address under hrp in
// HeaderRequesterAddress.
func WithAddressPrefix(hrp string) Option {
	return func(t *Transport) { t.hrp = hrp }
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:  base,
		now:   time.Now,
		keys:  make(map[string]*secp256k1.PrivateKey),
		addrs: make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) key(hexKey string) (*secp256k1.PrivateKey, string, error) {
	t.mu.RLock()
	k, ok := t.keys[hexKey]
	addr := t.addrs[hexKey]
	t.mu.RUnlock()
	if ok {
		return k, addr, nil
	}
	k, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, "", err
	}
	if t.hrp != "" {
		if addr, err = Address(k.PubKey(), t.hrp); err != nil {
			return nil, "", err
		}
	}
	t.mu.Lock()
	t.keys[hexKey] = k
	t.addrs[hexKey] = addr
	t.mu.Unlock()
	return k, addr, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	hexKey, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, errors.New("relaycore/signing: request has no bearer key")
	}
	priv, addr, err := t.key(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("relaycore/signing: read body: %w", err)
		}
	}

	audience := t.audience
	if audience == "" {
		audience = req.URL.Host
	}
	ts := t.now().UnixNano()

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", Sign(priv, body, ts, audience))
	out.Header.Set(HeaderRequesterKey, hex.EncodeToString(priv.PubKey().SerializeCompressed()))
	out.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if addr != "" {
		out.Header.Set(HeaderRequesterAddress, addr)
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	return t.base.RoundTrip(out)
}

// ParsePrivateKey decodes a 32-byte hex private key, with or without 0x.
func ParsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("relaycore/signing: private key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("relaycore/signing: private key must be 32 bytes, got %d", len(b))
	}
	k := secp256k1.PrivKeyFromBytes(b)
	if k.Key.IsZero() {
		return nil, errors.New("relaycore/signing: private key is zero")
	}
	return k, nil
}

func digest(body []byte, ts int64, audience string) [32]byte {
	sum := sha256.Sum256(body)
	return sha256.Sum256([]byte(hex.EncodeToString(sum[:]) + strconv.FormatInt(ts, 10) + audience))
}

// Sign returns the base64 r||s signature for a request body.
func Sign(priv *secp256k1.PrivateKey, body []byte, ts int64, audience string) string {
	d := digest(body, ts, audience)
	compact := ecdsa.SignCompact(priv, d[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:65])
}

// Verify checks a signature produced by Sign against a compressed hex
// public key.
func Verify(pubHex, signature string, body []byte, ts int64, audience string) error {
	pb, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("relaycore/signing: public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pb)
	if err != nil {
		return fmt.Errorf("relaycore/signing: public key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != 64 {
		return ErrBadSignature
	}
	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(raw[:32]) || s.SetByteSlice(raw[32:]) {
		return ErrBadSignature
	}
	d := digest(body, ts, audience)
	if !ecdsa.NewSignature(&r, &s).Verify(d[:], pub) {
		return ErrBadSignature
	}
	return nil
}
