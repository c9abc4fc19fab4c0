package signing_test

import (
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/bech32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore/upstream/signing"
)

const validKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestParsePrivateKey(t *testing.T) {
	_, err := signing.ParsePrivateKey(validKeyHex)
	require.NoError(t, err)

	_, err = signing.ParsePrivateKey("0x" + validKeyHex)
	require.NoError(t, err)

	_, err = signing.ParsePrivateKey("not-hex")
	assert.Error(t, err)

	_, err = signing.ParsePrivateKey("0123456789abcdef")
	assert.ErrorContains(t, err, "must be 32 bytes")

	_, err = signing.ParsePrivateKey(strings.Repeat("00", 32))
	assert.ErrorContains(t, err, "zero")
}

func TestSignIsDeterministic(t *testing.T) {
	priv, err := signing.ParsePrivateKey(validKeyHex)
	require.NoError(t, err)

	a := signing.Sign(priv, []byte(`{"x":1}`), 42, "api.example")
	b := signing.Sign(priv, []byte(`{"x":1}`), 42, "api.example")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, signing.Sign(priv, []byte(`{"x":1}`), 43, "api.example"))
}

func TestVerify(t *testing.T) {
	priv, err := signing.ParsePrivateKey(validKeyHex)
	require.NoError(t, err)
	pub := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	body := []byte(`{"model":"m"}`)

	sig := signing.Sign(priv, body, 7, "aud")
	require.NoError(t, signing.Verify(pub, sig, body, 7, "aud"))

	assert.ErrorIs(t, signing.Verify(pub, sig, []byte(`{"model":"n"}`), 7, "aud"), signing.ErrBadSignature)
	assert.ErrorIs(t, signing.Verify(pub, sig, body, 8, "aud"), signing.ErrBadSignature)
	assert.ErrorIs(t, signing.Verify(pub, sig, body, 7, "other"), signing.ErrBadSignature)
	assert.ErrorIs(t, signing.Verify(pub, "garbage", body, 7, "aud"), signing.ErrBadSignature)
}

func TestTransportSignsRequests(t *testing.T) {
	fixed := time.Unix(1_700_000_000, 5)
	var (
		mu       sync.Mutex
		verified int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, err := strconv.ParseInt(r.Header.Get(signing.HeaderTimestamp), 10, 64)
		assert.NoError(t, err)
		assert.Equal(t, fixed.UnixNano(), ts)
		assert.NotContains(t, r.Header.Get("Authorization"), validKeyHex)

		err = signing.Verify(r.Header.Get(signing.HeaderRequesterKey), r.Header.Get("Authorization"), body, ts, "node-1")
		assert.NoError(t, err)
		if err == nil {
			mu.Lock()
			verified++
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := &http.Client{Transport: signing.NewTransport(nil,
		signing.WithAudience("node-1"),
		signing.WithClock(func() time.Time { return fixed }),
	)}

	for i := 0; i < 3; i++ {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{"n":`+strconv.Itoa(i)+`}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+validKeyHex)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, verified)
}

func TestTransportRejectsMissingKey(t *testing.T) {
	client := &http.Client{Transport: signing.NewTransport(nil)}
	req, err := http.NewRequest(http.MethodPost, "http://127.0.0.1:1", nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	assert.ErrorContains(t, err, "no bearer key")
}

func TestAddress(t *testing.T) {
	priv, err := signing.ParsePrivateKey(validKeyHex)
	require.NoError(t, err)

	addr, err := signing.Address(priv.PubKey(), "gonka")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(addr, "gonka1"), addr)
	// 20-byte hash in 5-bit groups plus a 6-group checksum.
	assert.Len(t, addr, len("gonka1")+32+6)
	for _, c := range strings.TrimPrefix(addr, "gonka1") {
		assert.Contains(t, "qpzry9x8gf2tvdw0s3jn54khce6mua7l", string(c))
	}

	hrp, groups, err := bech32.Decode(addr)
	require.NoError(t, err, "checksum must verify")
	assert.Equal(t, "gonka", hrp)
	hash, err := bech32.ConvertBits(groups, 5, 8, false)
	require.NoError(t, err)
	assert.Len(t, hash, 20)

	again, err := signing.Address(priv.PubKey(), "GONKA")
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	other, err := signing.ParsePrivateKey(strings.Repeat("11", 32))
	require.NoError(t, err)
	otherAddr, err := signing.Address(other.PubKey(), "gonka")
	require.NoError(t, err)
	assert.NotEqual(t, addr, otherAddr)

	_, err = signing.Address(priv.PubKey(), "")
	assert.Error(t, err)
}

func TestTransportPublishesAddress(t *testing.T) {
	addrs := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addrs <- r.Header.Get(signing.HeaderRequesterAddress)
	}))
	defer srv.Close()

	priv, err := signing.ParsePrivateKey(validKeyHex)
	require.NoError(t, err)
	want, err := signing.Address(priv.PubKey(), "gonka")
	require.NoError(t, err)

	client := &http.Client{Transport: signing.NewTransport(nil, signing.WithAddressPrefix("gonka"))}
	for range 2 {
		req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(`{}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+validKeyHex)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, <-addrs)
	}
}
