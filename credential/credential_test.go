package credential_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/relaycore/credential"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealerRoundTrip(t *testing.T) {
	s, err := credential.ParseKey(testKey)
	require.NoError(t, err)

	ct, err := s.Encrypt("sk-ant-secret")
	require.NoError(t, err)
	assert.NotContains(t, ct, "sk-ant-secret")

	ct2, err := s.Encrypt("sk-ant-secret")
	require.NoError(t, err)
	assert.NotEqual(t, ct, ct2, "nonces differ")

	pt, err := s.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", pt)
}

func TestSealerEmpty(t *testing.T) {
	s, err := credential.ParseKey(testKey)
	require.NoError(t, err)

	ct, err := s.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, ct)

	pt, err := s.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func TestSealerRejectsTampering(t *testing.T) {
	s, err := credential.ParseKey(testKey)
	require.NoError(t, err)
	other, err := credential.NewSealer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	ct, err := s.Encrypt("token")
	require.NoError(t, err)

	_, err = other.Decrypt(ct)
	assert.ErrorIs(t, err, credential.ErrDecrypt)

	_, err = s.Decrypt("plaintext-token")
	assert.ErrorIs(t, err, credential.ErrDecrypt)

	b := []byte(ct)
	if b[10] == 'A' {
		b[10] = 'B'
	} else {
		b[10] = 'A'
	}
	_, err = s.Decrypt(string(b))
	assert.ErrorIs(t, err, credential.ErrDecrypt)
}

func TestParseKeyErrors(t *testing.T) {
	_, err := credential.ParseKey("zz")
	assert.Error(t, err)
	_, err = credential.ParseKey("0011")
	assert.Error(t, err)
}

func TestPlain(t *testing.T) {
	var c credential.Cipher = credential.Plain{}
	ct, err := c.Encrypt("x")
	require.NoError(t, err)
	assert.Equal(t, "x", ct)
}
