package signing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // address hash is fixed by the upstream
)

// HeaderRequesterAddress carries the account address when the transport
// has an address prefix configured.
const HeaderRequesterAddress = "X-Requester-Address"

// Address returns the bech32 account address of pub under the
// human-readable prefix hrp: bech32(hrp, ripemd160(sha256(compressed))).
func Address(pub *secp256k1.PublicKey, hrp string) (string, error) {
	if hrp == "" {
		return "", errors.New("relaycore/signing: address prefix is required")
	}
	sum := sha256.Sum256(pub.SerializeCompressed())
	h := ripemd160.New()
	h.Write(sum[:])

	groups, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("relaycore/signing: address: %w", err)
	}
	addr, err := bech32.Encode(strings.ToLower(hrp), groups)
	if err != nil {
		return "", fmt.Errorf("relaycore/signing: address: %w", err)
	}
	return addr, nil
}
