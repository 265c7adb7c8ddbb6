// Package wallet verifies off-chain wallet signatures.
//
// The login challenge is signed with the wallet's secp256k1 key using
// personal-message signing: the signer address is recovered from the
// message + signature pair and compared against the claimed address.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

const (
	personalMessagePrefix = "\x19Ethereum Signed Message:\n"

	signatureBytes = 65
	addressBytes   = 20
)

var (
	// ErrInvalidSignature is returned for malformed or unrecoverable signatures.
	ErrInvalidSignature = errors.New("invalid wallet signature")

	// ErrAddressMismatch is returned when the recovered signer differs
	// from the expected address.
	ErrAddressMismatch = errors.New("signer address mismatch")
)

// Verifier recovers and checks personal-message signers.
// The zero value is ready to use.
type Verifier struct{}

// RecoverAddress recovers the signer address of a personal-message
// signature over message. The signature is hex (optionally 0x-prefixed),
// 65 bytes: R || S || V with V in {0, 1, 27, 28}.
func (Verifier) RecoverAddress(message string, signatureHex string) (string, error) {
	sig, err := decodeHex(signatureHex)
	if err != nil || len(sig) != signatureBytes {
		return "", ErrInvalidSignature
	}

	v := sig[signatureBytes-1]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", ErrInvalidSignature
	}

	// RecoverCompact wants the recovery header first.
	compact := make([]byte, signatureBytes)
	compact[0] = v
	copy(compact[1:], sig[:signatureBytes-1])

	pub, _, err := ecdsa.RecoverCompact(compact, personalMessageHash(message))
	if err != nil {
		return "", ErrInvalidSignature
	}

	return pubKeyAddress(pub), nil
}

// Verify recovers the signer of message and compares it (case-insensitive)
// against expected. Returns ErrAddressMismatch when a valid signature was
// produced by a different wallet.
func (v Verifier) Verify(message, signatureHex, expected string) error {
	got, err := v.RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if !EqualAddresses(got, expected) {
		return fmt.Errorf("%w: got %s", ErrAddressMismatch, TruncateAddress(got))
	}
	return nil
}

// EqualAddresses compares two hex addresses case-insensitively,
// tolerating a missing 0x prefix on either side.
func EqualAddresses(a, b string) bool {
	a = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "0x"))
	b = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(b), "0x"))
	return a != "" && a == b
}

// TruncateAddress shortens an address for display: 0x1234…abcd.
func TruncateAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

// personalMessageHash computes the EIP-191 personal-message digest.
func personalMessageHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(personalMessagePrefix))
	_, _ = h.Write([]byte(fmt.Sprintf("%d", len(message))))
	_, _ = h.Write([]byte(message))
	return h.Sum(nil)
}

// pubKeyAddress derives the 0x address from an uncompressed public key.
func pubKeyAddress(pub *secp256k1.PublicKey) string {
	raw := pub.SerializeUncompressed()

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(raw[1:]) // drop the 0x04 prefix byte
	sum := h.Sum(nil)

	return "0x" + hex.EncodeToString(sum[len(sum)-addressBytes:])
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return hex.DecodeString(s)
}
