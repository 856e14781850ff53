// Package codec provides the base64url and little-endian primitives shared
// by every other component: credential serialization, BORSH-lite integer
// encoding, and constant-time secret comparison.
package codec

import (
	"crypto/subtle"
	"encoding/base64"
	"math/big"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// EncodeB64U encodes data as unpadded base64url, the wire form used
// throughout the credential, nonce, and Shamir envelopes.
func EncodeB64U(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeB64U decodes unpadded base64url, tolerating a trailing '=' padding
// that some clients add despite the spec.
func DecodeB64U(s string) ([]byte, error) {
	if s == "" {
		return nil, werrors.New(werrors.InvalidInput, "empty base64url string")
	}
	trimmed := trimPadding(s)
	data, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "invalid base64url encoding", err)
	}
	return data, nil
}

func trimPadding(s string) string {
	end := len(s)
	for end > 0 && s[end-1] == '=' {
		end--
	}
	return s[:end]
}

// PutUint64LE writes v as 8 little-endian bytes.
func PutUint64LE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

// Uint64LE reads 8 little-endian bytes into a uint64.
func Uint64LE(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, werrors.New(werrors.InvalidInput, "expected 8 bytes for little-endian uint64")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v, nil
}

// PutUint32LE writes v as 4 little-endian bytes.
func PutUint32LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Uint32LE reads 4 little-endian bytes into a uint32.
func Uint32LE(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, werrors.New(werrors.InvalidInput, "expected 4 bytes for little-endian uint32")
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// PutBalanceLE encodes a decimal yoctoNEAR amount string as 16 little-endian
// bytes, the width NEAR uses for Balance/Gas fields (up to u128).
func PutBalanceLE(decimal string) ([]byte, error) {
	if decimal == "" {
		decimal = "0"
	}
	v, ok := new(big.Int).SetString(decimal, 10)
	if !ok || v.Sign() < 0 {
		return nil, werrors.New(werrors.InvalidInput, "invalid u128 decimal amount")
	}
	maxU128 := new(big.Int).Lsh(big.NewInt(1), 128)
	if v.Cmp(maxU128) >= 0 {
		return nil, werrors.New(werrors.InvalidInput, "amount exceeds u128 range")
	}
	be := v.Bytes()
	out := make([]byte, 16)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out, nil
}

// BalanceLE decodes 16 little-endian bytes into a decimal yoctoNEAR string.
func BalanceLE(b []byte) (string, error) {
	if len(b) != 16 {
		return "", werrors.New(werrors.InvalidInput, "expected 16 bytes for u128 balance")
	}
	be := make([]byte, 16)
	for i, v := range b {
		be[15-i] = v
	}
	return new(big.Int).SetBytes(be).String(), nil
}

// ConstantTimeEqual reports whether a and b are equal using a constant-time
// comparison, for use on decrypted secrets and digests.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
