// Package shamir3pass implements the commutative modular-exponentiation
// primitives behind the Shamir no-key ("3-pass") protocol used to
// double-lock the client's VRF keypair blob without either side ever
// holding the other's key: the client locks with its own exponent, the
// server applies and later removes its own exponent, and because modular
// exponentiation in a cyclic group commutes, the operations can be applied
// and undone in either order.
//
// Grounded on infrastructure/crypto/vrf.go's math/big modular-arithmetic
// style (ScalarMult/Mod), translated from elliptic-curve scalar
// multiplication to multiplicative-group exponentiation, since no
// Shamir-secret-sharing library exists anywhere in the reference corpus.
package shamir3pass

import (
	"crypto/rand"
	"math/big"

	"github.com/near-examples/passkey-wallet-engine/pkg/codec"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// KeyPair holds one party's exponent pair for a fixed prime modulus P.
// E and D must satisfy E*D ≡ 1 (mod P-1).
type KeyPair struct {
	P *big.Int
	E *big.Int
	D *big.Int
}

// GenerateKeyPair picks a random exponent E coprime to P-1 and its modular
// inverse D. P must be prime (callers typically load a fixed, pre-agreed
// safe prime rather than generating one per call).
func GenerateKeyPair(p *big.Int) (*KeyPair, error) {
	if p == nil || p.Sign() <= 0 {
		return nil, werrors.New(werrors.ConfigError, "shamir3pass: P must be a positive prime")
	}
	order := new(big.Int).Sub(p, big.NewInt(1))

	for attempt := 0; attempt < 64; attempt++ {
		e, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, werrors.Wrap(werrors.ConfigError, "shamir3pass: generate exponent", err)
		}
		if e.Sign() <= 0 {
			continue
		}
		gcd := new(big.Int)
		d := new(big.Int)
		gcd.GCD(d, nil, e, order)
		if gcd.Cmp(big.NewInt(1)) != 0 {
			continue
		}
		d.Mod(d, order)
		if d.Sign() <= 0 {
			d.Add(d, order)
		}
		return &KeyPair{P: p, E: e, D: d}, nil
	}
	return nil, werrors.New(werrors.ConfigError, "shamir3pass: failed to find invertible exponent")
}

// Lock raises data (interpreted as a big-endian integer, must be < P) to the
// exponent power e, modulo P.
func Lock(p, exponent *big.Int, data []byte) ([]byte, error) {
	if p == nil || exponent == nil {
		return nil, werrors.New(werrors.ConfigError, "shamir3pass: P and exponent are required")
	}
	m := new(big.Int).SetBytes(data)
	if m.Cmp(p) >= 0 {
		return nil, werrors.New(werrors.InvalidInput, "shamir3pass: plaintext integer must be smaller than P")
	}
	locked := new(big.Int).Exp(m, exponent, p)
	return fixedWidth(locked, p), nil
}

// Unlock reverses Lock given the matching inverse exponent.
func Unlock(p, exponent *big.Int, locked []byte) ([]byte, error) {
	return Lock(p, exponent, locked)
}

// fixedWidth pads v's big-endian bytes to the byte width of the modulus so
// repeated lock/unlock round trips are stable on the wire.
func fixedWidth(v, modulus *big.Int) []byte {
	width := (modulus.BitLen() + 7) / 8
	raw := v.Bytes()
	if len(raw) >= width {
		return raw
	}
	out := make([]byte, width)
	copy(out[width-len(raw):], raw)
	return out
}

// ApplyServerLock is the server-side half of the 3-pass protocol: given the
// client-locked blob KEK_c, produce the double-locked KEK_cs.
func ApplyServerLock(server *KeyPair, kekC []byte) ([]byte, error) {
	return Lock(server.P, server.E, kekC)
}

// RemoveServerLock undoes ApplyServerLock, recovering KEK_c from KEK_cs.
func RemoveServerLock(server *KeyPair, kekCS []byte) ([]byte, error) {
	return Lock(server.P, server.D, kekCS)
}

// ParamsB64U is the base64url wire form of a KeyPair's parameters, matching
// the canonical snake_case field names from spec.md §6.2/§9.
type ParamsB64U struct {
	PB64U  string `json:"shamir_p_b64u"`
	EsB64U string `json:"shamir_e_s_b64u"`
	DsB64U string `json:"shamir_d_s_b64u"`
}

// Encode renders kp as base64url parameters.
func (kp *KeyPair) Encode() ParamsB64U {
	return ParamsB64U{
		PB64U:  codec.EncodeB64U(kp.P.Bytes()),
		EsB64U: codec.EncodeB64U(kp.E.Bytes()),
		DsB64U: codec.EncodeB64U(kp.D.Bytes()),
	}
}

// Decode parses base64url parameters into a KeyPair.
func Decode(params ParamsB64U) (*KeyPair, error) {
	p, err := decodeBigInt(params.PB64U, "shamir_p_b64u")
	if err != nil {
		return nil, err
	}
	e, err := decodeBigInt(params.EsB64U, "shamir_e_s_b64u")
	if err != nil {
		return nil, err
	}
	d, err := decodeBigInt(params.DsB64U, "shamir_d_s_b64u")
	if err != nil {
		return nil, err
	}
	return &KeyPair{P: p, E: e, D: d}, nil
}

func decodeBigInt(field, name string) (*big.Int, error) {
	if field == "" {
		return nil, werrors.New(werrors.ConfigError, "shamir3pass: "+name+" is required")
	}
	raw, err := codec.DecodeB64U(field)
	if err != nil {
		return nil, werrors.Wrap(werrors.ConfigError, "shamir3pass: decode "+name, err)
	}
	return new(big.Int).SetBytes(raw), nil
}
