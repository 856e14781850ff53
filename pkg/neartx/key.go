package neartx

import (
	"crypto/ed25519"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// KeyType enumerates NEAR's supported key curves. Only Ed25519 is
// implemented; the signer worker never produces secp256k1 keys.
type KeyType byte

const KeyTypeEd25519 KeyType = 0

// PublicKey is a NEAR public key: a curve tag plus the raw key bytes.
type PublicKey struct {
	KeyType KeyType
	Data    []byte
}

// ParsePublicKey parses the "ed25519:<base58>" textual form NEAR uses
// on-wire and in access key lookups.
func ParsePublicKey(s string) (PublicKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] != "ed25519" {
		return PublicKey{}, werrors.New(werrors.InvalidInput, "only ed25519 public keys are supported")
	}
	raw, err := base58.Decode(parts[1])
	if err != nil {
		return PublicKey{}, werrors.Wrap(werrors.InvalidInput, "decode base58 public key", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, werrors.New(werrors.InvalidInput, "ed25519 public key must be 32 bytes")
	}
	return PublicKey{KeyType: KeyTypeEd25519, Data: raw}, nil
}

// String renders the public key in NEAR's "ed25519:<base58>" textual form.
func (pk PublicKey) String() string {
	return "ed25519:" + base58.Encode(pk.Data)
}

// ParsePrivateKey parses the "ed25519:<base58>" textual form of a full
// NEAR private key (64-byte seed||publicKey, NEAR's on-disk key file
// convention) into a usable ed25519.PrivateKey plus its public key, for
// callers holding a raw account key rather than one derived via PRF (e.g.
// the relay orchestrator's relayer key).
func ParsePrivateKey(s string) (ed25519.PrivateKey, PublicKey, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] != "ed25519" {
		return nil, PublicKey{}, werrors.New(werrors.ConfigError, "only ed25519 private keys are supported")
	}
	raw, err := base58.Decode(parts[1])
	if err != nil {
		return nil, PublicKey{}, werrors.Wrap(werrors.ConfigError, "decode base58 private key", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, PublicKey{}, werrors.New(werrors.ConfigError, "ed25519 private key must be 64 bytes")
	}
	priv := ed25519.PrivateKey(raw)
	pub := PublicKey{KeyType: KeyTypeEd25519, Data: append([]byte(nil), priv[ed25519.SeedSize:]...)}
	return priv, pub, nil
}

// PrivateKeyString renders priv (a 64-byte seed||publicKey Ed25519 key) in
// NEAR's "ed25519:<base58>" textual form, the inverse of ParsePrivateKey.
func PrivateKeyString(priv ed25519.PrivateKey) string {
	return "ed25519:" + base58.Encode(priv)
}

// BorshEncode appends the key-type byte followed by the raw key bytes.
func (pk PublicKey) BorshEncode() []byte {
	out := make([]byte, 0, 1+len(pk.Data))
	out = append(out, byte(pk.KeyType))
	out = append(out, pk.Data...)
	return out
}

// Signature is a NEAR transaction signature: a curve tag plus signature
// bytes.
type Signature struct {
	KeyType KeyType
	Data    []byte
}

// BorshEncode appends the key-type byte followed by the raw signature bytes.
func (s Signature) BorshEncode() []byte {
	out := make([]byte, 0, 1+len(s.Data))
	out = append(out, byte(s.KeyType))
	out = append(out, s.Data...)
	return out
}

// String renders the signature in NEAR's "ed25519:<base58>" textual form.
func (s Signature) String() string {
	return "ed25519:" + base58.Encode(s.Data)
}
