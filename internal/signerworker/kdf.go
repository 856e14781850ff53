package signerworker

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

const (
	kekInfo  = "near-wallet-engine/wrap-kek/v1"
	seedInfo = "near-wallet-engine/ed25519-seed/v1"
)

// deriveKEK runs PRF.first through HKDF-SHA256 with the stored wrap-key
// salt to produce the 32-byte ChaCha20-Poly1305 key, per spec.md §4.E.
func deriveKEK(prfFirst, wrapKeySalt []byte) ([]byte, error) {
	if len(prfFirst) == 0 {
		return nil, werrors.New(werrors.MissingPRF, "PRF first output required to derive wrap key")
	}
	reader := hkdf.New(sha256.New, prfFirst, wrapKeySalt, []byte(kekInfo))
	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, werrors.Wrap(werrors.MissingKeyMaterial, "derive wrap KEK", err)
	}
	return kek, nil
}

// DecryptPrivateKeyWithPrf implements the worker's DecryptPrivateKeyWithPrf
// request: derive the KEK from PRF.first, open the AEAD envelope, and
// recover the raw Ed25519 seed. The caller zeroizes prf.First and the
// returned seed after use.
func (w *Worker) DecryptPrivateKeyWithPrf(prf []byte, wrapKeySalt []byte, enc EncryptedKeyMaterial) (ed25519.PrivateKey, error) {
	kek, err := deriveKEK(prf, wrapKeySalt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, werrors.Wrap(werrors.MissingKeyMaterial, "construct AEAD cipher", err)
	}
	seed, err := aead.Open(nil, enc.AEADNonce, enc.Ciphertext, nil)
	zero(kek)
	if err != nil {
		return nil, werrors.Wrap(werrors.DecryptionFailed, "open encrypted key material", err)
	}
	if len(seed) != ed25519.SeedSize {
		zero(seed)
		return nil, werrors.New(werrors.DecryptionFailed, "decrypted seed has unexpected length")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	zero(seed)
	return priv, nil
}

// EncryptPrivateKeyWithPrf is the inverse of DecryptPrivateKeyWithPrf: it
// wraps priv's seed under a freshly generated wrap-key salt and PRF.first,
// for a caller that has just re-derived key material (registration, or
// offlineexport's recovery path) and needs a storable EncryptedKeyMaterial
// for future ordinary reveals.
func (w *Worker) EncryptPrivateKeyWithPrf(prf []byte, priv ed25519.PrivateKey) (EncryptedKeyMaterial, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return EncryptedKeyMaterial{}, werrors.Wrap(werrors.Unknown, "generate wrap-key salt", err)
	}
	kek, err := deriveKEK(prf, salt)
	if err != nil {
		return EncryptedKeyMaterial{}, err
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		zero(kek)
		return EncryptedKeyMaterial{}, werrors.Wrap(werrors.MissingKeyMaterial, "construct AEAD cipher", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		zero(kek)
		return EncryptedKeyMaterial{}, werrors.Wrap(werrors.Unknown, "generate AEAD nonce", err)
	}
	ciphertext := aead.Seal(nil, nonce, priv.Seed(), nil)
	zero(kek)
	return EncryptedKeyMaterial{Ciphertext: ciphertext, AEADNonce: nonce, WrapKeySalt: salt}, nil
}

// DeriveNearKeypairFromCosePrf implements DeriveNearKeypairFromCosePrf:
// PRF.second, if present, deterministically seeds a fresh Ed25519 keypair
// for device-link and recovery flows that don't yet have stored key
// material to decrypt.
func (w *Worker) DeriveNearKeypairFromCosePrf(prf []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(prf) == 0 {
		return nil, nil, werrors.New(werrors.MissingPRF, "PRF second output required to derive a NEAR keypair")
	}
	reader := hkdf.New(sha256.New, prf, nil, []byte(seedInfo))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, nil, werrors.Wrap(werrors.MissingKeyMaterial, "derive ed25519 seed from PRF", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	zero(seed)
	pub := make([]byte, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])
	return pub, priv, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
