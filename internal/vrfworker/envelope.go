package vrfworker

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

const vrfWrapInfo = "near-wallet-engine/vrf-wrap-kek/v1"

// sealScalar encrypts a raw EC scalar (the VRF private key's D value)
// under a PRF-derived key, storing a freshly generated salt and nonce
// alongside the ciphertext so the blob is self-contained on disk.
func sealScalar(scalar []byte, prfFirst []byte) ([]byte, error) {
	if len(prfFirst) == 0 {
		return nil, werrors.New(werrors.MissingPRF, "vrf: PRF output required to encrypt keypair blob")
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, werrors.Wrap(werrors.Unknown, "vrf: generate wrap salt", err)
	}
	kek, err := deriveWrapKey(prfFirst, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, werrors.Wrap(werrors.MissingKeyMaterial, "vrf: construct AEAD cipher", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, werrors.Wrap(werrors.Unknown, "vrf: generate AEAD nonce", err)
	}
	ciphertext := aead.Seal(nil, nonce, scalar, nil)

	// Blob layout: salt(16) || nonce(12) || ciphertext.
	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func openScalar(blob []byte, prfFirst []byte) ([]byte, error) {
	if len(prfFirst) == 0 {
		return nil, werrors.New(werrors.MissingPRF, "vrf: PRF output required to decrypt keypair blob")
	}
	if len(blob) < 16+chacha20poly1305.NonceSize {
		return nil, werrors.New(werrors.InvalidInput, "vrf: encrypted keypair blob too short")
	}
	salt := blob[:16]
	nonce := blob[16 : 16+chacha20poly1305.NonceSize]
	ciphertext := blob[16+chacha20poly1305.NonceSize:]

	kek, err := deriveWrapKey(prfFirst, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, werrors.Wrap(werrors.MissingKeyMaterial, "vrf: construct AEAD cipher", err)
	}
	scalar, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, werrors.Wrap(werrors.DecryptionFailed, "vrf: open encrypted keypair blob", err)
	}
	return scalar, nil
}

func deriveWrapKey(prfFirst, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, prfFirst, salt, []byte(vrfWrapInfo))
	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, werrors.Wrap(werrors.MissingKeyMaterial, "vrf: derive wrap key", err)
	}
	return kek, nil
}
