package signerworker_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// deriveKEKForTest mirrors the worker's internal HKDF derivation so tests
// can build a matching ciphertext without reaching into unexported
// package internals.
func deriveKEKForTest(prfFirst, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, prfFirst, salt, []byte("near-wallet-engine/wrap-kek/v1"))
	kek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, err
	}
	return kek, nil
}

func encryptSeed(t *testing.T, kek, seed []byte) signerworker.EncryptedKeyMaterial {
	t.Helper()
	aead, err := chacha20poly1305.New(kek)
	require.NoError(t, err)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ct := aead.Seal(nil, nonce, seed, nil)
	return signerworker.EncryptedKeyMaterial{Ciphertext: ct, AEADNonce: nonce}
}

func TestDecryptPrivateKeyWithPrfRoundTrip(t *testing.T) {
	w := signerworker.New()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	seed := priv.Seed()

	prfFirst := []byte("deterministic-prf-first-output-32")
	salt := []byte("wrap-key-salt")

	// Derive the same KEK the worker will derive, to build a matching
	// ciphertext without depending on an unexported helper.
	kek, err := deriveKEKForTest(prfFirst, salt)
	require.NoError(t, err)
	enc := encryptSeed(t, kek, seed)

	recovered, err := w.DecryptPrivateKeyWithPrf(prfFirst, salt, enc)
	require.NoError(t, err)
	assert.Equal(t, priv, recovered)
}

func TestDecryptPrivateKeyWithPrfRejectsWrongPRF(t *testing.T) {
	w := signerworker.New()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	prfFirst := []byte("correct-prf-first-output-material")
	salt := []byte("salt")
	kek, err := deriveKEKForTest(prfFirst, salt)
	require.NoError(t, err)
	enc := encryptSeed(t, kek, priv.Seed())

	_, err = w.DecryptPrivateKeyWithPrf([]byte("wrong-prf-output-material-here!!"), salt, enc)
	require.Error(t, err)
	assert.Equal(t, werrors.DecryptionFailed, werrors.Classify(err))
}

func TestDeriveNearKeypairFromCosePrfDeterministic(t *testing.T) {
	w := signerworker.New()
	prfSecond := []byte("prf-second-output-seed-material!")

	pub1, priv1, err := w.DeriveNearKeypairFromCosePrf(prfSecond)
	require.NoError(t, err)
	pub2, priv2, err := w.DeriveNearKeypairFromCosePrf(prfSecond)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
	assert.True(t, ed25519.Verify(pub1, []byte("msg"), ed25519.Sign(priv1, []byte("msg"))))
}

func TestSignTransactionsWithActionsRejectsMismatchedDigest(t *testing.T) {
	w := signerworker.New()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, _ := neartx.ValidateAccountId("alice.testnet")
	receiver, _ := neartx.ValidateAccountId("bob.testnet")
	input := neartx.TransactionInput{ReceiverId: receiver, Actions: []neartx.Action{neartx.Transfer{Deposit: "1"}}}

	env := signerworker.ConfirmationEnvelope{
		ConfirmedDigest: "wrong-digest",
		ReservedNonces:  []uint64{1},
		BlockHash:       base58.Encode(make([]byte, 32)),
	}

	_, err = w.SignTransactionsWithActions(
		context.Background(), env, signer,
		neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub},
		priv, []neartx.TransactionInput{input}, nil,
	)
	require.Error(t, err)
	assert.Equal(t, werrors.IntentMismatch, werrors.Classify(err))
}

func TestSignTransactionsWithActionsSignsBatch(t *testing.T) {
	w := signerworker.New()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, _ := neartx.ValidateAccountId("alice.testnet")
	receiver, _ := neartx.ValidateAccountId("bob.testnet")
	inputs := []neartx.TransactionInput{
		{ReceiverId: receiver, Actions: []neartx.Action{neartx.Transfer{Deposit: "1"}}},
		{ReceiverId: receiver, Actions: []neartx.Action{neartx.Transfer{Deposit: "2"}}},
	}

	digestPayload := make([]byte, 0)
	for _, in := range inputs {
		digestPayload = append(digestPayload, neartx.CanonicalIntentPayload(signer, in)...)
	}
	digest := neartx.IntentDigest(digestPayload)

	env := signerworker.ConfirmationEnvelope{
		ConfirmedDigest: digest,
		ReservedNonces:  []uint64{5, 6},
		BlockHash:       base58.Encode(make([]byte, 32)),
	}

	var progressed []int
	signed, err := w.SignTransactionsWithActions(
		context.Background(), env, signer,
		neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub},
		priv, inputs, func(ev signerworker.ProgressEvent) { progressed = append(progressed, ev.Done) },
	)
	require.NoError(t, err)
	require.Len(t, signed, 2)
	assert.Equal(t, uint64(5), signed[0].Transaction.Nonce)
	assert.Equal(t, uint64(6), signed[1].Transaction.Nonce)
	assert.Equal(t, []int{1, 2}, progressed)
	assert.True(t, ed25519.Verify(pub, signed[0].Hash[:], signed[0].Signature.Data))
}

func TestSignNep413MessageVerifiesDigest(t *testing.T) {
	w := signerworker.New()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	payload := signerworker.Nep413Payload{Message: "login to dapp.near", Recipient: "dapp.near"}
	_, err = w.SignNep413Message(context.Background(), signerworker.ConfirmationEnvelope{ConfirmedDigest: "bogus"}, priv, payload)
	require.Error(t, err)
	assert.Equal(t, werrors.IntentMismatch, werrors.Classify(err))
	_ = pub
}
