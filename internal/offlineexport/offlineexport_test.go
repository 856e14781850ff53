package offlineexport_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/near-examples/passkey-wallet-engine/internal/confirmflow"
	"github.com/near-examples/passkey-wallet-engine/internal/offlineexport"
	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/internal/vrfworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// fakeCredentials is a CredentialCollector test double, mirroring
// internal/confirmflow's own test helper since this package drives the
// same interface through a Flow it doesn't own.
type fakeCredentials struct {
	assertion    passkey.AssertionResult
	assertionErr error
}

func (f *fakeCredentials) GetAssertion(opts passkey.AssertionOptions) (passkey.AssertionResult, error) {
	return f.assertion, f.assertionErr
}

func (f *fakeCredentials) CreateRegistration(opts passkey.RegistrationOptions) (passkey.RegistrationResult, error) {
	return passkey.RegistrationResult{}, nil
}

func wrapKEK(t *testing.T, prfFirst, salt []byte) []byte {
	t.Helper()
	reader := hkdf.New(sha256.New, prfFirst, salt, []byte("near-wallet-engine/wrap-kek/v1"))
	kek := make([]byte, chacha20poly1305.KeySize)
	_, err := io.ReadFull(reader, kek)
	require.NoError(t, err)
	return kek
}

func sealSeed(t *testing.T, prfFirst, salt, seed []byte) signerworker.EncryptedKeyMaterial {
	t.Helper()
	kek := wrapKEK(t, prfFirst, salt)
	aead, err := chacha20poly1305.New(kek)
	require.NoError(t, err)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	ct := aead.Seal(nil, nonce, seed, nil)
	return signerworker.EncryptedKeyMaterial{Ciphertext: ct, AEADNonce: nonce, WrapKeySalt: salt}
}

func newService(t *testing.T, creds confirmflow.CredentialCollector) (*offlineexport.Service, *offlineexport.MemStore) {
	t.Helper()
	vrf := vrfworker.New()
	signer := signerworker.New()
	flow := confirmflow.New(nil, vrf, signer, creds, confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeSkip}, nil)
	store := offlineexport.NewMemStore()
	return offlineexport.NewService(store, flow, vrf, signer), store
}

func TestRevealOrdinaryPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	prfFirst := []byte("export-prf-first-output-material!")
	salt := []byte("fixed-export-salt")
	enc := sealSeed(t, prfFirst, salt, priv.Seed())
	publicKey := neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub}.String()

	svc, store := newService(t, &fakeCredentials{
		assertion: passkey.AssertionResult{PRFSupported: true, PRF: passkey.PRFOutputs{First: prfFirst}},
	})
	require.NoError(t, store.Put(context.Background(), offlineexport.Record{
		AccountID: "alice.testnet", DeviceNumber: 1, RPID: "example.near",
		PublicKey: publicKey, EncryptedKey: enc,
	}))

	result, err := svc.Reveal(context.Background(), offlineexport.RevealRequest{
		AccountID: "alice.testnet", DeviceNumber: 1, RPID: "example.near",
	})
	require.NoError(t, err)
	assert.False(t, result.Recovered)
	assert.Equal(t, publicKey, result.PublicKey)
	recoveredPriv, _, err := neartx.ParsePrivateKey(result.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, priv, recoveredPriv)

	lastAccount, lastDevice, ok, err := store.LastUsed(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice.testnet", lastAccount)
	assert.Equal(t, 1, lastDevice)
}

func TestRevealRecoversOnAEADMismatch(t *testing.T) {
	prfSecond := []byte("recovery-prf-second-output-material")
	vrf := vrfworker.New()
	signer := signerworker.New()
	pub, _, err := signer.DeriveNearKeypairFromCosePrf(prfSecond)
	require.NoError(t, err)
	publicKey := neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub}.String()

	creds := &fakeCredentials{
		assertion: passkey.AssertionResult{
			PRFSupported: true,
			PRF:          passkey.PRFOutputs{First: []byte("some-wrap-key-material"), Second: prfSecond},
		},
	}
	flow := confirmflow.New(nil, vrf, signer, creds, confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeSkip}, nil)
	store := offlineexport.NewMemStore()
	svc := offlineexport.NewService(store, flow, vrf, signer)

	// A record exists (so the public key is known and recovery can be
	// validated against it) but its ciphertext is garbage, simulating a
	// corrupted or never-written AEAD envelope.
	require.NoError(t, store.Put(context.Background(), offlineexport.Record{
		AccountID: "alice.testnet", DeviceNumber: 1, RPID: "example.near",
		PublicKey:    publicKey,
		EncryptedKey: signerworker.EncryptedKeyMaterial{Ciphertext: []byte("not-real-ciphertext"), AEADNonce: make([]byte, chacha20poly1305.NonceSize), WrapKeySalt: []byte("salt")},
	}))

	result, err := svc.Reveal(context.Background(), offlineexport.RevealRequest{
		AccountID: "alice.testnet", DeviceNumber: 1, RPID: "example.near",
	})
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, publicKey, result.PublicKey)

	rewritten, found, err := store.Get(context.Background(), "alice.testnet", 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, []byte("not-real-ciphertext"), rewritten.EncryptedKey.Ciphertext)
}

func TestRevealRecoveryRejectsMismatchedPublicKey(t *testing.T) {
	creds := &fakeCredentials{
		assertion: passkey.AssertionResult{
			PRFSupported: true,
			PRF:          passkey.PRFOutputs{First: []byte("wrap-material"), Second: []byte("a-different-device-prf-second!!!")},
		},
	}
	svc, store := newService(t, creds)
	require.NoError(t, store.Put(context.Background(), offlineexport.Record{
		AccountID: "alice.testnet", DeviceNumber: 1, RPID: "example.near",
		PublicKey:    "ed25519:11111111111111111111111111111111",
		EncryptedKey: signerworker.EncryptedKeyMaterial{Ciphertext: []byte("garbage"), AEADNonce: make([]byte, chacha20poly1305.NonceSize), WrapKeySalt: []byte("salt")},
	}))

	_, err := svc.Reveal(context.Background(), offlineexport.RevealRequest{
		AccountID: "alice.testnet", DeviceNumber: 1, RPID: "example.near",
	})
	require.Error(t, err)
	assert.Equal(t, werrors.IntentMismatch, werrors.Classify(err))
}

func TestRevealMissingRecordBootstrapsViaRecovery(t *testing.T) {
	prfSecond := []byte("bootstrap-prf-second-material!!!")
	vrf := vrfworker.New()
	signer := signerworker.New()
	pub, _, err := signer.DeriveNearKeypairFromCosePrf(prfSecond)
	require.NoError(t, err)
	publicKey := neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub}.String()

	creds := &fakeCredentials{
		assertion: passkey.AssertionResult{
			PRFSupported: true,
			PRF:          passkey.PRFOutputs{First: []byte("wrap-material-for-bootstrap!"), Second: prfSecond},
		},
	}
	flow := confirmflow.New(nil, vrf, signer, creds, confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeSkip}, nil)
	store := offlineexport.NewMemStore()
	svc := offlineexport.NewService(store, flow, vrf, signer)

	result, err := svc.Reveal(context.Background(), offlineexport.RevealRequest{
		AccountID: "new-device.testnet", DeviceNumber: 1, RPID: "example.near",
	})
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, publicKey, result.PublicKey)

	_, found, err := store.Get(context.Background(), "new-device.testnet", 1)
	require.NoError(t, err)
	assert.True(t, found)
}
