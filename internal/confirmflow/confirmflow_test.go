package confirmflow_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/near-examples/passkey-wallet-engine/internal/confirmflow"
	"github.com/near-examples/passkey-wallet-engine/internal/noncemgr"
	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/internal/vrfworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// fakeCredentials is a CredentialCollector test double standing in for a
// real WebAuthn authenticator.
type fakeCredentials struct {
	assertion       passkey.AssertionResult
	assertionErr    error
	registration    passkey.RegistrationResult
	registrationErr error
}

func (f *fakeCredentials) GetAssertion(opts passkey.AssertionOptions) (passkey.AssertionResult, error) {
	return f.assertion, f.assertionErr
}

func (f *fakeCredentials) CreateRegistration(opts passkey.RegistrationOptions) (passkey.RegistrationResult, error) {
	return f.registration, f.registrationErr
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

func newHarness(t *testing.T, nonce, blockHeight int) (*confirmflow.Flow, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":"wallet-engine","result":{"nonce":` + itoa(nonce) +
			`,"permission":"FullAccess","block_height":` + itoa(blockHeight) +
			`,"block_hash":"h` + itoa(blockHeight) + `","header":{"height":` + itoa(blockHeight) +
			`,"hash":"h` + itoa(blockHeight) + `"}}}`))
	}))
	rpc := nearrpc.New(srv.URL)
	nonces := noncemgr.New(rpc)
	vrf := vrfworker.New()
	signer := signerworker.New()
	return confirmflow.New(nonces, vrf, signer, nil, confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeSkip}, nil), srv.Close
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestRunSigningRequestHappyPath(t *testing.T) {
	flow, closeFn := newHarness(t, 10, 500)
	defer closeFn()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	prfFirst := []byte("signing-prf-first-output-material")
	salt := []byte("fixed-test-salt-16b")
	enc := sealSeed(t, prfFirst, salt, priv.Seed())

	flow.Credentials = &fakeCredentials{
		assertion: passkey.AssertionResult{
			PRFSupported: true,
			PRF:          passkey.PRFOutputs{First: prfFirst},
		},
	}

	receiver, err := neartx.ValidateAccountId("bob.testnet")
	require.NoError(t, err)
	req := confirmflow.Request{
		Kind:         confirmflow.KindSigning,
		AccountID:    "alice.testnet",
		PublicKey:    "ed25519:abc",
		RPID:         "example.near",
		Inputs:       []neartx.TransactionInput{{ReceiverId: receiver, Actions: []neartx.Action{neartx.Transfer{Deposit: "1"}}}},
		EncryptedKey: enc,
	}

	result, err := flow.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.SignedTransactions, 1)
	assert.Equal(t, uint64(11), result.SignedTransactions[0].Transaction.Nonce)
	assert.True(t, ed25519.Verify(pub, result.SignedTransactions[0].Hash[:], result.SignedTransactions[0].Signature.Data))
}

func TestRunSigningRequestReleasesNoncesOnCancellation(t *testing.T) {
	flow, closeFn := newHarness(t, 20, 500)
	defer closeFn()

	flow.Credentials = &fakeCredentials{}
	receiver, err := neartx.ValidateAccountId("bob.testnet")
	require.NoError(t, err)

	req := confirmflow.Request{
		Kind:      confirmflow.KindSigning,
		AccountID: "alice.testnet",
		PublicKey: "ed25519:abc",
		RPID:      "example.near",
		Inputs:    []neartx.TransactionInput{{ReceiverId: receiver, Actions: []neartx.Action{neartx.Transfer{Deposit: "1"}}}},
		Config: confirmflow.SignerMode{PerCall: &confirmflow.ConfirmationConfig{
			UIMode:   confirmflow.UIModeModal,
			Behavior: confirmflow.BehaviorRequireClick,
		}},
		Confirm: func(ctx context.Context, summaries []confirmflow.TransactionSummary, digest string) (bool, error) {
			return false, nil
		},
	}

	_, err = flow.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, werrors.UserCancelled, werrors.Classify(err))

	// The failed run's requestID must no longer be cancellable (Run's
	// defer always deregisters it from the active set, success or not).
	flow.Cancel(req.RequestID) // no-op; must not panic

	// A following request on the same account must still be able to
	// reserve and progress past FetchContext/RenderUI without a
	// NonceConflict from a leaked reservation.
	second := req
	second.Confirm = nil
	second.Config = confirmflow.SignerMode{}
	flow.Credentials = &fakeCredentials{
		assertion: passkey.AssertionResult{PRFSupported: false},
	}
	_, err = flow.Run(context.Background(), second)
	require.Error(t, err)
	assert.Equal(t, werrors.MissingPRF, werrors.Classify(err))
}

func TestRunRegistrationHappyPath(t *testing.T) {
	flow, closeFn := newHarness(t, 0, 100)
	defer closeFn()

	prfSecond := []byte("registration-prf-second-material")
	prfFirst := []byte("registration-prf-first-material!")
	flow.Credentials = &fakeCredentials{
		registration: passkey.RegistrationResult{
			PRFSupported: true,
			PRF:          passkey.PRFOutputs{First: prfFirst, Second: prfSecond},
		},
	}

	req := confirmflow.Request{
		Kind:      confirmflow.KindRegistration,
		AccountID: "new-user.testnet",
		RPID:      "example.near",
	}

	result, err := flow.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.Registration)
	assert.Len(t, result.Registration.PublicKey.Data, ed25519.PublicKeySize)
	assert.NotEmpty(t, result.Registration.EncryptedVrfKeypair)
}

func TestRunDecryptPrivateKeyHappyPath(t *testing.T) {
	flow, closeFn := newHarness(t, 0, 500)
	defer closeFn()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	prfFirst := []byte("export-prf-first-output-material!")
	salt := []byte("fixed-export-salt")
	enc := sealSeed(t, prfFirst, salt, priv.Seed())

	flow.Credentials = &fakeCredentials{
		assertion: passkey.AssertionResult{
			PRFSupported: true,
			PRF:          passkey.PRFOutputs{First: prfFirst},
		},
	}

	req := confirmflow.Request{
		Kind:         confirmflow.KindDecryptPrivateKey,
		AccountID:    "alice.testnet",
		RPID:         "example.near",
		EncryptedKey: enc,
	}

	result, err := flow.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, result.DecryptedPrivateKey)
	recovered, _, err := neartx.ParsePrivateKey(result.DecryptedPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, priv, recovered)
}

func TestRunDecryptPrivateKeyRequiresEncryptedKey(t *testing.T) {
	flow, closeFn := newHarness(t, 0, 500)
	defer closeFn()

	req := confirmflow.Request{Kind: confirmflow.KindDecryptPrivateKey, AccountID: "alice.testnet", RPID: "example.near"}
	_, err := flow.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, werrors.MissingKeyMaterial, werrors.Classify(err))
}

func TestResolvePrecedencePerCallWinsOverSessionAndProcess(t *testing.T) {
	perCall := confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeSkip}
	session := confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeModal}
	process := confirmflow.ConfirmationConfig{UIMode: confirmflow.UIModeDrawer}

	mode := confirmflow.SignerMode{PerCall: &perCall, Session: &session, Process: process}
	assert.Equal(t, confirmflow.UIModeSkip, mode.Resolve().UIMode)

	mode = confirmflow.SignerMode{Session: &session, Process: process}
	assert.Equal(t, confirmflow.UIModeModal, mode.Resolve().UIMode)

	mode = confirmflow.SignerMode{Process: process}
	assert.Equal(t, confirmflow.UIModeDrawer, mode.Resolve().UIMode)
}
