package vrfworker_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/internal/vrfworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/shamir3pass"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func TestBootstrapThenGenerateChallengeVerifies(t *testing.T) {
	w := vrfworker.New()
	prf := []byte("bootstrap-prf-first-output-seed!")

	challenge, encrypted, err := w.GenerateVrfKeypairBootstrap("user-1", "example.near", 100, "blockhash100", prf)
	require.NoError(t, err)
	assert.NotEmpty(t, challenge.Output)
	assert.NotEmpty(t, encrypted)

	assert.True(t, w.CheckVrfStatus("user-1"))

	next, err := w.GenerateVrfChallenge("user-1", "example.near", 101, "blockhash101")
	require.NoError(t, err)
	assert.NotEqual(t, challenge.Output, next.Output)
}

func TestDeriveVrfKeypairFromPrfIsDeterministic(t *testing.T) {
	w1 := vrfworker.New()
	w2 := vrfworker.New()
	prf := []byte("device-link-prf-first-seed-material")

	c1, blob1, err := w1.DeriveVrfKeypairFromPrf("user-2", "example.near", 50, "h50", prf)
	require.NoError(t, err)
	c2, blob2, err := w2.DeriveVrfKeypairFromPrf("user-2", "example.near", 50, "h50", prf)
	require.NoError(t, err)

	assert.Equal(t, c1.Output, c2.Output)
	assert.NotEmpty(t, blob1)
	assert.NotEmpty(t, blob2)
}

func TestUnlockVrfKeypairRestoresSession(t *testing.T) {
	w := vrfworker.New()
	prf := []byte("unlock-roundtrip-prf-first-material")

	_, encrypted, err := w.GenerateVrfKeypairBootstrap("user-3", "example.near", 1, "h1", prf)
	require.NoError(t, err)
	w.Logout("user-3")
	assert.False(t, w.CheckVrfStatus("user-3"))

	require.NoError(t, w.UnlockVrfKeypair("user-3", encrypted, prf))
	assert.True(t, w.CheckVrfStatus("user-3"))
}

func TestUnlockVrfKeypairRejectsWrongPrf(t *testing.T) {
	w := vrfworker.New()
	_, encrypted, err := w.GenerateVrfKeypairBootstrap("user-4", "example.near", 1, "h1", []byte("correct-prf-first-output-material"))
	require.NoError(t, err)

	err = w.UnlockVrfKeypair("user-4", encrypted, []byte("wrong-prf-first-output-material!"))
	require.Error(t, err)
	assert.Equal(t, werrors.DecryptionFailed, werrors.Classify(err))
}

func TestGenerateVrfChallengeWithoutBootstrapFails(t *testing.T) {
	w := vrfworker.New()
	_, err := w.GenerateVrfChallenge("ghost", "example.near", 1, "h1")
	require.Error(t, err)
	assert.Equal(t, werrors.MissingKeyMaterial, werrors.Classify(err))
}

func TestShamir3PassClientRoundTrip(t *testing.T) {
	// A small safe prime is enough to exercise the lock/unlock math in a
	// test; production config loads a cryptographically sized prime.
	p := big.NewInt(10007) // prime
	w := vrfworker.New(vrfworker.WithShamirModulus(p))

	client, err := shamir3pass.GenerateKeyPair(p)
	require.NoError(t, err)

	configuredP, err := w.Shamir3PassConfigP()
	require.NoError(t, err)
	assert.Equal(t, p, configuredP)

	blob := []byte{0x12, 0x34}
	lockedByClient, err := w.Shamir3PassClientEncryptCurrentVrfKeypair(client, blob)
	require.NoError(t, err)

	recovered, err := w.Shamir3PassClientDecryptVrfKeypair(client, lockedByClient)
	require.NoError(t, err)
	assert.Equal(t, blob, trimLeadingZeros(recovered, len(blob)))
}

func trimLeadingZeros(b []byte, want int) []byte {
	if len(b) <= want {
		return b
	}
	return b[len(b)-want:]
}
