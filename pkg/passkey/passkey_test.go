package passkey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func TestRegistrationSerializeDeserializeRoundTrip(t *testing.T) {
	r := passkey.RegistrationResult{
		RawID:             []byte{1, 2, 3},
		ClientDataJSON:    []byte(`{"type":"webauthn.create"}`),
		AttestationObject: []byte{0xde, 0xad},
		Transports:        []string{"internal", "hybrid"},
		UserHandle:        []byte("user-handle"),
		PRFSupported:      true,
		PRF: passkey.PRFOutputs{
			First:  []byte("prf-first-32-bytes-of-kek-source"),
			Second: []byte("prf-second-seed"),
		},
	}

	sc := passkey.SerializeRegistration(r, true)
	assert.NotEmpty(t, sc.PRFFirst)

	back, err := passkey.DeserializeRegistration(sc)
	require.NoError(t, err)
	assert.Equal(t, r.RawID, back.RawID)
	assert.Equal(t, r.ClientDataJSON, back.ClientDataJSON)
	assert.Equal(t, r.AttestationObject, back.AttestationObject)
	assert.Equal(t, r.Transports, back.Transports)
	assert.Equal(t, r.UserHandle, back.UserHandle)
	assert.Equal(t, r.PRF, back.PRF)
}

func TestRegistrationSerializeStripsPRFWhenExcluded(t *testing.T) {
	r := passkey.RegistrationResult{
		RawID:          []byte{1},
		ClientDataJSON: []byte("{}"),
		PRFSupported:   true,
		PRF:            passkey.PRFOutputs{First: []byte("secret")},
	}
	sc := passkey.SerializeRegistration(r, false)
	assert.Empty(t, sc.PRFFirst)
}

func TestAuthenticationSerializeDeserializeRoundTrip(t *testing.T) {
	a := passkey.AssertionResult{
		RawID:             []byte{9, 9, 9},
		ClientDataJSON:    []byte(`{"type":"webauthn.get"}`),
		AuthenticatorData: []byte{0x01, 0x02},
		Signature:         []byte{0x03, 0x04, 0x05},
		UserHandle:        []byte("handle"),
		PRFSupported:      true,
		PRF:               passkey.PRFOutputs{First: []byte("kek-source")},
	}
	sc := passkey.SerializeAuthentication(a, true)
	back, err := passkey.DeserializeAuthentication(sc)
	require.NoError(t, err)
	assert.Equal(t, a, back)
}

func TestRequirePRF(t *testing.T) {
	require.NoError(t, passkey.RequirePRF(true))
	err := passkey.RequirePRF(false)
	require.Error(t, err)
	assert.Equal(t, werrors.MissingPRF, werrors.Classify(err))
}
