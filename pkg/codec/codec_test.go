package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/pkg/codec"
)

func TestB64URoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xff, 0x10, 0x20, 0x30}
	encoded := codec.EncodeB64U(data)
	assert.NotContains(t, encoded, "=")
	decoded, err := codec.DecodeB64U(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestB64UTolerantOfPadding(t *testing.T) {
	decoded, err := codec.DecodeB64U("Zm9v==")
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), decoded)
}

func TestB64UInvalid(t *testing.T) {
	_, err := codec.DecodeB64U("")
	require.Error(t, err)
	_, err = codec.DecodeB64U("not base64url!!")
	require.Error(t, err)
}

func TestUint64LERoundTrip(t *testing.T) {
	v := uint64(0x0123456789abcdef)
	encoded := codec.PutUint64LE(v)
	decoded, err := codec.Uint64LE(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestUint32LERoundTrip(t *testing.T) {
	v := uint32(0xdeadbeef)
	encoded := codec.PutUint32LE(v)
	decoded, err := codec.Uint32LE(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}

func TestBalanceLERoundTrip(t *testing.T) {
	amount := "1000000000000000000000000" // 1 NEAR in yoctoNEAR
	encoded, err := codec.PutBalanceLE(amount)
	require.NoError(t, err)
	require.Len(t, encoded, 16)
	decoded, err := codec.BalanceLE(encoded)
	require.NoError(t, err)
	assert.Equal(t, amount, decoded)
}

func TestBalanceLERejectsOverflow(t *testing.T) {
	huge := "999999999999999999999999999999999999999" // > 2^128
	_, err := codec.PutBalanceLE(huge)
	require.Error(t, err)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, codec.ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, codec.ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, codec.ConstantTimeEqual([]byte("abc"), []byte("ab")))
}
