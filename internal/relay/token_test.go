package relay_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/near-examples/passkey-wallet-engine/internal/relay"
	"github.com/near-examples/passkey-wallet-engine/pkg/config"
)

func TestJWTSignerRoundTrip(t *testing.T) {
	signer := relay.NewJWTSigner(config.SessionConfig{
		JWTSecret: "unit-test-secret",
		Issuer:    "passkey-wallet-engine",
		Audience:  "near-wallet",
		TTL:       time.Hour,
	})

	token, err := signer.SignToken("alice.testnet", nil)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := signer.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "alice.testnet", claims.AccountID)
}

func TestJWTSignerRejectsExpiredToken(t *testing.T) {
	signer := relay.NewJWTSigner(config.SessionConfig{
		JWTSecret: "unit-test-secret",
		Issuer:    "passkey-wallet-engine",
		Audience:  "near-wallet",
	})
	past := time.Now().Add(-time.Hour)
	token, err := signer.SignToken("alice.testnet", &past)
	require.NoError(t, err)

	_, err = signer.VerifyToken(token)
	require.Error(t, err)
}

func TestJWTSignerRejectsWrongSecret(t *testing.T) {
	signer := relay.NewJWTSigner(config.SessionConfig{JWTSecret: "secret-a", Issuer: "x", Audience: "y"})
	token, err := signer.SignToken("alice.testnet", nil)
	require.NoError(t, err)

	other := relay.NewJWTSigner(config.SessionConfig{JWTSecret: "secret-b", Issuer: "x", Audience: "y"})
	_, err = other.VerifyToken(token)
	require.Error(t, err)
}

func TestJWTSignerRequiresSecret(t *testing.T) {
	signer := relay.NewJWTSigner(config.SessionConfig{})
	_, err := signer.SignToken("alice.testnet", nil)
	require.Error(t, err)
}
