package offlineexport

import (
	"context"

	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// recoverAndReveal implements spec.md §4.I's passkey-assisted recovery: run
// an authentication against a random, unbound VRF challenge (there is no
// chain context to bind to, and none is needed — this never reaches the
// network), reconstruct the plaintext seed from PRF.second exactly as
// registration does, and only accept the result if its public key matches
// what was already on file for (account, device). A wholly missing record
// (PublicKey == "") has nothing to match against; recovery then also
// serves as first-write for a device that lost its local state entirely.
func (s *Service) recoverAndReveal(ctx context.Context, req RevealRequest, existing Record) (*RevealResult, error) {
	challenge, err := s.VRF.GenerateEphemeralVrfChallenge(req.AccountID, req.RPID, 0, "")
	if err != nil {
		return nil, err
	}

	assertion, err := s.Flow.Credentials.GetAssertion(passkey.AssertionOptions{
		RPID:      req.RPID,
		Challenge: challenge.Output,
		PRF:       passkey.PRFInputs{First: []byte("near-wallet-engine/recovery"), Second: []byte("near-wallet-engine/recovery")},
	})
	if err != nil {
		if err == passkey.ErrCeremonyCancelled {
			return nil, werrors.Wrap(werrors.UserCancelled, "recovery authentication cancelled", err)
		}
		return nil, werrors.Wrap(werrors.Unknown, "recovery authentication failed", err)
	}
	if perr := passkey.RequirePRF(assertion.PRFSupported); perr != nil {
		return nil, perr
	}

	pub, priv, err := s.Signer.DeriveNearKeypairFromCosePrf(assertion.PRF.Second)
	if err != nil {
		return nil, err
	}
	recoveredPublicKey := neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub}.String()

	if existing.PublicKey != "" && existing.PublicKey != recoveredPublicKey {
		zeroPriv(priv)
		return nil, werrors.New(werrors.IntentMismatch, "recovered public key does not match the existing local record")
	}

	encryptedKey, err := s.Signer.EncryptPrivateKeyWithPrf(assertion.PRF.First, priv)
	if err != nil {
		zeroPriv(priv)
		return nil, err
	}

	rewritten := existing
	rewritten.AccountID = req.AccountID
	rewritten.DeviceNumber = req.DeviceNumber
	rewritten.RPID = req.RPID
	rewritten.PublicKey = recoveredPublicKey
	rewritten.EncryptedKey = encryptedKey
	if err := s.Store.Put(ctx, rewritten); err != nil {
		zeroPriv(priv)
		return nil, err
	}
	if err := s.Store.SetLastUsed(ctx, req.AccountID, req.DeviceNumber); err != nil {
		zeroPriv(priv)
		return nil, err
	}

	privateKey := neartx.PrivateKeyString(priv)
	zeroPriv(priv)
	return &RevealResult{PrivateKey: privateKey, PublicKey: recoveredPublicKey, Recovered: true}, nil
}

func zeroPriv(priv []byte) {
	for i := range priv {
		priv[i] = 0
	}
}
