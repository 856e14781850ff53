package signerworker

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/mr-tron/base58"

	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// nep413Writer is a minimal BORSH-subset writer local to this package,
// mirroring neartx's internal encoder for the one payload shape NEP-413
// needs (u32 tag, length-prefixed strings, raw fixed bytes, optional
// fields).
type nep413Writer struct{ buf []byte }

func newNep413Writer() *nep413Writer   { return &nep413Writer{buf: make([]byte, 0, 128)} }
func (w *nep413Writer) bytes() []byte  { return w.buf }
func (w *nep413Writer) writeU8(v byte) { w.buf = append(w.buf, v) }
func (w *nep413Writer) writeU32(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (w *nep413Writer) writeRaw(b []byte) { w.buf = append(w.buf, b...) }
func (w *nep413Writer) writeString(s string) {
	w.writeU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func nep413Hash(encoded []byte) [32]byte { return sha256.Sum256(encoded) }

// SignTransactionsWithActions implements the worker's
// SignTransactionsWithActions request: after verifying the confirmed
// intent digest still matches the batch it is about to sign, it assigns
// one reserved nonce per transaction (in order), builds each BORSH body,
// and signs it. Returns IntentMismatch without touching key material if
// the digests disagree.
func (w *Worker) SignTransactionsWithActions(
	ctx context.Context,
	env ConfirmationEnvelope,
	signerID neartx.AccountId,
	pub neartx.PublicKey,
	priv ed25519.PrivateKey,
	inputs []neartx.TransactionInput,
	onProgress func(ProgressEvent),
) ([]neartx.SignedTransaction, error) {
	if len(inputs) == 0 {
		return nil, werrors.New(werrors.InvalidInput, "no transactions to sign")
	}
	if len(env.ReservedNonces) < len(inputs) {
		return nil, werrors.New(werrors.InvalidInput, "fewer reserved nonces than transactions")
	}

	digestPayload := make([]byte, 0, 256)
	for _, in := range inputs {
		digestPayload = append(digestPayload, neartx.CanonicalIntentPayload(signerID, in)...)
	}
	if err := w.verifyIntentDigest(ctx, env.RequestID, env.ConfirmedDigest, digestPayload); err != nil {
		return nil, err
	}

	blockHash, err := decodeBlockHash(env.BlockHash)
	if err != nil {
		return nil, err
	}

	requestID := env.RequestID
	if requestID == "" {
		requestID = newRequestID()
	}

	out := make([]neartx.SignedTransaction, 0, len(inputs))
	for i, in := range inputs {
		tx := neartx.Transaction{
			SignerId:   signerID,
			PublicKey:  pub,
			Nonce:      env.ReservedNonces[i],
			ReceiverId: in.ReceiverId,
			BlockHash:  blockHash,
			Actions:    in.Actions,
		}
		hash, err := tx.Hash()
		if err != nil {
			return nil, werrors.Wrap(werrors.InvalidInput, "encode transaction", err)
		}
		sig := neartx.Signature{KeyType: neartx.KeyTypeEd25519, Data: ed25519.Sign(priv, hash[:])}
		signed, err := neartx.NewSignedTransaction(tx, sig)
		if err != nil {
			return nil, err
		}
		out = append(out, signed)

		if onProgress != nil {
			onProgress(ProgressEvent{RequestID: requestID, Done: i + 1, Total: len(inputs)})
		}
	}

	w.logger.Info().Str("request_id", requestID).Int("count", len(out)).Msg("signed transaction batch")
	return out, nil
}

func decodeBlockHash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return out, werrors.Wrap(werrors.InvalidInput, "decode block hash", err)
	}
	if len(raw) != 32 {
		return out, werrors.New(werrors.InvalidInput, "block hash must be 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// nep413Discriminant is NEP-413's required domain separator: 2^31 + 413.
const nep413Discriminant uint32 = (1 << 31) + 413

// Nep413Payload is the off-chain message this engine signs for dApp login
// / attestation flows, per NEP-413.
type Nep413Payload struct {
	Message     string
	Recipient   string
	Nonce       [32]byte
	CallbackURL string
}

func (p Nep413Payload) encode() []byte {
	w := newNep413Writer()
	w.writeU32(nep413Discriminant)
	w.writeString(p.Message)
	w.writeRaw(p.Nonce[:])
	w.writeString(p.Recipient)
	if p.CallbackURL != "" {
		w.writeU8(1)
		w.writeString(p.CallbackURL)
	} else {
		w.writeU8(0)
	}
	return w.bytes()
}

// ConfirmedNep413Digest computes the intent digest a caller must present
// as ConfirmationEnvelope.ConfirmedDigest before SignNep413Message: it is
// the exact value SignNep413Message recomputes internally, exported so a
// caller rendering its own WYSIWYS confirmation (or, as in
// internal/bridge's NEP-413/delegate paths, skipping a separate render
// step) can self-produce a digest that will pass verification.
func ConfirmedNep413Digest(payload Nep413Payload) string {
	return neartx.IntentDigest(payload.encode())
}

// ConfirmedDelegateActionDigest is ConfirmedNep413Digest's
// SignDelegateAction analogue.
func ConfirmedDelegateActionDigest(delegate neartx.DelegateAction) (string, error) {
	body, err := delegate.Encode()
	if err != nil {
		return "", err
	}
	return neartx.IntentDigest(body), nil
}

// SignNep413Message implements the worker's SignNep413Message request:
// verify the confirmed digest covers the exact message/recipient/nonce
// the caller is about to sign, then produce the Ed25519 signature over
// the NEP-413 domain-separated hash.
func (w *Worker) SignNep413Message(ctx context.Context, env ConfirmationEnvelope, priv ed25519.PrivateKey, payload Nep413Payload) (neartx.Signature, error) {
	encoded := payload.encode()
	if err := w.verifyIntentDigest(ctx, env.RequestID, env.ConfirmedDigest, encoded); err != nil {
		return neartx.Signature{}, err
	}
	hash := nep413Hash(encoded)
	return neartx.Signature{KeyType: neartx.KeyTypeEd25519, Data: ed25519.Sign(priv, hash[:])}, nil
}

// SignDelegateAction implements the worker's SignDelegateAction request
// for NEP-366 meta-transactions: verify the confirmed digest, sign the
// delegate's domain-separated hash, and return it ready for a relayer to
// embed in a SignedDelegate action.
func (w *Worker) SignDelegateAction(ctx context.Context, env ConfirmationEnvelope, priv ed25519.PrivateKey, delegate neartx.DelegateAction) (neartx.SignedDelegateAction, error) {
	body, err := delegate.Encode()
	if err != nil {
		return neartx.SignedDelegateAction{}, err
	}
	if err := w.verifyIntentDigest(ctx, env.RequestID, env.ConfirmedDigest, body); err != nil {
		return neartx.SignedDelegateAction{}, err
	}
	hash, err := delegate.Hash()
	if err != nil {
		return neartx.SignedDelegateAction{}, err
	}
	sig := neartx.Signature{KeyType: neartx.KeyTypeEd25519, Data: ed25519.Sign(priv, hash[:])}
	return neartx.SignedDelegateAction{DelegateAction: delegate, Signature: sig}, nil
}
