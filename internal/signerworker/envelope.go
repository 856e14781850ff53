// Package signerworker implements the isolated signing host described in
// spec.md §4.E: a request/response envelope protocol that decrypts local
// key material behind the passkey PRF, recomputes and verifies the
// intent digest, assigns reserved nonces, and produces signed NEAR
// transactions. It never exposes raw secret bytes across the envelope
// boundary.
//
// Grounded on infrastructure/crypto/envelope.go's AEAD envelope shape and
// applications/auth/manager.go's HKDF usage; this worker carries its own
// isolated logging sink (rs/zerolog) rather than sharing the host's
// logger, mirroring the teacher's per-subsystem logger convention and
// spec.md §5's isolated-execution-context requirement.
package signerworker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// RequestType enumerates the worker's served operations, per spec.md §4.E.
type RequestType string

const (
	RequestExtractCosePublicKey        RequestType = "ExtractCosePublicKey"
	RequestDeriveNearKeypairFromPrf    RequestType = "DeriveNearKeypairFromCosePrf"
	RequestDecryptPrivateKeyWithPrf    RequestType = "DecryptPrivateKeyWithPrf"
	RequestSignTransactionsWithActions RequestType = "SignTransactionsWithActions"
	RequestSignNep413Message           RequestType = "SignNep413Message"
	RequestSignDelegateAction          RequestType = "SignDelegateAction"
)

// EncryptedKeyMaterial is the at-rest envelope wrapping a NEAR Ed25519
// signing seed: ChaCha20-Poly1305 ciphertext keyed by a PRF-derived KEK.
type EncryptedKeyMaterial struct {
	Ciphertext  []byte
	AEADNonce   []byte
	WrapKeySalt []byte
}

// ConfirmationEnvelope is what the host hands the worker after the user has
// confirmed an intent: the confirmed digest to recheck against, the VRF
// challenge and WebAuthn assertion that authorized this operation, the PRF
// output, and the pre-reserved nonce/block context the worker must build
// the transaction against.
type ConfirmationEnvelope struct {
	RequestID       string
	ConfirmedDigest string
	VrfChallenge    []byte
	Assertion       passkey.SerializedCredential
	PRF             passkey.PRFOutputs
	ReservedNonces  []uint64
	BlockHeight     uint64
	BlockHash       string
	EncryptedKey    EncryptedKeyMaterial
	SignerAccountID string
	SignerPublicKey string
}

// ProgressEvent is emitted for long-running requests (a signing batch),
// per spec.md §4.E's progress-event requirement.
type ProgressEvent struct {
	RequestID string
	Done      int
	Total     int
}

// Worker is the isolated signing host. Exactly one should exist per
// session; it holds no state between requests beyond its logger.
type Worker struct {
	logger zerolog.Logger
}

// New builds a Worker with its own zerolog sink.
func New() *Worker {
	return &Worker{logger: zerolog.New(zerolog.NewConsoleWriter()).With().
		Str("component", "signerworker").Timestamp().Logger()}
}

// NewWithLogger builds a Worker around a caller-supplied zerolog.Logger,
// e.g. to redirect output to a file or test buffer.
func NewWithLogger(logger zerolog.Logger) *Worker {
	return &Worker{logger: logger}
}

// newRequestID mints a request id for operations that don't carry one in
// from the host.
func newRequestID() string { return uuid.NewString() }

// verifyIntentDigest recomputes the digest of toSign and aborts with
// IntentMismatch if it doesn't match confirmedDigest, per spec.md §4.E's
// WYSIWYS guarantee. This is the single chokepoint every signing request
// type must pass through before touching key material.
func (w *Worker) verifyIntentDigest(ctx context.Context, requestID, confirmedDigest string, toSign []byte) error {
	recomputed := neartx.IntentDigest(toSign)
	if recomputed != confirmedDigest {
		w.logger.Error().
			Str("request_id", requestID).
			Str("confirmed", confirmedDigest).
			Str("recomputed", recomputed).
			Msg("intent digest mismatch: refusing to sign")
		return werrors.New(werrors.IntentMismatch, "recomputed intent digest does not match confirmed digest")
	}
	return nil
}
