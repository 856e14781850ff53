package confirmflow

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/near-examples/passkey-wallet-engine/internal/noncemgr"
	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/internal/vrfworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// jitRefreshAttempts and jitRefreshBackoff implement spec.md §4.G's JIT
// VRF refresh: up to 3 attempts, 150ms linear backoff between them
// (150ms, then 300ms), before JITRefreshVRF gives up and the request
// fails rather than sign against a stale block.
const jitRefreshAttempts = 3

var jitRefreshBackoff = 150 * time.Millisecond

// TransactionSummary is the WYSIWYS-rendered view of one proposed
// transaction: the fields RenderUI shows the user, derived directly from
// the same TransactionInput the signer worker will sign, never from a
// separate display-only representation.
type TransactionSummary struct {
	ReceiverID string
	Actions    []neartx.ActionSummary
}

// ConfirmFunc renders one or more TransactionSummary values and the
// intent digest the user is being asked to approve, returning whether
// they approved. Under BehaviorAutoProceed it is still invoked (so the
// caller can render something) but RenderUI does not block on its
// return value past AutoProceedDelay.
type ConfirmFunc func(ctx context.Context, summaries []TransactionSummary, intentDigest string) (approved bool, err error)

// CredentialCollector performs the WebAuthn ceremony for CollectCredential.
// Implementations live at the system boundary; see passkey.CredentialAdapter.
type CredentialCollector interface {
	GetAssertion(opts passkey.AssertionOptions) (passkey.AssertionResult, error)
	CreateRegistration(opts passkey.RegistrationOptions) (passkey.RegistrationResult, error)
}

// Request is one pass through the flow.
type Request struct {
	RequestID string // defaulted to a fresh uuid if empty
	Kind      RequestKind

	AccountID string
	PublicKey string // base58-prefixed NEAR public key, e.g. "ed25519:..."
	RPID      string

	// Signing-only.
	Inputs []neartx.TransactionInput

	// Registration-only: the PRF.second-derived NEAR keypair's
	// encrypted-at-rest blob is produced as a side effect and returned
	// in Result; the caller persists it.
	RegistrationOptions passkey.RegistrationOptions

	Config  SignerMode
	Confirm ConfirmFunc

	// EncryptedKey and decrypted signing material for an existing
	// account (Signing only); Registration derives its own from PRF.
	EncryptedKey signerworker.EncryptedKeyMaterial
}

// Result is what a successful Run returns.
type Result struct {
	RequestID          string
	SignedTransactions []neartx.SignedTransaction
	Registration       *RegistrationOutcome

	// DecryptedPrivateKey is set only for KindDecryptPrivateKey, in NEAR's
	// "ed25519:<base58>" textual form. The caller is responsible for
	// discarding it as soon as it has been displayed.
	DecryptedPrivateKey string
}

// RegistrationOutcome carries the newly minted key material a
// Registration request produced, for the caller to persist.
type RegistrationOutcome struct {
	PublicKey           neartx.PublicKey
	EncryptedVrfKeypair []byte
	Credential          passkey.SerializedCredential
}

// active tracks one in-flight request for Cancel.
type active struct {
	cancel     context.CancelFunc
	accountID  string
	publicKey  string
	reservedAt bool
	reserved   []uint64
}

// Flow drives requests through the 8-state machine, coordinating the
// nonce manager, VRF worker, signer worker, and a credential collector.
// One Flow is typically shared by every request in a wallet-engine
// session.
type Flow struct {
	Nonces      *noncemgr.Manager
	VRF         *vrfworker.Worker
	Signer      *signerworker.Worker
	Credentials CredentialCollector
	Logger      *logging.Logger

	defaultConfig ConfirmationConfig

	mu     sync.Mutex
	active map[string]*active
}

// New builds a Flow. defaultConfig is the process-wide ConfirmationConfig
// a Request's SignerMode falls back to absent a per-call or session
// override.
func New(nonces *noncemgr.Manager, vrf *vrfworker.Worker, signer *signerworker.Worker, credentials CredentialCollector, defaultConfig ConfirmationConfig, logger *logging.Logger) *Flow {
	if logger == nil {
		logger = logging.Default()
	}
	return &Flow{
		Nonces:        nonces,
		VRF:           vrf,
		Signer:        signer,
		Credentials:   credentials,
		Logger:        logger,
		defaultConfig: defaultConfig,
		active:        make(map[string]*active),
	}
}

// Cancel aborts an in-flight request, per spec.md §4.G: any state may
// observe cancellation and unwind to Terminate, releasing every nonce it
// had reserved.
func (f *Flow) Cancel(requestID string) {
	f.mu.Lock()
	a, ok := f.active[requestID]
	f.mu.Unlock()
	if ok {
		a.cancel()
	}
}

// Run drives req through Classify -> ... -> Terminate and returns the
// signed result, or an error classified via werrors (UserCancelled on
// cancellation, IntentMismatch on a WYSIWYS failure, etc).
func (f *Flow) Run(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	cfg := req.Config.Resolve()
	if cfg.UIMode == "" && cfg.Behavior == "" {
		cfg = f.defaultConfig
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &active{cancel: cancel, accountID: req.AccountID, publicKey: req.PublicKey}
	f.mu.Lock()
	f.active[req.RequestID] = a
	f.mu.Unlock()

	var runErr error
	defer func() {
		f.mu.Lock()
		delete(f.active, req.RequestID)
		f.mu.Unlock()
		cancel()
		if runErr != nil && a.reservedAt {
			// Release each reservation individually rather than a single
			// ReleaseAllNonces call, so a backing-store failure on one
			// nonce doesn't hide a failure on another; release always
			// runs to completion even though runCtx may already be
			// cancelled.
			var releaseErrs []error
			for _, nonce := range a.reserved {
				if err := f.Nonces.ReleaseNonce(context.Background(), req.AccountID, req.PublicKey, nonce); err != nil {
					releaseErrs = append(releaseErrs, err)
				}
			}
			if err := releaseAllOnMultiError(releaseErrs...); err != nil {
				f.Logger.WithField("request_id", req.RequestID).Warn("releasing reserved nonces after failure: " + err.Error())
			}
		}
	}()

	result, err := f.run(runCtx, req, cfg, a)
	runErr = err
	return result, err
}

func (f *Flow) run(ctx context.Context, req Request, cfg ConfirmationConfig, a *active) (*Result, error) {
	// --- Classify ---
	kind, err := classify(req)
	if err != nil {
		return nil, err
	}
	req.Kind = kind

	// --- FetchContext ---
	var txCtx noncemgr.TxContext
	var reserved []uint64
	if kind == KindSigning {
		txCtx, err = f.Nonces.GetContext(ctx, req.AccountID, req.PublicKey, false)
		if err != nil && werrors.Classify(err) != werrors.Stale {
			return nil, err
		}
		reserved, err = f.Nonces.ReserveNonces(ctx, req.AccountID, req.PublicKey, len(req.Inputs))
		if err != nil {
			return nil, err
		}
		a.reservedAt = true
		a.reserved = reserved
	} else if kind == KindRegistration {
		height, hash, berr := f.Nonces.CurrentBlock(ctx)
		if berr != nil {
			return nil, berr
		}
		txCtx = noncemgr.TxContext{BlockHeight: height, BlockHash: hash}
	}

	// --- InitialVrfChallenge ---
	var challenge vrfworker.VRFChallenge
	switch kind {
	case KindSigning:
		challenge, err = f.VRF.GenerateVrfChallenge(req.AccountID, req.RPID, txCtx.BlockHeight, txCtx.BlockHash)
	case KindRegistration, KindDecryptPrivateKey:
		challenge, err = f.VRF.GenerateEphemeralVrfChallenge(req.AccountID, req.RPID, txCtx.BlockHeight, txCtx.BlockHash)
	}
	if err != nil {
		return nil, err
	}

	// --- RenderUI ---
	approved, err := f.renderUI(ctx, req, cfg, challenge)
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, werrors.New(werrors.UserCancelled, "user did not confirm the request")
	}

	// --- JITRefreshVRF ---
	// The user may have taken an arbitrary amount of time approving the
	// request in RenderUI; re-bind the challenge to a current block
	// immediately before the real WebAuthn ceremony runs, rather than
	// risk signing against a stale blockHash.
	if kind == KindSigning || kind == KindRegistration {
		txCtx, challenge, err = f.jitRefresh(ctx, req, kind, txCtx)
		if err != nil {
			return nil, err
		}
	}

	// --- CollectCredential ---
	credResult, prf, err := f.collectCredential(ctx, req, challenge)
	if err != nil {
		return nil, err
	}

	// --- HandoffToWorker ---
	result, err := f.handoff(ctx, req, txCtx, reserved, challenge, credResult, prf)
	if err != nil {
		return nil, err
	}

	// --- Terminate ---
	if kind == KindSigning {
		if uerr := f.Nonces.UpdateNonceFromBlockchain(ctx, req.AccountID, req.PublicKey); uerr != nil {
			f.Logger.WithField("request_id", req.RequestID).Warn("post-broadcast nonce reconciliation failed: " + uerr.Error())
		}
		a.reservedAt = false
	}
	return result, nil
}

func classify(req Request) (RequestKind, error) {
	switch req.Kind {
	case KindLocalOnly, KindRegistration:
		return req.Kind, nil
	case KindSigning:
		if len(req.Inputs) == 0 {
			return "", werrors.New(werrors.InvalidInput, "signing request has no transactions")
		}
		return KindSigning, nil
	case KindDecryptPrivateKey:
		if len(req.EncryptedKey.Ciphertext) == 0 {
			return "", werrors.New(werrors.MissingKeyMaterial, "decrypt request has no encrypted key material")
		}
		return KindDecryptPrivateKey, nil
	default:
		return "", werrors.New(werrors.InvalidInput, "unsupported confirm-flow request kind")
	}
}

// jitRefresh re-fetches (for Signing) the current block context and mints
// a fresh challenge bound to it, retrying up to jitRefreshAttempts times
// with linear backoff if either step fails. The first attempt uses the
// nonce manager's normal freshness window (cheap, usually a cache hit);
// later attempts force a refresh.
func (f *Flow) jitRefresh(ctx context.Context, req Request, kind RequestKind, txCtx noncemgr.TxContext) (noncemgr.TxContext, vrfworker.VRFChallenge, error) {
	var lastErr error
	for attempt := 1; attempt <= jitRefreshAttempts; attempt++ {
		cur := txCtx
		if kind == KindSigning {
			var err error
			cur, err = f.Nonces.GetContext(ctx, req.AccountID, req.PublicKey, attempt > 1)
			if err != nil && werrors.Classify(err) != werrors.Stale {
				lastErr = err
				if waitErr := f.waitBackoff(ctx, attempt); waitErr != nil {
					return noncemgr.TxContext{}, vrfworker.VRFChallenge{}, waitErr
				}
				continue
			}
		} else if attempt > 1 {
			height, hash, err := f.Nonces.CurrentBlock(ctx)
			if err != nil {
				lastErr = err
				if waitErr := f.waitBackoff(ctx, attempt); waitErr != nil {
					return noncemgr.TxContext{}, vrfworker.VRFChallenge{}, waitErr
				}
				continue
			}
			cur = noncemgr.TxContext{BlockHeight: height, BlockHash: hash}
		}

		var challenge vrfworker.VRFChallenge
		var err error
		if kind == KindSigning {
			challenge, err = f.VRF.GenerateVrfChallenge(req.AccountID, req.RPID, cur.BlockHeight, cur.BlockHash)
		} else {
			challenge, err = f.VRF.GenerateEphemeralVrfChallenge(req.AccountID, req.RPID, cur.BlockHeight, cur.BlockHash)
		}
		if err == nil {
			return cur, challenge, nil
		}
		lastErr = err
		if waitErr := f.waitBackoff(ctx, attempt); waitErr != nil {
			return noncemgr.TxContext{}, vrfworker.VRFChallenge{}, waitErr
		}
	}
	return noncemgr.TxContext{}, vrfworker.VRFChallenge{}, werrors.Wrap(werrors.RpcTransient, "JIT VRF refresh exhausted retries", lastErr)
}

func (f *Flow) waitBackoff(ctx context.Context, attempt int) error {
	if attempt >= jitRefreshAttempts {
		return nil
	}
	select {
	case <-ctx.Done():
		return werrors.Wrap(werrors.UserCancelled, "JIT VRF refresh cancelled", ctx.Err())
	case <-time.After(time.Duration(attempt) * jitRefreshBackoff):
		return nil
	}
}

func (f *Flow) renderUI(ctx context.Context, req Request, cfg ConfirmationConfig, challenge vrfworker.VRFChallenge) (bool, error) {
	summaries := make([]TransactionSummary, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		summaries = append(summaries, TransactionSummary{ReceiverID: string(in.ReceiverId), Actions: neartx.SummarizeActions(in.Actions)})
	}
	digestPayload := make([]byte, 0, 256)
	for _, in := range req.Inputs {
		digestPayload = append(digestPayload, neartx.CanonicalIntentPayload(neartx.AccountId(req.AccountID), in)...)
	}
	digest := neartx.IntentDigest(digestPayload)

	if cfg.UIMode == UIModeSkip {
		return true, nil
	}
	if req.Confirm == nil {
		return false, werrors.New(werrors.InvalidInput, "RenderUI requires a ConfirmFunc when UIMode is not skip")
	}

	if cfg.Behavior == BehaviorAutoProceed {
		resultCh := make(chan bool, 1)
		errCh := make(chan error, 1)
		go func() {
			ok, err := req.Confirm(ctx, summaries, digest)
			if err != nil {
				errCh <- err
				return
			}
			resultCh <- ok
		}()
		select {
		case ok := <-resultCh:
			return ok, nil
		case err := <-errCh:
			return false, err
		case <-time.After(cfg.autoProceedDelay()):
			return true, nil
		case <-ctx.Done():
			return false, werrors.Wrap(werrors.UserCancelled, "RenderUI cancelled", ctx.Err())
		}
	}

	popupCtx, cancel := context.WithTimeout(ctx, cfg.popupTimeout())
	defer cancel()
	ok, err := req.Confirm(popupCtx, summaries, digest)
	if err != nil {
		if popupCtx.Err() != nil {
			return false, werrors.Wrap(werrors.UserCancelled, "confirmation timed out", popupCtx.Err())
		}
		return false, err
	}
	return ok, nil
}

func (f *Flow) collectCredential(ctx context.Context, req Request, challenge vrfworker.VRFChallenge) (passkey.SerializedCredential, passkey.PRFOutputs, error) {
	if req.Kind == KindRegistration {
		opts := req.RegistrationOptions
		opts.RPID = req.RPID
		opts.Challenge = challenge.Output
		reg, err := f.Credentials.CreateRegistration(opts)
		if err == nil {
			if perr := passkey.RequirePRF(reg.PRFSupported); perr != nil {
				return passkey.SerializedCredential{}, passkey.PRFOutputs{}, perr
			}
			return passkey.SerializeRegistration(reg, true), reg.PRF, nil
		}
		if err == passkey.ErrCredentialExcluded {
			opts.DeviceNumber++
			reg, err = f.Credentials.CreateRegistration(opts)
			if err != nil {
				return passkey.SerializedCredential{}, passkey.PRFOutputs{}, classifyCredentialError(err)
			}
			if perr := passkey.RequirePRF(reg.PRFSupported); perr != nil {
				return passkey.SerializedCredential{}, passkey.PRFOutputs{}, perr
			}
			return passkey.SerializeRegistration(reg, true), reg.PRF, nil
		}
		return passkey.SerializedCredential{}, passkey.PRFOutputs{}, classifyCredentialError(err)
	}

	assertion, err := f.Credentials.GetAssertion(passkey.AssertionOptions{
		RPID:      req.RPID,
		Challenge: challenge.Output,
	})
	if err != nil {
		return passkey.SerializedCredential{}, passkey.PRFOutputs{}, classifyCredentialError(err)
	}
	if perr := passkey.RequirePRF(assertion.PRFSupported); perr != nil {
		return passkey.SerializedCredential{}, passkey.PRFOutputs{}, perr
	}
	return passkey.SerializeAuthentication(assertion, true), assertion.PRF, nil
}

func classifyCredentialError(err error) error {
	if err == passkey.ErrCeremonyCancelled {
		return werrors.Wrap(werrors.UserCancelled, "authenticator ceremony cancelled", err)
	}
	return werrors.Wrap(werrors.Unknown, "credential ceremony failed", err)
}

func (f *Flow) handoff(ctx context.Context, req Request, txCtx noncemgr.TxContext, reserved []uint64, challenge vrfworker.VRFChallenge, cred passkey.SerializedCredential, prf passkey.PRFOutputs) (*Result, error) {
	switch req.Kind {
	case KindLocalOnly:
		return &Result{RequestID: req.RequestID}, nil

	case KindRegistration:
		pub, priv, err := f.Signer.DeriveNearKeypairFromCosePrf(prf.Second)
		if err != nil {
			return nil, err
		}
		defer zeroPriv(priv)
		_, encryptedVrf, err := f.VRF.DeriveVrfKeypairFromPrf(req.AccountID, req.RPID, txCtx.BlockHeight, txCtx.BlockHash, prf.First)
		if err != nil {
			return nil, err
		}
		return &Result{
			RequestID: req.RequestID,
			Registration: &RegistrationOutcome{
				PublicKey:           neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pub},
				EncryptedVrfKeypair: encryptedVrf,
				Credential:          cred,
			},
		}, nil

	case KindSigning:
		digestPayload := make([]byte, 0, 256)
		for _, in := range req.Inputs {
			digestPayload = append(digestPayload, neartx.CanonicalIntentPayload(neartx.AccountId(req.AccountID), in)...)
		}
		priv, err := f.Signer.DecryptPrivateKeyWithPrf(prf.First, req.EncryptedKey.WrapKeySalt, req.EncryptedKey)
		if err != nil {
			return nil, err
		}
		defer zeroPriv(priv)
		pubBytes := priv.Public().(ed25519.PublicKey)

		env := signerworker.ConfirmationEnvelope{
			RequestID:       req.RequestID,
			ConfirmedDigest: neartx.IntentDigest(digestPayload),
			VrfChallenge:    challenge.Proof,
			Assertion:       cred,
			PRF:             prf,
			ReservedNonces:  reserved,
			BlockHeight:     txCtx.BlockHeight,
			BlockHash:       txCtx.BlockHash,
			EncryptedKey:    req.EncryptedKey,
			SignerAccountID: req.AccountID,
			SignerPublicKey: req.PublicKey,
		}
		signed, err := f.Signer.SignTransactionsWithActions(ctx, env, neartx.AccountId(req.AccountID),
			neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: pubBytes}, priv, req.Inputs, nil)
		if err != nil {
			return nil, err
		}
		return &Result{RequestID: req.RequestID, SignedTransactions: signed}, nil

	case KindDecryptPrivateKey:
		priv, err := f.Signer.DecryptPrivateKeyWithPrf(prf.First, req.EncryptedKey.WrapKeySalt, req.EncryptedKey)
		if err != nil {
			return nil, err
		}
		defer zeroPriv(priv)
		return &Result{RequestID: req.RequestID, DecryptedPrivateKey: neartx.PrivateKeyString(priv)}, nil
	}
	return nil, werrors.New(werrors.InvalidInput, "unsupported confirm-flow request kind at handoff")
}

func zeroPriv(priv ed25519.PrivateKey) {
	for i := range priv {
		priv[i] = 0
	}
}

// releaseAllOnMultiError aggregates nonce-release failures across a
// cancelled batch without masking any of them, per spec.md §4.G and
// DESIGN.md's note on this package's use of go-multierror.
func releaseAllOnMultiError(errs ...error) error {
	var merr *multierror.Error
	for _, e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	if merr == nil {
		return nil
	}
	return merr.ErrorOrNil()
}
