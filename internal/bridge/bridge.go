package bridge

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/near-examples/passkey-wallet-engine/internal/confirmflow"
	"github.com/near-examples/passkey-wallet-engine/internal/offlineexport"
	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Bridge dispatches Envelopes arriving on a Transport to the Secure
// Confirm Flow (internal/confirmflow), the NEAR RPC client, and
// (for PM_REGISTER) the Relay Orchestrator's HTTP surface, replying with
// exactly one PM_RESULT per request plus PROGRESS events in between, per
// spec.md §4.J.
type Bridge struct {
	transport Transport
	flow      *confirmflow.Flow
	rpc       *nearrpc.Client
	relay     RelayClient
	logger    *logging.Logger
	responses ResponseRouter // optional: routes WM_* replies away from the request dispatcher

	// offline optionally backs PM_EXPORT_NEAR_KEYPAIR_UI. A Bridge built
	// without SetOfflineExport rejects that message type, same as any
	// other message kind this instance doesn't support.
	offline *offlineexport.Service

	// defaultRPID backs every request whose payload omits rpId, so a host
	// embedding a single wallet origin need not repeat it on every call.
	defaultRPID string

	mu       sync.Mutex
	sessions map[string]session // accountID -> current login session

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc // requestId -> cancel for an in-flight handler
}

type session struct {
	AccountID string
	PublicKey string
}

// New builds a Bridge. relay may be nil if this wallet engine instance
// never performs account registration (e.g. a bridge instance scoped to
// an already-registered session).
func New(transport Transport, flow *confirmflow.Flow, rpc *nearrpc.Client, relay RelayClient, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bridge{
		transport: transport,
		flow:      flow,
		rpc:       rpc,
		relay:     relay,
		logger:    logger,
		sessions:  make(map[string]session),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// SetResponseRouter wires a ResponseRouter (typically a
// HostRoundTripCollector sharing this Bridge's Transport) so that its
// WM_* replies are intercepted before reaching the request dispatcher.
func (b *Bridge) SetResponseRouter(r ResponseRouter) {
	b.responses = r
}

// SetDefaultRPID sets the relying-party id applied to a request whose
// payload leaves rpId empty.
func (b *Bridge) SetDefaultRPID(rpID string) {
	b.defaultRPID = rpID
}

// SetOfflineExport wires the offline export engine (internal/offlineexport)
// into this Bridge, enabling PM_EXPORT_NEAR_KEYPAIR_UI.
func (b *Bridge) SetOfflineExport(svc *offlineexport.Service) {
	b.offline = svc
}

func (b *Bridge) rpID(requested string) string {
	if requested != "" {
		return requested
	}
	return b.defaultRPID
}

// Run sends READY and then services incoming Envelopes until ctx is
// cancelled or the transport closes. Each request is handled in its own
// goroutine so a long-running confirm flow never blocks unrelated
// requests, matching spec.md §5's "distinct batches may run in parallel"
// note.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.sendReady(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-b.transport.Receive():
			if !ok {
				return nil
			}
			if b.responses != nil && b.responses.HandleResponse(env) {
				continue
			}
			go b.dispatch(ctx, env)
		}
	}
}

func (b *Bridge) sendReady(ctx context.Context) error {
	payload, _ := json.Marshal(ReadyPayload{ProtocolVersion: ProtocolVersion})
	return b.transport.Send(ctx, Envelope{Type: TypeReady, Payload: payload})
}

func (b *Bridge) dispatch(parentCtx context.Context, env Envelope) {
	if env.Type == TypeCancel {
		b.handleCancel(env)
		return
	}

	reqCtx, cancel := context.WithCancel(parentCtx)
	if env.RequestID != "" {
		b.cancelMu.Lock()
		b.cancels[env.RequestID] = cancel
		b.cancelMu.Unlock()
		defer func() {
			b.cancelMu.Lock()
			delete(b.cancels, env.RequestID)
			b.cancelMu.Unlock()
		}()
	}
	defer cancel()

	result, err := b.handle(reqCtx, env)
	b.sendResult(parentCtx, env.RequestID, result, err)
}

// handleCancel implements PM_CANCEL: an id cancels that request via the
// confirm flow's own Cancel plus this bridge's context, per spec.md
// §4.J; no id is a best-effort global cancel of everything in flight.
func (b *Bridge) handleCancel(env Envelope) {
	var payload struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(env.Payload, &payload)

	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if payload.RequestID != "" {
		if cancel, ok := b.cancels[payload.RequestID]; ok {
			cancel()
		}
		if b.flow != nil {
			b.flow.Cancel(payload.RequestID)
		}
		return
	}
	for id, cancel := range b.cancels {
		cancel()
		if b.flow != nil {
			b.flow.Cancel(id)
		}
	}
}

func (b *Bridge) sendResult(ctx context.Context, requestID string, result interface{}, err error) {
	payload := ResultPayload{OK: err == nil}
	if err != nil {
		kind := werrors.Classify(err)
		payload.Error = &ErrorPayload{Code: string(kind), Message: err.Error()}
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			payload.OK = false
			payload.Error = &ErrorPayload{Code: string(werrors.Unknown), Message: "encode result: " + merr.Error()}
		} else {
			payload.Result = raw
		}
	}
	raw, _ := json.Marshal(payload)
	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := b.transport.Send(sendCtx, Envelope{Type: TypeResult, RequestID: requestID, Payload: raw}); serr != nil {
		b.logger.WithField("request_id", requestID).Warn("bridge result delivery failed: " + serr.Error())
	}
	_ = ctx
}

func (b *Bridge) progress(ctx context.Context, requestID, step, phase, status string) {
	if requestID == "" {
		return
	}
	raw, _ := json.Marshal(ProgressPayload{Step: step, Phase: phase, Status: status})
	_ = b.transport.Send(ctx, Envelope{Type: TypeProgress, RequestID: requestID, Payload: raw})
}

func (b *Bridge) handle(ctx context.Context, env Envelope) (interface{}, error) {
	switch env.Type {
	case TypeLogin:
		return b.handleLogin(env)
	case TypeLogout:
		return b.handleLogout(env)
	case TypeGetLoginSession:
		return b.handleGetLoginSession(env)
	case TypeRegister:
		return b.handleRegister(ctx, env)
	case TypeSignTxsWithActions:
		return b.handleSignTxs(ctx, env, false)
	case TypeSignAndSendTxs:
		return b.handleSignTxs(ctx, env, true)
	case TypeSendTransaction:
		return b.handleSendTransaction(ctx, env)
	case TypeExecuteAction:
		return b.handleExecuteAction(ctx, env)
	case TypeSignNep413:
		return b.handleSignNep413(ctx, env)
	case TypeSignDelegateAction:
		return b.handleSignDelegateAction(ctx, env)
	case TypeSetConfig, TypeSetConfirmBehavior, TypeSetConfirmationConfig, TypeSetSignerMode:
		// Process-wide wallet configuration is owned by whatever host
		// wired this Bridge's confirmflow.Flow; acknowledging here keeps
		// the parent's request/response contract intact without this
		// package re-implementing configuration storage.
		return map[string]bool{"accepted": true}, nil
	case TypeGetConfirmationConfig:
		return map[string]string{"uiMode": "", "behavior": ""}, nil
	case TypeExportNearKeypairUI:
		return b.handleExportNearKeypairUI(ctx, env)
	case TypeLinkDeviceWithScannedQRData, TypeStartDevice2LinkingFlow,
		TypeStartEmailRecovery, TypeFinalizeEmailRecovery, TypeStopEmailRecovery:
		return nil, werrors.New(werrors.InvalidInput, "message type not supported by this bridge instance: "+string(env.Type))
	default:
		return nil, werrors.New(werrors.InvalidInput, "unknown bridge message type: "+string(env.Type))
	}
}

type loginPayload struct {
	NearAccountID string `json:"nearAccountId"`
}

func (b *Bridge) handleLogin(env Envelope) (interface{}, error) {
	var p loginPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NearAccountID == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_LOGIN requires nearAccountId")
	}
	b.mu.Lock()
	b.sessions[p.NearAccountID] = session{AccountID: p.NearAccountID}
	b.mu.Unlock()
	return map[string]string{"nearAccountId": p.NearAccountID}, nil
}

func (b *Bridge) handleLogout(env Envelope) (interface{}, error) {
	var p loginPayload
	_ = json.Unmarshal(env.Payload, &p)
	b.mu.Lock()
	delete(b.sessions, p.NearAccountID)
	b.mu.Unlock()
	return map[string]bool{"loggedOut": true}, nil
}

func (b *Bridge) handleGetLoginSession(env Envelope) (interface{}, error) {
	var p loginPayload
	_ = json.Unmarshal(env.Payload, &p)
	b.mu.Lock()
	s, ok := b.sessions[p.NearAccountID]
	b.mu.Unlock()
	if !ok {
		return map[string]interface{}{"nearAccountId": nil}, nil
	}
	return map[string]string{"nearAccountId": s.AccountID, "publicKey": s.PublicKey}, nil
}

type registerPayload struct {
	NearAccountID string `json:"nearAccountId"`
	RPID          string `json:"rpId"`
}

func (b *Bridge) handleRegister(ctx context.Context, env Envelope) (interface{}, error) {
	var p registerPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NearAccountID == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_REGISTER requires nearAccountId")
	}
	b.progress(ctx, env.RequestID, "Classify", "registration", "started")

	result, err := b.flow.Run(ctx, confirmflow.Request{
		RequestID:           env.RequestID,
		Kind:                confirmflow.KindRegistration,
		AccountID:           p.NearAccountID,
		RPID:                b.rpID(p.RPID),
		RegistrationOptions: passkey.RegistrationOptions{RPID: b.rpID(p.RPID), UserID: []byte(p.NearAccountID)},
	})
	if err != nil {
		return nil, err
	}
	b.progress(ctx, env.RequestID, "HandoffToWorker", "registration", "ok")

	if b.relay == nil {
		return map[string]interface{}{"publicKey": result.Registration.PublicKey.String()}, nil
	}

	relayRes, err := b.relay.CreateAccountAndRegisterUser(ctx, RelayRegisterRequest{
		NewAccountID:         p.NearAccountID,
		NewPublicKey:         result.Registration.PublicKey.String(),
		WebAuthnRegistration: result.Registration.Credential,
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.sessions[p.NearAccountID] = session{AccountID: p.NearAccountID, PublicKey: result.Registration.PublicKey.String()}
	b.mu.Unlock()
	return map[string]interface{}{
		"success":         relayRes.Success,
		"transactionHash": relayRes.TransactionHash,
		"publicKey":       result.Registration.PublicKey.String(),
	}, nil
}

type signTxsPayload struct {
	NearAccountID string                 `json:"nearAccountId"`
	PublicKey     string                 `json:"publicKey"`
	RPID          string                 `json:"rpId"`
	Transactions  []wireTransactionInput `json:"transactions"`
	EncryptedKey  wireEncryptedKey       `json:"encryptedKey"`
	WaitUntil     string                 `json:"waitUntil"`
}

type wireTransactionInput struct {
	ReceiverID string            `json:"receiverId"`
	Actions    []json.RawMessage `json:"actions"`
}

type wireEncryptedKey struct {
	CipherTextB64U  string `json:"cipherTextB64U"`
	IVB64U          string `json:"ivB64U"`
	WrapKeySaltB64U string `json:"wrapKeySaltB64U"`
}

func (b *Bridge) handleSignTxs(ctx context.Context, env Envelope, broadcast bool) (interface{}, error) {
	var p signTxsPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "decode sign request", err)
	}
	if p.NearAccountID == "" || p.PublicKey == "" || len(p.Transactions) == 0 {
		return nil, werrors.New(werrors.InvalidInput, "signing request requires nearAccountId, publicKey and transactions")
	}

	inputs, err := decodeTransactionInputs(p.Transactions)
	if err != nil {
		return nil, err
	}
	encryptedKey, err := p.EncryptedKey.decode()
	if err != nil {
		return nil, err
	}

	b.progress(ctx, env.RequestID, "FetchContext", "signing", "started")
	result, err := b.flow.Run(ctx, confirmflow.Request{
		RequestID:    env.RequestID,
		Kind:         confirmflow.KindSigning,
		AccountID:    p.NearAccountID,
		PublicKey:    p.PublicKey,
		RPID:         b.rpID(p.RPID),
		Inputs:       inputs,
		EncryptedKey: encryptedKey,
	})
	if err != nil {
		return nil, err
	}
	b.progress(ctx, env.RequestID, "HandoffToWorker", "signing", "ok")

	if !broadcast {
		return map[string]interface{}{"signedTransactions": encodeSignedTransactions(result.SignedTransactions)}, nil
	}

	waitUntil := nearrpc.WaitUntil(p.WaitUntil)
	hashes := make([]string, 0, len(result.SignedTransactions))
	for _, tx := range result.SignedTransactions {
		sendRes, serr := b.rpc.SendTransaction(ctx, tx.BorshBytes, waitUntil)
		if serr != nil {
			return nil, serr
		}
		if !sendRes.Succeeded() {
			return nil, werrors.New(werrors.RpcFatal, "transaction execution failed: "+sendRes.FailureRaw)
		}
		hashes = append(hashes, sendRes.TransactionHash)
	}
	return map[string]interface{}{"transactionHashes": hashes}, nil
}

func (b *Bridge) handleSendTransaction(ctx context.Context, env Envelope) (interface{}, error) {
	var p struct {
		SignedTransactionB64U string `json:"signedTransaction"`
		WaitUntil             string `json:"waitUntil"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.SignedTransactionB64U == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_SEND_TRANSACTION requires signedTransaction")
	}
	raw, err := base64.RawURLEncoding.DecodeString(p.SignedTransactionB64U)
	if err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "decode signedTransaction", err)
	}
	res, err := b.rpc.SendTransaction(ctx, raw, nearrpc.WaitUntil(p.WaitUntil))
	if err != nil {
		return nil, err
	}
	if !res.Succeeded() {
		return nil, werrors.New(werrors.RpcFatal, "transaction execution failed: "+res.FailureRaw)
	}
	return map[string]string{"transactionHash": res.TransactionHash}, nil
}

type executeActionPayload struct {
	NearAccountID string           `json:"nearAccountId"`
	PublicKey     string           `json:"publicKey"`
	RPID          string           `json:"rpId"`
	ReceiverID    string           `json:"receiverId"`
	ActionArgs    json.RawMessage  `json:"actionArgs"`
	EncryptedKey  wireEncryptedKey `json:"encryptedKey"`
}

func (b *Bridge) handleExecuteAction(ctx context.Context, env Envelope) (interface{}, error) {
	var p executeActionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NearAccountID == "" || p.ReceiverID == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_EXECUTE_ACTION requires nearAccountId and receiverId")
	}
	action, err := decodeAction(p.ActionArgs)
	if err != nil {
		return nil, err
	}
	encryptedKey, err := p.EncryptedKey.decode()
	if err != nil {
		return nil, err
	}
	result, err := b.flow.Run(ctx, confirmflow.Request{
		RequestID:    env.RequestID,
		Kind:         confirmflow.KindSigning,
		AccountID:    p.NearAccountID,
		PublicKey:    p.PublicKey,
		RPID:         b.rpID(p.RPID),
		Inputs:       []neartx.TransactionInput{{ReceiverId: neartx.AccountId(p.ReceiverID), Actions: []neartx.Action{action}}},
		EncryptedKey: encryptedKey,
	})
	if err != nil {
		return nil, err
	}
	sendRes, err := b.rpc.SendTransaction(ctx, result.SignedTransactions[0].BorshBytes, nearrpc.WaitFinal)
	if err != nil {
		return nil, err
	}
	if !sendRes.Succeeded() {
		return nil, werrors.New(werrors.RpcFatal, "transaction execution failed: "+sendRes.FailureRaw)
	}
	return map[string]string{"transactionHash": sendRes.TransactionHash}, nil
}

// handleSignNep413 and handleSignDelegateAction cover off-chain/relayer-
// nonce-independent signing: they collect a credential and decrypt the
// caller's key exactly as KindSigning does, but bypass nonce reservation
// since neither produces a NEAR access-key transaction.
func (b *Bridge) handleSignNep413(ctx context.Context, env Envelope) (interface{}, error) {
	var p struct {
		NearAccountID string           `json:"nearAccountId"`
		RPID          string           `json:"rpId"`
		Message       string           `json:"message"`
		Recipient     string           `json:"recipient"`
		CallbackURL   string           `json:"callbackUrl"`
		EncryptedKey  wireEncryptedKey `json:"encryptedKey"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NearAccountID == "" || p.Message == "" || p.Recipient == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_SIGN_NEP413 requires nearAccountId, message and recipient")
	}
	priv, assertion, prf, err := b.collectLocalCredential(ctx, p.NearAccountID, b.rpID(p.RPID), p.EncryptedKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv)

	payload := signerworker.Nep413Payload{
		Message:     p.Message,
		Recipient:   p.Recipient,
		Nonce:       nep413Nonce(),
		CallbackURL: p.CallbackURL,
	}
	env413 := signerworker.ConfirmationEnvelope{
		RequestID:       env.RequestID,
		ConfirmedDigest: signerworker.ConfirmedNep413Digest(payload),
		Assertion:       assertion,
		PRF:             prf,
		SignerAccountID: p.NearAccountID,
	}
	sig, err := b.flow.Signer.SignNep413Message(ctx, env413, priv, payload)
	if err != nil {
		return nil, err
	}
	return map[string]string{"signatureB64U": base64.RawURLEncoding.EncodeToString(sig.Data)}, nil
}

func (b *Bridge) handleSignDelegateAction(ctx context.Context, env Envelope) (interface{}, error) {
	var p struct {
		NearAccountID  string           `json:"nearAccountId"`
		RPID           string           `json:"rpId"`
		ReceiverID     string           `json:"receiverId"`
		ActionArgs     json.RawMessage  `json:"actionArgs"`
		MaxBlockHeight uint64           `json:"maxBlockHeight"`
		Nonce          uint64           `json:"nonce"`
		EncryptedKey   wireEncryptedKey `json:"encryptedKey"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NearAccountID == "" || p.ReceiverID == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_SIGN_DELEGATE_ACTION requires nearAccountId and receiverId")
	}
	action, err := decodeAction(p.ActionArgs)
	if err != nil {
		return nil, err
	}
	priv, assertion, prf, err := b.collectLocalCredential(ctx, p.NearAccountID, b.rpID(p.RPID), p.EncryptedKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv)

	delegate := neartx.DelegateAction{
		SenderId:       neartx.AccountId(p.NearAccountID),
		ReceiverId:     neartx.AccountId(p.ReceiverID),
		Actions:        []neartx.Action{action},
		Nonce:          p.Nonce,
		MaxBlockHeight: p.MaxBlockHeight,
		PublicKey:      neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: append([]byte(nil), priv.Public().(ed25519.PublicKey)...)},
	}
	digest, err := signerworker.ConfirmedDelegateActionDigest(delegate)
	if err != nil {
		return nil, err
	}
	env414 := signerworker.ConfirmationEnvelope{RequestID: env.RequestID, ConfirmedDigest: digest, Assertion: assertion, PRF: prf, SignerAccountID: p.NearAccountID}
	signed, err := b.flow.Signer.SignDelegateAction(ctx, env414, priv, delegate)
	if err != nil {
		return nil, err
	}
	hash, err := signed.DelegateAction.Hash()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"signature":          signed.Signature.String(),
		"delegateActionHash": base64.RawURLEncoding.EncodeToString(hash[:]),
	}, nil
}

// handleExportNearKeypairUI drives spec.md §4.I's reveal flow: decrypt
// (or, on a missing/AEAD-mismatched local record, passkey-recover) the
// caller's private key for display in the offline export UI.
func (b *Bridge) handleExportNearKeypairUI(ctx context.Context, env Envelope) (interface{}, error) {
	if b.offline == nil {
		return nil, werrors.New(werrors.InvalidInput, "PM_EXPORT_NEAR_KEYPAIR_UI not supported by this bridge instance")
	}
	var p struct {
		NearAccountID string `json:"nearAccountId"`
		DeviceNumber  int    `json:"deviceNumber"`
		RPID          string `json:"rpId"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.NearAccountID == "" {
		return nil, werrors.New(werrors.InvalidInput, "PM_EXPORT_NEAR_KEYPAIR_UI requires nearAccountId")
	}
	if p.DeviceNumber == 0 {
		p.DeviceNumber = 1
	}
	result, err := b.offline.Reveal(ctx, offlineexport.RevealRequest{
		AccountID:    p.NearAccountID,
		DeviceNumber: p.DeviceNumber,
		RPID:         b.rpID(p.RPID),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"privateKey": result.PrivateKey,
		"publicKey":  result.PublicKey,
		"recovered":  result.Recovered,
	}, nil
}
