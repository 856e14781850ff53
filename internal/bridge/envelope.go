// Package bridge implements the cross-origin Wallet RPC Bridge: a typed
// request/response envelope carried over either an in-process channel (the
// default, for a wallet engine embedded in the same process as its host)
// or a websocket (the genuinely cross-process case), per spec.md §4.J/§6.1.
package bridge

import "encoding/json"

// ProtocolVersion is advertised in every READY message, per spec.md
// §4.J's invariant that READY always carries it.
const ProtocolVersion = "1.0.0"

// MessageType names one entry in the Parent<->Wallet wire vocabulary.
type MessageType string

// Parent -> Wallet request types, spec.md §6.1.
const (
	TypeSetConfig                  MessageType = "PM_SET_CONFIG"
	TypeRegister                   MessageType = "PM_REGISTER"
	TypeLogin                      MessageType = "PM_LOGIN"
	TypeLogout                     MessageType = "PM_LOGOUT"
	TypeGetLoginSession            MessageType = "PM_GET_LOGIN_SESSION"
	TypeSignTxsWithActions         MessageType = "PM_SIGN_TXS_WITH_ACTIONS"
	TypeSignAndSendTxs             MessageType = "PM_SIGN_AND_SEND_TXS"
	TypeSendTransaction            MessageType = "PM_SEND_TRANSACTION"
	TypeExecuteAction              MessageType = "PM_EXECUTE_ACTION"
	TypeSignDelegateAction         MessageType = "PM_SIGN_DELEGATE_ACTION"
	TypeSignNep413                 MessageType = "PM_SIGN_NEP413"
	TypeExportNearKeypairUI        MessageType = "PM_EXPORT_NEAR_KEYPAIR_UI"
	TypeSetConfirmBehavior         MessageType = "PM_SET_CONFIRM_BEHAVIOR"
	TypeSetConfirmationConfig      MessageType = "PM_SET_CONFIRMATION_CONFIG"
	TypeGetConfirmationConfig      MessageType = "PM_GET_CONFIRMATION_CONFIG"
	TypeSetSignerMode              MessageType = "PM_SET_SIGNER_MODE"
	TypeLinkDeviceWithScannedQRData MessageType = "PM_LINK_DEVICE_WITH_SCANNED_QR_DATA"
	TypeStartDevice2LinkingFlow    MessageType = "PM_START_DEVICE2_LINKING_FLOW"
	TypeStartEmailRecovery         MessageType = "PM_START_EMAIL_RECOVERY"
	TypeFinalizeEmailRecovery      MessageType = "PM_FINALIZE_EMAIL_RECOVERY"
	TypeStopEmailRecovery          MessageType = "PM_STOP_EMAIL_RECOVERY"
	TypeCancel                     MessageType = "PM_CANCEL"

	// TypeGetAssertion and TypeCreateRegistration are not part of the
	// parent-facing surface; the wallet engine issues them to the host
	// page over the same envelope so a CredentialCollector can be
	// satisfied by a bridge round trip into browser WebAuthn APIs
	// without this package depending on a browser at all.
	TypeGetAssertion       MessageType = "WM_GET_ASSERTION"
	TypeCreateRegistration MessageType = "WM_CREATE_REGISTRATION"

	// TypeAssertionResult and TypeRegistrationResult are the host page's
	// replies to the two WM_* requests above, routed back to a
	// HostRoundTripCollector rather than through the ordinary request
	// dispatcher.
	TypeAssertionResult    MessageType = "WM_ASSERTION_RESULT"
	TypeRegistrationResult MessageType = "WM_REGISTRATION_RESULT"
)

// Wallet -> Parent types, spec.md §4.J/§6.1.
const (
	TypeReady              MessageType = "READY"
	TypePong               MessageType = "PONG"
	TypeProgress           MessageType = "PROGRESS"
	TypeResult             MessageType = "PM_RESULT"
	TypePreferencesChanged MessageType = "PREFERENCES_CHANGED"
	TypeError              MessageType = "ERROR"
)

// Envelope is the wire shape exchanged in both directions: {type,
// requestId, payload, options}. RequestID is empty for messages that are
// not request/response paired (READY, PONG, PREFERENCES_CHANGED).
type Envelope struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// ReadyPayload is the payload of a READY message.
type ReadyPayload struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// ProgressPayload reports one step of an in-flight request. Step/Phase
// track the confirm-flow state machine (spec.md §4.G's 8 states);
// Status is one of "started", "ok", "failed".
type ProgressPayload struct {
	Step    string      `json:"step"`
	Phase   string      `json:"phase"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ResultPayload is PM_RESULT's payload: exactly one per request, carrying
// either Result or Error but never both.
type ResultPayload struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload mirrors a werrors.Kind plus a human-readable message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PreferencesChangedPayload is broadcast whenever confirmation
// preferences change out of band (e.g. PM_SET_CONFIRMATION_CONFIG from a
// different tab sharing the same wallet origin).
type PreferencesChangedPayload struct {
	NearAccountID      string      `json:"nearAccountId"`
	ConfirmationConfig interface{} `json:"confirmationConfig"`
	SignerMode         interface{} `json:"signerMode"`
	UpdatedAt          int64       `json:"updatedAt"`
}
