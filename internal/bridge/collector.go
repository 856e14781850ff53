package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// ResponseRouter intercepts an inbound Envelope before it reaches the
// request dispatcher. It returns true if it consumed the envelope (a
// reply to an earlier WM_* request this package itself issued), false if
// Bridge should dispatch it as an ordinary parent-originated request.
type ResponseRouter interface {
	HandleResponse(env Envelope) bool
}

// wmAssertionPayload/wmRegistrationPayload are the wire shapes of a
// WM_GET_ASSERTION/WM_CREATE_REGISTRATION request the engine sends to the
// host page, and of the WM_ASSERTION_RESULT/WM_REGISTRATION_RESULT reply
// the host sends back once the browser's WebAuthn ceremony completes.
type wmAssertionPayload struct {
	RPID             string   `json:"rpId"`
	ChallengeB64U    string   `json:"challengeB64U"`
	AllowCredIDsB64U []string `json:"allowCredIdsB64U,omitempty"`
	PRFFirstB64U     string   `json:"prfFirstB64U,omitempty"`
	PRFSecondB64U    string   `json:"prfSecondB64U,omitempty"`
	UserVerification string   `json:"userVerification,omitempty"`
}

type wmRegistrationPayload struct {
	RPID            string   `json:"rpId"`
	RPName          string   `json:"rpName"`
	UserIDB64U      string   `json:"userIdB64U"`
	UserName        string   `json:"userName"`
	UserDisplayName string   `json:"userDisplayName"`
	ChallengeB64U   string   `json:"challengeB64U"`
	PRFFirstB64U    string   `json:"prfFirstB64U,omitempty"`
	PRFSecondB64U   string   `json:"prfSecondB64U,omitempty"`
	ExcludeB64U     []string `json:"excludeCredIdsB64U,omitempty"`
}

type wmResultPayload struct {
	OK              bool     `json:"ok"`
	Error           string   `json:"error,omitempty"`
	RawIDB64U       string   `json:"rawIdB64U"`
	ClientDataB64U  string   `json:"clientDataJSONB64U"`
	AttestationB64U string   `json:"attestationObjectB64U,omitempty"`
	AuthDataB64U    string   `json:"authenticatorDataB64U,omitempty"`
	SignatureB64U   string   `json:"signatureB64U,omitempty"`
	UserHandleB64U  string   `json:"userHandleB64U,omitempty"`
	Transports      []string `json:"transports,omitempty"`
	PRFFirstB64U    string   `json:"prfFirstB64U,omitempty"`
	PRFSecondB64U   string   `json:"prfSecondB64U,omitempty"`
	PRFSupported    bool     `json:"prfSupported"`
}

// HostRoundTripCollector implements confirmflow.CredentialCollector by
// asking the host page to run the actual browser WebAuthn ceremony: it
// issues a WM_GET_ASSERTION/WM_CREATE_REGISTRATION request over the same
// Transport the Bridge uses for everything else, then blocks for the
// matching WM_ASSERTION_RESULT/WM_REGISTRATION_RESULT reply. This keeps
// package bridge itself free of any browser dependency while still
// satisfying confirmflow.Flow's CollectCredential state.
type HostRoundTripCollector struct {
	transport Transport
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan Envelope
}

// NewHostRoundTripCollector builds a collector that sends its WM_* request
// on transport and waits up to timeout for a reply.
func NewHostRoundTripCollector(transport Transport, timeout time.Duration) *HostRoundTripCollector {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HostRoundTripCollector{transport: transport, timeout: timeout, pending: make(map[string]chan Envelope)}
}

// HandleResponse implements ResponseRouter.
func (c *HostRoundTripCollector) HandleResponse(env Envelope) bool {
	if env.Type != TypeAssertionResult && env.Type != TypeRegistrationResult {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}

func (c *HostRoundTripCollector) roundTrip(reqType MessageType, payload interface{}) (wmResultPayload, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wmResultPayload{}, werrors.Wrap(werrors.Unknown, "encode WM request", err)
	}
	requestID := uuid.NewString()
	replyCh := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[requestID] = replyCh
	c.mu.Unlock()

	sendCtx, cancel := contextWithTimeout(c.timeout)
	defer cancel()
	if err := c.transport.Send(sendCtx, Envelope{Type: reqType, RequestID: requestID, Payload: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return wmResultPayload{}, err
	}

	select {
	case env := <-replyCh:
		var result wmResultPayload
		if err := json.Unmarshal(env.Payload, &result); err != nil {
			return wmResultPayload{}, werrors.Wrap(werrors.Unknown, "decode WM result", err)
		}
		if !result.OK {
			return wmResultPayload{}, werrors.New(werrors.Unknown, "authenticator ceremony failed: "+result.Error)
		}
		return result, nil
	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return wmResultPayload{}, werrors.New(werrors.Unknown, "timed out waiting for host WebAuthn ceremony")
	}
}

// GetAssertion implements confirmflow.CredentialCollector.
func (c *HostRoundTripCollector) GetAssertion(opts passkey.AssertionOptions) (passkey.AssertionResult, error) {
	result, err := c.roundTrip(TypeGetAssertion, wmAssertionPayload{
		RPID:             opts.RPID,
		ChallengeB64U:    b64u(opts.Challenge),
		AllowCredIDsB64U: b64uSlice(opts.AllowCredIDs),
		PRFFirstB64U:     b64u(opts.PRF.First),
		PRFSecondB64U:    b64u(opts.PRF.Second),
		UserVerification: opts.UserVerification,
	})
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	return decodeAssertionResult(result)
}

// CreateRegistration implements confirmflow.CredentialCollector.
func (c *HostRoundTripCollector) CreateRegistration(opts passkey.RegistrationOptions) (passkey.RegistrationResult, error) {
	result, err := c.roundTrip(TypeCreateRegistration, wmRegistrationPayload{
		RPID:            opts.RPID,
		RPName:          opts.RPName,
		UserIDB64U:      b64u(opts.UserID),
		UserName:        opts.UserName,
		UserDisplayName: opts.UserDisplayName,
		ChallengeB64U:   b64u(opts.Challenge),
		PRFFirstB64U:    b64u(opts.PRF.First),
		PRFSecondB64U:   b64u(opts.PRF.Second),
		ExcludeB64U:     b64uSlice(opts.ExcludeCredIDs),
	})
	if err != nil {
		return passkey.RegistrationResult{}, err
	}
	return decodeRegistrationResult(result)
}

func decodeAssertionResult(r wmResultPayload) (passkey.AssertionResult, error) {
	rawID, err := decodeB64UField("rawIdB64U", r.RawIDB64U)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	clientData, err := decodeB64UField("clientDataJSONB64U", r.ClientDataB64U)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	authData, err := decodeB64UField("authenticatorDataB64U", r.AuthDataB64U)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	sig, err := decodeB64UField("signatureB64U", r.SignatureB64U)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	userHandle, err := decodeB64UField("userHandleB64U", r.UserHandleB64U)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	prf, err := decodePRF(r.PRFFirstB64U, r.PRFSecondB64U)
	if err != nil {
		return passkey.AssertionResult{}, err
	}
	return passkey.AssertionResult{
		RawID:             rawID,
		ClientDataJSON:    clientData,
		AuthenticatorData: authData,
		Signature:         sig,
		UserHandle:        userHandle,
		PRF:               prf,
		PRFSupported:      r.PRFSupported,
	}, nil
}

func decodeRegistrationResult(r wmResultPayload) (passkey.RegistrationResult, error) {
	rawID, err := decodeB64UField("rawIdB64U", r.RawIDB64U)
	if err != nil {
		return passkey.RegistrationResult{}, err
	}
	clientData, err := decodeB64UField("clientDataJSONB64U", r.ClientDataB64U)
	if err != nil {
		return passkey.RegistrationResult{}, err
	}
	attestation, err := decodeB64UField("attestationObjectB64U", r.AttestationB64U)
	if err != nil {
		return passkey.RegistrationResult{}, err
	}
	userHandle, err := decodeB64UField("userHandleB64U", r.UserHandleB64U)
	if err != nil {
		return passkey.RegistrationResult{}, err
	}
	prf, err := decodePRF(r.PRFFirstB64U, r.PRFSecondB64U)
	if err != nil {
		return passkey.RegistrationResult{}, err
	}
	return passkey.RegistrationResult{
		RawID:             rawID,
		ClientDataJSON:    clientData,
		AttestationObject: attestation,
		Transports:        r.Transports,
		UserHandle:        userHandle,
		PRF:               prf,
		PRFSupported:      r.PRFSupported,
	}, nil
}

func decodePRF(firstB64U, secondB64U string) (passkey.PRFOutputs, error) {
	first, err := decodeB64UField("prfFirstB64U", firstB64U)
	if err != nil {
		return passkey.PRFOutputs{}, err
	}
	second, err := decodeB64UField("prfSecondB64U", secondB64U)
	if err != nil {
		return passkey.PRFOutputs{}, err
	}
	return passkey.PRFOutputs{First: first, Second: second}, nil
}
