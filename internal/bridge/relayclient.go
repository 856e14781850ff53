package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// RelayClient is satisfied by an HTTP client of the Relay Orchestrator
// (internal/relay's HTTP surface), letting PM_REGISTER finish what local
// key derivation started: submitting the new account and its WebAuthn
// credential to the chain. Kept as an interface so tests substitute a
// fake without standing up a real relay server.
type RelayClient interface {
	CreateAccountAndRegisterUser(ctx context.Context, req RelayRegisterRequest) (RelayRegisterResult, error)
}

// RelayRegisterRequest mirrors internal/relay.CreateAccountAndRegisterUserRequest's
// wire shape without importing that package (the bridge only ever talks
// to the relay over HTTP, never in-process).
type RelayRegisterRequest struct {
	NewAccountID              string      `json:"new_account_id"`
	NewPublicKey              string      `json:"new_public_key"`
	VRFData                   interface{} `json:"vrf_data"`
	WebAuthnRegistration      interface{} `json:"webauthn_registration"`
	DeterministicVRFPublicKey string      `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      interface{} `json:"authenticator_options"`
}

// RelayRegisterResult mirrors the relay's
// CreateAccountAndRegisterUserResult response shape.
type RelayRegisterResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash"`
}

// HTTPRelayClient is the default RelayClient, POSTing to a relayserver
// instance's /create_account_and_register_user endpoint.
type HTTPRelayClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPRelayClient builds a client against baseURL (e.g.
// "https://relay.example.com").
func NewHTTPRelayClient(baseURL string) *HTTPRelayClient {
	return &HTTPRelayClient{BaseURL: baseURL, HTTP: &http.Client{Timeout: 20 * time.Second}}
}

func (c *HTTPRelayClient) CreateAccountAndRegisterUser(ctx context.Context, req RelayRegisterRequest) (RelayRegisterResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RelayRegisterResult{}, werrors.Wrap(werrors.InvalidInput, "encode relay register request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/create_account_and_register_user", bytes.NewReader(body))
	if err != nil {
		return RelayRegisterResult{}, werrors.Wrap(werrors.Unknown, "build relay register request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return RelayRegisterResult{}, werrors.Wrap(werrors.RpcTransient, "call relay register endpoint", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return RelayRegisterResult{}, werrors.Wrap(werrors.RpcTransient, "read relay register response", err)
	}
	if resp.StatusCode >= 400 {
		return RelayRegisterResult{}, werrors.New(werrors.RpcFatal, "relay register failed: "+string(raw))
	}
	var out RelayRegisterResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return RelayRegisterResult{}, werrors.Wrap(werrors.Unknown, "decode relay register response", err)
	}
	return out, nil
}
