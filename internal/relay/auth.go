package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// SessionKind selects how VerifyAuthenticationResponse delivers the issued
// session credential, per spec.md §6.2.
type SessionKind string

const (
	// SessionKindJWT returns the session JWT in the response body.
	SessionKindJWT SessionKind = "jwt"
	// SessionKindCookie omits the JWT from the response body and instead
	// sets it as the w3a_session cookie.
	SessionKindCookie SessionKind = "cookie"
)

// VerifyAuthenticationResponseRequest is the input to
// VerifyAuthenticationResponse.
type VerifyAuthenticationResponseRequest struct {
	SessionKind            SessionKind                  `json:"sessionKind"`
	NearAccountID          string                       `json:"near_account_id"`
	VRFData                VRFData                      `json:"vrf_data"`
	WebAuthnAuthentication passkey.SerializedCredential `json:"webauthn_authentication"`
	PresetExpiry           *time.Time                   `json:"-"` // never sent over HTTP; honored only by direct Go callers
}

// VerifyAuthenticationResponseResult carries the contract's verification
// outcome and, on success, the issued session JWT. Per spec.md §6.2, JWT is
// populated only when the request's SessionKind is "jwt"; a "cookie" request
// leaves it empty and the JWT travels solely as the w3a_session cookie.
type VerifyAuthenticationResponseResult struct {
	Success  bool   `json:"success"`
	Verified bool   `json:"verified"`
	JWT      string `json:"jwt,omitempty"`

	// token carries the issued JWT even when JWT is omitted from the body
	// (SessionKindCookie), so the HTTP handler can still set it as the
	// w3a_session cookie. Unexported: never marshaled.
	token string
}

type verifyArgs struct {
	VRFData                VRFData                      `json:"vrf_data"`
	WebAuthnAuthentication passkey.SerializedCredential `json:"webauthn_authentication"`
}

// VerifyAuthenticationResponse implements spec.md §4.H's
// verifyAuthenticationResponse: calls the contract's read-only
// verification method and, on a positive result, issues a session JWT
// via the configured TokenSigner. It never reaches the single-writer
// queue since it performs no relayer-signed state change.
func (o *Orchestrator) VerifyAuthenticationResponse(ctx context.Context, req VerifyAuthenticationResponseRequest) (VerifyAuthenticationResponseResult, error) {
	if req.NearAccountID == "" {
		return VerifyAuthenticationResponseResult{}, werrors.New(werrors.InvalidInput, "near_account_id is required")
	}
	if o.cfg.Near.ContractID == "" {
		return VerifyAuthenticationResponseResult{}, werrors.New(werrors.ConfigError, "WEBAUTHN_CONTRACT_ID is not configured")
	}

	args, err := json.Marshal(verifyArgs{VRFData: req.VRFData, WebAuthnAuthentication: req.WebAuthnAuthentication})
	if err != nil {
		return VerifyAuthenticationResponseResult{}, werrors.Wrap(werrors.InvalidInput, "encode verify args", err)
	}

	raw, err := o.rpc.CallFunction(ctx, o.cfg.Near.ContractID, "verify_authentication_response", args)
	if err != nil {
		return VerifyAuthenticationResponseResult{}, err
	}
	verified, err := parseVerifiedResponse(raw)
	if err != nil {
		return VerifyAuthenticationResponseResult{}, err
	}
	if !verified {
		o.logger.LogSecurityEvent(ctx, "authentication_verification_failed", map[string]interface{}{"account_id": req.NearAccountID})
		return VerifyAuthenticationResponseResult{Success: true, Verified: false}, nil
	}

	token, err := o.signer.SignToken(req.NearAccountID, req.PresetExpiry)
	if err != nil {
		return VerifyAuthenticationResponseResult{}, err
	}
	o.logger.LogAudit(ctx, "verify_authentication_response", "account", req.NearAccountID, "success")

	result := VerifyAuthenticationResponseResult{Success: true, Verified: true, token: token}
	if req.SessionKind != SessionKindCookie {
		result.JWT = token
	}
	return result, nil
}

func parseVerifiedResponse(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case map[string]interface{}:
		ok, _ := v["verified"].(bool)
		return ok, nil
	case string:
		return v == "true", nil
	default:
		return false, werrors.New(werrors.RpcFatal, "unexpected verify_authentication_response result shape")
	}
}
