package relay

import (
	"context"
	"encoding/json"

	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// VRFData is the wire shape of the vrf_data field shared by
// createAccountAndRegisterUser and verifyAuthenticationResponse: a VRF
// output/proof pair bound to a user, relying party, and recent block,
// base64url-encoded for JSON transport. It mirrors
// internal/vrfworker.VRFChallenge without importing that package, since
// the relay only ever forwards this data to the contract — it never
// verifies or unlocks a VRF keypair itself.
type VRFData struct {
	VRFOutputB64U string `json:"vrf_output_b64u"`
	VRFProofB64U  string `json:"vrf_proof_b64u"`
	UserID        string `json:"user_id"`
	RPID          string `json:"rp_id"`
	BlockHeight   uint64 `json:"block_height"`
	BlockHash     string `json:"block_hash"`
}

// AuthenticatorOptions narrows which authenticator attachments and
// verification levels the contract should accept, forwarded verbatim
// from the caller.
type AuthenticatorOptions struct {
	UserVerification        string `json:"user_verification,omitempty"`
	AuthenticatorAttachment string `json:"authenticator_attachment,omitempty"`
}

// CreateAccountAndRegisterUserRequest is the input to
// CreateAccountAndRegisterUser, matching spec.md §4.H's named fields.
type CreateAccountAndRegisterUserRequest struct {
	NewAccountID              string                       `json:"new_account_id"`
	NewPublicKey              string                       `json:"new_public_key"`
	VRFData                   VRFData                      `json:"vrf_data"`
	WebAuthnRegistration      passkey.SerializedCredential `json:"webauthn_registration"`
	DeterministicVRFPublicKey string                       `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      AuthenticatorOptions         `json:"authenticator_options"`
}

// contractArgs is the exact JSON body sent as the FunctionCall's args,
// using the contract's snake_case field names.
type contractArgs struct {
	NewAccountID              string                       `json:"new_account_id"`
	NewPublicKey              string                       `json:"new_public_key"`
	VRFData                   VRFData                      `json:"vrf_data"`
	WebAuthnRegistration      passkey.SerializedCredential `json:"webauthn_registration"`
	DeterministicVRFPublicKey string                       `json:"deterministic_vrf_public_key"`
	AuthenticatorOptions      AuthenticatorOptions         `json:"authenticator_options"`
}

// CreateAccountAndRegisterUserResult is what a successful call returns, per
// spec.md §6.2's {success, transactionHash?, error?} shape.
type CreateAccountAndRegisterUserResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
}

// CreateAccountAndRegisterUser implements spec.md §4.H's atomic
// createAccountAndRegisterUser: a single FunctionCall to the WebAuthn
// contract's create_account_and_register_user method, signed by the
// relayer key, with receipt logs parsed for the same failure markers as
// CreateAccount.
func (o *Orchestrator) CreateAccountAndRegisterUser(ctx context.Context, req CreateAccountAndRegisterUserRequest) (CreateAccountAndRegisterUserResult, error) {
	if req.NewAccountID == "" || req.NewPublicKey == "" {
		return CreateAccountAndRegisterUserResult{}, werrors.New(werrors.InvalidInput, "new_account_id and new_public_key are required")
	}
	if _, err := neartx.ValidateAccountId(req.NewAccountID); err != nil {
		return CreateAccountAndRegisterUserResult{}, err
	}
	if o.cfg.Near.ContractID == "" {
		return CreateAccountAndRegisterUserResult{}, werrors.New(werrors.ConfigError, "WEBAUTHN_CONTRACT_ID is not configured")
	}
	contractID, err := neartx.ValidateAccountId(o.cfg.Near.ContractID)
	if err != nil {
		return CreateAccountAndRegisterUserResult{}, err
	}

	args, err := json.Marshal(contractArgs{
		NewAccountID:              req.NewAccountID,
		NewPublicKey:              req.NewPublicKey,
		VRFData:                   req.VRFData,
		WebAuthnRegistration:      req.WebAuthnRegistration,
		DeterministicVRFPublicKey: req.DeterministicVRFPublicKey,
		AuthenticatorOptions:      req.AuthenticatorOptions,
	})
	if err != nil {
		return CreateAccountAndRegisterUserResult{}, werrors.Wrap(werrors.InvalidInput, "encode contract args", err)
	}

	gas := o.cfg.Relayer.CreateAndRegisterGas
	actions := []neartx.Action{
		neartx.FunctionCall{
			MethodName: "create_account_and_register_user",
			Args:       args,
			Gas:        gas,
			Deposit:    "0",
		},
	}

	jobID, jobErr := o.store.RecordJob(ctx, JobRecord{Kind: "create_account_and_register_user", AccountID: req.NewAccountID, State: "pending"})
	if jobErr != nil {
		o.logger.LogSecurityEvent(ctx, "relay_job_record_failed", map[string]interface{}{"error": jobErr.Error()})
	}

	res, err := o.signAndSend(ctx, contractID, actions)
	if err != nil {
		o.recordJobOutcome(ctx, jobID, err)
		return CreateAccountAndRegisterUserResult{}, err
	}
	if !res.Succeeded() {
		failure := classifyReceiptFailure(res)
		o.recordJobOutcome(ctx, jobID, failure)
		return CreateAccountAndRegisterUserResult{}, failure
	}
	_ = o.store.UpdateJobState(ctx, jobID, "succeeded", res.TransactionHash, "", "")
	if regErr := o.store.RecordRegistration(ctx, RegistrationRecord{
		AccountID:    req.NewAccountID,
		CredentialID: req.WebAuthnRegistration.RawID,
		RPID:         req.VRFData.RPID,
	}); regErr != nil {
		o.logger.LogSecurityEvent(ctx, "relay_registration_record_failed", map[string]interface{}{"error": regErr.Error()})
	}
	o.logger.LogAudit(ctx, "create_account_and_register_user", "account", req.NewAccountID, "success")
	return CreateAccountAndRegisterUserResult{Success: true, TransactionHash: res.TransactionHash}, nil
}
