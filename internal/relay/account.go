package relay

import (
	"context"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

func decodeBase58Hash(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(s)
	if err != nil {
		return out, werrors.Wrap(werrors.RpcFatal, "decode block hash", err)
	}
	if len(raw) != 32 {
		return out, werrors.New(werrors.RpcFatal, "block hash must be 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}

// CreateAccountRequest is the input to CreateAccount, matching spec.md
// §4.H's createAccount(accountId, publicKey, initialBalance) signature.
type CreateAccountRequest struct {
	NewAccountID   string `json:"accountId"`
	NewPublicKey   string `json:"publicKey"`
	InitialBalance string `json:"initialBalance,omitempty"` // decimal yoctoNEAR; defaults to cfg.Relayer.InitialBalance
}

// CreateAccountResult is what a successful CreateAccount returns.
type CreateAccountResult struct {
	TransactionHash string
}

// CreateAccount implements spec.md §4.H's createAccount: checks existence
// via viewAccount first (AccountAlreadyExists on a positive hit), then
// submits CreateAccount + Transfer + AddKey(fullAccess) as one
// transaction from the relayer to the new account.
func (o *Orchestrator) CreateAccount(ctx context.Context, req CreateAccountRequest) (CreateAccountResult, error) {
	newAccountID, err := neartx.ValidateAccountId(req.NewAccountID)
	if err != nil {
		return CreateAccountResult{}, err
	}
	pub, err := neartx.ParsePublicKey(req.NewPublicKey)
	if err != nil {
		return CreateAccountResult{}, err
	}
	exists, err := o.rpc.AccountExists(ctx, newAccountID.String())
	if err != nil {
		return CreateAccountResult{}, err
	}
	if exists {
		return CreateAccountResult{}, werrors.New(werrors.AccountAlreadyExists, "account "+newAccountID.String()+" already exists")
	}

	deposit := req.InitialBalance
	if deposit == "" {
		deposit = o.cfg.Relayer.InitialBalance
	}
	actions := []neartx.Action{
		neartx.CreateAccount{},
		neartx.Transfer{Deposit: deposit},
		neartx.AddKey{
			PublicKey: pub,
			AccessKey: neartx.AccessKey{Permission: neartx.AccessKeyPermission{FullAccess: true}},
		},
	}

	jobID, jobErr := o.store.RecordJob(ctx, JobRecord{Kind: "create_account", AccountID: newAccountID.String(), State: "pending"})
	if jobErr != nil {
		o.logger.LogSecurityEvent(ctx, "relay_job_record_failed", map[string]interface{}{"error": jobErr.Error()})
	}

	res, err := o.signAndSend(ctx, newAccountID, actions)
	if err != nil {
		o.recordJobOutcome(ctx, jobID, err)
		return CreateAccountResult{}, err
	}
	if !res.Succeeded() {
		failure := classifyReceiptFailure(res)
		o.recordJobOutcome(ctx, jobID, failure)
		return CreateAccountResult{}, failure
	}
	_ = o.store.UpdateJobState(ctx, jobID, "succeeded", res.TransactionHash, "", "")
	o.logger.LogAudit(ctx, "create_account", "account", newAccountID.String(), "success")
	return CreateAccountResult{TransactionHash: res.TransactionHash}, nil
}

// recordJobOutcome persists a terminal failure against jobID, classifying
// err into the werrors.Kind the ledger stores for later audit.
func (o *Orchestrator) recordJobOutcome(ctx context.Context, jobID string, err error) {
	kind := werrors.Classify(err)
	if updateErr := o.store.UpdateJobState(ctx, jobID, "failed", "", string(kind), err.Error()); updateErr != nil {
		o.logger.LogSecurityEvent(ctx, "relay_job_update_failed", map[string]interface{}{"error": updateErr.Error()})
	}
}

// classifyReceiptFailure maps a failed SendTxResult to a werrors Kind
// using the contract's log markers and raw Failure payload, per
// spec.md §4.H's "parses receipts for AccountAlreadyExists,
// AccountDoesNotExist, LackBalanceForState, and contract log markers".
func classifyReceiptFailure(res nearrpc.SendTxResult) error {
	for _, log := range res.Logs {
		switch {
		case strings.Contains(log, "ERR_ACCOUNT_ALREADY_EXISTS"), strings.Contains(log, "AccountAlreadyExists"):
			return werrors.New(werrors.AccountAlreadyExists, log)
		case strings.Contains(log, "ERR_ACCOUNT_DOES_NOT_EXIST"), strings.Contains(log, "AccountDoesNotExist"):
			return werrors.New(werrors.AccountMissing, log)
		case strings.Contains(log, "LackBalanceForState"), strings.Contains(log, "ERR_LACK_BALANCE"):
			return werrors.New(werrors.LackBalanceForState, log)
		}
	}
	switch {
	case strings.Contains(res.FailureRaw, "AccountAlreadyExists"):
		return werrors.New(werrors.AccountAlreadyExists, res.FailureRaw)
	case strings.Contains(res.FailureRaw, "AccountDoesNotExist"):
		return werrors.New(werrors.AccountMissing, res.FailureRaw)
	case strings.Contains(res.FailureRaw, "LackBalanceForState"):
		return werrors.New(werrors.LackBalanceForState, res.FailureRaw)
	}
	return werrors.New(werrors.RpcFatal, "relay transaction failed: "+res.FailureRaw)
}
