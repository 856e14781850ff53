// Package relay implements the server-side Relay Orchestrator described
// in spec.md §4.H: a process-wide singleton holding one relayer key,
// serializing every submission against it, creating accounts and
// atomically registering WebAuthn credentials on their behalf, verifying
// authentication responses and issuing session JWTs, and running the
// server half of the Shamir 3-pass protocol over the client's VRF
// keypair blob.
//
// Grounded on internal/confirmflow's single-driver-goroutine idiom for
// the queue, infrastructure/middleware/cors.go and ratelimit.go for the
// HTTP surface, and pkg/shamir3pass (component-shared math) for the
// server-side lock/unlock halves.
package relay

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/near-examples/passkey-wallet-engine/pkg/config"
	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/nearrpc"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/shamir3pass"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Orchestrator is the process-wide Relay Orchestrator singleton.
type Orchestrator struct {
	cfg    *config.Config
	rpc    *nearrpc.Client
	store  Store
	logger *logging.Logger

	relayerID  neartx.AccountId
	relayerPub neartx.PublicKey
	relayerKey ed25519.PrivateKey

	mu     sync.Mutex // guards shamir, rotated periodically by rotationJob
	shamir *shamir3pass.KeyPair

	queue  *queue
	cron   *rotationJob
	signer TokenSigner
}

// New constructs an Orchestrator, validating the relayer key and Shamir
// parameters at boot. A malformed relayer key or Shamir parameter is a
// fatal ConfigError, per spec.md §4.H: "Fatal auth errors ... prevent the
// service from accepting requests" — the caller must not start the HTTP
// listener if New returns an error.
func New(cfg *config.Config, rpc *nearrpc.Client, store Store, logger *logging.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Relayer.AccountID == "" {
		return nil, werrors.New(werrors.ConfigError, "RELAYER_ACCOUNT_ID is required")
	}
	relayerID, err := neartx.ValidateAccountId(cfg.Relayer.AccountID)
	if err != nil {
		return nil, err
	}
	priv, pub, err := neartx.ParsePrivateKey(cfg.Relayer.PrivateKey)
	if err != nil {
		return nil, err
	}

	var kp *shamir3pass.KeyPair
	if cfg.Shamir.PB64U != "" || cfg.Shamir.EsB64U != "" || cfg.Shamir.DsB64U != "" {
		kp, err = shamir3pass.Decode(shamir3pass.ParamsB64U{
			PB64U:  cfg.Shamir.PB64U,
			EsB64U: cfg.Shamir.EsB64U,
			DsB64U: cfg.Shamir.DsB64U,
		})
		if err != nil {
			return nil, err
		}
	}

	o := &Orchestrator{
		cfg:        cfg,
		rpc:        rpc,
		store:      store,
		logger:     logger,
		relayerID:  relayerID,
		relayerPub: pub,
		relayerKey: priv,
		shamir:     kp,
		signer:     NewJWTSigner(cfg.Session),
	}
	o.queue = newQueue(logger)

	if cfg.EnableRotation && kp != nil {
		o.cron = newRotationJob(o, logger)
		o.cron.Start()
	}
	return o, nil
}

// Close drains the queue and stops the rotation cron, if running. It does
// not close the RPC client or store, which the caller owns.
func (o *Orchestrator) Close() {
	if o.cron != nil {
		o.cron.Stop()
	}
	o.queue.stop()
}

// RelayerAccountID returns the relayer's NEAR account id.
func (o *Orchestrator) RelayerAccountID() neartx.AccountId { return o.relayerID }

func (o *Orchestrator) fetchNonceAndBlock(ctx context.Context) (uint64, [32]byte, error) {
	ak, err := o.rpc.ViewAccessKey(ctx, o.relayerID.String(), o.relayerPub.String(), nearrpc.FinalityOptimistic)
	if err != nil {
		return 0, [32]byte{}, err
	}
	blk, err := o.rpc.ViewBlock(ctx, nearrpc.FinalityFinal, "")
	if err != nil {
		return 0, [32]byte{}, err
	}
	hashBytes, err := decodeBase58Hash(blk.Hash)
	if err != nil {
		return 0, [32]byte{}, err
	}
	return ak.Nonce, hashBytes, nil
}

// signAndSend builds, signs (with the relayer key), and submits a single
// transaction to receiverID carrying actions, strictly inside the
// single-writer queue so the relayer's nonce is never raced.
func (o *Orchestrator) signAndSend(ctx context.Context, receiverID neartx.AccountId, actions []neartx.Action) (nearrpc.SendTxResult, error) {
	out, err := o.queue.submit(ctx, func(ctx context.Context) (interface{}, error) {
		nonce, blockHash, err := o.fetchNonceAndBlock(ctx)
		if err != nil {
			return nil, err
		}
		tx := neartx.Transaction{
			SignerId:   o.relayerID,
			PublicKey:  o.relayerPub,
			Nonce:      nonce + 1,
			ReceiverId: receiverID,
			BlockHash:  blockHash,
			Actions:    actions,
		}
		hash, err := tx.Hash()
		if err != nil {
			return nil, werrors.Wrap(werrors.InvalidInput, "encode relay transaction", err)
		}
		sig := neartx.Signature{KeyType: neartx.KeyTypeEd25519, Data: ed25519.Sign(o.relayerKey, hash[:])}
		signed, err := neartx.NewSignedTransaction(tx, sig)
		if err != nil {
			return nil, err
		}
		return o.rpc.SendTransaction(ctx, signed.BorshBytes, nearrpc.WaitExecuted)
	})
	if err != nil {
		return nearrpc.SendTxResult{}, err
	}
	return out.(nearrpc.SendTxResult), nil
}
