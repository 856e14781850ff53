// Package offlineexport implements spec.md §4.I's Offline Export Engine: a
// cache-only route model, a local key-material store, and the
// passkey-assisted recovery path the offline export UI falls back to when
// an account's local record is missing or its AEAD envelope no longer
// opens. It never makes an RPC call; every operation here is satisfied
// from local state and the authenticator alone.
//
// Grounded on internal/relay/store.go's Store-interface-plus-NullStore
// shape (generalized here to an in-memory MemStore, since this
// component's persistence is explicitly single-writer and local to one
// wallet-origin tab, per spec.md §5/§6.3) and internal/confirmflow's
// KindDecryptPrivateKey request, which this package's Service drives.
package offlineexport

import (
	"context"
	"sync"

	"github.com/near-examples/passkey-wallet-engine/internal/confirmflow"
	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/internal/vrfworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Record is one local key-material entry, keyed by (AccountID,
// DeviceNumber), mirroring spec.md §6.3's `nearKeys`/`users` namespaces.
type Record struct {
	AccountID    string
	DeviceNumber int
	RPID         string
	PublicKey    string // "ed25519:<base58>"
	EncryptedKey signerworker.EncryptedKeyMaterial
}

// key identifies a Record by its primary key.
type key struct {
	accountID    string
	deviceNumber int
}

// Store is the offline route's local persistence surface. Implementations
// live entirely on the wallet origin; this interface exists so Service can
// be tested against MemStore without a browser.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, accountID string, deviceNumber int) (Record, bool, error)
	List(ctx context.Context) ([]Record, error)
	SetLastUsed(ctx context.Context, accountID string, deviceNumber int) error
	LastUsed(ctx context.Context) (accountID string, deviceNumber int, ok bool, err error)
}

// MemStore is an in-memory Store, single-writer within one process, the
// same durability contract spec.md §6.3 assigns the wallet origin's
// persistence layer (one tab, no cross-tab coordination).
type MemStore struct {
	mu       sync.Mutex
	records  map[key]Record
	order    []key // insertion order, for a stable List
	lastUsed *key
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[key]Record)}
}

func (s *MemStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{rec.AccountID, rec.DeviceNumber}
	if _, exists := s.records[k]; !exists {
		s.order = append(s.order, k)
	}
	s.records[k] = rec
	return nil
}

func (s *MemStore) Get(_ context.Context, accountID string, deviceNumber int) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key{accountID, deviceNumber}]
	return rec, ok, nil
}

func (s *MemStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out, nil
}

func (s *MemStore) SetLastUsed(_ context.Context, accountID string, deviceNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = &key{accountID, deviceNumber}
	return nil
}

func (s *MemStore) LastUsed(_ context.Context) (string, int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsed == nil {
		return "", 0, false, nil
	}
	return s.lastUsed.accountID, s.lastUsed.deviceNumber, true, nil
}

// RevealRequest asks Service to produce the plaintext private key for one
// local account, per spec.md §4.I's DECRYPT_PRIVATE_KEY_WITH_PRF path.
type RevealRequest struct {
	AccountID    string
	DeviceNumber int
	RPID         string
	Confirm      confirmflow.ConfirmFunc
	Config       confirmflow.SignerMode
}

// RevealResult is what Reveal returns on success.
type RevealResult struct {
	PrivateKey string // "ed25519:<base58>"
	PublicKey  string
	// Recovered is true when the local record was missing or its AEAD
	// envelope failed to open and a passkey-assisted recovery rebuilt it.
	Recovered bool
}

// Service drives the offline export UI's two code paths: the ordinary
// decrypt-with-PRF reveal, and spec.md §4.I's recovery fallback for a
// missing or AEAD-mismatched local record.
type Service struct {
	Store  Store
	Flow   *confirmflow.Flow
	VRF    *vrfworker.Worker
	Signer *signerworker.Worker
}

// NewService builds a Service. flow drives the standard confirm-flow
// reveal path; vrf and signer additionally back the recovery path, which
// runs outside the confirm flow's nonce/registration machinery since it
// has no account context to fetch one from yet.
func NewService(store Store, flow *confirmflow.Flow, vrf *vrfworker.Worker, signer *signerworker.Worker) *Service {
	return &Service{Store: store, Flow: flow, VRF: vrf, Signer: signer}
}

// Reveal implements spec.md §4.I's reveal flow. It looks up the local
// record for (accountID, deviceNumber); if present, it runs the standard
// confirm flow with KindDecryptPrivateKey. If the record is absent, or the
// flow fails with MissingKeyMaterial/DecryptionFailed (no local record, or
// an AEAD envelope that no longer opens), it falls back to
// recoverAndReveal.
func (s *Service) Reveal(ctx context.Context, req RevealRequest) (*RevealResult, error) {
	rec, found, err := s.Store.Get(ctx, req.AccountID, req.DeviceNumber)
	if err != nil {
		return nil, err
	}
	if !found {
		return s.recoverAndReveal(ctx, req, Record{AccountID: req.AccountID, DeviceNumber: req.DeviceNumber, RPID: req.RPID})
	}

	result, err := s.Flow.Run(ctx, confirmflow.Request{
		Kind:         confirmflow.KindDecryptPrivateKey,
		AccountID:    req.AccountID,
		RPID:         req.RPID,
		EncryptedKey: rec.EncryptedKey,
		Confirm:      req.Confirm,
		Config:       req.Config,
	})
	if err == nil {
		if serr := s.Store.SetLastUsed(ctx, req.AccountID, req.DeviceNumber); serr != nil {
			return nil, serr
		}
		return &RevealResult{PrivateKey: result.DecryptedPrivateKey, PublicKey: rec.PublicKey}, nil
	}

	switch werrors.Classify(err) {
	case werrors.MissingKeyMaterial, werrors.DecryptionFailed:
		return s.recoverAndReveal(ctx, req, rec)
	default:
		return nil, err
	}
}
