package neartx

import "crypto/sha256"

// Transaction is the unsigned NEAR transaction body the signer worker
// builds from a TransactionInput plus its reserved nonce and the cached
// block hash.
type Transaction struct {
	SignerId   AccountId
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverId AccountId
	BlockHash  [32]byte
	Actions    []Action
}

// Encode serializes the transaction body in the BORSH-subset this engine
// supports.
func (t Transaction) Encode() ([]byte, error) {
	w := newBorshWriter()
	w.writeString(t.SignerId.String())
	w.writeRaw(t.PublicKey.BorshEncode())
	w.writeU64(t.Nonce)
	w.writeString(t.ReceiverId.String())
	w.writeRaw(t.BlockHash[:])
	w.writeU32(uint32(len(t.Actions)))
	for _, a := range t.Actions {
		w.writeU8(a.borshVariant())
		if err := a.borshEncode(w); err != nil {
			return nil, err
		}
	}
	return w.bytes(), nil
}

// Hash returns the SHA-256 digest of the encoded transaction body, the
// value actually signed.
func (t Transaction) Hash() ([32]byte, error) {
	encoded, err := t.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(encoded), nil
}

// SignedTransaction carries the signature alongside the immutable
// transaction body and the opaque BORSH bytes ready for send_tx, per
// spec.md §3's invariant that it is immutable once produced.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature

	// BorshBytes is the full SignedTransaction BORSH encoding (transaction
	// body followed by the signature), the exact bytes sent to send_tx.
	BorshBytes []byte

	// Hash is the transaction hash used as the NEAR transaction id.
	Hash [32]byte
}

// encodeSigned serializes a SignedTransaction: the transaction body followed by
// the signature, matching NEAR's on-wire SignedTransaction layout.
func encodeSigned(tx Transaction, sig Signature) ([]byte, error) {
	body, err := tx.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1+len(sig.Data))
	out = append(out, body...)
	out = append(out, sig.BorshEncode()...)
	return out, nil
}

// NewSignedTransaction assembles the immutable SignedTransaction from a
// signed transaction body, computing both the BORSH wire bytes and the
// transaction hash in one step.
func NewSignedTransaction(tx Transaction, sig Signature) (SignedTransaction, error) {
	hash, err := tx.Hash()
	if err != nil {
		return SignedTransaction{}, err
	}
	borsh, err := encodeSigned(tx, sig)
	if err != nil {
		return SignedTransaction{}, err
	}
	return SignedTransaction{
		Transaction: tx,
		Signature:   sig,
		BorshBytes:  borsh,
		Hash:        hash,
	}, nil
}
