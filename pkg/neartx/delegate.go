package neartx

import "crypto/sha256"

// delegateActionDiscriminant is NEP-366's required SHA-256 domain
// separator prefix: 2^30 + 366, little-endian, prepended before hashing
// a DelegateAction for signing.
const delegateActionDiscriminant uint32 = (1 << 30) + 366

// DelegateAction is a NEP-366 meta-transaction payload: a batch of
// actions the relayer will wrap in its own transaction and pay gas for,
// authorized here by the end user's own signature.
type DelegateAction struct {
	SenderId     AccountId
	ReceiverId   AccountId
	Actions      []Action
	Nonce        uint64
	MaxBlockHeight uint64
	PublicKey    PublicKey
}

// Encode serializes the DelegateAction body (without the discriminant).
func (d DelegateAction) Encode() ([]byte, error) {
	w := newBorshWriter()
	w.writeString(d.SenderId.String())
	w.writeString(d.ReceiverId.String())
	w.writeU32(uint32(len(d.Actions)))
	for _, a := range d.Actions {
		w.writeU8(a.borshVariant())
		if err := a.borshEncode(w); err != nil {
			return nil, err
		}
	}
	w.writeU64(d.Nonce)
	w.writeU64(d.MaxBlockHeight)
	w.writeRaw(d.PublicKey.BorshEncode())
	return w.bytes(), nil
}

// Hash returns the SHA-256 digest actually signed: the NEP-366 domain
// separator followed by the encoded DelegateAction body.
func (d DelegateAction) Hash() ([32]byte, error) {
	body, err := d.Encode()
	if err != nil {
		return [32]byte{}, err
	}
	prefixed := make([]byte, 0, 4+len(body))
	prefixed = append(prefixed, uint32LE(delegateActionDiscriminant)...)
	prefixed = append(prefixed, body...)
	return sha256.Sum256(prefixed), nil
}

func uint32LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// SignedDelegateAction pairs a DelegateAction with the sender's signature
// over its NEP-366 hash, ready to embed in a relayer's SignedDelegate
// action.
type SignedDelegateAction struct {
	DelegateAction DelegateAction
	Signature      Signature
}
