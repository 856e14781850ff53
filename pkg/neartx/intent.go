package neartx

import (
	"crypto/sha256"
	"encoding/hex"
)

// IntentDigest hashes a canonical intent payload (the bytes the UI showed
// the user and that the caller is about to sign) to the stable hex digest
// compared at both ends of the WYSIWYS confirmation round trip described in
// spec.md §4.E and §4.G.
func IntentDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// CanonicalIntentPayload renders a TransactionInput plus the signer account
// into the deterministic byte form IntentDigest hashes over: the same
// bytes the confirmation UI rendered and the signer worker reconstructs
// from its own nonce/action inputs before signing.
func CanonicalIntentPayload(signerID AccountId, input TransactionInput) []byte {
	w := newBorshWriter()
	w.writeString(signerID.String())
	w.writeString(input.ReceiverId.String())
	w.writeU32(uint32(len(input.Actions)))
	for _, a := range input.Actions {
		w.writeU8(a.borshVariant())
		_ = a.borshEncode(w)
	}
	return w.bytes()
}
