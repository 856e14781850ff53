package neartx

import "github.com/near-examples/passkey-wallet-engine/pkg/codec"

// borshWriter accumulates a BORSH-subset encoding: fixed-width
// little-endian integers, u32-length-prefixed strings/bytes/vecs, and
// u8-tagged enum variants. Sufficient for the NEAR action/transaction
// shapes this engine signs; it is not a general BORSH implementation.
type borshWriter struct {
	buf []byte
}

func newBorshWriter() *borshWriter {
	return &borshWriter{buf: make([]byte, 0, 256)}
}

func (w *borshWriter) bytes() []byte { return w.buf }

func (w *borshWriter) writeU8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *borshWriter) writeU32(v uint32) {
	w.buf = append(w.buf, codec.PutUint32LE(v)...)
}

func (w *borshWriter) writeU64(v uint64) {
	w.buf = append(w.buf, codec.PutUint64LE(v)...)
}

func (w *borshWriter) writeU128Balance(decimal string) error {
	b, err := codec.PutBalanceLE(decimal)
	if err != nil {
		return err
	}
	w.buf = append(w.buf, b...)
	return nil
}

func (w *borshWriter) writeRaw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *borshWriter) writeBytes(b []byte) {
	w.writeU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *borshWriter) writeString(s string) {
	w.writeBytes([]byte(s))
}
