package signerworker

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// COSE_Key map labels this engine understands (RFC 9053 §7).
const (
	coseLabelKty = 1
	coseLabelCrv = -1
	coseLabelX   = -2
)

const (
	coseKtyOKP     = 1
	coseCrvEd25519 = 6
)

const (
	authDataRPIDHashLen  = 32
	authDataFlagsLen     = 1
	authDataSignCountLen = 4
	authDataAAGUIDLen    = 16
	authDataCredIDLenLen = 2
	flagAttestedCredData = 1 << 6
)

// ExtractCosePublicKey implements the worker's ExtractCosePublicKey
// request: parse the WebAuthn authenticatorData's attested credential
// data and decode its embedded COSE_Key into the NEAR-shaped public key
// this engine uses elsewhere (an Ed25519 OKP key is the only curve this
// wallet accepts).
func (w *Worker) ExtractCosePublicKey(authenticatorData []byte) (neartx.PublicKey, error) {
	minLen := authDataRPIDHashLen + authDataFlagsLen + authDataSignCountLen
	if len(authenticatorData) < minLen {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "authenticatorData too short")
	}
	flags := authenticatorData[authDataRPIDHashLen]
	if flags&flagAttestedCredData == 0 {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "authenticatorData has no attested credential data")
	}

	offset := minLen + authDataAAGUIDLen
	if len(authenticatorData) < offset+authDataCredIDLenLen {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "authenticatorData truncated before credential id length")
	}
	credIDLen := int(binary.BigEndian.Uint16(authenticatorData[offset : offset+authDataCredIDLenLen]))
	offset += authDataCredIDLenLen + credIDLen
	if offset >= len(authenticatorData) {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "authenticatorData truncated before COSE key")
	}

	var coseKey map[int]interface{}
	if err := cbor.Unmarshal(authenticatorData[offset:], &coseKey); err != nil {
		return neartx.PublicKey{}, werrors.Wrap(werrors.InvalidInput, "decode COSE_Key", err)
	}

	kty, _ := toInt64(coseKey[coseLabelKty])
	if kty != coseKtyOKP {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "only OKP (Ed25519) COSE keys are supported")
	}
	crv, _ := toInt64(coseKey[coseLabelCrv])
	if crv != coseCrvEd25519 {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "only Ed25519 COSE curve is supported")
	}
	x, ok := coseKey[coseLabelX].([]byte)
	if !ok || len(x) != 32 {
		return neartx.PublicKey{}, werrors.New(werrors.InvalidInput, "COSE_Key x-coordinate missing or wrong length")
	}
	return neartx.PublicKey{KeyType: neartx.KeyTypeEd25519, Data: x}, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
