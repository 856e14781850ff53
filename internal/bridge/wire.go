package bridge

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/near-examples/passkey-wallet-engine/internal/signerworker"
	"github.com/near-examples/passkey-wallet-engine/pkg/neartx"
	"github.com/near-examples/passkey-wallet-engine/pkg/passkey"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// wireAction is the JSON shape of one neartx.Action crossing the bridge.
// Only the fields relevant to Type are populated by the sender.
type wireAction struct {
	Type          string          `json:"type"`
	Amount        string          `json:"amount"`
	MethodName    string          `json:"methodName"`
	Args          json.RawMessage `json:"args"`
	Gas           uint64          `json:"gas"`
	Deposit       string          `json:"deposit"`
	CodeB64U      string          `json:"codeB64U"`
	Stake         string          `json:"stake"`
	PublicKey     string          `json:"publicKey"`
	FullAccess    bool            `json:"fullAccess"`
	Allowance     string          `json:"allowance"`
	ReceiverID    string          `json:"receiverId"`
	MethodNames   []string        `json:"methodNames"`
	BeneficiaryID string          `json:"beneficiaryId"`
}

func decodeAction(raw json.RawMessage) (neartx.Action, error) {
	var w wireAction
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "decode action", err)
	}
	switch w.Type {
	case "CreateAccount":
		return neartx.CreateAccount{}, nil
	case "Transfer":
		if w.Amount == "" {
			return nil, werrors.New(werrors.InvalidInput, "Transfer action requires amount")
		}
		return neartx.Transfer{Deposit: w.Amount}, nil
	case "FunctionCall":
		if w.MethodName == "" {
			return nil, werrors.New(werrors.InvalidInput, "FunctionCall action requires methodName")
		}
		deposit := w.Deposit
		if deposit == "" {
			deposit = "0"
		}
		return neartx.FunctionCall{MethodName: w.MethodName, Args: []byte(w.Args), Gas: w.Gas, Deposit: deposit}, nil
	case "DeployContract":
		code, err := base64.RawURLEncoding.DecodeString(w.CodeB64U)
		if err != nil {
			return nil, werrors.Wrap(werrors.InvalidInput, "decode DeployContract code", err)
		}
		return neartx.DeployContract{Code: code}, nil
	case "Stake":
		pub, err := neartx.ParsePublicKey(w.PublicKey)
		if err != nil {
			return nil, err
		}
		return neartx.Stake{Stake: w.Stake, PublicKey: pub}, nil
	case "AddKey":
		pub, err := neartx.ParsePublicKey(w.PublicKey)
		if err != nil {
			return nil, err
		}
		perm := neartx.AccessKeyPermission{FullAccess: w.FullAccess}
		if !w.FullAccess {
			if w.Allowance != "" {
				allowance := w.Allowance
				perm.Allowance = &allowance
			}
			perm.ReceiverId = neartx.AccountId(w.ReceiverID)
			perm.MethodNames = w.MethodNames
		}
		return neartx.AddKey{PublicKey: pub, AccessKey: neartx.AccessKey{Permission: perm}}, nil
	case "DeleteKey":
		pub, err := neartx.ParsePublicKey(w.PublicKey)
		if err != nil {
			return nil, err
		}
		return neartx.DeleteKey{PublicKey: pub}, nil
	case "DeleteAccount":
		return neartx.DeleteAccount{BeneficiaryId: neartx.AccountId(w.BeneficiaryID)}, nil
	default:
		return nil, werrors.New(werrors.InvalidInput, "unsupported action type: "+w.Type)
	}
}

func decodeTransactionInputs(in []wireTransactionInput) ([]neartx.TransactionInput, error) {
	out := make([]neartx.TransactionInput, 0, len(in))
	for _, t := range in {
		if t.ReceiverID == "" || len(t.Actions) == 0 {
			return nil, werrors.New(werrors.InvalidInput, "transaction requires receiverId and at least one action")
		}
		actions := make([]neartx.Action, 0, len(t.Actions))
		for _, raw := range t.Actions {
			action, err := decodeAction(raw)
			if err != nil {
				return nil, err
			}
			actions = append(actions, action)
		}
		out = append(out, neartx.TransactionInput{ReceiverId: neartx.AccountId(t.ReceiverID), Actions: actions})
	}
	return out, nil
}

func encodeSignedTransactions(signed []neartx.SignedTransaction) []map[string]string {
	out := make([]map[string]string, 0, len(signed))
	for _, s := range signed {
		out = append(out, map[string]string{
			"hash":       base64.RawURLEncoding.EncodeToString(s.Hash[:]),
			"borshB64U":  base64.RawURLEncoding.EncodeToString(s.BorshBytes),
			"signature":  s.Signature.String(),
			"receiverId": s.Transaction.ReceiverId.String(),
		})
	}
	return out
}

func (k wireEncryptedKey) decode() (signerworker.EncryptedKeyMaterial, error) {
	if k.CipherTextB64U == "" {
		return signerworker.EncryptedKeyMaterial{}, nil
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(k.CipherTextB64U)
	if err != nil {
		return signerworker.EncryptedKeyMaterial{}, werrors.Wrap(werrors.InvalidInput, "decode encryptedKey.cipherTextB64U", err)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(k.IVB64U)
	if err != nil {
		return signerworker.EncryptedKeyMaterial{}, werrors.Wrap(werrors.InvalidInput, "decode encryptedKey.ivB64U", err)
	}
	salt, err := base64.RawURLEncoding.DecodeString(k.WrapKeySaltB64U)
	if err != nil {
		return signerworker.EncryptedKeyMaterial{}, werrors.Wrap(werrors.InvalidInput, "decode encryptedKey.wrapKeySaltB64U", err)
	}
	return signerworker.EncryptedKeyMaterial{Ciphertext: ciphertext, AEADNonce: nonce, WrapKeySalt: salt}, nil
}

// collectLocalCredential performs a minimal WebAuthn-assertion +
// PRF-decrypt round trip for requests that sign off-chain data (NEP-413)
// or a meta-transaction delegate rather than a nonce-bearing NEAR
// transaction: these never go through the full 8-state confirm flow
// since neither reserves a nonce, but they still require a fresh
// assertion and the same PRF-gated key release.
func (b *Bridge) collectLocalCredential(ctx context.Context, accountID, rpID string, wireKey wireEncryptedKey) (ed25519.PrivateKey, passkey.SerializedCredential, passkey.PRFOutputs, error) {
	height, hash, err := b.flow.Nonces.CurrentBlock(ctx)
	if err != nil {
		return nil, passkey.SerializedCredential{}, passkey.PRFOutputs{}, err
	}
	challenge, err := b.flow.VRF.GenerateVrfChallenge(accountID, rpID, height, hash)
	if err != nil {
		return nil, passkey.SerializedCredential{}, passkey.PRFOutputs{}, err
	}
	assertion, err := b.flow.Credentials.GetAssertion(passkey.AssertionOptions{RPID: rpID, Challenge: challenge.Output})
	if err != nil {
		return nil, passkey.SerializedCredential{}, passkey.PRFOutputs{}, werrors.Wrap(werrors.Unknown, "authenticator ceremony failed", err)
	}
	if perr := passkey.RequirePRF(assertion.PRFSupported); perr != nil {
		return nil, passkey.SerializedCredential{}, passkey.PRFOutputs{}, perr
	}
	encryptedKey, err := wireKey.decode()
	if err != nil {
		return nil, passkey.SerializedCredential{}, passkey.PRFOutputs{}, err
	}
	priv, err := b.flow.Signer.DecryptPrivateKeyWithPrf(assertion.PRF.First, encryptedKey.WrapKeySalt, encryptedKey)
	if err != nil {
		return nil, passkey.SerializedCredential{}, passkey.PRFOutputs{}, err
	}
	return priv, passkey.SerializeAuthentication(assertion, true), assertion.PRF, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// nep413Nonce mints a fresh 32-byte nonce for one PM_SIGN_NEP413 call, per
// NEP-413's requirement that the signer choose it (the convention most
// near-api-js callers follow is a random nonce rather than a counter,
// since this signature never touches an access key's transaction nonce).
func nep413Nonce() [32]byte {
	var n [32]byte
	_, _ = rand.Read(n[:])
	return n
}
