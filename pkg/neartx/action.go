package neartx

import "github.com/near-examples/passkey-wallet-engine/pkg/werrors"

// Action is the tagged union described in spec.md §3: every NEAR action
// kind the signer worker may be asked to include in a transaction.
type Action interface {
	Kind() string
	borshVariant() byte
	borshEncode(w *borshWriter) error
}

// NEAR's on-wire Action enum variant ordering; the signer must assign these
// exactly, since the receiving validator decodes by position.
const (
	variantCreateAccount   byte = 0
	variantDeployContract  byte = 1
	variantFunctionCall    byte = 2
	variantTransfer        byte = 3
	variantStake           byte = 4
	variantAddKey          byte = 5
	variantDeleteKey       byte = 6
	variantDeleteAccount   byte = 7
	variantSignedDelegate  byte = 8
)

// CreateAccount creates a new named account at the receiver.
type CreateAccount struct{}

func (CreateAccount) Kind() string         { return "CreateAccount" }
func (CreateAccount) borshVariant() byte   { return variantCreateAccount }
func (CreateAccount) borshEncode(*borshWriter) error { return nil }

// DeployContract deploys WASM code to the receiver account.
type DeployContract struct {
	Code []byte
}

func (DeployContract) Kind() string       { return "DeployContract" }
func (DeployContract) borshVariant() byte { return variantDeployContract }
func (a DeployContract) borshEncode(w *borshWriter) error {
	w.writeBytes(a.Code)
	return nil
}

// FunctionCall invokes a contract method with the given args, gas budget,
// and attached deposit (decimal yoctoNEAR string).
type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    string
}

func (FunctionCall) Kind() string       { return "FunctionCall" }
func (FunctionCall) borshVariant() byte { return variantFunctionCall }
func (a FunctionCall) borshEncode(w *borshWriter) error {
	w.writeString(a.MethodName)
	w.writeBytes(a.Args)
	w.writeU64(a.Gas)
	return w.writeU128Balance(a.Deposit)
}

// Transfer moves the given deposit (decimal yoctoNEAR string) to the
// receiver.
type Transfer struct {
	Deposit string
}

func (Transfer) Kind() string       { return "Transfer" }
func (Transfer) borshVariant() byte { return variantTransfer }
func (a Transfer) borshEncode(w *borshWriter) error {
	return w.writeU128Balance(a.Deposit)
}

// Stake delegates the given amount to the validator key.
type Stake struct {
	Stake     string
	PublicKey PublicKey
}

func (Stake) Kind() string       { return "Stake" }
func (Stake) borshVariant() byte { return variantStake }
func (a Stake) borshEncode(w *borshWriter) error {
	if err := w.writeU128Balance(a.Stake); err != nil {
		return err
	}
	w.writeRaw(a.PublicKey.BorshEncode())
	return nil
}

// AccessKeyPermission is AddKey's nested tagged union: FullAccess or a
// scoped FunctionCall allowance.
type AccessKeyPermission struct {
	FullAccess   bool
	Allowance    *string // decimal yoctoNEAR, nil means unlimited
	ReceiverId   AccountId
	MethodNames  []string
}

// AccessKey bundles the nonce (access-key-local, distinct from the
// transaction nonce) with a permission.
type AccessKey struct {
	Nonce      uint64
	Permission AccessKeyPermission
}

// AddKey attaches a new access key to the signer account.
type AddKey struct {
	PublicKey PublicKey
	AccessKey AccessKey
}

func (AddKey) Kind() string       { return "AddKey" }
func (AddKey) borshVariant() byte { return variantAddKey }
func (a AddKey) borshEncode(w *borshWriter) error {
	w.writeRaw(a.PublicKey.BorshEncode())
	w.writeU64(a.AccessKey.Nonce)
	if a.AccessKey.Permission.FullAccess {
		w.writeU8(1)
		return nil
	}
	w.writeU8(0)
	if a.AccessKey.Permission.Allowance != nil {
		w.writeU8(1)
		if err := w.writeU128Balance(*a.AccessKey.Permission.Allowance); err != nil {
			return err
		}
	} else {
		w.writeU8(0)
	}
	w.writeString(a.AccessKey.Permission.ReceiverId.String())
	w.writeU32(uint32(len(a.AccessKey.Permission.MethodNames)))
	for _, m := range a.AccessKey.Permission.MethodNames {
		w.writeString(m)
	}
	return nil
}

// DeleteKey removes an access key from the signer account.
type DeleteKey struct {
	PublicKey PublicKey
}

func (DeleteKey) Kind() string       { return "DeleteKey" }
func (DeleteKey) borshVariant() byte { return variantDeleteKey }
func (a DeleteKey) borshEncode(w *borshWriter) error {
	w.writeRaw(a.PublicKey.BorshEncode())
	return nil
}

// DeleteAccount deletes the signer account, sending remaining balance to
// BeneficiaryId.
type DeleteAccount struct {
	BeneficiaryId AccountId
}

func (DeleteAccount) Kind() string       { return "DeleteAccount" }
func (DeleteAccount) borshVariant() byte { return variantDeleteAccount }
func (a DeleteAccount) borshEncode(w *borshWriter) error {
	w.writeString(a.BeneficiaryId.String())
	return nil
}

// SignedDelegate wraps an already-signed meta-transaction delegate action
// (NEP-366) for relaying; the signer worker treats its payload as opaque
// pre-built bytes plus the delegate's own signature.
type SignedDelegate struct {
	DelegateActionBorsh []byte
	Signature           Signature
}

func (SignedDelegate) Kind() string       { return "SignedDelegate" }
func (SignedDelegate) borshVariant() byte { return variantSignedDelegate }
func (a SignedDelegate) borshEncode(w *borshWriter) error {
	if len(a.DelegateActionBorsh) == 0 {
		return werrors.New(werrors.InvalidInput, "signed delegate action payload is empty")
	}
	w.writeRaw(a.DelegateActionBorsh)
	w.writeRaw(a.Signature.BorshEncode())
	return nil
}

// TransactionInput is the caller-facing request shape: a receiver plus the
// ordered list of actions to batch into one transaction.
type TransactionInput struct {
	ReceiverId AccountId
	Actions    []Action
}
