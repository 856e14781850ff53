// Package passkey wraps WebAuthn registration/assertion ceremonies behind a
// narrow interface and provides the stable, byte-for-byte serializers
// spec.md §4.B requires. The actual ceremony (talking to an authenticator)
// is an external collaborator — out of scope per spec.md §1 — so
// CredentialAdapter is satisfied by a platform-specific implementation at
// the system boundary; this package owns only the pure, deterministic
// parts: option shaping, PRF extraction, and serialization.
package passkey

import (
	"errors"

	"github.com/near-examples/passkey-wallet-engine/pkg/codec"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// Sentinel ceremony errors a CredentialAdapter implementation returns so
// the confirm flow (component G) can apply spec.md §4.G's retry/cancel
// rules without depending on any particular WebAuthn binding's error
// types.
var (
	// ErrCredentialExcluded mirrors the DOM InvalidStateError a browser
	// raises when a registration's excludeCredentials list matches an
	// already-registered authenticator; the confirm flow retries once
	// with deviceNumber+1.
	ErrCredentialExcluded = errors.New("passkey: credential excluded (InvalidStateError)")
	// ErrCeremonyCancelled mirrors NotAllowedError/AbortError: the user
	// dismissed the authenticator prompt or it was aborted.
	ErrCeremonyCancelled = errors.New("passkey: ceremony cancelled (NotAllowedError/AbortError)")
)

// PRFInputs names the two WebAuthn PRF extension evaluation inputs this
// engine requests: "first" seeds the ChaCha20 KEK, optional "second" seeds
// an Ed25519 seed derivation (device-link / recovery flows).
type PRFInputs struct {
	First  []byte
	Second []byte // optional
}

// PRFOutputs mirrors PRFInputs with the authenticator's evaluated results.
type PRFOutputs struct {
	First  []byte
	Second []byte // nil if Second was not requested or unsupported
}

// RegistrationOptions parametrizes CreateRegistration.
type RegistrationOptions struct {
	RPID            string
	RPName          string
	UserID          []byte
	UserName        string
	UserDisplayName string
	Challenge       []byte
	DeviceNumber    int
	PRF             PRFInputs
	ExcludeCredIDs  [][]byte
}

// AssertionOptions parametrizes GetAssertion.
type AssertionOptions struct {
	RPID             string
	Challenge        []byte
	AllowCredIDs     [][]byte
	PRF              PRFInputs
	UserVerification string
}

// RegistrationResult is the raw ceremony output before serialization.
type RegistrationResult struct {
	RawID             []byte
	ClientDataJSON    []byte
	AttestationObject []byte
	Transports        []string
	UserHandle        []byte
	PRF               PRFOutputs
	PRFSupported      bool
}

// AssertionResult is the raw ceremony output before serialization.
type AssertionResult struct {
	RawID             []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
	PRF               PRFOutputs
	PRFSupported      bool
}

// CredentialAdapter wraps the platform WebAuthn API. Implementations live
// at the system boundary (a browser binding, a native authenticator
// bridge, or — in tests — a fake authenticator).
type CredentialAdapter interface {
	CreateRegistration(opts RegistrationOptions) (RegistrationResult, error)
	GetAssertion(opts AssertionOptions) (AssertionResult, error)
}

// errMissingPRF is returned (wrapped in werrors.MissingPRF) whenever PRF was
// requested but the authenticator did not support it.
var errMissingPRF = werrors.New(werrors.MissingPRF, "WebAuthn PRF extension output is required but was not returned")

// RequirePRF fails with MissingPRF unless the ceremony reported PRF
// support; every signing/registration path in this engine requires it.
func RequirePRF(supported bool) error {
	if !supported {
		return errMissingPRF
	}
	return nil
}

// SerializedCredential is the stable, base64url wire form produced by the
// two serializer variants below. Every field is independently present or
// absent; omission (rather than null) signals "not applicable" for that
// ceremony kind.
type SerializedCredential struct {
	RawID             string   `json:"rawId"`
	ClientDataJSON    string   `json:"clientDataJSON"`
	AttestationObject string   `json:"attestationObject,omitempty"`
	AuthenticatorData string   `json:"authenticatorData,omitempty"`
	Signature         string   `json:"signature,omitempty"`
	UserHandle        string   `json:"userHandle,omitempty"`
	Transports        []string `json:"transports,omitempty"`
	PRFFirst          string   `json:"prfFirst,omitempty"`
	PRFSecond         string   `json:"prfSecond,omitempty"`
}

// SerializeRegistration renders a RegistrationResult to its stable wire
// form. includePRF controls whether PRF outputs are embedded (they must be
// stripped before the credential crosses into a context that should not
// see raw KEK material, e.g. logs or the parent-origin bridge).
func SerializeRegistration(r RegistrationResult, includePRF bool) SerializedCredential {
	sc := SerializedCredential{
		RawID:             codec.EncodeB64U(r.RawID),
		ClientDataJSON:    codec.EncodeB64U(r.ClientDataJSON),
		AttestationObject: codec.EncodeB64U(r.AttestationObject),
		Transports:        r.Transports,
		UserHandle:        codec.EncodeB64U(r.UserHandle),
	}
	if includePRF && r.PRFSupported {
		sc.PRFFirst = codec.EncodeB64U(r.PRF.First)
		if r.PRF.Second != nil {
			sc.PRFSecond = codec.EncodeB64U(r.PRF.Second)
		}
	}
	return sc
}

// SerializeAuthentication renders an AssertionResult to its stable wire
// form.
func SerializeAuthentication(r AssertionResult, includePRF bool) SerializedCredential {
	sc := SerializedCredential{
		RawID:             codec.EncodeB64U(r.RawID),
		ClientDataJSON:    codec.EncodeB64U(r.ClientDataJSON),
		AuthenticatorData: codec.EncodeB64U(r.AuthenticatorData),
		Signature:         codec.EncodeB64U(r.Signature),
		UserHandle:        codec.EncodeB64U(r.UserHandle),
	}
	if includePRF && r.PRFSupported {
		sc.PRFFirst = codec.EncodeB64U(r.PRF.First)
		if r.PRF.Second != nil {
			sc.PRFSecond = codec.EncodeB64U(r.PRF.Second)
		}
	}
	return sc
}

// DeserializeRegistration parses a SerializedCredential produced by
// SerializeRegistration back into a RegistrationResult, byte-identical to
// the original for every populated field (spec.md §8's round-trip
// property).
func DeserializeRegistration(sc SerializedCredential) (RegistrationResult, error) {
	r := RegistrationResult{Transports: sc.Transports}
	var err error
	if r.RawID, err = codec.DecodeB64U(sc.RawID); err != nil {
		return RegistrationResult{}, err
	}
	if r.ClientDataJSON, err = codec.DecodeB64U(sc.ClientDataJSON); err != nil {
		return RegistrationResult{}, err
	}
	if sc.AttestationObject != "" {
		if r.AttestationObject, err = codec.DecodeB64U(sc.AttestationObject); err != nil {
			return RegistrationResult{}, err
		}
	}
	if sc.UserHandle != "" {
		if r.UserHandle, err = codec.DecodeB64U(sc.UserHandle); err != nil {
			return RegistrationResult{}, err
		}
	}
	if sc.PRFFirst != "" {
		r.PRFSupported = true
		if r.PRF.First, err = codec.DecodeB64U(sc.PRFFirst); err != nil {
			return RegistrationResult{}, err
		}
		if sc.PRFSecond != "" {
			if r.PRF.Second, err = codec.DecodeB64U(sc.PRFSecond); err != nil {
				return RegistrationResult{}, err
			}
		}
	}
	return r, nil
}

// DeserializeAuthentication parses a SerializedCredential produced by
// SerializeAuthentication back into an AssertionResult.
func DeserializeAuthentication(sc SerializedCredential) (AssertionResult, error) {
	r := AssertionResult{}
	var err error
	if r.RawID, err = codec.DecodeB64U(sc.RawID); err != nil {
		return AssertionResult{}, err
	}
	if r.ClientDataJSON, err = codec.DecodeB64U(sc.ClientDataJSON); err != nil {
		return AssertionResult{}, err
	}
	if sc.AuthenticatorData != "" {
		if r.AuthenticatorData, err = codec.DecodeB64U(sc.AuthenticatorData); err != nil {
			return AssertionResult{}, err
		}
	}
	if sc.Signature != "" {
		if r.Signature, err = codec.DecodeB64U(sc.Signature); err != nil {
			return AssertionResult{}, err
		}
	}
	if sc.UserHandle != "" {
		if r.UserHandle, err = codec.DecodeB64U(sc.UserHandle); err != nil {
			return AssertionResult{}, err
		}
	}
	if sc.PRFFirst != "" {
		r.PRFSupported = true
		if r.PRF.First, err = codec.DecodeB64U(sc.PRFFirst); err != nil {
			return AssertionResult{}, err
		}
		if sc.PRFSecond != "" {
			if r.PRF.Second, err = codec.DecodeB64U(sc.PRFSecond); err != nil {
				return AssertionResult{}, err
			}
		}
	}
	return r, nil
}
