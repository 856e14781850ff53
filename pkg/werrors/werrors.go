// Package werrors defines the typed error kinds shared across the wallet
// signing engine and the relay orchestrator, and the plumbing to classify
// an arbitrary error into one of them at an API boundary.
package werrors

import (
	"errors"
	"fmt"
)

// Kind is a stable, wire-safe error classification.
type Kind string

const (
	InvalidInput         Kind = "InvalidInput"
	AccountAlreadyExists Kind = "AccountAlreadyExists"
	AccountMissing       Kind = "AccountMissing"
	LackBalanceForState  Kind = "LackBalanceForState"
	RpcTransient         Kind = "RpcTransient"
	RpcFatal             Kind = "RpcFatal"
	NonceConflict        Kind = "NonceConflict"
	MissingPRF           Kind = "MissingPRF"
	MissingKeyMaterial   Kind = "MissingKeyMaterial"
	DecryptionFailed     Kind = "DecryptionFailed"
	IntentMismatch       Kind = "IntentMismatch"
	UserCancelled        Kind = "UserCancelled"
	AssetMissingOffline  Kind = "AssetMissingOffline"
	ConfigError          Kind = "ConfigError"
	Stale                Kind = "Stale"
	Unknown              Kind = "Unknown"
)

// Error is a werrors-classified error carrying a Kind, a message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error wrapping cause, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Classify extracts the Kind of err. It returns the empty Kind for a nil
// err, and Unknown if err is not a *Error (directly or via an unwrapped
// chain).
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}

// Transient reports whether err should be retried with bounded backoff
// rather than surfaced immediately, per spec.md §7's propagation policy.
func Transient(err error) bool {
	k := Classify(err)
	return k == RpcTransient || k == Stale
}
