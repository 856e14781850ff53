// Package confirmflow implements the Secure Confirm Flow described in
// spec.md §4.G: the linear state machine every signing and registration
// request passes through between "a dApp asked for something" and "the
// signer worker produced bytes", including the WYSIWYS confirmation UI,
// the just-in-time VRF refresh, and cancellation/nonce-release semantics.
//
// Grounded on services/automation/marble/service.go's scheduler: an
// explicit state enum, a single goroutine driving one request at a time
// through it, and a stop/cancel channel rather than a generic FSM
// library. infrastructure/resilience/retry.go supplies the JIT refresh's
// backoff shape.
package confirmflow

// State names one step of the linear flow a Request passes through.
// Requests never skip backward; JITRefreshVRF is the only state that can
// be revisited (it loops back into itself across backoff attempts) and
// HandoffToWorker. Unsupported-kind requests fail fast out of Classify.
type State string

const (
	StateClassify            State = "Classify"
	StateFetchContext        State = "FetchContext"
	StateInitialVrfChallenge State = "InitialVrfChallenge"
	StateRenderUI            State = "RenderUI"
	StateJITRefreshVRF       State = "JITRefreshVRF"
	StateCollectCredential   State = "CollectCredential"
	StateHandoffToWorker     State = "HandoffToWorker"
	StateTerminate           State = "Terminate"
)

// RequestKind classifies what a confirm-flow Request is for, decided in
// the Classify state.
type RequestKind string

const (
	// KindLocalOnly requests never reach the chain or the signer worker
	// (e.g. a read-only balance check gated behind a confirmation UI);
	// FetchContext and the signer handoff are both skipped.
	KindLocalOnly RequestKind = "LocalOnly"
	// KindRegistration creates a brand-new passkey + VRF + NEAR keypair.
	KindRegistration RequestKind = "Registration"
	// KindSigning signs one or more NEAR transactions against an
	// existing account.
	KindSigning RequestKind = "Signing"
	// KindDecryptPrivateKey implements spec.md §4.I's
	// DECRYPT_PRIVATE_KEY_WITH_PRF: reveals an account's already-registered
	// key material to its own owner under a local-only confirmation UI.
	// Like KindSigning it reaches the signer worker, but it never touches
	// the nonce manager or broadcasts anything.
	KindDecryptPrivateKey RequestKind = "DecryptPrivateKey"
	// KindUnsupported fails Classify immediately.
	KindUnsupported RequestKind = "Unsupported"
)

// UIMode selects how the confirmation surface is presented.
type UIMode string

const (
	UIModeSkip   UIMode = "skip"
	UIModeModal  UIMode = "modal"
	UIModeDrawer UIMode = "drawer"
)

// Behavior selects whether RenderUI waits for an explicit click or
// proceeds automatically after AutoProceedDelay.
type Behavior string

const (
	BehaviorRequireClick Behavior = "requireClick"
	BehaviorAutoProceed  Behavior = "autoProceed"
)
