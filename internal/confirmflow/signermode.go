package confirmflow

import "time"

// ConfirmationConfig controls how RenderUI presents a request and how
// long RenderUI waits on the confirmation before giving up, per spec.md §4.G.
type ConfirmationConfig struct {
	UIMode           UIMode
	Behavior         Behavior
	AutoProceedDelay time.Duration // only consulted when Behavior == BehaviorAutoProceed
	PopupTimeout     time.Duration // defaults to DefaultPopupTimeout if zero
}

// DefaultPopupTimeout bounds how long the flow waits on a popup or
// cross-process broker (e.g. an iframe bridge round trip) before
// treating the request as cancelled.
const DefaultPopupTimeout = 25 * time.Second

// DefaultAutoProceedDelay is used when Behavior is BehaviorAutoProceed and
// no explicit delay was configured.
const DefaultAutoProceedDelay = 600 * time.Millisecond

func (c ConfirmationConfig) popupTimeout() time.Duration {
	if c.PopupTimeout > 0 {
		return c.PopupTimeout
	}
	return DefaultPopupTimeout
}

func (c ConfirmationConfig) autoProceedDelay() time.Duration {
	if c.AutoProceedDelay > 0 {
		return c.AutoProceedDelay
	}
	return DefaultAutoProceedDelay
}

// SignerMode names where a request's ConfirmationConfig came from, used
// only to resolve conflicting settings; it never appears on the wire.
type SignerMode struct {
	PerCall *ConfirmationConfig
	Session *ConfirmationConfig
	Process ConfirmationConfig
}

// Resolve applies per-call > session > process precedence, per spec.md
// §4.G: an explicit per-call config always wins, then a session default,
// then the process-wide default every Flow is built with.
func (m SignerMode) Resolve() ConfirmationConfig {
	if m.PerCall != nil {
		return *m.PerCall
	}
	if m.Session != nil {
		return *m.Session
	}
	return m.Process
}
