package neartx

// ActionSummary is the WYSIWYS-rendered view of one Action: a human
// label plus the handful of fields worth showing the user before they
// approve a signature, per spec.md §4.G. It is derived directly from the
// same Action the signer worker encodes, never from a separate
// presentation-only model, so what is rendered and what is signed can
// never drift apart.
type ActionSummary struct {
	Kind       string
	Deposit    string // decimal yoctoNEAR, empty if not applicable
	MethodName string // FunctionCall only
	Gas        uint64 // FunctionCall only
}

// SummarizeActions renders a batch of Actions for display.
func SummarizeActions(actions []Action) []ActionSummary {
	out := make([]ActionSummary, 0, len(actions))
	for _, a := range actions {
		s := ActionSummary{Kind: a.Kind()}
		switch v := a.(type) {
		case Transfer:
			s.Deposit = v.Deposit
		case FunctionCall:
			s.MethodName = v.MethodName
			s.Gas = v.Gas
			s.Deposit = v.Deposit
		case Stake:
			s.Deposit = v.Stake
		}
		out = append(out, s)
	}
	return out
}
