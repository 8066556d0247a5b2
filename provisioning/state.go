package provisioning

// State is the position of a session in the registration exchange.
type State int

const (
	// StateAwaitingClaimConnect is the state of a session before the claim credential was verified.
	StateAwaitingClaimConnect State = iota

	// StateAwaitingCertRequest waits for a message on one of the certificate topics.
	StateAwaitingCertRequest

	// StateAwaitingProvisionSubmit holds a candidate credential and waits for the template submission.
	StateAwaitingProvisionSubmit

	// StateRegistered is terminal: the thing is registered and its credential active.
	StateRegistered

	// StateRejected is terminal: the exchange failed and the candidate stays inactive.
	StateRejected
)

// stateToString converts a State to its wire representation.
func stateToString(state State) string {
	switch state {
	case StateAwaitingClaimConnect:
		return "AWAITING_CLAIM_CONNECT"
	case StateAwaitingCertRequest:
		return "AWAITING_CERT_REQUEST"
	case StateAwaitingProvisionSubmit:
		return "AWAITING_PROVISION_SUBMIT"
	case StateRegistered:
		return "REGISTERED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) String() string {
	return stateToString(s)
}

// Terminal reports whether no further message is accepted in this state.
func (s State) Terminal() bool {
	return s == StateRegistered || s == StateRejected
}
