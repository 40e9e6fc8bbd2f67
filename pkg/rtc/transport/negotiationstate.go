package transport

import "fmt"

type NegotiationState int

const (
	NegotiationStateNone NegotiationState = iota
	// local changes are not reflected in the current descriptions
	NegotiationStateNeeded
	// waiting for remote description
	NegotiationStateRemote
	// changed while waiting for remote, negotiate again once stable
	NegotiationStateRetry
)

func (n NegotiationState) String() string {
	switch n {
	case NegotiationStateNone:
		return "NONE"
	case NegotiationStateNeeded:
		return "NEEDED"
	case NegotiationStateRemote:
		return "WAITING_FOR_REMOTE"
	case NegotiationStateRetry:
		return "RETRY"
	default:
		return fmt.Sprintf("%d", int(n))
	}
}
