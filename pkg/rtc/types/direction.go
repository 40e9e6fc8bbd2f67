package types

type Direction int

const (
	DirectionNone Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionSendRecv
	DirectionInactive
	DirectionStopped
)

func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionInactive:
		return "inactive"
	case DirectionStopped:
		return "stopped"
	}
	return "none"
}

// DirectionFromAttribute maps an SDP direction attribute key, sendrecv when absent
func DirectionFromAttribute(attr string) Direction {
	switch attr {
	case "sendonly":
		return DirectionSendOnly
	case "recvonly":
		return DirectionRecvOnly
	case "sendrecv", "":
		return DirectionSendRecv
	case "inactive":
		return DirectionInactive
	default:
		return DirectionNone
	}
}

func (d Direction) Sends() bool {
	return d == DirectionSendOnly || d == DirectionSendRecv
}

func (d Direction) Receives() bool {
	return d == DirectionRecvOnly || d == DirectionSendRecv
}

// Reverse gives the direction the remote side sees
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

// IntersectAnswer computes the answerer's direction from the offered one and the local preference
func IntersectAnswer(offered Direction, local Direction) Direction {
	if offered == DirectionStopped || local == DirectionStopped {
		return DirectionInactive
	}
	send := local.Sends() && offered.Receives()
	recv := local.Receives() && offered.Sends()
	switch {
	case send && recv:
		return DirectionSendRecv
	case send:
		return DirectionSendOnly
	case recv:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}
