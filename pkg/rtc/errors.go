package rtc

import (
	"errors"

	"github.com/livekit/pcengine/pkg/rtc/transport"
)

var (
	ErrStateMismatch        = errors.New("operation not valid in current signaling state")
	ErrSetup                = transport.ErrSetup
	ErrPeerConnectionClosed = errors.New("peer connection closed")

	ErrInvalidDescription   = errors.New("invalid session description")
	ErrInvalidCandidate     = errors.New("invalid ICE candidate")
	ErrUnknownTransceiver   = errors.New("transceiver does not belong to this peer connection")
	ErrInvalidDirection     = errors.New("invalid transceiver direction")
	ErrInvalidMediaKind     = errors.New("unsupported media kind")
	ErrDataChannelIDInUse   = errors.New("data channel id already in use")
	ErrUnknownDataChannel   = errors.New("data channel does not belong to this peer connection")
	ErrNoRemoteDescription  = errors.New("remote description not set")
	ErrMissingICECredential = errors.New("ice credentials missing from media")
	ErrMissingFingerprint   = errors.New("dtls fingerprint missing from media")
)
