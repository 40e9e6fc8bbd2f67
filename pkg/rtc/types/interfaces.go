package types

import (
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

type SDPCodec interface {
	Parse(text string) (*sdp.SessionDescription, error)
	Serialize(desc *sdp.SessionDescription) (string, error)
}

// DTLSTransport runs over one ICE transport. The client role is bound both ways with the
// owning transport stream's dtls_client flag.
type DTLSTransport interface {
	SetClient(client bool)
	IsClient() bool
	Fingerprint() (algorithm string, value string, err error)
	State() webrtc.DTLSTransportState
	OnStateChange(f func(state webrtc.DTLSTransportState))
	// Start performs the handshake and blocks until it completes
	Start(remoteAlgorithm string, remoteFingerprint string) error
	Stop() error
}

type DTLSTransportFactory interface {
	NewDTLSTransport(ice ICETransport) (DTLSTransport, error)
}

// SourceStats is one RTP source known to an internal session, local or remote
type SourceStats struct {
	SSRC      uint32
	ClockRate uint32
	// Internal is true for locally originated sources
	Internal bool
	// HaveRB is true once a reception report about this source has been received
	HaveRB bool
	// HaveSR is true once a sender report from this source has been received
	HaveSR bool

	OctetsSent      uint64
	PacketsSent     uint64
	OctetsReceived  uint64
	PacketsReceived uint64
	LastPacketAt    time.Time

	// computed locally for external sources
	PacketsLost int32
	Jitter      uint32

	// reception report blocks about an internal source
	RBFractionLost uint8
	RBPacketsLost  int32
	RBJitter       uint32
	RBRoundTrip    time.Duration

	// sender report fields from an external source
	SRPacketCount uint32
	SROctetCount  uint32
	SRNTPTime     uint64
	SRReceivedAt  time.Time

	FIRCount  uint32
	PLICount  uint32
	NACKCount uint32
}

type TWCCStats struct {
	FeedbackCount   uint32
	PacketsReported uint64
	PacketsReceived uint64
	PacketsLost     uint64
}

type RTPInternalSession interface {
	SessionID() uint32
	// AddLocalSource registers a locally originated SSRC with the send pipeline
	AddLocalSource(ssrc uint32, clockRate uint32)
	// PrepareReceive creates the jitter buffer for a remote SSRC, reusing an existing one
	PrepareReceive(ssrc uint32, clockRate uint32) JitterBufferHandle
	Sources() []SourceStats
	TWCCStats() TWCCStats
}

type RTPSession interface {
	// CreateSession builds the send and receive pipelines for sessionID, reusing existing ones
	CreateSession(sessionID uint32) (RTPInternalSession, error)
	InternalSession(sessionID uint32) (RTPInternalSession, bool)
}

// JitterBufferHandle locates a jitter buffer inside an arena owned by the receive pipeline.
// The zero handle refers to nothing.
type JitterBufferHandle struct {
	Index      uint32
	Generation uint32
}

func (h JitterBufferHandle) IsValid() bool {
	return h.Generation != 0
}

type JitterBufferStats struct {
	NumLost         uint64
	NumDuplicates   uint64
	NumLate         uint64
	RTXSuccessCount uint64
}

type JitterBufferArena interface {
	// Resolve reports false once the buffer behind the handle has been released
	Resolve(h JitterBufferHandle) (JitterBufferStats, bool)
}
