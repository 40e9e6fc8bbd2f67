package rtc

import (
	"github.com/pion/webrtc/v3"

	"github.com/livekit/pcengine/pkg/rtc/transport"
)

// Handler receives peer connection events. Events are delivered in order on a single
// goroutine, never with the peer connection lock held.
type Handler interface {
	// OnICECandidate is called with an empty candidate once gathering for mline completes
	OnICECandidate(mline uint32, candidate string)
	OnNegotiationNeeded()
	OnNegotiationStateChanged(state transport.NegotiationState)
	OnSignalingStateChange(state webrtc.SignalingState)
	OnICEConnectionStateChange(state webrtc.ICEConnectionState)
	OnICEGatheringStateChange(state webrtc.ICEGatheringState)
	OnConnectionStateChange(state webrtc.PeerConnectionState)
	OnDataChannel(dc *DataChannel)
}

type UnimplementedHandler struct{}

func (h UnimplementedHandler) OnICECandidate(mline uint32, candidate string)              {}
func (h UnimplementedHandler) OnNegotiationNeeded()                                       {}
func (h UnimplementedHandler) OnNegotiationStateChanged(state transport.NegotiationState) {}
func (h UnimplementedHandler) OnSignalingStateChange(state webrtc.SignalingState)         {}
func (h UnimplementedHandler) OnICEConnectionStateChange(state webrtc.ICEConnectionState) {}
func (h UnimplementedHandler) OnICEGatheringStateChange(state webrtc.ICEGatheringState)   {}
func (h UnimplementedHandler) OnConnectionStateChange(state webrtc.PeerConnectionState)   {}
func (h UnimplementedHandler) OnDataChannel(dc *DataChannel)                              {}
