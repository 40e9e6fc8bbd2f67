package rtc

import (
	"github.com/pion/webrtc/v3"

	"github.com/livekit/pcengine/pkg/rtc/transport"
)

func collateICEConnectionState(closed bool, states []webrtc.ICETransportState) webrtc.ICEConnectionState {
	if closed {
		return webrtc.ICEConnectionStateClosed
	}

	var anyFailed, anyDisconnected, anyNewOrChecking bool
	allNewOrClosed, allCompletedOrClosed := true, true
	for _, s := range states {
		switch s {
		case webrtc.ICETransportStateFailed:
			anyFailed = true
		case webrtc.ICETransportStateDisconnected:
			anyDisconnected = true
		case webrtc.ICETransportStateNew, webrtc.ICETransportStateChecking:
			anyNewOrChecking = true
		}
		if s != webrtc.ICETransportStateNew && s != webrtc.ICETransportStateClosed {
			allNewOrClosed = false
		}
		if s != webrtc.ICETransportStateCompleted && s != webrtc.ICETransportStateClosed {
			allCompletedOrClosed = false
		}
	}

	switch {
	case anyFailed:
		return webrtc.ICEConnectionStateFailed
	case anyDisconnected:
		return webrtc.ICEConnectionStateDisconnected
	case allNewOrClosed:
		return webrtc.ICEConnectionStateNew
	case anyNewOrChecking:
		return webrtc.ICEConnectionStateChecking
	case allCompletedOrClosed:
		return webrtc.ICEConnectionStateCompleted
	default:
		return webrtc.ICEConnectionStateConnected
	}
}

func collateICEGatheringState(states []webrtc.ICEGathererState) webrtc.ICEGatheringState {
	if len(states) == 0 {
		return webrtc.ICEGatheringStateNew
	}

	allComplete := true
	for _, s := range states {
		switch s {
		case webrtc.ICEGathererStateGathering:
			return webrtc.ICEGatheringStateGathering
		case webrtc.ICEGathererStateComplete, webrtc.ICEGathererStateClosed:
		default:
			allComplete = false
		}
	}
	if allComplete {
		return webrtc.ICEGatheringStateComplete
	}
	return webrtc.ICEGatheringStateNew
}

func collatePeerConnectionState(closed bool, ice []webrtc.ICETransportState, dtls []webrtc.DTLSTransportState) webrtc.PeerConnectionState {
	if closed {
		return webrtc.PeerConnectionStateClosed
	}

	for _, s := range ice {
		if s == webrtc.ICETransportStateFailed {
			return webrtc.PeerConnectionStateFailed
		}
	}
	for _, s := range dtls {
		if s == webrtc.DTLSTransportStateFailed {
			return webrtc.PeerConnectionStateFailed
		}
	}
	for _, s := range ice {
		if s == webrtc.ICETransportStateDisconnected {
			return webrtc.PeerConnectionStateDisconnected
		}
	}

	allNew := true
	for _, s := range ice {
		if s != webrtc.ICETransportStateNew && s != webrtc.ICETransportStateClosed {
			allNew = false
		}
	}
	for _, s := range dtls {
		if s != webrtc.DTLSTransportStateNew && s != webrtc.DTLSTransportStateClosed {
			allNew = false
		}
	}
	if allNew {
		return webrtc.PeerConnectionStateNew
	}

	connected := true
	for _, s := range ice {
		switch s {
		case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted, webrtc.ICETransportStateClosed:
		default:
			connected = false
		}
	}
	for _, s := range dtls {
		if s != webrtc.DTLSTransportStateConnected && s != webrtc.DTLSTransportStateClosed {
			connected = false
		}
	}
	if connected {
		return webrtc.PeerConnectionStateConnected
	}
	return webrtc.PeerConnectionStateConnecting
}

func (pc *PeerConnection) enqueueStateUpdate(name string) {
	runTask(pc, name, func() (struct{}, error) {
		pc.updateConnectionStatesLocked()
		return struct{}{}, nil
	})
}

func (pc *PeerConnection) enqueueGatheringStateUpdate() {
	runTask(pc, "ice-gathering-state-change", func() (struct{}, error) {
		states := make([]webrtc.ICEGathererState, 0, len(pc.streams))
		for _, s := range pc.streams {
			states = append(states, s.ICEStream().GatheringState())
		}
		next := collateICEGatheringState(states)
		if next == pc.iceGatheringState {
			return struct{}{}, nil
		}
		pc.logger.Debugw("ice gathering state changed", "old", pc.iceGatheringState, "new", next)
		pc.iceGatheringState = next
		handler := pc.params.Handler
		pc.dispatch(func() {
			handler.OnICEGatheringStateChange(next)
		})
		return struct{}{}, nil
	})
}

func (pc *PeerConnection) updateConnectionStatesLocked() {
	iceStates := make([]webrtc.ICETransportState, 0, len(pc.streams))
	dtlsStates := make([]webrtc.DTLSTransportState, 0, len(pc.streams))
	for _, s := range pc.streams {
		if s.IsClosed() {
			continue
		}
		iceStates = append(iceStates, s.ICETransport().State())
		dtlsStates = append(dtlsStates, s.DTLSTransport().State())
	}

	closed := pc.signalingState == webrtc.SignalingStateClosed
	handler := pc.params.Handler
	if next := collateICEConnectionState(closed, iceStates); next != pc.iceConnectionState {
		pc.logger.Debugw("ice connection state changed", "old", pc.iceConnectionState, "new", next)
		pc.iceConnectionState = next
		pc.dispatch(func() {
			handler.OnICEConnectionStateChange(next)
		})
	}
	if next := collatePeerConnectionState(closed, iceStates, dtlsStates); next != pc.connectionState {
		pc.logger.Infow("connection state changed", "old", pc.connectionState, "new", next)
		pc.connectionState = next
		pc.dispatch(func() {
			handler.OnConnectionStateChange(next)
		})
	}
}

func (pc *PeerConnection) setSignalingStateLocked(next webrtc.SignalingState) {
	if next == pc.signalingState {
		return
	}
	pc.logger.Debugw("signaling state changed", "old", pc.signalingState, "new", next)
	pc.signalingState = next
	handler := pc.params.Handler
	pc.dispatch(func() {
		handler.OnSignalingStateChange(next)
	})
}

func (pc *PeerConnection) setNegotiationStateLocked(next transport.NegotiationState) {
	if next == pc.negotiationState {
		return
	}
	pc.logger.Debugw("negotiation state changed", "old", pc.negotiationState, "new", next)
	pc.negotiationState = next
	handler := pc.params.Handler
	pc.dispatch(func() {
		handler.OnNegotiationStateChanged(next)
	})
}
