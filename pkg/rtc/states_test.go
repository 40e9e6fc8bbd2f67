package rtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func TestCollateICEConnectionState(t *testing.T) {
	tests := []struct {
		name   string
		closed bool
		states []webrtc.ICETransportState
		want   webrtc.ICEConnectionState
	}{
		{"no transports", false, nil, webrtc.ICEConnectionStateNew},
		{"closed wins", true, []webrtc.ICETransportState{webrtc.ICETransportStateFailed}, webrtc.ICEConnectionStateClosed},
		{"all new", false, []webrtc.ICETransportState{webrtc.ICETransportStateNew, webrtc.ICETransportStateClosed}, webrtc.ICEConnectionStateNew},
		{"failed", false, []webrtc.ICETransportState{webrtc.ICETransportStateConnected, webrtc.ICETransportStateFailed}, webrtc.ICEConnectionStateFailed},
		{"disconnected", false, []webrtc.ICETransportState{webrtc.ICETransportStateChecking, webrtc.ICETransportStateDisconnected}, webrtc.ICEConnectionStateDisconnected},
		{"checking", false, []webrtc.ICETransportState{webrtc.ICETransportStateNew, webrtc.ICETransportStateChecking}, webrtc.ICEConnectionStateChecking},
		{"one still new", false, []webrtc.ICETransportState{webrtc.ICETransportStateConnected, webrtc.ICETransportStateNew}, webrtc.ICEConnectionStateChecking},
		{"completed", false, []webrtc.ICETransportState{webrtc.ICETransportStateCompleted, webrtc.ICETransportStateClosed}, webrtc.ICEConnectionStateCompleted},
		{"connected", false, []webrtc.ICETransportState{webrtc.ICETransportStateCompleted, webrtc.ICETransportStateConnected}, webrtc.ICEConnectionStateConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, collateICEConnectionState(tt.closed, tt.states))
		})
	}
}

func TestCollateICEGatheringState(t *testing.T) {
	require.Equal(t, webrtc.ICEGatheringStateNew, collateICEGatheringState(nil))
	require.Equal(t, webrtc.ICEGatheringStateNew, collateICEGatheringState([]webrtc.ICEGathererState{
		webrtc.ICEGathererStateNew, webrtc.ICEGathererStateComplete,
	}))
	require.Equal(t, webrtc.ICEGatheringStateGathering, collateICEGatheringState([]webrtc.ICEGathererState{
		webrtc.ICEGathererStateComplete, webrtc.ICEGathererStateGathering,
	}))
	require.Equal(t, webrtc.ICEGatheringStateComplete, collateICEGatheringState([]webrtc.ICEGathererState{
		webrtc.ICEGathererStateComplete, webrtc.ICEGathererStateClosed,
	}))
}

func TestCollatePeerConnectionState(t *testing.T) {
	tests := []struct {
		name   string
		closed bool
		ice    []webrtc.ICETransportState
		dtls   []webrtc.DTLSTransportState
		want   webrtc.PeerConnectionState
	}{
		{
			name: "no transports",
			want: webrtc.PeerConnectionStateNew,
		},
		{
			name:   "closed",
			closed: true,
			ice:    []webrtc.ICETransportState{webrtc.ICETransportStateConnected},
			want:   webrtc.PeerConnectionStateClosed,
		},
		{
			name: "dtls failed",
			ice:  []webrtc.ICETransportState{webrtc.ICETransportStateConnected},
			dtls: []webrtc.DTLSTransportState{webrtc.DTLSTransportStateFailed},
			want: webrtc.PeerConnectionStateFailed,
		},
		{
			name: "ice failed before disconnected",
			ice:  []webrtc.ICETransportState{webrtc.ICETransportStateDisconnected, webrtc.ICETransportStateFailed},
			dtls: []webrtc.DTLSTransportState{webrtc.DTLSTransportStateConnected, webrtc.DTLSTransportStateConnected},
			want: webrtc.PeerConnectionStateFailed,
		},
		{
			name: "disconnected",
			ice:  []webrtc.ICETransportState{webrtc.ICETransportStateDisconnected},
			dtls: []webrtc.DTLSTransportState{webrtc.DTLSTransportStateConnected},
			want: webrtc.PeerConnectionStateDisconnected,
		},
		{
			name: "all new",
			ice:  []webrtc.ICETransportState{webrtc.ICETransportStateNew},
			dtls: []webrtc.DTLSTransportState{webrtc.DTLSTransportStateNew},
			want: webrtc.PeerConnectionStateNew,
		},
		{
			name: "dtls handshaking",
			ice:  []webrtc.ICETransportState{webrtc.ICETransportStateConnected},
			dtls: []webrtc.DTLSTransportState{webrtc.DTLSTransportStateConnecting},
			want: webrtc.PeerConnectionStateConnecting,
		},
		{
			name: "connected",
			ice:  []webrtc.ICETransportState{webrtc.ICETransportStateCompleted, webrtc.ICETransportStateClosed},
			dtls: []webrtc.DTLSTransportState{webrtc.DTLSTransportStateConnected, webrtc.DTLSTransportStateClosed},
			want: webrtc.PeerConnectionStateConnected,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, collatePeerConnectionState(tt.closed, tt.ice, tt.dtls))
		})
	}
}
