package rtc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/testutils"
)

func TestNextSignalingState(t *testing.T) {
	type transition struct {
		state webrtc.SignalingState
		local bool
		typ   webrtc.SDPType
		next  webrtc.SignalingState
	}
	valid := []transition{
		{webrtc.SignalingStateStable, true, webrtc.SDPTypeOffer, webrtc.SignalingStateHaveLocalOffer},
		{webrtc.SignalingStateStable, false, webrtc.SDPTypeOffer, webrtc.SignalingStateHaveRemoteOffer},
		{webrtc.SignalingStateHaveLocalOffer, true, webrtc.SDPTypeOffer, webrtc.SignalingStateHaveLocalOffer},
		{webrtc.SignalingStateHaveLocalOffer, false, webrtc.SDPTypePranswer, webrtc.SignalingStateHaveRemotePranswer},
		{webrtc.SignalingStateHaveLocalOffer, false, webrtc.SDPTypeAnswer, webrtc.SignalingStateStable},
		{webrtc.SignalingStateHaveRemoteOffer, false, webrtc.SDPTypeOffer, webrtc.SignalingStateHaveRemoteOffer},
		{webrtc.SignalingStateHaveRemoteOffer, true, webrtc.SDPTypePranswer, webrtc.SignalingStateHaveLocalPranswer},
		{webrtc.SignalingStateHaveRemoteOffer, true, webrtc.SDPTypeAnswer, webrtc.SignalingStateStable},
		{webrtc.SignalingStateHaveLocalPranswer, true, webrtc.SDPTypePranswer, webrtc.SignalingStateHaveLocalPranswer},
		{webrtc.SignalingStateHaveLocalPranswer, true, webrtc.SDPTypeAnswer, webrtc.SignalingStateStable},
		{webrtc.SignalingStateHaveRemotePranswer, false, webrtc.SDPTypePranswer, webrtc.SignalingStateHaveRemotePranswer},
		{webrtc.SignalingStateHaveRemotePranswer, false, webrtc.SDPTypeAnswer, webrtc.SignalingStateStable},
	}
	for _, tr := range valid {
		next, err := nextSignalingState(tr.state, tr.local, tr.typ)
		require.NoError(t, err, "%s %s in %s", side(tr.local), tr.typ, tr.state)
		require.Equal(t, tr.next, next)
	}

	invalid := []transition{
		{state: webrtc.SignalingStateStable, local: true, typ: webrtc.SDPTypeAnswer},
		{state: webrtc.SignalingStateStable, local: false, typ: webrtc.SDPTypePranswer},
		{state: webrtc.SignalingStateHaveLocalOffer, local: false, typ: webrtc.SDPTypeOffer},
		{state: webrtc.SignalingStateHaveLocalOffer, local: true, typ: webrtc.SDPTypeAnswer},
		{state: webrtc.SignalingStateHaveRemoteOffer, local: true, typ: webrtc.SDPTypeOffer},
		{state: webrtc.SignalingStateHaveRemoteOffer, local: false, typ: webrtc.SDPTypeAnswer},
		{state: webrtc.SignalingStateHaveLocalPranswer, local: false, typ: webrtc.SDPTypeAnswer},
		{state: webrtc.SignalingStateHaveRemotePranswer, local: true, typ: webrtc.SDPTypeAnswer},
		{state: webrtc.SignalingStateClosed, local: true, typ: webrtc.SDPTypeOffer},
	}
	for _, tr := range invalid {
		next, err := nextSignalingState(tr.state, tr.local, tr.typ)
		require.ErrorIs(t, err, ErrStateMismatch, "%s %s in %s", side(tr.local), tr.typ, tr.state)
		require.Equal(t, tr.state, next)
	}
}

func TestOfferAnswer(t *testing.T) {
	offerer, answerer := newTestPeer(t), newTestPeer(t)

	audio := wait(t, offerer.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))
	require.Equal(t, types.DirectionSendRecv, audio.Direction())
	require.True(t, offerer.pc.NeedsNegotiation())
	require.Equal(t, transport.NegotiationStateNeeded, offerer.pc.NegotiationState())
	testutils.WithTimeout(t, func() string {
		if offerer.handler.getNegotiationNeeded() != 1 {
			return "negotiation needed not fired"
		}
		return ""
	})

	offer := wait(t, offerer.pc.CreateOffer())
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, offerer.pc.SignalingState())
	require.Equal(t, transport.NegotiationStateRemote, offerer.pc.NegotiationState())
	require.Equal(t, &offer, offerer.pc.LastOffer())
	require.Equal(t, uint32(1), offerer.pc.OfferCount())
	require.Equal(t, offer.SDP, offerer.pc.PendingLocalDescription().SDP)
	require.Nil(t, offerer.pc.CurrentLocalDescription())
	require.Contains(t, offer.SDP, "a=group:BUNDLE audio0")
	require.Contains(t, offer.SDP, "a=setup:actpass")
	require.Equal(t, "audio0", audio.Mid())
	require.True(t, offerer.agent.IsControlling())

	wait(t, answerer.pc.SetRemoteDescription(offer))
	require.Equal(t, webrtc.SignalingStateHaveRemoteOffer, answerer.pc.SignalingState())
	remoteCreated := answerer.pc.Transceivers()
	require.Len(t, remoteCreated, 1)
	require.Equal(t, types.DirectionRecvOnly, remoteCreated[0].Direction())
	require.Equal(t, "audio0", remoteCreated[0].Mid())

	answer := wait(t, answerer.pc.CreateAnswer())
	require.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
	require.Contains(t, answer.SDP, "a=setup:active")
	require.Contains(t, answer.SDP, "a=recvonly")
	require.Nil(t, answerer.pc.PendingRemoteDescription())
	require.Equal(t, offer.SDP, answerer.pc.CurrentRemoteDescription().SDP)

	wait(t, offerer.pc.SetRemoteDescription(answer))
	require.Equal(t, webrtc.SignalingStateStable, offerer.pc.SignalingState())
	require.Nil(t, offerer.pc.PendingLocalDescription())
	require.Equal(t, offer.SDP, offerer.pc.CurrentLocalDescription().SDP)
	require.Equal(t, answer.SDP, offerer.pc.CurrentRemoteDescription().SDP)
	require.Nil(t, offerer.pc.LastOffer())
	require.False(t, offerer.pc.NeedsNegotiation())
	require.Equal(t, transport.NegotiationStateNone, offerer.pc.NegotiationState())

	t.Run("transceivers", func(t *testing.T) {
		require.Equal(t, uint32(0), audio.MLine())
		require.Equal(t, types.DirectionSendOnly, audio.CurrentDirection())
		require.Equal(t, types.DirectionRecvOnly, remoteCreated[0].CurrentDirection())

		tr, ok := offerer.pc.Transceiver(0)
		require.True(t, ok)
		require.Equal(t, audio, tr)
	})

	t.Run("transport streams", func(t *testing.T) {
		stream, ok := offerer.pc.TransportStream(0)
		require.True(t, ok)
		require.True(t, stream.Active())
		require.False(t, stream.DTLSClient())

		pt, ok := stream.GetPT("opus", 0)
		require.True(t, ok)
		require.Equal(t, uint8(96), pt)
		pt, ok = stream.GetPT("PCMU", types.AnyMLine)
		require.True(t, ok)
		require.Equal(t, uint8(0), pt)

		sent, ok := stream.FindSSRC(func(item transport.SSRCItem) bool {
			return item.Direction == types.DirectionSendOnly
		})
		require.True(t, ok)
		require.Equal(t, audio.SSRC(), sent.SSRC)
		require.Equal(t, "audio0", sent.MID)

		remote, ok := answerer.pc.TransportStream(0)
		require.True(t, ok)
		require.True(t, remote.DTLSClient())
		received, ok := remote.FindSSRC(func(item transport.SSRCItem) bool {
			return item.Direction == types.DirectionRecvOnly
		})
		require.True(t, ok)
		require.Equal(t, audio.SSRC(), received.SSRC)
		require.True(t, received.JitterBuffer.IsValid())
	})

	t.Run("transports started", func(t *testing.T) {
		fake, ok := offerer.agent.Stream(0)
		require.True(t, ok)
		ufrag, pwd := fake.RemoteCredentials()
		require.Equal(t, "ufrag0", ufrag)
		require.NotEmpty(t, pwd)

		testutils.WithTimeout(t, func() string {
			if offerer.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
				return "offerer not connected: " + offerer.pc.ConnectionState().String()
			}
			if answerer.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
				return "answerer not connected: " + answerer.pc.ConnectionState().String()
			}
			return ""
		})
		started, controlling := fake.Transport().Started()
		require.True(t, started)
		require.True(t, controlling)
		require.Equal(t, webrtc.ICEConnectionStateConnected, offerer.pc.ICEConnectionState())
	})

	t.Run("renegotiation keeps media line order", func(t *testing.T) {
		video := wait(t, offerer.pc.AddTransceiver(types.MediaKindVideo, TransceiverInit{Direction: types.DirectionSendOnly}))
		require.True(t, offerer.pc.NeedsNegotiation())

		negotiate(t, offerer, answerer)
		require.Equal(t, uint32(1), video.MLine())
		require.Equal(t, "video1", video.Mid())
		require.Equal(t, uint32(0), audio.MLine())
		require.Equal(t, uint32(2), offerer.pc.OfferCount())
		require.Len(t, answerer.pc.Transceivers(), 2)
		require.Len(t, offerer.pc.TransportStreams(), 1)
	})

	t.Run("remove transceiver rejects media line", func(t *testing.T) {
		wait(t, offerer.pc.RemoveTransceiver(audio))
		require.True(t, audio.IsStopped())
		require.True(t, offerer.pc.NeedsNegotiation())

		offer := wait(t, offerer.pc.CreateOffer())
		require.True(t, strings.HasPrefix(strings.Split(offer.SDP, "m=audio ")[1], "0 "))
		wait(t, answerer.pc.SetRemoteDescription(offer))
		answer := wait(t, answerer.pc.CreateAnswer())
		wait(t, offerer.pc.SetRemoteDescription(answer))
		require.False(t, offerer.pc.NeedsNegotiation())
	})
}

func TestStateMismatchAfterCreateOffer(t *testing.T) {
	local, remote := newTestPeer(t), newTestPeer(t)
	wait(t, remote.pc.AddTransceiver(types.MediaKindVideo, TransceiverInit{}))
	remoteOffer := wait(t, remote.pc.CreateOffer())

	wait(t, local.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))
	created := local.pc.CreateOffer()
	applied := local.pc.SetRemoteDescription(remoteOffer)

	offer := wait(t, created)
	require.ErrorIs(t, waitErr(t, applied), ErrStateMismatch)
	require.Equal(t, webrtc.SignalingStateHaveLocalOffer, local.pc.SignalingState())
	require.Equal(t, offer.SDP, local.pc.LocalDescription().SDP)
	require.NotNil(t, local.pc.LastOffer())
	require.Nil(t, local.pc.RemoteDescription())
}

func TestInvalidDescription(t *testing.T) {
	p := newTestPeer(t)

	err := waitErr(t, p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"}))
	require.ErrorIs(t, err, ErrInvalidDescription)
	require.Equal(t, webrtc.SignalingStateStable, p.pc.SignalingState())

	other := newTestPeer(t)
	wait(t, other.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))
	offer := wait(t, other.pc.CreateOffer())
	offer.SDP = strings.ReplaceAll(offer.SDP, "a=fingerprint:", "a=x-fingerprint:")
	err = waitErr(t, p.pc.SetRemoteDescription(offer))
	require.ErrorIs(t, err, ErrMissingFingerprint)
	require.Equal(t, webrtc.SignalingStateStable, p.pc.SignalingState())
	require.Nil(t, p.pc.RemoteDescription())

	require.ErrorIs(t, waitErr(t, p.pc.CreateAnswer()), ErrStateMismatch)
}

func TestRollback(t *testing.T) {
	p := newTestPeer(t)
	audio := wait(t, p.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))
	wait(t, p.pc.CreateOffer())
	require.Equal(t, "audio0", audio.Mid())

	require.ErrorIs(t, waitErr(t, p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})), ErrStateMismatch)

	wait(t, p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}))
	require.Equal(t, webrtc.SignalingStateStable, p.pc.SignalingState())
	require.Nil(t, p.pc.LocalDescription())
	require.Empty(t, audio.Mid())
	require.Equal(t, types.MLineUnassigned, audio.MLine())
	require.True(t, p.pc.NeedsNegotiation())

	testutils.WithTimeout(t, func() string {
		states := p.handler.getSignalingStates()
		if len(states) != 2 || states[0] != webrtc.SignalingStateHaveLocalOffer || states[1] != webrtc.SignalingStateStable {
			return fmt.Sprintf("unexpected signaling states %v", states)
		}
		return ""
	})
}

func TestRemoteRollbackStopsCreatedTransceivers(t *testing.T) {
	offerer, answerer := newTestPeer(t), newTestPeer(t)
	wait(t, offerer.pc.AddTransceiver(types.MediaKindVideo, TransceiverInit{}))
	offer := wait(t, offerer.pc.CreateOffer())

	wait(t, answerer.pc.SetRemoteDescription(offer))
	created := answerer.pc.Transceivers()
	require.Len(t, created, 1)

	wait(t, answerer.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}))
	require.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
	require.True(t, created[0].IsStopped())
	require.False(t, answerer.pc.NeedsNegotiation())
}

func TestTransceiverOperations(t *testing.T) {
	p := newTestPeer(t)

	err := waitErr(t, p.pc.AddTransceiver(types.MediaKindUnknown, TransceiverInit{}))
	require.ErrorIs(t, err, ErrInvalidMediaKind)
	err = waitErr(t, p.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{Direction: types.DirectionStopped}))
	require.ErrorIs(t, err, ErrInvalidDirection)

	tr := wait(t, p.pc.AddTransceiver(types.MediaKindVideo, TransceiverInit{Direction: types.DirectionRecvOnly, SSRC: 1234}))
	require.Equal(t, uint32(1234), tr.SSRC())
	require.Equal(t, types.MLineUnassigned, tr.MLine())
	require.Len(t, tr.Codecs(), 2)

	foreign := newTransceiver(types.MediaKindAudio, TransceiverInit{Direction: types.DirectionSendRecv})
	require.ErrorIs(t, waitErr(t, p.pc.SetTransceiverDirection(foreign, types.DirectionInactive)), ErrUnknownTransceiver)
	require.ErrorIs(t, waitErr(t, p.pc.RemoveTransceiver(foreign)), ErrUnknownTransceiver)
	require.ErrorIs(t, waitErr(t, p.pc.SetTransceiverDirection(tr, types.DirectionNone)), ErrInvalidDirection)

	wait(t, p.pc.SetTransceiverDirection(tr, types.DirectionInactive))
	require.Equal(t, types.DirectionInactive, tr.Direction())

	wait(t, p.pc.RemoveTransceiver(tr))
	require.True(t, tr.IsStopped())
	require.ErrorIs(t, waitErr(t, p.pc.SetTransceiverDirection(tr, types.DirectionSendOnly)), ErrInvalidDirection)
	require.False(t, p.pc.NeedsNegotiation())
}

func TestDirectionChangeWhileOffering(t *testing.T) {
	offerer, answerer := newTestPeer(t), newTestPeer(t)
	audio := wait(t, offerer.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))
	offer := wait(t, offerer.pc.CreateOffer())

	wait(t, offerer.pc.SetTransceiverDirection(audio, types.DirectionRecvOnly))
	require.Equal(t, transport.NegotiationStateRetry, offerer.pc.NegotiationState())
	require.Nil(t, offerer.pc.LastOffer())

	wait(t, answerer.pc.SetRemoteDescription(offer))
	answer := wait(t, answerer.pc.CreateAnswer())
	wait(t, offerer.pc.SetRemoteDescription(answer))
	require.True(t, offerer.pc.NeedsNegotiation())
	require.Equal(t, transport.NegotiationStateNeeded, offerer.pc.NegotiationState())

	negotiate(t, offerer, answerer)
	require.False(t, offerer.pc.NeedsNegotiation())
	// the answerer only receives as well
	require.Equal(t, types.DirectionInactive, audio.CurrentDirection())
}

func TestSetupFailureLeavesStateUntouched(t *testing.T) {
	offerer, answerer := newTestPeer(t), newTestPeer(t)
	wait(t, offerer.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))
	offer := wait(t, offerer.pc.CreateOffer())

	t.Run("dtls transport", func(t *testing.T) {
		answerer.dtls.Fail = true
		err := waitErr(t, answerer.pc.SetRemoteDescription(offer))
		answerer.dtls.Fail = false

		require.ErrorIs(t, err, ErrSetup)
		require.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
		require.Nil(t, answerer.pc.RemoteDescription())
		require.Empty(t, answerer.pc.TransportStreams())
		require.Empty(t, answerer.pc.Transceivers())
	})

	t.Run("remote credentials", func(t *testing.T) {
		answerer.agent.FailRemoteCredentials = true
		err := waitErr(t, answerer.pc.SetRemoteDescription(offer))
		answerer.agent.FailRemoteCredentials = false

		require.ErrorIs(t, err, ErrSetup)
		require.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
		require.Nil(t, answerer.pc.RemoteDescription())
		require.Empty(t, answerer.pc.TransportStreams())
		created := answerer.dtls.Transports()
		require.Len(t, created, 1)
		require.True(t, created[0].IsStopped())
	})

	t.Run("retry", func(t *testing.T) {
		wait(t, answerer.pc.SetRemoteDescription(offer))
		answer := wait(t, answerer.pc.CreateAnswer())
		wait(t, offerer.pc.SetRemoteDescription(answer))

		require.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
		require.Equal(t, webrtc.SignalingStateStable, offerer.pc.SignalingState())
		require.Len(t, answerer.pc.TransportStreams(), 1)
		require.Equal(t, offer.SDP, answerer.pc.CurrentRemoteDescription().SDP)
	})
}

func TestOfferRetransmission(t *testing.T) {
	offerer, answerer := newTestPeer(t), newTestPeer(t)
	video := DefaultCodecs(types.MediaKindVideo)
	sender := wait(t, offerer.pc.AddTransceiver(types.MediaKindVideo, TransceiverInit{
		Direction: types.DirectionSendOnly,
		Codecs:    []types.Codec{video[1], video[0]},
		SSRC:      5000,
	}))

	offer := wait(t, offerer.pc.CreateOffer())
	require.Contains(t, offer.SDP, "a=rtpmap:96 H264/90000")
	require.Contains(t, offer.SDP, "a=rtpmap:97 rtx/90000")
	require.Contains(t, offer.SDP, "a=fmtp:97 apt=96")
	require.Contains(t, offer.SDP, "a=rtpmap:98 VP8/90000")
	require.Contains(t, offer.SDP, "a=fmtp:99 apt=98")
	require.Contains(t, offer.SDP, fmt.Sprintf("a=ssrc-group:FID 5000 %d", sender.RTXSSRC()))

	wait(t, answerer.pc.SetRemoteDescription(offer))
	answer := wait(t, answerer.pc.CreateAnswer())
	require.Contains(t, answer.SDP, "a=fmtp:97 apt=96")
	wait(t, offerer.pc.SetRemoteDescription(answer))

	t.Run("repair ssrc is not received as media", func(t *testing.T) {
		stream, ok := answerer.pc.TransportStream(0)
		require.True(t, ok)
		received := stream.FindAllSSRC(func(item transport.SSRCItem) bool {
			return item.Direction == types.DirectionRecvOnly
		})
		require.Len(t, received, 1)
		require.Equal(t, uint32(5000), received[0].SSRC)
	})

	t.Run("renegotiated offer keeps payload types", func(t *testing.T) {
		// the answerer prefers VP8, yet keeps the payload types negotiated for its line
		reoffer := wait(t, answerer.pc.CreateOffer())
		require.Contains(t, reoffer.SDP, "a=rtpmap:98 VP8/90000")
		require.Contains(t, reoffer.SDP, "a=rtpmap:99 rtx/90000")
		require.Contains(t, reoffer.SDP, "a=fmtp:99 apt=98")
		require.Contains(t, reoffer.SDP, "a=rtpmap:96 H264/90000")
		require.Contains(t, reoffer.SDP, "a=fmtp:97 apt=96")
		require.NotContains(t, reoffer.SDP, "a=ssrc-group:FID")

		wait(t, offerer.pc.SetRemoteDescription(reoffer))
		wait(t, answerer.pc.SetRemoteDescription(wait(t, offerer.pc.CreateAnswer())))
		require.Equal(t, webrtc.SignalingStateStable, answerer.pc.SignalingState())
	})
}
