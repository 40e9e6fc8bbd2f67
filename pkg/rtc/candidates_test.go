package rtc

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/testutils"
)

const hostCandidate = "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"

func TestParseCandidate(t *testing.T) {
	t.Run("prefixes", func(t *testing.T) {
		for _, raw := range []string{
			hostCandidate,
			"a=" + hostCandidate,
			strings.TrimPrefix(hostCandidate, "candidate:"),
		} {
			c, err := ParseCandidate(raw)
			require.NoError(t, err, raw)
			require.Equal(t, "1", c.Foundation)
			require.Equal(t, "10.0.0.1", c.Address)
			require.Equal(t, uint16(5000), c.Port)
			require.Equal(t, webrtc.ICEProtocolUDP, c.Protocol)
			require.Equal(t, webrtc.ICECandidateTypeHost, c.Typ)
		}
	})

	t.Run("related address", func(t *testing.T) {
		c, err := ParseCandidate("candidate:2 1 udp 1694498815 203.0.113.9 6000 typ srflx raddr 10.0.0.1 rport 5000")
		require.NoError(t, err)
		require.Equal(t, webrtc.ICECandidateTypeSrflx, c.Typ)
		require.Equal(t, "10.0.0.1", c.RelatedAddress)
		require.Equal(t, uint16(5000), c.RelatedPort)
	})

	t.Run("end of candidates", func(t *testing.T) {
		c, err := ParseCandidate("")
		require.NoError(t, err)
		require.Nil(t, c)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ParseCandidate("candidate:not a candidate")
		require.ErrorIs(t, err, ErrInvalidCandidate)
	})
}

func TestRemoteCandidates(t *testing.T) {
	t.Run("buffered until both descriptions", func(t *testing.T) {
		offerer, answerer := newTestPeer(t), newTestPeer(t)
		wait(t, offerer.pc.AddTransceiver(types.MediaKindAudio, TransceiverInit{}))

		wait(t, answerer.pc.AddICECandidate(0, hostCandidate))
		_, ok := answerer.agent.Stream(0)
		require.False(t, ok)

		offer := wait(t, offerer.pc.CreateOffer())
		wait(t, answerer.pc.SetRemoteDescription(offer))
		stream, ok := answerer.agent.Stream(0)
		require.True(t, ok)
		require.Empty(t, stream.RemoteCandidates())

		answer := wait(t, answerer.pc.CreateAnswer())
		candidates := stream.RemoteCandidates()
		require.Len(t, candidates, 1)
		require.Equal(t, "10.0.0.1", candidates[0].Address)

		wait(t, offerer.pc.SetRemoteDescription(answer))
		wait(t, offerer.pc.AddICECandidate(0, hostCandidate))
		offererStream, ok := offerer.agent.Stream(0)
		require.True(t, ok)
		require.Len(t, offererStream.RemoteCandidates(), 1)
	})

	t.Run("media line out of range", func(t *testing.T) {
		_, answerer, _ := negotiatedAudio(t)
		err := waitErr(t, answerer.pc.AddICECandidate(3, hostCandidate))
		require.ErrorIs(t, err, ErrInvalidCandidate)
	})

	t.Run("invalid candidate", func(t *testing.T) {
		p := newTestPeer(t)
		err := waitErr(t, p.pc.AddICECandidate(0, "candidate:bogus"))
		require.ErrorIs(t, err, ErrInvalidCandidate)
	})

	t.Run("end of candidates", func(t *testing.T) {
		_, answerer, _ := negotiatedAudio(t)
		wait(t, answerer.pc.AddICECandidate(0, ""))
		stream, ok := answerer.agent.Stream(0)
		require.True(t, ok)
		require.Empty(t, stream.RemoteCandidates())
	})
}

func TestLocalCandidates(t *testing.T) {
	offerer, _, _ := negotiatedAudio(t)

	local, err := ParseCandidate(hostCandidate)
	require.NoError(t, err)
	offerer.agent.EmitLocalCandidate(0, local)
	offerer.agent.EmitLocalCandidate(0, nil)

	testutils.WithTimeout(t, func() string {
		candidates := offerer.handler.getCandidates()
		if len(candidates) != 2 {
			return fmt.Sprintf("expected 2 candidates, got %d", len(candidates))
		}
		if !strings.HasSuffix(candidates[0], "10.0.0.1 5000 typ host") {
			return fmt.Sprintf("unexpected candidate %q", candidates[0])
		}
		if candidates[1] != "" {
			return fmt.Sprintf("expected end of candidates, got %q", candidates[1])
		}
		return ""
	})

	testutils.WithTimeout(t, func() string {
		if state := offerer.pc.ICEGatheringState(); state != webrtc.ICEGatheringStateComplete {
			return fmt.Sprintf("gathering state %s", state)
		}
		return ""
	})
}
