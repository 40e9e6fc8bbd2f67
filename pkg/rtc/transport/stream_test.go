package transport

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/testutils"
)

func newTestStream(t *testing.T) (*TransportStream, *testutils.FakeRTPSession) {
	rtpSession := testutils.NewFakeRTPSession()
	ts, err := NewTransportStream(TransportStreamParams{
		SessionID:   1,
		ICEAgent:    testutils.NewFakeICEAgent(),
		DTLSFactory: &testutils.FakeDTLSFactory{},
		RTPSession:  rtpSession,
	})
	require.NoError(t, err)
	return ts, rtpSession
}

func vp8() types.Codec {
	return types.Codec{Kind: types.MediaKindVideo, EncodingName: "VP8", ClockRate: 90000}
}

func TestTransportStreamSetup(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		ts, rtpSession := newTestStream(t)
		require.Equal(t, uint32(1), ts.SessionID())
		_, ok := rtpSession.Session(1)
		require.True(t, ok)
	})

	failures := map[string]func(p *TransportStreamParams){
		"ice stream":    func(p *TransportStreamParams) { p.ICEAgent.(*testutils.FakeICEAgent).FailAddStream = true },
		"ice transport": func(p *TransportStreamParams) { p.ICEAgent.(*testutils.FakeICEAgent).FailFindTransport = true },
		"dtls":          func(p *TransportStreamParams) { p.DTLSFactory.(*testutils.FakeDTLSFactory).Fail = true },
		"rtp session":   func(p *TransportStreamParams) { p.RTPSession.(*testutils.FakeRTPSession).Fail = true },
	}
	for name, inject := range failures {
		t.Run(name, func(t *testing.T) {
			params := TransportStreamParams{
				SessionID:   3,
				ICEAgent:    testutils.NewFakeICEAgent(),
				DTLSFactory: &testutils.FakeDTLSFactory{},
				RTPSession:  testutils.NewFakeRTPSession(),
			}
			inject(&params)
			ts, err := NewTransportStream(params)
			require.Nil(t, ts)
			require.True(t, errors.Is(err, ErrSetup))
		})
	}
}

func TestDTLSClientBinding(t *testing.T) {
	ts, _ := newTestStream(t)
	require.False(t, ts.DTLSClient())

	ts.SetDTLSClient(true)
	require.True(t, ts.DTLSTransport().IsClient())

	ts.DTLSTransport().SetClient(false)
	require.False(t, ts.DTLSClient())
}

func TestPayloadTypes(t *testing.T) {
	ts, _ := newTestStream(t)

	ts.AddPayloadType(96, 0, vp8())
	ts.AddPayloadType(97, 0, types.Codec{Kind: types.MediaKindVideo, EncodingName: "rtx", ClockRate: 90000, Fmtp: "apt=96"})
	ts.AddPayloadType(98, 1, vp8())
	ts.AddPayloadType(111, 2, types.Codec{Kind: types.MediaKindAudio, EncodingName: "opus", ClockRate: 48000, Channels: 2})

	t.Run("all in insertion order", func(t *testing.T) {
		items := ts.GetAllPT("vp8", types.AnyMLine)
		require.Len(t, items, 2)
		require.Equal(t, uint8(96), items[0].PT)
		require.Equal(t, uint8(98), items[1].PT)
	})

	t.Run("scoped to mline", func(t *testing.T) {
		items := ts.GetAllPT("VP8", 1)
		require.Len(t, items, 1)
		require.Equal(t, uint8(98), items[0].PT)

		pt, ok := ts.GetPT("VP8", 0)
		require.True(t, ok)
		require.Equal(t, uint8(96), pt)
	})

	t.Run("no match is empty", func(t *testing.T) {
		require.Empty(t, ts.GetAllPT("H264", types.AnyMLine))
		_, ok := ts.GetPT("H264", types.AnyMLine)
		require.False(t, ok)
	})

	t.Run("upsert", func(t *testing.T) {
		ts.AddPayloadType(96, 3, types.Codec{Kind: types.MediaKindVideo, EncodingName: "H264", ClockRate: 90000})
		caps, mline, ok := ts.CapsForPT(96)
		require.True(t, ok)
		require.Equal(t, "H264", caps.EncodingName)
		require.Equal(t, uint32(3), mline)
		require.Len(t, ts.PayloadTypes(types.AnyMLine), 4)

		items := ts.GetAllPT("VP8", types.AnyMLine)
		require.Len(t, items, 1)
		require.Equal(t, uint8(98), items[0].PT)
	})
}

func TestSSRCs(t *testing.T) {
	t.Run("rejects bidirectional", func(t *testing.T) {
		ts, _ := newTestStream(t)
		for _, dir := range []types.Direction{types.DirectionNone, types.DirectionSendRecv, types.DirectionInactive, types.DirectionStopped} {
			err := ts.AddSSRC(dir, 1234, 0, "0", "", 90000)
			require.ErrorIs(t, err, ErrInvalidSSRCDirection)
		}
		require.Empty(t, ts.SSRCs())
	})

	t.Run("rejects zero", func(t *testing.T) {
		ts, _ := newTestStream(t)
		require.ErrorIs(t, ts.AddSSRC(types.DirectionSendOnly, 0, 0, "0", "", 90000), ErrInvalidSSRC)
		require.ErrorIs(t, ts.AddSSRC(types.DirectionRecvOnly, 0, 0, "0", "", 90000), ErrInvalidSSRC)
	})

	t.Run("receive gets a jitter buffer", func(t *testing.T) {
		ts, rtpSession := newTestStream(t)
		require.NoError(t, ts.AddSSRC(types.DirectionRecvOnly, 1000, 0, "0", "", 90000))
		require.NoError(t, ts.AddSSRC(types.DirectionSendOnly, 2000, 0, "0", "", 90000))

		recv, ok := ts.FindSSRC(func(item SSRCItem) bool { return item.SSRC == 1000 })
		require.True(t, ok)
		require.True(t, recv.JitterBuffer.IsValid())

		send, ok := ts.FindSSRC(func(item SSRCItem) bool { return item.SSRC == 2000 })
		require.True(t, ok)
		require.False(t, send.JitterBuffer.IsValid())

		session, _ := rtpSession.Session(1)
		require.Equal(t, []uint32{2000}, session.LocalSources())
	})

	t.Run("duplicates kept until filtered", func(t *testing.T) {
		ts, _ := newTestStream(t)
		require.NoError(t, ts.AddSSRC(types.DirectionRecvOnly, 1000, 0, "0", "", 90000))
		require.NoError(t, ts.AddSSRC(types.DirectionRecvOnly, 1000, 0, "0", "", 90000))
		require.NoError(t, ts.AddSSRC(types.DirectionRecvOnly, 3000, 1, "1", "", 90000))
		require.Len(t, ts.FindAllSSRC(func(item SSRCItem) bool { return item.SSRC == 1000 }), 2)

		removed := ts.FilterSSRC(func(item SSRCItem) bool { return item.MLine != 0 })
		require.Len(t, removed, 2)
		remaining := ts.SSRCs()
		require.Len(t, remaining, 1)
		require.Equal(t, uint32(3000), remaining[0].SSRC)

		_, ok := ts.FindSSRC(func(item SSRCItem) bool { return item.SSRC == 1000 })
		require.False(t, ok)
	})
}

func TestTransportStreamClose(t *testing.T) {
	ts, _ := newTestStream(t)
	ts.Close()
	require.True(t, ts.IsClosed())
	require.True(t, ts.DTLSTransport().(*testutils.FakeDTLSTransport).IsStopped())
	ts.Close()
}
