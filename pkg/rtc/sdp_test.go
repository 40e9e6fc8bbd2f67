package rtc

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
)

const testOffer = `v=0
o=- 4215775240449105457 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE a0 v1
a=fingerprint:sha-256 AA:BB:CC:00
a=setup:actpass
m=audio 9 UDP/TLS/RTP/SAVPF 111 0
c=IN IP4 0.0.0.0
a=mid:a0
a=ice-ufrag:abcd
a=ice-pwd:abcdefghijklmnopqrstuvwx
a=sendrecv
a=rtpmap:111 opus/48000/2
a=fmtp:111 minptime=10;useinbandfec=1
a=rtcp-fb:111 transport-cc
a=rtpmap:0 PCMU/8000
a=ssrc:1234 cname:abc
a=ssrc:1234 msid:s t
a=ssrc:5678 cname:abc
m=video 9 UDP/TLS/RTP/SAVPF 100 101 102
c=IN IP4 0.0.0.0
a=mid:v1
a=ice-ufrag:abcd
a=ice-pwd:abcdefghijklmnopqrstuvwx
a=recvonly
a=rtpmap:100 VP8/90000
a=rtpmap:101 rtx/90000
a=fmtp:101 apt=100
a=rtpmap:102 AV1/90000
`

func parseTestSDP(t *testing.T, text string) *sdp.SessionDescription {
	t.Helper()
	desc := &sdp.SessionDescription{}
	require.NoError(t, desc.Unmarshal([]byte(strings.ReplaceAll(text, "\n", "\r\n"))))
	return desc
}

func TestAssignSessions(t *testing.T) {
	mids := []string{"a0", "v1", "d2"}

	t.Run("no bundle", func(t *testing.T) {
		got := assignSessions(mids, []bool{false, false, false}, [][]string{mids}, false)
		require.Equal(t, []sessionAssignment{{sessionID: 0}, {sessionID: 1}, {sessionID: 2}}, got)
	})

	t.Run("bundle", func(t *testing.T) {
		got := assignSessions(mids, []bool{false, false, false}, [][]string{mids}, true)
		require.Equal(t, []sessionAssignment{{sessionID: 0}, {sessionID: 0}, {sessionID: 0}}, got)
	})

	t.Run("rejected tag moves the bundle", func(t *testing.T) {
		got := assignSessions(mids, []bool{true, false, false}, [][]string{mids}, true)
		require.Equal(t, []sessionAssignment{{sessionID: 0, rejected: true}, {sessionID: 1}, {sessionID: 1}}, got)
	})

	t.Run("partial group", func(t *testing.T) {
		got := assignSessions(mids, []bool{false, false, false}, [][]string{{"v1", "d2"}}, true)
		require.Equal(t, []sessionAssignment{{sessionID: 0}, {sessionID: 1}, {sessionID: 1}}, got)
	})

	t.Run("all rejected", func(t *testing.T) {
		got := assignSessions(mids[:2], []bool{true, true}, [][]string{mids[:2]}, true)
		require.Equal(t, []sessionAssignment{{sessionID: 0, rejected: true}, {sessionID: 1, rejected: true}}, got)
		require.Empty(t, usedSessions(got))
	})

	t.Run("from description", func(t *testing.T) {
		desc := parseTestSDP(t, testOffer)
		require.Equal(t, [][]string{{"a0", "v1"}}, bundleGroups(desc))
		got := sessionAssignmentsFor(desc, BundlePolicyMaxBundle)
		require.Equal(t, []uint32{0}, usedSessions(got))
		got = sessionAssignmentsFor(desc, BundlePolicyNone)
		require.Equal(t, []uint32{0, 1}, usedSessions(got))
	})
}

func TestMediaLineParsing(t *testing.T) {
	desc := parseTestSDP(t, testOffer)
	require.NoError(t, validateDescription(desc))

	audio, idx := mediaForMid(desc, "a0")
	require.Equal(t, 0, idx)
	require.Equal(t, types.DirectionSendRecv, mediaDirection(audio))
	require.Equal(t, []uint32{1234, 5678}, mediaSSRCs(audio))

	codecs := mediaCodecs(audio, types.MediaKindAudio)
	require.Len(t, codecs, 2)
	require.Equal(t, uint8(111), codecs[0].pt)
	require.Equal(t, "opus", codecs[0].codec.EncodingName)
	require.Equal(t, uint16(2), codecs[0].codec.Channels)
	require.Equal(t, "minptime=10;useinbandfec=1", codecs[0].codec.Fmtp)
	require.Equal(t, uint8(0), codecs[1].pt)
	require.Equal(t, "PCMU", codecs[1].codec.EncodingName)

	video, idx := mediaForMid(desc, "v1")
	require.Equal(t, 1, idx)
	require.Equal(t, types.DirectionRecvOnly, mediaDirection(video))

	ufrag, pwd, err := extractICECredential(desc, video)
	require.NoError(t, err)
	require.Equal(t, "abcd", ufrag)
	require.Equal(t, "abcdefghijklmnopqrstuvwx", pwd)

	alg, fingerprint, err := extractFingerprint(desc, video)
	require.NoError(t, err)
	require.Equal(t, "sha-256", alg)
	require.Equal(t, "AA:BB:CC:00", fingerprint)
	require.Equal(t, "actpass", extractSetup(desc, video))

	_, missing := mediaForMid(desc, "x9")
	require.Equal(t, -1, missing)

	t.Run("missing credentials", func(t *testing.T) {
		stripped := parseTestSDP(t, strings.Replace(testOffer, "a=ice-ufrag:abcd\n", "", 1))
		require.ErrorIs(t, validateDescription(stripped), ErrMissingICECredential)
	})

	t.Run("missing fingerprint", func(t *testing.T) {
		stripped := parseTestSDP(t, strings.Replace(testOffer, "a=fingerprint:sha-256 AA:BB:CC:00\n", "", 1))
		require.ErrorIs(t, validateDescription(stripped), ErrMissingFingerprint)
	})
}

func TestIntersectCodecs(t *testing.T) {
	desc := parseTestSDP(t, testOffer)
	video, _ := mediaForMid(desc, "v1")
	offered := mediaCodecs(video, types.MediaKindVideo)
	require.Len(t, offered, 3)

	t.Run("rtx follows its codec", func(t *testing.T) {
		got := intersectCodecs(offered, DefaultCodecs(types.MediaKindVideo))
		require.Len(t, got, 2)
		require.Equal(t, uint8(100), got[0].pt)
		require.Equal(t, uint8(101), got[1].pt)
		require.True(t, got[1].codec.IsRetransmission())
	})

	t.Run("rtx dropped with its codec", func(t *testing.T) {
		got := intersectCodecs(offered, []types.Codec{{Kind: types.MediaKindVideo, EncodingName: "AV1", ClockRate: 90000}})
		require.Len(t, got, 1)
		require.Equal(t, uint8(102), got[0].pt)
	})

	t.Run("nothing in common", func(t *testing.T) {
		require.Empty(t, intersectCodecs(offered, DefaultCodecs(types.MediaKindAudio)))
	})
}

func TestRTXAssociatedPT(t *testing.T) {
	pt, ok := rtxAssociatedPT("apt=100")
	require.True(t, ok)
	require.Equal(t, uint8(100), pt)

	pt, ok = rtxAssociatedPT("rtx-time=3000; apt=96")
	require.True(t, ok)
	require.Equal(t, uint8(96), pt)

	_, ok = rtxAssociatedPT("apt=300")
	require.False(t, ok)
	_, ok = rtxAssociatedPT("")
	require.False(t, ok)
}

func TestPTAllocator(t *testing.T) {
	opus := types.Codec{Kind: types.MediaKindAudio, EncodingName: "opus", ClockRate: 48000, Channels: 2}
	pcmu := types.Codec{Kind: types.MediaKindAudio, EncodingName: "PCMU", ClockRate: 8000, Channels: 1}
	vp8 := types.Codec{Kind: types.MediaKindVideo, EncodingName: "VP8", ClockRate: 90000}

	t.Run("dynamic range", func(t *testing.T) {
		a := newPTAllocator()
		pt, ok := a.allocate(opus, nil)
		require.True(t, ok)
		require.Equal(t, uint8(96), pt)
		pt, ok = a.allocate(pcmu, nil)
		require.True(t, ok)
		require.Equal(t, uint8(0), pt)
		pt, ok = a.allocate(vp8, nil)
		require.True(t, ok)
		require.Equal(t, uint8(97), pt)
	})

	t.Run("previous payload types reused", func(t *testing.T) {
		previous := []transport.PayloadTypeItem{
			{PT: 111, Caps: opus},
			{PT: 120, Caps: vp8},
		}
		a := newPTAllocator()
		pt, ok := a.allocate(vp8, previous)
		require.True(t, ok)
		require.Equal(t, uint8(120), pt)
		pt, ok = a.allocate(opus, previous)
		require.True(t, ok)
		require.Equal(t, uint8(111), pt)

		// taken by the first line, the second gets a fresh one
		pt, ok = a.allocate(vp8, previous)
		require.True(t, ok)
		require.Equal(t, uint8(96), pt)
	})

	t.Run("exhausted", func(t *testing.T) {
		a := newPTAllocator()
		for i := dynamicPTMin; i <= dynamicPTMax; i++ {
			_, ok := a.allocate(vp8, nil)
			require.True(t, ok)
		}
		_, ok := a.allocate(vp8, nil)
		require.False(t, ok)
	})
}

func TestDTLSRoles(t *testing.T) {
	require.Equal(t, "passive", answerSetup("active"))
	require.Equal(t, "active", answerSetup("actpass"))
	require.Equal(t, "active", answerSetup("passive"))

	require.True(t, isDTLSClient("active", "actpass"))
	require.False(t, isDTLSClient("passive", "active"))
	require.True(t, isDTLSClient("actpass", "passive"))
	require.False(t, isDTLSClient("actpass", "active"))
}

func TestMediaSSRCsSkipRepair(t *testing.T) {
	md := sdp.NewJSEPMediaDescription("video", nil).
		WithValueAttribute(sdp.AttrKeySSRCGroup, "FID 1000 2000").
		WithMediaSource(1000, "cname", "stream", "track").
		WithMediaSource(2000, "cname", "stream", "track")
	require.Equal(t, []uint32{1000}, mediaSSRCs(md))
	require.Equal(t, map[uint32]bool{2000: true}, repairSSRCs(md))
}
