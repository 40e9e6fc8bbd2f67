package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/config"
	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/testutils"
)

type testResponse struct {
	Type            string                     `json:"type"`
	SessionID       string                     `json:"sessionId"`
	SDP             string                     `json:"sdp"`
	SignalingState  string                     `json:"signalingState"`
	ConnectionState string                     `json:"connectionState"`
	Report          map[string]json.RawMessage `json:"report"`
	Error           string                     `json:"error"`
}

func fakeTransports(string) (*PeerTransports, error) {
	return &PeerTransports{
		ICEAgent:      testutils.NewFakeICEAgent(),
		DTLSFactory:   &testutils.FakeDTLSFactory{},
		RTPSession:    testutils.NewFakeRTPSession(),
		JitterBuffers: testutils.NewFakeJitterBufferArena(),
	}, nil
}

func newTestServer(t *testing.T) (*PCEngineServer, *httptest.Server) {
	sessions, err := NewSessionManager(SessionManagerParams{
		Config:          rtc.DefaultPeerConnectionConfig(),
		Transports:      fakeTransports,
		ReportCacheSize: 4,
	})
	require.NoError(t, err)

	conf := config.DefaultConfig
	s, err := NewPCEngineServer(&conf, sessions)
	require.NoError(t, err)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		sessions.Close()
		ts.Close()
	})
	return s, ts
}

func dialRTC(t *testing.T, ts *httptest.Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/rtc", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) testResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var res testResponse
		require.NoError(t, conn.ReadJSON(&res))
		if res.Type == typ {
			return res
		}
		require.NotEqual(t, MessageError, res.Type, res.Error)
	}
}

func newClientPeer(t *testing.T) *rtc.PeerConnection {
	pc, err := rtc.NewPeerConnection(rtc.PeerConnectionParams{
		Config:      rtc.DefaultPeerConnectionConfig(),
		ICEAgent:    testutils.NewFakeICEAgent(),
		DTLSFactory: &testutils.FakeDTLSFactory{},
		RTPSession:  testutils.NewFakeRTPSession(),
	})
	require.NoError(t, err)
	t.Cleanup(pc.Close)
	return pc
}

func TestSignalSession(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialRTC(t, ts)

	hello := readUntil(t, conn, MessageState)
	require.NotEmpty(t, hello.SessionID)
	require.Equal(t, webrtc.SignalingStateStable.String(), hello.SignalingState)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := newClientPeer(t)
	_, err := client.AddTransceiver(types.MediaKindAudio, rtc.TransceiverInit{}).Wait(ctx)
	require.NoError(t, err)
	offer, err := client.CreateOffer().Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(SignalRequest{Type: MessageOffer, SDP: offer.SDP}))
	answer := readUntil(t, conn, MessageAnswer)
	require.Contains(t, answer.SDP, "m=audio")

	_, err = client.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}).Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, webrtc.SignalingStateStable, client.SignalingState())

	require.NoError(t, conn.WriteJSON(SignalRequest{Type: MessageStats}))
	stats := readUntil(t, conn, MessageStats)
	require.Contains(t, stats.Report, "PC")
	require.Contains(t, stats.Report, "transport_0")

	t.Run("unknown message", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(SignalRequest{Type: "bogus"}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		for {
			var res testResponse
			require.NoError(t, conn.ReadJSON(&res))
			if res.Type == MessageError {
				require.Contains(t, res.Error, ErrInvalidMessageType.Error())
				break
			}
		}
	})

	t.Run("live stats over http", func(t *testing.T) {
		res, err := http.Get(ts.URL + "/sessions/" + hello.SessionID + "/stats")
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)

		var report map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(res.Body).Decode(&report))
		require.Contains(t, report, "PC")
	})

	t.Run("final report after close", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(SignalRequest{Type: MessageClose}))
		testutils.WithTimeout(t, func() string {
			if _, ok := s.sessions.GetSession(hello.SessionID); ok {
				return "session still live"
			}
			return ""
		})

		report, err := s.sessions.StatsReport(hello.SessionID, nil)
		require.NoError(t, err)
		require.Contains(t, report, "PC")
	})
}

func TestSessionStatsNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/sessions/PC_missing/stats")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res2, err := http.Get(ts.URL + "/sessions/PC_missing/stats?mline=abc")
	require.NoError(t, err)
	defer res2.Body.Close()
	require.Equal(t, http.StatusBadRequest, res2.StatusCode)

	res3, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer res3.Body.Close()
	require.Equal(t, http.StatusOK, res3.StatusCode)
}

func TestSessionManagerRequiresTransports(t *testing.T) {
	_, err := NewSessionManager(SessionManagerParams{})
	require.ErrorIs(t, err, ErrMissingTransportsFn)
}
