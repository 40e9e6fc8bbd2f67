package client

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/service"
	"github.com/livekit/pcengine/pkg/testutils"
)

func fakeTransports(string) (*service.PeerTransports, error) {
	return &service.PeerTransports{
		ICEAgent:      testutils.NewFakeICEAgent(),
		DTLSFactory:   &testutils.FakeDTLSFactory{},
		RTPSession:    testutils.NewFakeRTPSession(),
		JitterBuffers: testutils.NewFakeJitterBufferArena(),
	}, nil
}

func TestRTCClientNegotiates(t *testing.T) {
	sessions, err := service.NewSessionManager(service.SessionManagerParams{
		Config:     rtc.DefaultPeerConnectionConfig(),
		Transports: fakeTransports,
	})
	require.NoError(t, err)
	defer sessions.Close()

	ts := httptest.NewServer(service.NewRTCService(sessions, nil))
	defer ts.Close()

	conn, err := NewWebSocketConn("ws" + strings.TrimPrefix(ts.URL, "http"))
	require.NoError(t, err)

	rc, err := NewRTCClient(RTCClientParams{
		Conn:       conn,
		Config:     rtc.DefaultPeerConnectionConfig(),
		Transports: fakeTransports,
		Audio:      1,
		Video:      1,
	})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- rc.Run()
	}()

	testutils.WithTimeout(t, func() string {
		if rc.PeerConnection().CurrentRemoteDescription() == nil {
			return "answer not applied"
		}
		return ""
	})
	require.NotEmpty(t, rc.SessionID())
	_, ok := sessions.GetSession(rc.SessionID())
	require.True(t, ok)

	rc.Stop()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}

	testutils.WithTimeout(t, func() string {
		if _, ok := sessions.GetSession(rc.SessionID()); ok {
			return "server session still live"
		}
		return ""
	})
}
