package service

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/livekit/pcengine/pkg/logger"
)

// RTCService upgrades /rtc requests to a websocket carrying one peer connection session
type RTCService struct {
	sessions *SessionManager
	upgrader websocket.Upgrader
	logger   logger.Logger
}

func NewRTCService(sessions *SessionManager, l logger.Logger) *RTCService {
	if l == nil {
		l = logger.GetLogger()
	}
	s := &RTCService{
		sessions: sessions,
		upgrader: websocket.Upgrader{},
		logger:   l.WithName("rtc"),
	}

	// allow connections from any origin, since script may be hosted anywhere
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}
	return s
}

func (s *RTCService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Warnw("could not upgrade to WS", err)
		return
	}
	sigConn := NewWSSignalConnection(conn)
	defer sigConn.Close()

	session, err := s.sessions.StartSession(sigConn)
	if err != nil {
		s.logger.Errorw("could not start session", err)
		_, _ = sigConn.WriteResponse(&SignalResponse{Type: MessageError, Error: err.Error()})
		return
	}
	defer session.Close()

	l := s.logger.WithValues("sessionID", session.ID(), "remote", r.RemoteAddr)
	l.Infow("new client WS connected")
	if _, err := sigConn.WriteResponse(&SignalResponse{Type: MessageState, SessionID: session.ID(), SignalingState: session.PeerConnection().SignalingState().String()}); err != nil {
		l.Warnw("error writing to websocket", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		req, _, err := sigConn.ReadRequest()
		if err != nil {
			if !IsWebSocketCloseError(err) {
				l.Errorw("error reading from websocket", err)
			}
			break
		}
		if req == nil {
			continue
		}

		if err := session.HandleRequest(ctx, req); err != nil {
			l.Warnw("could not handle signal request", err, "type", req.Type)
			if _, werr := sigConn.WriteResponse(&SignalResponse{Type: MessageError, Error: err.Error()}); werr != nil {
				break
			}
		}
		if req.Type == MessageClose || session.IsClosed() {
			break
		}
	}
	l.Infow("WS connection closed")
}
