package service

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
)

// PeerTransports are the collaborators of one peer connection
type PeerTransports struct {
	ICEAgent      types.ICEAgent
	DTLSFactory   types.DTLSTransportFactory
	RTPSession    types.RTPSession
	JitterBuffers types.JitterBufferArena
	// Release frees what closing the peer connection leaves behind
	Release func()
}

type TransportFactory func(sessionID string) (*PeerTransports, error)

type SignalSink interface {
	WriteResponse(msg *SignalResponse) (int, error)
}

// Session binds one signal connection to one peer connection. The server always answers
// offers from the client and sends its own offer when negotiation is needed.
type Session struct {
	rtc.UnimplementedHandler

	id         string
	pc         *rtc.PeerConnection
	transports *PeerTransports
	sink       SignalSink
	timeout    time.Duration
	logger     logger.Logger

	offering atomic.Bool
	closed   atomic.Bool
	onClose  func(s *Session, final webrtc.StatsReport)
}

type SessionParams struct {
	ID               string
	Config           rtc.PeerConnectionConfig
	Transports       *PeerTransports
	Sink             SignalSink
	NegotiationLimit time.Duration
	Logger           logger.Logger
	OnClose          func(s *Session, final webrtc.StatsReport)
}

func NewSession(params SessionParams) (*Session, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	s := &Session{
		id:         params.ID,
		transports: params.Transports,
		sink:       params.Sink,
		timeout:    params.NegotiationLimit,
		logger:     params.Logger.WithValues("sessionID", params.ID),
		onClose:    params.OnClose,
	}
	if s.timeout <= 0 {
		s.timeout = 15 * time.Second
	}

	pc, err := rtc.NewPeerConnection(rtc.PeerConnectionParams{
		ID:            params.ID,
		Config:        params.Config,
		ICEAgent:      params.Transports.ICEAgent,
		DTLSFactory:   params.Transports.DTLSFactory,
		RTPSession:    params.Transports.RTPSession,
		JitterBuffers: params.Transports.JitterBuffers,
		Handler:       s,
		Logger:        params.Logger,
	})
	if err != nil {
		return nil, err
	}
	s.pc = pc
	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) PeerConnection() *rtc.PeerConnection {
	return s.pc
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Close tears down the peer connection after taking a last stats report
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	final := s.pc.CreateStatsReport(nil)
	s.pc.Close()
	if s.transports.Release != nil {
		s.transports.Release()
	}
	if s.onClose != nil {
		s.onClose(s, final)
	}
	s.logger.Infow("session closed", "records", len(final))
}

// HandleRequest runs one client message to completion
func (s *Session) HandleRequest(ctx context.Context, req *SignalRequest) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch req.Type {
	case MessageOffer:
		return s.handleOffer(ctx, req.SDP)

	case MessageAnswer:
		defer s.offering.Store(false)
		_, err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: req.SDP}).Wait(ctx)
		return err

	case MessageCandidate:
		candidate := ""
		if req.Candidate != nil {
			candidate = *req.Candidate
		}
		_, err := s.pc.AddICECandidate(req.MLine, candidate).Wait(ctx)
		return err

	case MessageStats:
		report, err := s.pc.GetStats(req.Scope).Wait(ctx)
		if err != nil {
			return err
		}
		return s.write(&SignalResponse{Type: MessageStats, Report: report})

	case MessageClose:
		s.Close()
		return nil

	default:
		return errors.Wrap(ErrInvalidMessageType, req.Type)
	}
}

func (s *Session) handleOffer(ctx context.Context, sdp string) error {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// glare, the client wins
		if _, err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}).Wait(ctx); err != nil {
			return err
		}
		s.offering.Store(false)
	}
	if _, err := s.pc.SetRemoteDescription(offer).Wait(ctx); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer().Wait(ctx)
	if err != nil {
		return err
	}
	return s.write(&SignalResponse{Type: MessageAnswer, SDP: answer.SDP})
}

func (s *Session) sendOffer() {
	if s.closed.Load() || s.offering.Swap(true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	offer, err := s.pc.CreateOffer().Wait(ctx)
	if err != nil {
		s.offering.Store(false)
		if !errors.Is(err, rtc.ErrPeerConnectionClosed) {
			s.logger.Warnw("could not create offer", err)
		}
		return
	}
	if err := s.write(&SignalResponse{Type: MessageOffer, SDP: offer.SDP}); err != nil {
		s.logger.Warnw("could not send offer", err)
	}
}

func (s *Session) write(msg *SignalResponse) error {
	if _, err := s.sink.WriteResponse(msg); err != nil {
		return err
	}
	return nil
}

func (s *Session) writeAsync(msg *SignalResponse) {
	if s.closed.Load() {
		return
	}
	if err := s.write(msg); err != nil {
		s.logger.Debugw("could not write signal response", "type", msg.Type, "error", err)
	}
}

func (s *Session) OnICECandidate(mline uint32, candidate string) {
	s.writeAsync(&SignalResponse{Type: MessageCandidate, Candidate: &candidate, MLine: mline})
}

func (s *Session) OnNegotiationNeeded() {
	// the offer waits on the signaling worker, keep the event goroutine free
	go s.sendOffer()
}

func (s *Session) OnNegotiationStateChanged(state transport.NegotiationState) {
	s.logger.Debugw("negotiation state changed", "state", state)
}

func (s *Session) OnSignalingStateChange(state webrtc.SignalingState) {
	s.writeAsync(&SignalResponse{Type: MessageState, SignalingState: state.String()})
}

func (s *Session) OnConnectionStateChange(state webrtc.PeerConnectionState) {
	s.logger.Infow("connection state changed", "state", state)
	s.writeAsync(&SignalResponse{Type: MessageState, ConnectionState: state.String()})
	if state == webrtc.PeerConnectionStateFailed {
		go s.Close()
	}
}

func (s *Session) OnDataChannel(dc *rtc.DataChannel) {
	s.logger.Infow("data channel accepted", "dataChannel", dc.String())
}
