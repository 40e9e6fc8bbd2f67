package client

import (
	"container/ring"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/service"
)

const (
	maxLogs          = 256
	negotiationLimit = 15 * time.Second
)

type RTCClientParams struct {
	Conn       *websocket.Conn
	Config     rtc.PeerConnectionConfig
	Transports service.TransportFactory
	Audio      int
	Video      int
	Data       bool
}

// RTCClient drives a local peer connection against a signal server session
type RTCClient struct {
	rtc.UnimplementedHandler

	params  RTCClientParams
	conn    *websocket.Conn
	pc      *rtc.PeerConnection
	release func()

	writeLock sync.Mutex
	sessionID string
	connected core.Fuse
	done      core.Fuse

	OnConnected func()
	OnStats     func(report map[string]json.RawMessage)

	// navigate log ring buffer. saving the last N entries
	logLock sync.Mutex
	writer  *ring.Ring
	reader  *ring.Ring
}

func NewWebSocketConn(host string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimSuffix(host, "/") + "/rtc")
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func NewRTCClient(params RTCClientParams) (*RTCClient, error) {
	logRing := ring.New(maxLogs)
	c := &RTCClient{
		params: params,
		conn:   params.Conn,
		reader: logRing,
		writer: logRing,
	}

	transports, err := params.Transports("client")
	if err != nil {
		return nil, err
	}
	c.release = transports.Release
	c.pc, err = rtc.NewPeerConnection(rtc.PeerConnectionParams{
		ID:            "client",
		Config:        params.Config,
		ICEAgent:      transports.ICEAgent,
		DTLSFactory:   transports.DTLSFactory,
		RTPSession:    transports.RTPSession,
		JitterBuffers: transports.JitterBuffers,
		Handler:       c,
		Logger:        logger.GetLogger().WithName("client"),
	})
	if err != nil {
		if c.release != nil {
			c.release()
		}
		return nil, err
	}
	return c, nil
}

func (c *RTCClient) SessionID() string {
	return c.sessionID
}

func (c *RTCClient) PeerConnection() *rtc.PeerConnection {
	return c.pc
}

// Run offers the configured media lines and handles server messages until the session ends
func (c *RTCClient) Run() error {
	go c.logLoop()
	defer c.close()

	c.conn.SetCloseHandler(func(code int, text string) error {
		// when closed, stop connection
		logger.GetLogger().Infow("connection closed", "code", code, "text", text)
		c.Stop()
		return nil
	})

	go func() {
		<-c.done.Watch()
		_ = c.conn.Close()
	}()

	// the server greets with its session id first
	hello, err := c.readResponse()
	if err != nil {
		return err
	}
	c.sessionID = hello.SessionID
	c.AppendLog("session started", "sessionID", c.sessionID)

	if err := c.offer(); err != nil {
		return err
	}

	for {
		res, err := c.readResponse()
		if err != nil {
			if c.done.IsBroken() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := c.handleResponse(res); err != nil {
			c.AppendLog("could not handle response", "type", res.Type, "error", err)
		}
	}
}

func (c *RTCClient) offer() error {
	ctx, cancel := context.WithTimeout(context.Background(), negotiationLimit)
	defer cancel()

	for i := 0; i < c.params.Audio; i++ {
		if _, err := c.pc.AddTransceiver(types.MediaKindAudio, rtc.TransceiverInit{}).Wait(ctx); err != nil {
			return err
		}
	}
	for i := 0; i < c.params.Video; i++ {
		if _, err := c.pc.AddTransceiver(types.MediaKindVideo, rtc.TransceiverInit{}).Wait(ctx); err != nil {
			return err
		}
	}
	if c.params.Data {
		dc, err := c.pc.CreateDataChannel("default", rtc.DataChannelInit{Ordered: true}).Wait(ctx)
		if err != nil {
			return err
		}
		dc.OnOpen(func() {
			c.AppendLog("data channel open", "label", dc.Label())
		})
	}

	offer, err := c.pc.CreateOffer().Wait(ctx)
	if err != nil {
		return errors.Wrap(err, "create offer")
	}
	c.AppendLog("sending offer")
	return c.SendRequest(&service.SignalRequest{Type: service.MessageOffer, SDP: offer.SDP})
}

// signalResponse keeps stats records as raw JSON
type signalResponse struct {
	service.SignalResponse
	Report map[string]json.RawMessage `json:"report,omitempty"`
}

func (c *RTCClient) handleResponse(res *signalResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), negotiationLimit)
	defer cancel()

	switch res.Type {
	case service.MessageAnswer:
		c.AppendLog("received answer")
		_, err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: res.SDP}).Wait(ctx)
		return err

	case service.MessageOffer:
		// the server renegotiates, answer it
		c.AppendLog("received offer")
		if _, err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: res.SDP}).Wait(ctx); err != nil {
			return err
		}
		answer, err := c.pc.CreateAnswer().Wait(ctx)
		if err != nil {
			return err
		}
		return c.SendRequest(&service.SignalRequest{Type: service.MessageAnswer, SDP: answer.SDP})

	case service.MessageCandidate:
		candidate := ""
		if res.Candidate != nil {
			candidate = *res.Candidate
		}
		c.AppendLog("adding remote candidate", "mline", res.MLine, "candidate", candidate)
		_, err := c.pc.AddICECandidate(res.MLine, candidate).Wait(ctx)
		return err

	case service.MessageState:
		c.AppendLog("server state", "signaling", res.SignalingState, "connection", res.ConnectionState)

	case service.MessageStats:
		if c.OnStats != nil {
			c.OnStats(res.Report)
		}

	case service.MessageError:
		c.AppendLog("server error", "error", res.Error)

	case service.MessageClose:
		c.Stop()
	}
	return nil
}

func (c *RTCClient) readResponse() (*signalResponse, error) {
	res := &signalResponse{}
	if err := c.conn.ReadJSON(res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *RTCClient) SendRequest(req *service.SignalRequest) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteJSON(req)
}

// RequestStats asks the server for its report, optionally scoped to one media line
func (c *RTCClient) RequestStats(scope *uint32) error {
	return c.SendRequest(&service.SignalRequest{Type: service.MessageStats, Scope: scope})
}

func (c *RTCClient) Stop() {
	if c.done.IsBroken() {
		return
	}
	_ = c.SendRequest(&service.SignalRequest{Type: service.MessageClose})
	c.done.Break()
}

func (c *RTCClient) Done() <-chan struct{} {
	return c.done.Watch()
}

func (c *RTCClient) close() {
	c.done.Break()
	c.pc.Close()
	if c.release != nil {
		c.release()
	}
}

func (c *RTCClient) OnICECandidate(mline uint32, candidate string) {
	c.AppendLog("sending trickle candidate", "mline", mline, "candidate", candidate)
	if err := c.SendRequest(&service.SignalRequest{Type: service.MessageCandidate, Candidate: &candidate, MLine: mline}); err != nil {
		c.AppendLog("failed to send ice candidate", "error", err)
	}
}

func (c *RTCClient) OnConnectionStateChange(state webrtc.PeerConnectionState) {
	c.AppendLog("connection state changed", "state", state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if !c.connected.IsBroken() {
			c.connected.Break()
			if c.OnConnected != nil {
				go c.OnConnected()
			}
		}
	case webrtc.PeerConnectionStateFailed:
		c.Stop()
	}
}

func (c *RTCClient) OnDataChannel(dc *rtc.DataChannel) {
	c.AppendLog("data channel accepted", "dataChannel", dc.String())
}

type logEntry struct {
	msg  string
	args []interface{}
}

func (c *RTCClient) AppendLog(msg string, args ...interface{}) {
	c.logLock.Lock()
	defer c.logLock.Unlock()

	c.writer.Value = &logEntry{msg: msg, args: args}
	c.writer = c.writer.Next()
}

func (c *RTCClient) logLoop() {
	for {
		c.logLock.Lock()
		for c.reader != c.writer {
			if val, _ := c.reader.Value.(*logEntry); val != nil {
				logger.GetLogger().Infow(val.msg, val.args...)
			}
			// advance reader until writer
			c.reader = c.reader.Next()
		}
		c.logLock.Unlock()

		// sleep or abort
		select {
		case <-c.done.Watch():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *RTCClient) String() string {
	return fmt.Sprintf("RTCClient{session: %s, signaling: %s}", c.sessionID, c.pc.SignalingState())
}
