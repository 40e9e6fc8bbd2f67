// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/pcengine/pkg/logger"
)

const (
	pingFrequency = 10 * time.Second
	pingTimeout   = 2 * time.Second
)

// signal message types
const (
	MessageOffer     = "offer"
	MessageAnswer    = "answer"
	MessageCandidate = "candidate"
	MessageStats     = "stats"
	MessageState     = "state"
	MessageError     = "error"
	MessageClose     = "close"
)

// SignalRequest is sent by the client
type SignalRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp,omitempty"`
	// Candidate is nil for anything but candidate messages, empty for end of candidates
	Candidate *string `json:"candidate,omitempty"`
	MLine     uint32  `json:"mline,omitempty"`
	// Scope limits a stats request to one media line
	Scope *uint32 `json:"scope,omitempty"`
}

// SignalResponse is sent by the server
type SignalResponse struct {
	Type            string             `json:"type"`
	SessionID       string             `json:"sessionId,omitempty"`
	SDP             string             `json:"sdp,omitempty"`
	Candidate       *string            `json:"candidate,omitempty"`
	MLine           uint32             `json:"mline,omitempty"`
	SignalingState  string             `json:"signalingState,omitempty"`
	ConnectionState string             `json:"connectionState,omitempty"`
	Report          webrtc.StatsReport `json:"report,omitempty"`
	Error           string             `json:"error,omitempty"`
}

type WebsocketClient interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(deadline time.Time) error
	Close() error
}

type WSSignalConnection struct {
	conn WebsocketClient
	mu   sync.Mutex
}

func NewWSSignalConnection(conn WebsocketClient) *WSSignalConnection {
	wsc := &WSSignalConnection{
		conn: conn,
	}
	go wsc.pingWorker()
	return wsc
}

func (c *WSSignalConnection) Close() error {
	return c.conn.Close()
}

func (c *WSSignalConnection) SetReadDeadline(deadline time.Time) error {
	return c.conn.SetReadDeadline(deadline)
}

func (c *WSSignalConnection) ReadRequest() (*SignalRequest, int, error) {
	messageType, payload, err := c.conn.ReadMessage()
	if err != nil {
		return nil, 0, err
	}

	switch messageType {
	case websocket.TextMessage, websocket.BinaryMessage:
		msg := &SignalRequest{}
		err := json.Unmarshal(payload, msg)
		return msg, len(payload), err
	default:
		logger.GetLogger().Debugw("unsupported message", "message", messageType)
		return nil, len(payload), nil
	}
}

func (c *WSSignalConnection) WriteResponse(msg *SignalResponse) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(payload), c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSSignalConnection) pingWorker() {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout))
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
