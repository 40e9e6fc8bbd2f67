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

package transport

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc/types"
)

type TransportStreamParams struct {
	SessionID   uint32
	ICEAgent    types.ICEAgent
	DTLSFactory types.DTLSTransportFactory
	RTPSession  types.RTPSession
	Logger      logger.Logger
}

// TransportStream binds every media line of one bundle group to a single ICE and DTLS
// transport and holds the tables used to demultiplex packets on it.
type TransportStream struct {
	params TransportStreamParams

	iceStream    types.ICEStream
	iceTransport types.ICETransport
	dtls         types.DTLSTransport
	rtpSession   types.RTPInternalSession

	lock  sync.RWMutex
	pts   payloadTypeMap
	ssrcs ssrcMap

	active          atomic.Bool
	outputConnected atomic.Bool
	closed          atomic.Bool
}

func NewTransportStream(params TransportStreamParams) (*TransportStream, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("sessionID", params.SessionID)

	iceStream, err := params.ICEAgent.AddStream(params.SessionID)
	if err != nil {
		return nil, errors.Wrapf(ErrSetup, "ice stream %d: %v", params.SessionID, err)
	}
	iceTransport, err := params.ICEAgent.FindTransport(iceStream, types.ICEComponentRTP)
	if err != nil {
		return nil, errors.Wrapf(ErrSetup, "ice transport %d: %v", params.SessionID, err)
	}
	dtls, err := params.DTLSFactory.NewDTLSTransport(iceTransport)
	if err != nil {
		return nil, errors.Wrapf(ErrSetup, "dtls transport %d: %v", params.SessionID, err)
	}
	rtpSession, err := params.RTPSession.CreateSession(params.SessionID)
	if err != nil {
		_ = dtls.Stop()
		return nil, errors.Wrapf(ErrSetup, "rtp session %d: %v", params.SessionID, err)
	}

	t := &TransportStream{
		params:       params,
		iceStream:    iceStream,
		iceTransport: iceTransport,
		dtls:         dtls,
		rtpSession:   rtpSession,
	}
	params.Logger.Debugw("transport stream created")
	return t, nil
}

func (t *TransportStream) SessionID() uint32 {
	return t.params.SessionID
}

func (t *TransportStream) Logger() logger.Logger {
	return t.params.Logger
}

func (t *TransportStream) ICEStream() types.ICEStream {
	return t.iceStream
}

func (t *TransportStream) ICETransport() types.ICETransport {
	return t.iceTransport
}

func (t *TransportStream) DTLSTransport() types.DTLSTransport {
	return t.dtls
}

func (t *TransportStream) RTPSession() types.RTPInternalSession {
	return t.rtpSession
}

// SetDTLSClient forwards the role to the DTLS transport, which is the single source of truth
func (t *TransportStream) SetDTLSClient(client bool) {
	t.dtls.SetClient(client)
}

func (t *TransportStream) DTLSClient() bool {
	return t.dtls.IsClient()
}

func (t *TransportStream) SetActive(active bool) {
	t.active.Store(active)
}

func (t *TransportStream) Active() bool {
	return t.active.Load()
}

func (t *TransportStream) SetOutputConnected(connected bool) {
	t.outputConnected.Store(connected)
}

func (t *TransportStream) OutputConnected() bool {
	return t.outputConnected.Load()
}

func (t *TransportStream) AddPayloadType(pt uint8, mline uint32, caps types.Codec) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.pts.upsert(pt, mline, caps)
}

// GetPT returns the first payload type carrying encodingName on mline, AnyMLine matches every line
func (t *TransportStream) GetPT(encodingName string, mline uint32) (uint8, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	matches := t.pts.matching(encodingName, mline)
	if len(matches) == 0 {
		return 0, false
	}
	return matches[0].PT, true
}

func (t *TransportStream) GetAllPT(encodingName string, mline uint32) []PayloadTypeItem {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.pts.matching(encodingName, mline)
}

func (t *TransportStream) CapsForPT(pt uint8) (types.Codec, uint32, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	item, ok := t.pts.get(pt)
	if !ok {
		return types.Codec{}, 0, false
	}
	return item.Caps, item.MLine, true
}

func (t *TransportStream) PayloadTypes(mline uint32) []PayloadTypeItem {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.pts.forMLine(mline)
}

// AddSSRC records a unidirectional SSRC. Receive entries get a jitter buffer from the
// receive pipeline, the handle is stored with the entry.
func (t *TransportStream) AddSSRC(direction types.Direction, ssrc uint32, mline uint32, mid string, rid string, clockRate uint32) error {
	item := SSRCItem{
		Direction: direction,
		SSRC:      ssrc,
		MLine:     mline,
		MID:       mid,
		RID:       rid,
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.ssrcs.add(item); err != nil {
		return err
	}
	last := &t.ssrcs.items[len(t.ssrcs.items)-1]
	switch direction {
	case types.DirectionRecvOnly:
		last.JitterBuffer = t.rtpSession.PrepareReceive(ssrc, clockRate)
	case types.DirectionSendOnly:
		t.rtpSession.AddLocalSource(ssrc, clockRate)
	}
	return nil
}

func (t *TransportStream) FindSSRC(pred func(item SSRCItem) bool) (SSRCItem, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.ssrcs.find(pred)
}

func (t *TransportStream) FindAllSSRC(pred func(item SSRCItem) bool) []SSRCItem {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.ssrcs.findAll(pred)
}

// FilterSSRC keeps only entries satisfying pred and returns the removed ones
func (t *TransportStream) FilterSSRC(pred func(item SSRCItem) bool) []SSRCItem {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.ssrcs.filter(pred)
}

func (t *TransportStream) SSRCs() []SSRCItem {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.ssrcs.all()
}

func (t *TransportStream) SelectedPair() (*types.CandidatePair, bool) {
	return t.params.ICEAgent.SelectedPair(t.iceStream)
}

func (t *TransportStream) IsClosed() bool {
	return t.closed.Load()
}

func (t *TransportStream) Close() {
	if t.closed.Swap(true) {
		return
	}

	if err := t.dtls.Stop(); err != nil {
		t.params.Logger.Warnw("could not stop dtls transport", err)
	}
	if err := t.iceTransport.Stop(); err != nil {
		t.params.Logger.Warnw("could not stop ice transport", err)
	}
	t.params.Logger.Debugw("transport stream closed")
}
