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

package rtc

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/telemetry/prometheus"
	"github.com/livekit/pcengine/pkg/utils"
)

var (
	ErrMissingICEAgent    = errors.New("ice agent is required")
	ErrMissingDTLSFactory = errors.New("dtls transport factory is required")
	ErrMissingRTPSession  = errors.New("rtp session is required")
)

type PeerConnectionParams struct {
	ID          string
	Config      PeerConnectionConfig
	ICEAgent    types.ICEAgent
	DTLSFactory types.DTLSTransportFactory
	RTPSession  types.RTPSession
	// JitterBuffers resolves receive-side jitter buffer handles, receive counters are
	// left out of stats reports when nil
	JitterBuffers types.JitterBufferArena
	SDPCodec      types.SDPCodec
	Handler       Handler
	Logger        logger.Logger
}

// TaskFunc runs on the signaling worker with the peer connection lock held
type TaskFunc func(pc *PeerConnection, data interface{}) (interface{}, error)

type PeerConnection struct {
	params PeerConnectionParams
	id     string
	cname  string
	logger logger.Logger

	opsQueue *utils.OpsQueue

	eventsLock                 sync.Mutex
	events                     *workerpool.WorkerPool
	eventsStopped              bool
	debouncedNegotiationNeeded func(f func())

	lock                     sync.RWMutex
	signalingState           webrtc.SignalingState
	iceConnectionState       webrtc.ICEConnectionState
	iceGatheringState        webrtc.ICEGatheringState
	connectionState          webrtc.PeerConnectionState
	currentLocalDescription  *description
	pendingLocalDescription  *description
	currentRemoteDescription *description
	pendingRemoteDescription *description
	provisionalAnswer        *description
	provisionalIsLocal       bool
	transceivers             []*Transceiver
	streams                  []*transport.TransportStream
	streamIndex              *orderedmap.OrderedMap[uint32, int]
	startedStreams           map[uint32]bool
	dataTransport            *DataChannelTransport
	dataMid                  string
	isOfferer                bool
	needNegotiation          bool
	renegotiateAfterAnswer   bool
	negotiationState         transport.NegotiationState
	mediaCounter             uint32
	offerCount               uint32
	lastOffer                *webrtc.SessionDescription
	lastAnswer               *webrtc.SessionDescription

	dataChannels dataChannels

	candidateLock           sync.Mutex
	pendingRemoteCandidates []remoteCandidate
	pendingLocalCandidates  []localCandidate

	closed core.Fuse
}

func NewPeerConnection(params PeerConnectionParams) (*PeerConnection, error) {
	switch {
	case params.ICEAgent == nil:
		return nil, ErrMissingICEAgent
	case params.DTLSFactory == nil:
		return nil, ErrMissingDTLSFactory
	case params.RTPSession == nil:
		return nil, ErrMissingRTPSession
	}
	if params.ID == "" {
		params.ID = utils.NewGuid(utils.PeerConnectionPrefix)
	}
	if params.SDPCodec == nil {
		params.SDPCodec = transport.PionSDPCodec{}
	}
	if params.Handler == nil {
		params.Handler = UnimplementedHandler{}
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.Config.TaskQueueWarnSize <= 0 {
		params.Config.TaskQueueWarnSize = defaultTaskQueueWarnSize
	}
	if params.Config.NegotiationDebounce <= 0 {
		params.Config.NegotiationDebounce = defaultNegotiationDebounce
	}
	cname := params.Config.CNAME
	if cname == "" {
		cname = utils.RandomString(16)
	}

	l := params.Logger.WithValues("pcID", params.ID)
	pc := &PeerConnection{
		params:                     params,
		id:                         params.ID,
		cname:                      cname,
		logger:                     l,
		opsQueue:                   utils.NewOpsQueue(l, "signaling", params.Config.TaskQueueWarnSize),
		events:                     workerpool.New(1),
		debouncedNegotiationNeeded: debounce.New(params.Config.NegotiationDebounce),
		signalingState:             webrtc.SignalingStateStable,
		iceConnectionState:         webrtc.ICEConnectionStateNew,
		iceGatheringState:          webrtc.ICEGatheringStateNew,
		connectionState:            webrtc.PeerConnectionStateNew,
		streamIndex:                orderedmap.NewOrderedMap[uint32, int](),
		startedStreams:             make(map[uint32]bool),
		negotiationState:           transport.NegotiationStateNone,
	}

	params.ICEAgent.OnLocalCandidate(pc.onLocalCandidate)
	params.ICEAgent.OnStateChange(func(sessionID uint32, state webrtc.ICETransportState) {
		pc.enqueueStateUpdate("ice-state-change")
	})
	params.ICEAgent.OnGatheringStateChange(func(sessionID uint32, state webrtc.ICEGathererState) {
		pc.enqueueGatheringStateUpdate()
	})

	pc.opsQueue.Start()
	prometheus.AddPeerConnection()
	pc.logger.Debugw("peer connection created", "bundlePolicy", params.Config.BundlePolicy)
	return pc, nil
}

func (pc *PeerConnection) ID() string {
	return pc.id
}

func (pc *PeerConnection) Logger() logger.Logger {
	return pc.logger
}

// enqueue appends a task to the signaling queue. run executes with the PC lock held and
// may return a completion that runs after the lock is released. drop is called instead
// of run once the peer connection is closed, including when it closes while queued.
func (pc *PeerConnection) enqueue(name string, run func() func(), drop func()) error {
	err := pc.opsQueue.Enqueue(name, func() {
		pc.lock.Lock()
		if pc.closed.IsBroken() {
			pc.lock.Unlock()
			drop()
			return
		}
		complete := run()
		pc.lock.Unlock()

		if complete != nil {
			complete()
		}
	}, drop)
	if err != nil {
		drop()
		return ErrPeerConnectionClosed
	}
	return nil
}

// runTask queues op and settles the returned promise with its outcome. A promise
// canceled before the task starts skips op.
func runTask[T any](pc *PeerConnection, name string, op func() (T, error)) *utils.Promise[T] {
	promise := utils.NewPromise[T]()
	_ = pc.enqueue(name, func() func() {
		if promise.IsSettled() {
			return nil
		}
		start := time.Now()
		value, err := op()
		elapsed := time.Since(start)
		return func() {
			prometheus.RecordSignalingTask(name, elapsed, err)
			if err != nil {
				pc.logger.Debugw("task failed", "task", name, "error", err)
				promise.Reject(err)
				return
			}
			promise.Resolve(value)
		}
	}, func() {
		prometheus.RecordSignalingTask(name, 0, ErrPeerConnectionClosed)
		promise.Reject(ErrPeerConnectionClosed)
	})
	return promise
}

// EnqueueTask runs op on the signaling worker. destroy is called with data exactly once,
// after op returns or when the task is dropped. The promise, created when nil, is settled
// with op's outcome or ErrPeerConnectionClosed.
func (pc *PeerConnection) EnqueueTask(
	name string,
	op TaskFunc,
	data interface{},
	destroy func(data interface{}),
	promise *utils.Promise[interface{}],
) error {
	if promise == nil {
		promise = utils.NewPromise[interface{}]()
	}
	var destroyOnce sync.Once
	release := func() {
		if destroy != nil {
			destroyOnce.Do(func() { destroy(data) })
		}
	}

	return pc.enqueue(name, func() func() {
		if promise.IsSettled() {
			return release
		}
		start := time.Now()
		value, err := op(pc, data)
		elapsed := time.Since(start)
		return func() {
			release()
			prometheus.RecordSignalingTask(name, elapsed, err)
			if err != nil {
				promise.Reject(err)
				return
			}
			promise.Resolve(value)
		}
	}, func() {
		release()
		promise.Reject(ErrPeerConnectionClosed)
	})
}

// dispatch delivers f on the event goroutine, in submission order
func (pc *PeerConnection) dispatch(f func()) {
	pc.eventsLock.Lock()
	defer pc.eventsLock.Unlock()

	if pc.eventsStopped {
		return
	}
	pc.events.Submit(f)
}

func (pc *PeerConnection) IsClosed() bool {
	return pc.closed.IsBroken()
}

// Close moves the peer connection to the closed state. Queued tasks are dropped, a task
// already running finishes first. Transceivers and transport streams stay allocated.
func (pc *PeerConnection) Close() {
	if pc.closed.IsBroken() {
		return
	}
	pc.closed.Break()
	pc.opsQueue.Stop()

	pc.lock.Lock()
	prevICE := pc.iceConnectionState
	prevPC := pc.connectionState
	pc.signalingState = webrtc.SignalingStateClosed
	pc.iceConnectionState = webrtc.ICEConnectionStateClosed
	pc.connectionState = webrtc.PeerConnectionStateClosed
	for _, t := range pc.transceivers {
		t.stop()
	}
	streams := append([]*transport.TransportStream(nil), pc.streams...)
	pc.lock.Unlock()

	for _, s := range streams {
		s.Close()
	}
	if err := pc.params.ICEAgent.Close(); err != nil {
		pc.logger.Warnw("could not close ice agent", err)
	}

	var onClose []func()
	pc.dataChannels.lock.Lock()
	for _, dc := range pc.dataChannels.channels {
		if dc.State() == webrtc.DataChannelStateClosed {
			continue
		}
		pc.dataChannels.closed++
		if f := dc.setState(webrtc.DataChannelStateClosed); f != nil {
			onClose = append(onClose, f)
		}
	}
	pc.dataChannels.lock.Unlock()

	handler := pc.params.Handler
	pc.dispatch(func() {
		handler.OnSignalingStateChange(webrtc.SignalingStateClosed)
		if prevICE != webrtc.ICEConnectionStateClosed {
			handler.OnICEConnectionStateChange(webrtc.ICEConnectionStateClosed)
		}
		if prevPC != webrtc.PeerConnectionStateClosed {
			handler.OnConnectionStateChange(webrtc.PeerConnectionStateClosed)
		}
		for _, f := range onClose {
			f()
		}
	})

	pc.eventsLock.Lock()
	pc.eventsStopped = true
	pc.eventsLock.Unlock()
	// Close may be called from an event callback, which StopWait would wait on
	go pc.events.StopWait()

	prometheus.SubPeerConnection()
	pc.logger.Infow("peer connection closed", "closedDataChannels", len(onClose))
}

// Done is closed once Close has been called
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed.Watch()
}

func (pc *PeerConnection) SignalingState() webrtc.SignalingState {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.signalingState
}

func (pc *PeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.iceConnectionState
}

func (pc *PeerConnection) ICEGatheringState() webrtc.ICEGatheringState {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.iceGatheringState
}

func (pc *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.connectionState
}

func (pc *PeerConnection) NegotiationState() transport.NegotiationState {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.negotiationState
}

func (pc *PeerConnection) NeedsNegotiation() bool {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.needNegotiation
}

// LocalDescription returns the provisional or pending local description when set, else the current one
func (pc *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	if pc.provisionalAnswer != nil && pc.provisionalIsLocal {
		return pc.provisionalAnswer.toWebRTC()
	}
	if pc.pendingLocalDescription != nil {
		return pc.pendingLocalDescription.toWebRTC()
	}
	return pc.currentLocalDescription.toWebRTC()
}

func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	if pc.provisionalAnswer != nil && !pc.provisionalIsLocal {
		return pc.provisionalAnswer.toWebRTC()
	}
	if pc.pendingRemoteDescription != nil {
		return pc.pendingRemoteDescription.toWebRTC()
	}
	return pc.currentRemoteDescription.toWebRTC()
}

func (pc *PeerConnection) CurrentLocalDescription() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.currentLocalDescription.toWebRTC()
}

func (pc *PeerConnection) PendingLocalDescription() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.pendingLocalDescription.toWebRTC()
}

func (pc *PeerConnection) CurrentRemoteDescription() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.currentRemoteDescription.toWebRTC()
}

func (pc *PeerConnection) PendingRemoteDescription() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.pendingRemoteDescription.toWebRTC()
}

// LastOffer is the cached offer from the last CreateOffer, nil once invalidated
func (pc *PeerConnection) LastOffer() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.lastOffer
}

func (pc *PeerConnection) LastAnswer() *webrtc.SessionDescription {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.lastAnswer
}

func (pc *PeerConnection) OfferCount() uint32 {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.offerCount
}

func (pc *PeerConnection) Transceivers() []*Transceiver {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return append([]*Transceiver(nil), pc.transceivers...)
}

// Transceiver returns the transceiver negotiated on mline
func (pc *PeerConnection) Transceiver(mline uint32) (*Transceiver, bool) {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.transceiverForMLineLocked(mline)
}

func (pc *PeerConnection) transceiverForMLineLocked(mline uint32) (*Transceiver, bool) {
	for _, t := range pc.transceivers {
		if t.MLine() == mline {
			return t, true
		}
	}
	return nil, false
}

func (pc *PeerConnection) transceiverForMidLocked(mid string) (*Transceiver, bool) {
	if mid == "" {
		return nil, false
	}
	for _, t := range pc.transceivers {
		if t.Mid() == mid {
			return t, true
		}
	}
	return nil, false
}

func (pc *PeerConnection) hasTransceiverLocked(t *Transceiver) bool {
	for _, tr := range pc.transceivers {
		if tr == t {
			return true
		}
	}
	return false
}

// TransportStreams lists the stream arena in creation order
func (pc *PeerConnection) TransportStreams() []*transport.TransportStream {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return append([]*transport.TransportStream(nil), pc.streams...)
}

func (pc *PeerConnection) TransportStream(sessionID uint32) (*transport.TransportStream, bool) {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	return pc.streamForSessionLocked(sessionID)
}

func (pc *PeerConnection) streamForSessionLocked(sessionID uint32) (*transport.TransportStream, bool) {
	idx, ok := pc.streamIndex.Get(sessionID)
	if !ok {
		return nil, false
	}
	return pc.streams[idx], true
}

func (pc *PeerConnection) streamAtLocked(index int) (*transport.TransportStream, bool) {
	if index < 0 || index >= len(pc.streams) {
		return nil, false
	}
	return pc.streams[index], true
}

// DataChannelTransport is nil until a data m-line has been negotiated
func (pc *PeerConnection) DataChannelTransport() *DataChannelTransport {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	if pc.dataTransport == nil {
		return nil
	}
	dt := *pc.dataTransport
	return &dt
}

// ensureStreamsLocked creates the transport streams for sessionIDs that do not have one yet.
// On failure every stream created by this call is closed and removed.
func (pc *PeerConnection) ensureStreamsLocked(sessionIDs []uint32) error {
	base := len(pc.streams)
	for _, sid := range sessionIDs {
		if _, ok := pc.streamIndex.Get(sid); ok {
			continue
		}
		stream, err := transport.NewTransportStream(transport.TransportStreamParams{
			SessionID:   sid,
			ICEAgent:    pc.params.ICEAgent,
			DTLSFactory: pc.params.DTLSFactory,
			RTPSession:  pc.params.RTPSession,
			Logger:      pc.logger,
		})
		if err != nil {
			pc.dropStreamsLocked(base)
			pc.logger.Warnw("could not create transport stream", err, "sessionID", sid)
			return err
		}
		sessionID := sid
		stream.DTLSTransport().OnStateChange(func(state webrtc.DTLSTransportState) {
			pc.onDTLSStateChange(sessionID, state)
		})
		pc.streamIndex.Set(sid, len(pc.streams))
		pc.streams = append(pc.streams, stream)
	}
	return nil
}

// dropStreamsLocked closes and forgets the streams added after the arena held base entries
func (pc *PeerConnection) dropStreamsLocked(base int) {
	for _, created := range pc.streams[base:] {
		created.Close()
		pc.streamIndex.Delete(created.SessionID())
	}
	pc.streams = pc.streams[:base]
}

func (pc *PeerConnection) onDTLSStateChange(sessionID uint32, state webrtc.DTLSTransportState) {
	pc.logger.Debugw("dtls state changed", "sessionID", sessionID, "state", state)
	pc.enqueueStateUpdate("dtls-state-change")
	if state == webrtc.DTLSTransportStateConnected {
		runTask(pc, "dtls-connected", func() (struct{}, error) {
			if stream, ok := pc.streamForSessionLocked(sessionID); ok {
				stream.SetOutputConnected(true)
			}
			pc.openDataChannelsLocked(sessionID)
			return struct{}{}, nil
		})
	}
}

// startTransportsLocked starts ICE and DTLS on every stream referenced by the negotiated
// descriptions, once per stream. The transports block while connecting so they run
// off the signaling worker.
func (pc *PeerConnection) startTransportsLocked(sessionIDs []uint32, remote *description) {
	controlling := pc.isOfferer
	for _, sid := range sessionIDs {
		if pc.startedStreams[sid] {
			continue
		}
		stream, ok := pc.streamForSessionLocked(sid)
		if !ok {
			continue
		}
		algorithm, fingerprint, err := remoteFingerprintForSession(remote.parsed, sid)
		if err != nil {
			pc.logger.Warnw("no remote fingerprint for transport", err, "sessionID", sid)
			continue
		}
		pc.startedStreams[sid] = true

		go func(stream *transport.TransportStream) {
			if err := stream.ICETransport().Start(controlling); err != nil {
				stream.Logger().Warnw("ice transport failed to start", err)
				return
			}
			if pc.closed.IsBroken() {
				return
			}
			if err := stream.DTLSTransport().Start(algorithm, fingerprint); err != nil {
				stream.Logger().Warnw("dtls transport failed to start", err)
			}
		}(stream)
	}
}
