package testutils

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

var ErrInjected = errors.New("injected failure")

// FakeICEAgent is an in-memory ICE agent. Transports connect as soon as they are started.
type FakeICEAgent struct {
	FailAddStream         bool
	FailFindTransport     bool
	FailRemoteCredentials bool

	lock        sync.Mutex
	streams     map[uint32]*FakeICEStream
	controlling bool
	closed      bool

	onLocalCandidate       func(sessionID uint32, candidate *webrtc.ICECandidate)
	onStateChange          func(sessionID uint32, state webrtc.ICETransportState)
	onGatheringStateChange func(sessionID uint32, state webrtc.ICEGathererState)
}

func NewFakeICEAgent() *FakeICEAgent {
	return &FakeICEAgent{streams: make(map[uint32]*FakeICEStream)}
}

func (a *FakeICEAgent) AddStream(sessionID uint32) (types.ICEStream, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.FailAddStream {
		return nil, ErrInjected
	}
	if s, ok := a.streams[sessionID]; ok {
		return s, nil
	}
	s := &FakeICEStream{
		agent:     a,
		sessionID: sessionID,
		ufrag:     fmt.Sprintf("ufrag%d", sessionID),
		pwd:       fmt.Sprintf("password%dpassword%dpassword", sessionID, sessionID),
		gathering: webrtc.ICEGathererStateNew,
	}
	s.transport = &FakeICETransport{stream: s, state: webrtc.ICETransportStateNew}
	a.streams[sessionID] = s
	return s, nil
}

func (a *FakeICEAgent) Stream(sessionID uint32) (*FakeICEStream, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	s, ok := a.streams[sessionID]
	return s, ok
}

func (a *FakeICEAgent) NumStreams() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	return len(a.streams)
}

func (a *FakeICEAgent) FindTransport(stream types.ICEStream, component types.ICEComponent) (types.ICETransport, error) {
	if a.FailFindTransport {
		return nil, ErrInjected
	}
	s, ok := stream.(*FakeICEStream)
	if !ok {
		return nil, errors.New("unknown stream")
	}
	return s.transport, nil
}

func (a *FakeICEAgent) SelectedPair(stream types.ICEStream) (*types.CandidatePair, bool) {
	s, ok := stream.(*FakeICEStream)
	if !ok {
		return nil, false
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.selected == nil {
		return nil, false
	}
	pair := *s.selected
	return &pair, true
}

func (a *FakeICEAgent) SetControlling(controlling bool) {
	a.lock.Lock()
	a.controlling = controlling
	a.lock.Unlock()
}

func (a *FakeICEAgent) IsControlling() bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.controlling
}

func (a *FakeICEAgent) OnLocalCandidate(f func(sessionID uint32, candidate *webrtc.ICECandidate)) {
	a.lock.Lock()
	a.onLocalCandidate = f
	a.lock.Unlock()
}

func (a *FakeICEAgent) OnStateChange(f func(sessionID uint32, state webrtc.ICETransportState)) {
	a.lock.Lock()
	a.onStateChange = f
	a.lock.Unlock()
}

func (a *FakeICEAgent) OnGatheringStateChange(f func(sessionID uint32, state webrtc.ICEGathererState)) {
	a.lock.Lock()
	a.onGatheringStateChange = f
	a.lock.Unlock()
}

// EmitLocalCandidate delivers a gathered candidate, nil ends gathering
func (a *FakeICEAgent) EmitLocalCandidate(sessionID uint32, c *webrtc.ICECandidate) {
	a.lock.Lock()
	f := a.onLocalCandidate
	g := a.onGatheringStateChange
	s := a.streams[sessionID]
	a.lock.Unlock()

	if c == nil && s != nil {
		s.setGathering(webrtc.ICEGathererStateComplete)
		if g != nil {
			g(sessionID, webrtc.ICEGathererStateComplete)
		}
	}
	if f != nil {
		f(sessionID, c)
	}
}

func (a *FakeICEAgent) notifyState(sessionID uint32, state webrtc.ICETransportState) {
	a.lock.Lock()
	f := a.onStateChange
	a.lock.Unlock()

	if f != nil {
		f(sessionID, state)
	}
}

func (a *FakeICEAgent) notifyGathering(sessionID uint32, state webrtc.ICEGathererState) {
	a.lock.Lock()
	f := a.onGatheringStateChange
	a.lock.Unlock()

	if f != nil {
		f(sessionID, state)
	}
}

func (a *FakeICEAgent) Close() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.closed = true
	return nil
}

func (a *FakeICEAgent) IsClosed() bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	return a.closed
}

// -------------------------------------------------

type FakeICEStream struct {
	agent     *FakeICEAgent
	sessionID uint32
	ufrag     string
	pwd       string
	transport *FakeICETransport

	lock             sync.Mutex
	remoteUfrag      string
	remotePwd        string
	gathering        webrtc.ICEGathererState
	remoteCandidates []webrtc.ICECandidate
	selected         *types.CandidatePair
}

func (s *FakeICEStream) SessionID() uint32 {
	return s.sessionID
}

func (s *FakeICEStream) LocalCredentials() (string, string, error) {
	return s.ufrag, s.pwd, nil
}

func (s *FakeICEStream) SetRemoteCredentials(ufrag string, pwd string) error {
	s.agent.lock.Lock()
	fail := s.agent.FailRemoteCredentials
	s.agent.lock.Unlock()
	if fail {
		return ErrInjected
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.remoteUfrag, s.remotePwd = ufrag, pwd
	return nil
}

func (s *FakeICEStream) RemoteCredentials() (string, string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.remoteUfrag, s.remotePwd
}

func (s *FakeICEStream) GatherCandidates() error {
	s.lock.Lock()
	if s.gathering != webrtc.ICEGathererStateNew {
		s.lock.Unlock()
		return nil
	}
	s.gathering = webrtc.ICEGathererStateGathering
	s.lock.Unlock()

	s.agent.notifyGathering(s.sessionID, webrtc.ICEGathererStateGathering)
	return nil
}

func (s *FakeICEStream) setGathering(state webrtc.ICEGathererState) {
	s.lock.Lock()
	s.gathering = state
	s.lock.Unlock()
}

func (s *FakeICEStream) GatheringState() webrtc.ICEGathererState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.gathering
}

func (s *FakeICEStream) AddRemoteCandidate(candidate webrtc.ICECandidate) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.remoteCandidates = append(s.remoteCandidates, candidate)
	return nil
}

func (s *FakeICEStream) RemoteCandidates() []webrtc.ICECandidate {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]webrtc.ICECandidate(nil), s.remoteCandidates...)
}

func (s *FakeICEStream) SetSelectedPair(pair *types.CandidatePair) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.selected = pair
}

func (s *FakeICEStream) Transport() *FakeICETransport {
	return s.transport
}

// -------------------------------------------------

type FakeICETransport struct {
	stream *FakeICEStream

	lock        sync.Mutex
	state       webrtc.ICETransportState
	controlling bool
	started     bool
}

func (t *FakeICETransport) Component() types.ICEComponent {
	return types.ICEComponentRTP
}

func (t *FakeICETransport) State() webrtc.ICETransportState {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.state
}

func (t *FakeICETransport) Start(controlling bool) error {
	t.lock.Lock()
	t.started = true
	t.controlling = controlling
	t.lock.Unlock()

	t.SetState(webrtc.ICETransportStateChecking)
	t.SetState(webrtc.ICETransportStateConnected)
	return nil
}

func (t *FakeICETransport) Started() (started bool, controlling bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.started, t.controlling
}

func (t *FakeICETransport) SetState(state webrtc.ICETransportState) {
	t.lock.Lock()
	t.state = state
	t.lock.Unlock()

	t.stream.agent.notifyState(t.stream.sessionID, state)
}

func (t *FakeICETransport) Stop() error {
	t.lock.Lock()
	t.state = webrtc.ICETransportStateClosed
	t.lock.Unlock()
	return nil
}

// -------------------------------------------------

type FakeDTLSFactory struct {
	Fail bool

	lock       sync.Mutex
	transports []*FakeDTLSTransport
}

func (f *FakeDTLSFactory) NewDTLSTransport(ice types.ICETransport) (types.DTLSTransport, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.Fail {
		return nil, ErrInjected
	}
	t := &FakeDTLSTransport{
		ice:         ice,
		state:       webrtc.DTLSTransportStateNew,
		fingerprint: fmt.Sprintf("AA:BB:CC:%02X", len(f.transports)),
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *FakeDTLSFactory) Transports() []*FakeDTLSTransport {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]*FakeDTLSTransport(nil), f.transports...)
}

type FakeDTLSTransport struct {
	ice types.ICETransport

	lock              sync.Mutex
	client            bool
	state             webrtc.DTLSTransportState
	fingerprint       string
	remoteFingerprint string
	onStateChange     func(state webrtc.DTLSTransportState)
	stopped           bool
}

func (t *FakeDTLSTransport) SetClient(client bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.client = client
}

func (t *FakeDTLSTransport) IsClient() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.client
}

func (t *FakeDTLSTransport) Fingerprint() (string, string, error) {
	return "sha-256", t.fingerprint, nil
}

func (t *FakeDTLSTransport) State() webrtc.DTLSTransportState {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.state
}

func (t *FakeDTLSTransport) OnStateChange(f func(state webrtc.DTLSTransportState)) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.onStateChange = f
}

func (t *FakeDTLSTransport) Start(remoteAlgorithm string, remoteFingerprint string) error {
	t.lock.Lock()
	t.remoteFingerprint = remoteFingerprint
	t.lock.Unlock()

	t.setState(webrtc.DTLSTransportStateConnecting)
	t.setState(webrtc.DTLSTransportStateConnected)
	return nil
}

func (t *FakeDTLSTransport) RemoteFingerprint() string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.remoteFingerprint
}

func (t *FakeDTLSTransport) setState(state webrtc.DTLSTransportState) {
	t.lock.Lock()
	t.state = state
	f := t.onStateChange
	t.lock.Unlock()

	if f != nil {
		f(state)
	}
}

func (t *FakeDTLSTransport) Stop() error {
	t.lock.Lock()
	t.stopped = true
	t.lock.Unlock()

	t.setState(webrtc.DTLSTransportStateClosed)
	return nil
}

func (t *FakeDTLSTransport) IsStopped() bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.stopped
}

// -------------------------------------------------

// FakeRTPSession hands out internal sessions with settable source statistics
type FakeRTPSession struct {
	Fail bool

	lock     sync.Mutex
	sessions map[uint32]*FakeInternalSession
}

func NewFakeRTPSession() *FakeRTPSession {
	return &FakeRTPSession{sessions: make(map[uint32]*FakeInternalSession)}
}

func (r *FakeRTPSession) CreateSession(sessionID uint32) (types.RTPInternalSession, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.Fail {
		return nil, ErrInjected
	}
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	s := &FakeInternalSession{sessionID: sessionID, handles: make(map[uint32]types.JitterBufferHandle)}
	r.sessions[sessionID] = s
	return s, nil
}

func (r *FakeRTPSession) InternalSession(sessionID uint32) (types.RTPInternalSession, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s, true
}

func (r *FakeRTPSession) Session(sessionID uint32) (*FakeInternalSession, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	s, ok := r.sessions[sessionID]
	return s, ok
}

type FakeInternalSession struct {
	sessionID uint32

	lock         sync.Mutex
	sources      []types.SourceStats
	twcc         types.TWCCStats
	handles      map[uint32]types.JitterBufferHandle
	nextHandle   uint32
	localSources []uint32
}

func (s *FakeInternalSession) SessionID() uint32 {
	return s.sessionID
}

func (s *FakeInternalSession) AddLocalSource(ssrc uint32, clockRate uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.localSources = append(s.localSources, ssrc)
}

func (s *FakeInternalSession) LocalSources() []uint32 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]uint32(nil), s.localSources...)
}

func (s *FakeInternalSession) PrepareReceive(ssrc uint32, clockRate uint32) types.JitterBufferHandle {
	s.lock.Lock()
	defer s.lock.Unlock()

	if h, ok := s.handles[ssrc]; ok {
		return h
	}
	h := types.JitterBufferHandle{Index: s.nextHandle, Generation: 1}
	s.nextHandle++
	s.handles[ssrc] = h
	return h
}

func (s *FakeInternalSession) SetSources(sources []types.SourceStats) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.sources = append([]types.SourceStats(nil), sources...)
}

func (s *FakeInternalSession) Sources() []types.SourceStats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return append([]types.SourceStats(nil), s.sources...)
}

func (s *FakeInternalSession) SetTWCCStats(stats types.TWCCStats) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.twcc = stats
}

func (s *FakeInternalSession) TWCCStats() types.TWCCStats {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.twcc
}

// -------------------------------------------------

// FakeJitterBufferArena resolves handles to fixed counters
type FakeJitterBufferArena struct {
	lock  sync.Mutex
	stats map[types.JitterBufferHandle]types.JitterBufferStats
}

func NewFakeJitterBufferArena() *FakeJitterBufferArena {
	return &FakeJitterBufferArena{stats: make(map[types.JitterBufferHandle]types.JitterBufferStats)}
}

func (a *FakeJitterBufferArena) Set(h types.JitterBufferHandle, stats types.JitterBufferStats) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.stats[h] = stats
}

func (a *FakeJitterBufferArena) Release(h types.JitterBufferHandle) {
	a.lock.Lock()
	defer a.lock.Unlock()

	delete(a.stats, h)
}

func (a *FakeJitterBufferArena) Resolve(h types.JitterBufferHandle) (types.JitterBufferStats, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()

	s, ok := a.stats[h]
	return s, ok
}
