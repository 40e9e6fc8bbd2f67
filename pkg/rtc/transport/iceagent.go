package transport

import (
	"errors"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/utils"
)

var (
	ErrICEAgentClosed        = errors.New("ice agent closed")
	ErrUnknownICEStream      = errors.New("unknown ice stream")
	ErrUnsupportedComponent  = errors.New("only the rtp component is supported, rtcp is muxed")
	ErrRemoteICEParamsNotSet = errors.New("remote ice credentials not set")
)

type ICEAgentParams struct {
	ICEServers    []webrtc.ICEServer
	GatherPolicy  webrtc.ICETransportPolicy
	PortRangeMin  uint16
	PortRangeMax  uint16
	Lite          bool
	// advertised in place of gathered host addresses
	NAT1To1IPs    []string
	Logger        logger.Logger
	LoggerFactory logging.LoggerFactory
}

// PionICEAgent runs one pion ICE gatherer and transport per session id
type PionICEAgent struct {
	params ICEAgentParams

	lock    sync.Mutex
	streams map[uint32]*pionICEStream
	closed  bool

	controlling atomic.Bool

	onLocalCandidate       atomic.Value // func(sessionID uint32, candidate *webrtc.ICECandidate)
	onStateChange          atomic.Value // func(sessionID uint32, state webrtc.ICETransportState)
	onGatheringStateChange atomic.Value // func(sessionID uint32, state webrtc.ICEGathererState)
}

func NewPionICEAgent(params ICEAgentParams) *PionICEAgent {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.LoggerFactory == nil {
		params.LoggerFactory = logger.PionLoggerFactory()
	}
	return &PionICEAgent{
		params:  params,
		streams: make(map[uint32]*pionICEStream),
	}
}

func (a *PionICEAgent) settingEngine() (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: a.params.LoggerFactory,
	}
	if a.params.PortRangeMin != 0 && a.params.PortRangeMax != 0 {
		if err := se.SetEphemeralUDPPortRange(a.params.PortRangeMin, a.params.PortRangeMax); err != nil {
			return se, err
		}
	}
	se.SetLite(a.params.Lite)
	if len(a.params.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(a.params.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	// every stream carries its own credentials
	se.SetICECredentials(utils.NewICECredentials())
	return se, nil
}

func (a *PionICEAgent) AddStream(sessionID uint32) (types.ICEStream, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.closed {
		return nil, ErrICEAgentClosed
	}
	if s, ok := a.streams[sessionID]; ok {
		return s, nil
	}

	se, err := a.settingEngine()
	if err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers:      a.params.ICEServers,
		ICEGatherPolicy: a.params.GatherPolicy,
	})
	if err != nil {
		return nil, err
	}

	s := &pionICEStream{
		agent:     a,
		sessionID: sessionID,
		api:       api,
		gatherer:  gatherer,
		logger:    a.params.Logger.WithValues("sessionID", sessionID),
	}
	s.transport = &pionICETransport{
		stream:    s,
		transport: api.NewICETransport(gatherer),
	}

	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if f, ok := a.onLocalCandidate.Load().(func(uint32, *webrtc.ICECandidate)); ok && f != nil {
			f(sessionID, c)
		}
	})
	gatherer.OnStateChange(func(state webrtc.ICEGathererState) {
		if f, ok := a.onGatheringStateChange.Load().(func(uint32, webrtc.ICEGathererState)); ok && f != nil {
			f(sessionID, state)
		}
	})
	s.transport.transport.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		s.logger.Debugw("ice transport state changed", "state", state)
		if f, ok := a.onStateChange.Load().(func(uint32, webrtc.ICETransportState)); ok && f != nil {
			f(sessionID, state)
		}
	})
	s.transport.transport.OnSelectedCandidatePairChange(func(pair *webrtc.ICECandidatePair) {
		if pair == nil || pair.Local == nil || pair.Remote == nil {
			return
		}
		s.setSelectedPair(&types.CandidatePair{Local: *pair.Local, Remote: *pair.Remote})
	})

	a.streams[sessionID] = s
	return s, nil
}

func (a *PionICEAgent) stream(s types.ICEStream) (*pionICEStream, error) {
	ps, ok := s.(*pionICEStream)
	if !ok || ps.agent != a {
		return nil, ErrUnknownICEStream
	}
	return ps, nil
}

func (a *PionICEAgent) FindTransport(stream types.ICEStream, component types.ICEComponent) (types.ICETransport, error) {
	ps, err := a.stream(stream)
	if err != nil {
		return nil, err
	}
	if component != types.ICEComponentRTP {
		return nil, ErrUnsupportedComponent
	}
	return ps.transport, nil
}

func (a *PionICEAgent) SelectedPair(stream types.ICEStream) (*types.CandidatePair, bool) {
	ps, err := a.stream(stream)
	if err != nil {
		return nil, false
	}
	return ps.getSelectedPair()
}

func (a *PionICEAgent) SetControlling(controlling bool) {
	a.controlling.Store(controlling)
}

func (a *PionICEAgent) IsControlling() bool {
	return a.controlling.Load()
}

func (a *PionICEAgent) OnLocalCandidate(f func(sessionID uint32, candidate *webrtc.ICECandidate)) {
	a.onLocalCandidate.Store(f)
}

func (a *PionICEAgent) OnStateChange(f func(sessionID uint32, state webrtc.ICETransportState)) {
	a.onStateChange.Store(f)
}

func (a *PionICEAgent) OnGatheringStateChange(f func(sessionID uint32, state webrtc.ICEGathererState)) {
	a.onGatheringStateChange.Store(f)
}

func (a *PionICEAgent) Close() error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return nil
	}
	a.closed = true
	streams := a.streams
	a.streams = make(map[uint32]*pionICEStream)
	a.lock.Unlock()

	var errs []error
	for _, s := range streams {
		if err := s.transport.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := s.gatherer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -------------------------------------------------

type pionICEStream struct {
	agent     *PionICEAgent
	sessionID uint32
	api       *webrtc.API
	gatherer  *webrtc.ICEGatherer
	transport *pionICETransport
	logger    logger.Logger

	lock         sync.Mutex
	remoteParams *webrtc.ICEParameters
	selectedPair *types.CandidatePair
}

func (s *pionICEStream) SessionID() uint32 {
	return s.sessionID
}

func (s *pionICEStream) LocalCredentials() (string, string, error) {
	params, err := s.gatherer.GetLocalParameters()
	if err != nil {
		return "", "", err
	}
	return params.UsernameFragment, params.Password, nil
}

func (s *pionICEStream) SetRemoteCredentials(ufrag string, pwd string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.remoteParams = &webrtc.ICEParameters{UsernameFragment: ufrag, Password: pwd}
	return nil
}

func (s *pionICEStream) getRemoteParams() (webrtc.ICEParameters, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.remoteParams == nil {
		return webrtc.ICEParameters{}, false
	}
	return *s.remoteParams, true
}

func (s *pionICEStream) GatherCandidates() error {
	if s.gatherer.State() != webrtc.ICEGathererStateNew {
		return nil
	}
	return s.gatherer.Gather()
}

func (s *pionICEStream) GatheringState() webrtc.ICEGathererState {
	return s.gatherer.State()
}

func (s *pionICEStream) AddRemoteCandidate(candidate webrtc.ICECandidate) error {
	return s.transport.transport.AddRemoteCandidate(&candidate)
}

func (s *pionICEStream) setSelectedPair(pair *types.CandidatePair) {
	s.lock.Lock()
	s.selectedPair = pair
	s.lock.Unlock()

	s.logger.Infow("selected candidate pair changed", "pair", pair.String())
}

func (s *pionICEStream) getSelectedPair() (*types.CandidatePair, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.selectedPair == nil {
		return nil, false
	}
	pair := *s.selectedPair
	return &pair, true
}

// -------------------------------------------------

type pionICETransport struct {
	stream    *pionICEStream
	transport *webrtc.ICETransport
}

func (t *pionICETransport) Component() types.ICEComponent {
	return types.ICEComponentRTP
}

func (t *pionICETransport) State() webrtc.ICETransportState {
	return t.transport.State()
}

func (t *pionICETransport) Start(controlling bool) error {
	remote, ok := t.stream.getRemoteParams()
	if !ok {
		return ErrRemoteICEParamsNotSet
	}
	role := webrtc.ICERoleControlled
	if controlling {
		role = webrtc.ICERoleControlling
	}
	return t.transport.Start(t.stream.gatherer, remote, &role)
}

func (t *pionICETransport) Stop() error {
	return t.transport.Stop()
}

// API gives the DTLS layer the pion API that owns this transport
func (t *pionICETransport) API() *webrtc.API {
	return t.stream.api
}

func (t *pionICETransport) PionTransport() *webrtc.ICETransport {
	return t.transport
}
