package service

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pion/webrtc/v3"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc"
	"github.com/livekit/pcengine/pkg/utils"
)

const defaultReportCacheSize = 256

type SessionManagerParams struct {
	Config           rtc.PeerConnectionConfig
	Transports       TransportFactory
	NegotiationLimit time.Duration
	// number of closed sessions whose final report stays available
	ReportCacheSize int
	Logger          logger.Logger
}

// SessionManager tracks live sessions and keeps the last stats report of closed ones
type SessionManager struct {
	params SessionManagerParams

	lock     sync.RWMutex
	sessions map[string]*Session
	reports  *lru.Cache[string, webrtc.StatsReport]
}

func NewSessionManager(params SessionManagerParams) (*SessionManager, error) {
	if params.Transports == nil {
		return nil, ErrMissingTransportsFn
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.ReportCacheSize <= 0 {
		params.ReportCacheSize = defaultReportCacheSize
	}
	reports, err := lru.New[string, webrtc.StatsReport](params.ReportCacheSize)
	if err != nil {
		return nil, err
	}
	return &SessionManager{
		params:   params,
		sessions: make(map[string]*Session),
		reports:  reports,
	}, nil
}

// StartSession creates a peer connection whose events are written to sink
func (m *SessionManager) StartSession(sink SignalSink) (*Session, error) {
	id := utils.NewGuid(utils.PeerConnectionPrefix)
	transports, err := m.params.Transports(id)
	if err != nil {
		return nil, err
	}

	s, err := NewSession(SessionParams{
		ID:               id,
		Config:           m.params.Config,
		Transports:       transports,
		Sink:             sink,
		NegotiationLimit: m.params.NegotiationLimit,
		Logger:           m.params.Logger,
		OnClose:          m.onSessionClosed,
	})
	if err != nil {
		if transports.Release != nil {
			transports.Release()
		}
		return nil, err
	}

	m.lock.Lock()
	m.sessions[id] = s
	m.lock.Unlock()
	return s, nil
}

func (m *SessionManager) onSessionClosed(s *Session, final webrtc.StatsReport) {
	m.reports.Add(s.ID(), final)

	m.lock.Lock()
	delete(m.sessions, s.ID())
	m.lock.Unlock()
}

func (m *SessionManager) GetSession(id string) (*Session, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) SessionIDs() []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StatsReport returns a fresh report for a live session or the final one of a closed session
func (m *SessionManager) StatsReport(id string, scope *uint32) (webrtc.StatsReport, error) {
	if s, ok := m.GetSession(id); ok {
		return s.PeerConnection().CreateStatsReport(scope), nil
	}
	if report, ok := m.reports.Get(id); ok {
		return report, nil
	}
	return nil, ErrSessionNotFound
}

// Close closes every live session
func (m *SessionManager) Close() {
	m.lock.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.lock.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
