package rtpsession

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/livekit/pcengine/pkg/logger"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/sfu/buffer"
)

var ErrManagerClosed = errors.New("rtp session manager closed")

type ManagerParams struct {
	JitterBuffer buffer.JitterBufferParams
	Logger       logger.Logger
}

// Manager owns the internal RTP sessions of one peer connection, keyed by session id,
// together with the jitter buffer arena of the receive pipelines.
type Manager struct {
	params ManagerParams
	arena  *buffer.Arena

	lock     sync.RWMutex
	sessions map[uint32]*InternalSession
	closed   bool
}

func NewManager(params ManagerParams) *Manager {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Manager{
		params:   params,
		arena:    buffer.NewArena(params.JitterBuffer),
		sessions: make(map[uint32]*InternalSession),
	}
}

func (m *Manager) CreateSession(sessionID uint32) (types.RTPInternalSession, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	s := newInternalSession(sessionID, m.arena, m.params.Logger.WithValues("sessionID", sessionID))
	m.sessions[sessionID] = s
	return s, nil
}

func (m *Manager) InternalSession(sessionID uint32) (types.RTPInternalSession, bool) {
	s, ok := m.Session(sessionID)
	if !ok {
		return nil, false
	}
	return s, true
}

func (m *Manager) Session(sessionID uint32) (*InternalSession, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Arena is the jitter buffer arena shared by every receive pipeline
func (m *Manager) Arena() *buffer.Arena {
	return m.arena
}

func (m *Manager) Close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	m.lock.Unlock()

	m.arena.Close()
}

// -----------------------------------------------

type InternalSession struct {
	id     uint32
	arena  *buffer.Arena
	logger logger.Logger
	twcc   twccRecorder

	lock          sync.Mutex
	sources       map[uint32]*source
	jitterBuffers map[uint32]types.JitterBufferHandle
}

func newInternalSession(id uint32, arena *buffer.Arena, l logger.Logger) *InternalSession {
	return &InternalSession{
		id:            id,
		arena:         arena,
		logger:        l,
		sources:       make(map[uint32]*source),
		jitterBuffers: make(map[uint32]types.JitterBufferHandle),
	}
}

func (s *InternalSession) SessionID() uint32 {
	return s.id
}

func (s *InternalSession) AddLocalSource(ssrc uint32, clockRate uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.sources[ssrc]; !ok {
		s.sources[ssrc] = newSource(ssrc, clockRate, true)
	}
}

func (s *InternalSession) PrepareReceive(ssrc uint32, clockRate uint32) types.JitterBufferHandle {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.sources[ssrc]; !ok {
		s.sources[ssrc] = newSource(ssrc, clockRate, false)
	}
	if h, ok := s.jitterBuffers[ssrc]; ok {
		if _, alive := s.arena.Get(h); alive {
			return h
		}
	}
	h, _ := s.arena.Allocate(ssrc, clockRate)
	s.jitterBuffers[ssrc] = h
	return h
}

// ReleaseReceive drops the jitter buffer of ssrc, handles to it stop resolving
func (s *InternalSession) ReleaseReceive(ssrc uint32) {
	s.lock.Lock()
	h, ok := s.jitterBuffers[ssrc]
	delete(s.jitterBuffers, ssrc)
	s.lock.Unlock()

	if ok {
		s.arena.Release(h)
	}
}

// OnRTPSent accounts for a packet handed to the transport by a local sender
func (s *InternalSession) OnRTPSent(hdr *rtp.Header, payloadLen int, at time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()

	src, ok := s.sources[hdr.SSRC]
	if !ok {
		src = newSource(hdr.SSRC, 0, true)
		s.sources[hdr.SSRC] = src
	}
	src.onSent(hdr, payloadLen, at)
}

// ReceiveRTP accounts for an inbound packet and forwards it to the SSRC's jitter buffer
func (s *InternalSession) ReceiveRTP(pkt *rtp.Packet, arrival time.Time) error {
	s.lock.Lock()
	src, ok := s.sources[pkt.SSRC]
	if !ok {
		src = newSource(pkt.SSRC, 0, false)
		s.sources[pkt.SSRC] = src
	}
	src.onReceived(pkt, arrival)
	h, haveBuffer := s.jitterBuffers[pkt.SSRC]
	s.lock.Unlock()

	if !haveBuffer {
		return nil
	}
	jb, ok := s.arena.Get(h)
	if !ok {
		return nil
	}
	err := jb.Push(pkt, arrival)
	if errors.Is(err, buffer.ErrPacketDuplicate) {
		return nil
	}
	return err
}

func (s *InternalSession) ReceiveRTCP(pkts []rtcp.Packet, arrival time.Time) {
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			s.lock.Lock()
			src, ok := s.sources[p.SSRC]
			if !ok {
				src = newSource(p.SSRC, 0, false)
				s.sources[p.SSRC] = src
			}
			src.onSenderReport(p, arrival)
			s.onReceptionReportsLocked(p.Reports, arrival)
			s.lock.Unlock()

		case *rtcp.ReceiverReport:
			s.lock.Lock()
			s.onReceptionReportsLocked(p.Reports, arrival)
			s.lock.Unlock()

		case *rtcp.PictureLossIndication:
			s.withInternalSource(p.MediaSSRC, func(src *source) { src.stats.PLICount++ })

		case *rtcp.FullIntraRequest:
			for _, entry := range p.FIR {
				s.withInternalSource(entry.SSRC, func(src *source) { src.stats.FIRCount++ })
			}

		case *rtcp.TransportLayerNack:
			count := uint32(0)
			for _, pair := range p.Nacks {
				count += uint32(len(pair.PacketList()))
			}
			s.withInternalSource(p.MediaSSRC, func(src *source) { src.stats.NACKCount += count })

		case *rtcp.TransportLayerCC:
			s.twcc.onFeedback(p)
		}
	}
}

func (s *InternalSession) onReceptionReportsLocked(reports []rtcp.ReceptionReport, arrival time.Time) {
	for _, rr := range reports {
		src, ok := s.sources[rr.SSRC]
		if !ok || !src.stats.Internal {
			s.logger.Debugw("reception report for unknown source", "ssrc", rr.SSRC)
			continue
		}
		src.onReceptionReport(rr, arrival)
	}
}

func (s *InternalSession) withInternalSource(ssrc uint32, f func(src *source)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if src, ok := s.sources[ssrc]; ok && src.stats.Internal {
		f(src)
	}
}

// BuildReports produces one sender report per local source carrying reception reports
// for every remote source, or a single receiver report when nothing is sent
func (s *InternalSession) BuildReports(now time.Time, reporterSSRC uint32) []rtcp.Packet {
	s.lock.Lock()
	defer s.lock.Unlock()

	var blocks []rtcp.ReceptionReport
	var senders []*source
	for _, ssrc := range s.sortedSSRCsLocked() {
		src := s.sources[ssrc]
		if src.stats.Internal {
			senders = append(senders, src)
		} else if src.stats.PacketsReceived > 0 {
			blocks = append(blocks, src.buildReceptionReport())
		}
	}

	var pkts []rtcp.Packet
	for i, src := range senders {
		sr := src.buildSenderReport(now, 0)
		if i == 0 {
			sr.Reports = blocks
		}
		pkts = append(pkts, sr)
	}
	if len(senders) == 0 && len(blocks) > 0 {
		pkts = append(pkts, &rtcp.ReceiverReport{SSRC: reporterSSRC, Reports: blocks})
	}
	return pkts
}

// Sources returns a snapshot of every known source ordered by SSRC
func (s *InternalSession) Sources() []types.SourceStats {
	s.lock.Lock()
	defer s.lock.Unlock()

	stats := make([]types.SourceStats, 0, len(s.sources))
	for _, ssrc := range s.sortedSSRCsLocked() {
		stats = append(stats, s.sources[ssrc].stats)
	}
	return stats
}

func (s *InternalSession) TWCCStats() types.TWCCStats {
	return s.twcc.snapshot()
}

func (s *InternalSession) sortedSSRCsLocked() []uint32 {
	ssrcs := make([]uint32, 0, len(s.sources))
	for ssrc := range s.sources {
		ssrcs = append(ssrcs, ssrc)
	}
	sort.Slice(ssrcs, func(i, j int) bool { return ssrcs[i] < ssrcs[j] })
	return ssrcs
}
