package rtc

import (
	"fmt"
	"math"
	"net"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/telemetry/prometheus"
	"github.com/livekit/pcengine/pkg/utils"
)

const (
	peerConnectionStatsID = "PC"
	// seconds between the NTP and unix epochs
	ntpEpochOffset = 2208988800
)

type statsTarget struct {
	mline  uint32
	kind   types.MediaKind
	stream *transport.TransportStream
}

// statsSnapshot is the part of the peer connection graph a report is built from
type statsSnapshot struct {
	targets     []statsTarget
	streams     []*transport.TransportStream
	dataStream  *transport.TransportStream
	controlling bool
	scoped      bool
	scope       uint32
}

func (s *statsSnapshot) target(mline uint32) (statsTarget, bool) {
	for _, t := range s.targets {
		if t.mline == mline {
			return t, true
		}
	}
	return statsTarget{}, false
}

// GetStats builds a report on the signaling worker, ordered with pending negotiation
func (pc *PeerConnection) GetStats(scope *uint32) *utils.Promise[webrtc.StatsReport] {
	return runTask(pc, "get-stats", func() (webrtc.StatsReport, error) {
		return pc.buildStatsReport(pc.statsSnapshotLocked(scope)), nil
	})
}

// CreateStatsReport builds a report immediately. scope limits the media records to one
// media line, nil reports every line plus data channels.
func (pc *PeerConnection) CreateStatsReport(scope *uint32) webrtc.StatsReport {
	pc.lock.RLock()
	snapshot := pc.statsSnapshotLocked(scope)
	pc.lock.RUnlock()

	return pc.buildStatsReport(snapshot)
}

func (pc *PeerConnection) statsSnapshotLocked(scope *uint32) statsSnapshot {
	s := statsSnapshot{controlling: pc.isOfferer}
	if scope != nil {
		s.scoped, s.scope = true, *scope
	}

	seen := make(map[int]bool)
	addStream := func(idx int) (*transport.TransportStream, bool) {
		stream, ok := pc.streamAtLocked(idx)
		if !ok {
			return nil, false
		}
		if !seen[idx] {
			seen[idx] = true
			s.streams = append(s.streams, stream)
		}
		return stream, true
	}

	for _, t := range pc.transceivers {
		mline := t.MLine()
		if mline == types.MLineUnassigned || (s.scoped && mline != s.scope) {
			continue
		}
		idx, ok := t.StreamIndex()
		if !ok {
			continue
		}
		stream, ok := addStream(idx)
		if !ok {
			continue
		}
		s.targets = append(s.targets, statsTarget{mline: mline, kind: t.Kind(), stream: stream})
	}
	if pc.dataTransport != nil && (!s.scoped || pc.dataTransport.mline == s.scope) {
		if stream, ok := addStream(pc.dataTransport.streamIndex); ok {
			s.dataStream = stream
		}
	}
	return s
}

func toStatsTimestamp(t time.Time) webrtc.StatsTimestamp {
	return webrtc.StatsTimestamp(float64(t.UnixNano()) / float64(time.Millisecond))
}

func ntpToStatsTimestamp(ntp uint64) webrtc.StatsTimestamp {
	seconds := float64(ntp>>32) - ntpEpochOffset
	fraction := float64(ntp&0xffffffff) / (1 << 32)
	return webrtc.StatsTimestamp((seconds + fraction) * 1000)
}

func transportStatsID(sessionID uint32) string {
	return fmt.Sprintf("transport_%d", sessionID)
}

func codecStatsID(sessionID uint32, pt uint8) string {
	return fmt.Sprintf("codec_%d_%d", sessionID, pt)
}

func (pc *PeerConnection) buildStatsReport(s statsSnapshot) webrtc.StatsReport {
	ts := toStatsTimestamp(time.Now())
	report := webrtc.StatsReport{}

	opened, closed := pc.DataChannelCounters()
	pc.dataChannels.lock.Lock()
	requested, accepted := pc.dataChannels.requested, pc.dataChannels.accepted
	pc.dataChannels.lock.Unlock()
	report[peerConnectionStatsID] = webrtc.PeerConnectionStats{
		Timestamp:             ts,
		Type:                  webrtc.StatsTypePeerConnection,
		ID:                    peerConnectionStatsID,
		DataChannelsOpened:    opened,
		DataChannelsClosed:    closed,
		DataChannelsRequested: requested,
		DataChannelsAccepted:  accepted,
	}

	for _, target := range s.targets {
		pc.addCodecStats(report, ts, target)
	}
	for _, stream := range s.streams {
		pc.addRTPStats(report, ts, &s, stream)

		transportID := transportStatsID(stream.SessionID())
		role := webrtc.ICERoleControlled
		if s.controlling {
			role = webrtc.ICERoleControlling
		}
		transportStats := webrtc.TransportStats{
			Timestamp:               ts,
			Type:                    webrtc.StatsTypeTransport,
			ID:                      transportID,
			ICERole:                 role,
			DTLSState:               stream.DTLSTransport().State(),
			SelectedCandidatePairID: pc.addCandidatePairStats(report, ts, stream),
		}
		addTWCCStats(&transportStats, stream)
		report[transportID] = transportStats
	}
	if s.dataStream != nil {
		pc.addDataChannelStats(report, ts, transportStatsID(s.dataStream.SessionID()))
	}

	prometheus.RecordStatsReport(len(report))
	return report
}

// addTWCCStats fills the packet counters of a transport from transport-wide congestion control
// feedback: packets sent are the ones the remote reported on, packets received the ones it got
func addTWCCStats(stats *webrtc.TransportStats, stream *transport.TransportStream) {
	rtpSession := stream.RTPSession()
	if rtpSession == nil {
		return
	}
	twcc := rtpSession.TWCCStats()
	if twcc.FeedbackCount == 0 {
		return
	}
	stats.PacketsSent = clampUint32(twcc.PacketsReported)
	stats.PacketsReceived = clampUint32(twcc.PacketsReceived)
}

// clampUint32 saturates counters reported through pion's 32 bit packet fields
func clampUint32(v uint64) uint32 {
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v)
}

func (pc *PeerConnection) addCodecStats(report webrtc.StatsReport, ts webrtc.StatsTimestamp, target statsTarget) {
	sessionID := target.stream.SessionID()
	items := target.stream.PayloadTypes(target.mline)
	if len(items) == 0 {
		pc.logger.Debugw("no codec negotiated, skipping media line", "mline", target.mline)
		return
	}
	for _, item := range items {
		if item.Caps.EncodingName == "" {
			pc.logger.Debugw("codec without encoding name, skipping", "mline", target.mline, "pt", item.PT)
			continue
		}
		id := codecStatsID(sessionID, item.PT)
		report[id] = webrtc.CodecStats{
			Timestamp:   ts,
			Type:        webrtc.StatsTypeCodec,
			ID:          id,
			PayloadType: webrtc.PayloadType(item.PT),
			TransportID: transportStatsID(sessionID),
			MimeType:    item.Caps.MimeType(),
			ClockRate:   item.Caps.ClockRate,
			Channels:    uint8(item.Caps.Channels),
			SDPFmtpLine: item.Caps.Fmtp,
		}
	}
}

// primaryCodecID references the first non retransmission codec of mline
func primaryCodecID(stream *transport.TransportStream, mline uint32) (string, uint32) {
	for _, item := range stream.PayloadTypes(mline) {
		if item.Caps.IsRetransmission() || item.Caps.EncodingName == "" {
			continue
		}
		return codecStatsID(stream.SessionID(), item.PT), item.Caps.ClockRate
	}
	return "", 0
}

func (pc *PeerConnection) addRTPStats(report webrtc.StatsReport, ts webrtc.StatsTimestamp, s *statsSnapshot, stream *transport.TransportStream) {
	rtpSession := stream.RTPSession()
	if rtpSession == nil {
		return
	}
	transportID := transportStatsID(stream.SessionID())

	for _, src := range rtpSession.Sources() {
		direction := types.DirectionRecvOnly
		if src.Internal {
			direction = types.DirectionSendOnly
		}
		ssrc := src.SSRC
		kind := types.MediaKindUnknown
		codecID, clockRate := "", src.ClockRate
		item, mapped := stream.FindSSRC(func(item transport.SSRCItem) bool {
			return item.SSRC == ssrc && item.Direction == direction
		})
		if mapped {
			target, ok := s.target(item.MLine)
			if !ok || target.stream != stream {
				continue
			}
			kind = target.kind
			var codecClockRate uint32
			codecID, codecClockRate = primaryCodecID(stream, item.MLine)
			if clockRate == 0 {
				clockRate = codecClockRate
			}
		} else if s.scoped {
			// sources missing from the ssrc map belong to no media line
			continue
		}

		if src.Internal {
			pc.addOutboundStats(report, ts, src, kind, transportID, codecID, clockRate)
		} else {
			pc.addInboundStats(report, ts, src, item, kind, transportID, codecID, clockRate)
		}
	}
}

func jitterSeconds(jitter uint32, clockRate uint32) float64 {
	if clockRate == 0 {
		return 0
	}
	return float64(jitter) / float64(clockRate)
}

func (pc *PeerConnection) addOutboundStats(
	report webrtc.StatsReport,
	ts webrtc.StatsTimestamp,
	src types.SourceStats,
	kind types.MediaKind,
	transportID string,
	codecID string,
	clockRate uint32,
) {
	outboundID := fmt.Sprintf("outbound-rtp_%d", src.SSRC)
	remoteID := fmt.Sprintf("remote-inbound-rtp_%d", src.SSRC)

	outbound := webrtc.OutboundRTPStreamStats{
		Timestamp:   ts,
		Type:        webrtc.StatsTypeOutboundRTP,
		ID:          outboundID,
		SSRC:        webrtc.SSRC(src.SSRC),
		Kind:        kind.String(),
		TransportID: transportID,
		CodecID:     codecID,
		FIRCount:    src.FIRCount,
		PLICount:    src.PLICount,
		NACKCount:   src.NACKCount,
		PacketsSent: clampUint32(src.PacketsSent),
		BytesSent:   src.OctetsSent,
	}
	if !src.LastPacketAt.IsZero() {
		outbound.LastPacketSentTimestamp = toStatsTimestamp(src.LastPacketAt)
	}
	if src.HaveRB {
		outbound.RemoteID = remoteID
		report[remoteID] = webrtc.RemoteInboundRTPStreamStats{
			Timestamp:     ts,
			Type:          webrtc.StatsTypeRemoteInboundRTP,
			ID:            remoteID,
			SSRC:          webrtc.SSRC(src.SSRC),
			Kind:          kind.String(),
			TransportID:   transportID,
			CodecID:       codecID,
			PacketsLost:   src.RBPacketsLost,
			Jitter:        jitterSeconds(src.RBJitter, clockRate),
			LocalID:       outboundID,
			RoundTripTime: src.RBRoundTrip.Seconds(),
			FractionLost:  float64(src.RBFractionLost) / 256,
		}
	}
	report[outboundID] = outbound
}

func (pc *PeerConnection) addInboundStats(
	report webrtc.StatsReport,
	ts webrtc.StatsTimestamp,
	src types.SourceStats,
	item transport.SSRCItem,
	kind types.MediaKind,
	transportID string,
	codecID string,
	clockRate uint32,
) {
	inboundID := fmt.Sprintf("inbound-rtp_%d", src.SSRC)
	remoteID := fmt.Sprintf("remote-outbound-rtp_%d", src.SSRC)

	inbound := webrtc.InboundRTPStreamStats{
		Timestamp:       ts,
		Type:            webrtc.StatsTypeInboundRTP,
		ID:              inboundID,
		SSRC:            webrtc.SSRC(src.SSRC),
		Kind:            kind.String(),
		TransportID:     transportID,
		CodecID:         codecID,
		FIRCount:        src.FIRCount,
		PLICount:        src.PLICount,
		NACKCount:       src.NACKCount,
		PacketsReceived: clampUint32(src.PacketsReceived),
		PacketsLost:     src.PacketsLost,
		Jitter:          jitterSeconds(src.Jitter, clockRate),
		BytesReceived:   src.OctetsReceived,
	}
	if !src.LastPacketAt.IsZero() {
		inbound.LastPacketReceivedTimestamp = toStatsTimestamp(src.LastPacketAt)
	}
	if pc.params.JitterBuffers != nil && item.JitterBuffer.IsValid() {
		if jb, ok := pc.params.JitterBuffers.Resolve(item.JitterBuffer); ok {
			inbound.PacketsLost = int32(jb.NumLost)
			inbound.PacketsDuplicated = uint32(jb.NumDuplicates)
			inbound.PacketsDiscarded = uint32(jb.NumLate)
			inbound.PacketsRepaired = uint32(jb.RTXSuccessCount)
		}
	}
	if src.HaveSR {
		inbound.RemoteID = remoteID
		report[remoteID] = webrtc.RemoteOutboundRTPStreamStats{
			Timestamp:       ts,
			Type:            webrtc.StatsTypeRemoteOutboundRTP,
			ID:              remoteID,
			SSRC:            webrtc.SSRC(src.SSRC),
			Kind:            kind.String(),
			TransportID:     transportID,
			CodecID:         codecID,
			PacketsSent:     src.SRPacketCount,
			BytesSent:       uint64(src.SROctetCount),
			LocalID:         inboundID,
			RemoteTimestamp: ntpToStatsTimestamp(src.SRNTPTime),
		}
	}
	report[inboundID] = inbound
}

func candidateStatsID(c webrtc.ICECandidate) string {
	return fmt.Sprintf("%s_%s_%d", c.Foundation, c.Address, c.Port)
}

func candidateNetworkType(c webrtc.ICECandidate) webrtc.NetworkType {
	suffix := "6"
	if ip := net.ParseIP(c.Address); ip == nil || ip.To4() != nil {
		suffix = "4"
	}
	networkType, err := webrtc.NewNetworkType(c.Protocol.String() + suffix)
	if err != nil {
		return webrtc.NetworkType(0)
	}
	return networkType
}

func candidateStats(ts webrtc.StatsTimestamp, typ webrtc.StatsType, id string, transportID string, c webrtc.ICECandidate) webrtc.ICECandidateStats {
	return webrtc.ICECandidateStats{
		Timestamp:     ts,
		Type:          typ,
		ID:            id,
		TransportID:   transportID,
		NetworkType:   candidateNetworkType(c),
		IP:            c.Address,
		Port:          int32(c.Port),
		Protocol:      c.Protocol.String(),
		CandidateType: c.Typ,
		Priority:      int32(c.Priority),
	}
}

// addCandidatePairStats returns the id of the selected pair record, empty when no pair
// has been selected
func (pc *PeerConnection) addCandidatePairStats(report webrtc.StatsReport, ts webrtc.StatsTimestamp, stream *transport.TransportStream) string {
	pair, ok := stream.SelectedPair()
	if !ok || pair == nil {
		pc.logger.Debugw("no selected candidate pair", "sessionID", stream.SessionID())
		return ""
	}
	transportID := transportStatsID(stream.SessionID())
	localID := "local-candidate_" + candidateStatsID(pair.Local)
	remoteID := "remote-candidate_" + candidateStatsID(pair.Remote)
	pairID := fmt.Sprintf("candidate-pair_%d", stream.SessionID())

	report[localID] = candidateStats(ts, webrtc.StatsTypeLocalCandidate, localID, transportID, pair.Local)
	report[remoteID] = candidateStats(ts, webrtc.StatsTypeRemoteCandidate, remoteID, transportID, pair.Remote)
	report[pairID] = webrtc.ICECandidatePairStats{
		Timestamp:         ts,
		Type:              webrtc.StatsTypeCandidatePair,
		ID:                pairID,
		TransportID:       transportID,
		LocalCandidateID:  localID,
		RemoteCandidateID: remoteID,
		State:             webrtc.StatsICECandidatePairStateSucceeded,
		Nominated:         true,
	}
	return pairID
}

func (pc *PeerConnection) addDataChannelStats(report webrtc.StatsReport, ts webrtc.StatsTimestamp, transportID string) {
	for _, dc := range pc.DataChannels() {
		id := fmt.Sprintf("data-channel_%d", dc.ID())
		report[id] = webrtc.DataChannelStats{
			Timestamp:             ts,
			Type:                  webrtc.StatsTypeDataChannel,
			ID:                    id,
			Label:                 dc.Label(),
			Protocol:              dc.Protocol(),
			DataChannelIdentifier: int32(dc.ID()),
			TransportID:           transportID,
			State:                 dc.State(),
		}
	}
}
