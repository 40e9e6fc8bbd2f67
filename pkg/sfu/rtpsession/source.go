package rtpsession

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

// source keeps RFC 3550 receive and send accounting for one SSRC
type source struct {
	stats types.SourceStats

	// receive side
	started     bool
	baseSN      uint32
	highestSN   uint16
	cycles      uint32
	lastTransit int64
	jitter      float64

	// send side, middle 32 bits of the NTP time of our last sender report
	lastSRNTP uint32
}

func newSource(ssrc uint32, clockRate uint32, internal bool) *source {
	return &source{
		stats: types.SourceStats{
			SSRC:      ssrc,
			ClockRate: clockRate,
			Internal:  internal,
		},
	}
}

func (s *source) onSent(hdr *rtp.Header, payloadLen int, at time.Time) {
	s.stats.PacketsSent++
	s.stats.OctetsSent += uint64(payloadLen)
	s.stats.LastPacketAt = at
}

func (s *source) onReceived(pkt *rtp.Packet, arrival time.Time) {
	s.stats.PacketsReceived++
	s.stats.OctetsReceived += uint64(len(pkt.Payload))
	s.stats.LastPacketAt = arrival

	sn := pkt.SequenceNumber
	if !s.started {
		s.started = true
		s.baseSN = uint32(sn)
		s.highestSN = sn
	} else if diff := int16(sn - s.highestSN); diff > 0 {
		if sn < s.highestSN {
			s.cycles += 1 << 16
		}
		s.highestSN = sn
	}

	expected := int64(s.cycles|uint32(s.highestSN)) - int64(s.baseSN) + 1
	s.stats.PacketsLost = int32(expected - int64(s.stats.PacketsReceived))

	if s.stats.ClockRate != 0 {
		arrivalRTP := arrival.UnixNano() * int64(s.stats.ClockRate) / int64(time.Second)
		transit := arrivalRTP - int64(pkt.Timestamp)
		if s.lastTransit != 0 {
			d := transit - s.lastTransit
			if d < 0 {
				d = -d
			}
			s.jitter += (float64(d) - s.jitter) / 16
			s.stats.Jitter = uint32(s.jitter)
		}
		s.lastTransit = transit
	}
}

func (s *source) onReceptionReport(rr rtcp.ReceptionReport, arrival time.Time) {
	s.stats.HaveRB = true
	s.stats.RBFractionLost = rr.FractionLost
	s.stats.RBPacketsLost = int32(rr.TotalLost)
	s.stats.RBJitter = rr.Jitter
	if rr.LastSenderReport != 0 && rr.LastSenderReport == s.lastSRNTP {
		rtt := ntpMiddle(toNTP(arrival)) - rr.LastSenderReport - rr.Delay
		// compact NTP is 16.16 fixed point seconds
		s.stats.RBRoundTrip = time.Duration(float64(rtt) / 65536 * float64(time.Second))
	}
}

func (s *source) onSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	s.stats.HaveSR = true
	s.stats.SRPacketCount = sr.PacketCount
	s.stats.SROctetCount = sr.OctetCount
	s.stats.SRNTPTime = sr.NTPTime
	s.stats.SRReceivedAt = arrival
}

func (s *source) buildSenderReport(now time.Time, rtpTime uint32) *rtcp.SenderReport {
	ntp := toNTP(now)
	s.lastSRNTP = ntpMiddle(ntp)
	return &rtcp.SenderReport{
		SSRC:        s.stats.SSRC,
		NTPTime:     ntp,
		RTPTime:     rtpTime,
		PacketCount: uint32(s.stats.PacketsSent),
		OctetCount:  uint32(s.stats.OctetsSent),
	}
}

func (s *source) buildReceptionReport() rtcp.ReceptionReport {
	var lsr, dlsr uint32
	if s.stats.HaveSR {
		lsr = ntpMiddle(s.stats.SRNTPTime)
		dlsr = uint32(time.Since(s.stats.SRReceivedAt).Seconds() * 65536)
	}
	lost := s.stats.PacketsLost
	if lost < 0 {
		lost = 0
	}
	return rtcp.ReceptionReport{
		SSRC:               s.stats.SSRC,
		TotalLost:          uint32(lost),
		LastSequenceNumber: s.cycles | uint32(s.highestSN),
		Jitter:             s.stats.Jitter,
		LastSenderReport:   lsr,
		Delay:              dlsr,
	}
}

const ntpEpochOffset = 2208988800

func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / uint64(time.Second)
	return secs<<32 | frac
}

func ntpMiddle(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
