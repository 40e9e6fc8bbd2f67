package buffer

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/transport/v2/packetio"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

const (
	defaultLatency     = 200 * time.Millisecond
	defaultMaxSize     = 1 << 20
	receivedWindowSize = 1024
	maxTrackedMissing  = 512
)

type JitterBufferParams struct {
	// how long a missing packet is waited for before it counts as lost
	Latency time.Duration
	// upper bound on bytes waiting to be read
	MaxSize int
}

// JitterBuffer tracks arrival order of one receive SSRC and queues packets for the depayloader.
// Loss, duplicate, late and retransmission counters are derived from sequence numbers.
type JitterBuffer struct {
	lock sync.Mutex

	ssrc      uint32
	clockRate uint32
	latency   time.Duration

	started   bool
	highestSN uint16
	cycles    uint32

	received [receivedWindowSize]uint32 // extended sequence number + 1, 0 = empty
	missing  map[uint32]time.Time
	lost     map[uint32]struct{}

	stats  types.JitterBufferStats
	out    *packetio.Buffer
	closed bool
}

func NewJitterBuffer(ssrc uint32, clockRate uint32, params JitterBufferParams) *JitterBuffer {
	if params.Latency == 0 {
		params.Latency = defaultLatency
	}
	if params.MaxSize == 0 {
		params.MaxSize = defaultMaxSize
	}
	out := packetio.NewBuffer()
	out.SetLimitSize(params.MaxSize)
	return &JitterBuffer{
		ssrc:      ssrc,
		clockRate: clockRate,
		latency:   params.Latency,
		missing:   make(map[uint32]time.Time),
		lost:      make(map[uint32]struct{}),
		out:       out,
	}
}

func (j *JitterBuffer) SSRC() uint32 {
	return j.ssrc
}

func (j *JitterBuffer) ClockRate() uint32 {
	return j.clockRate
}

// Push accounts for pkt and queues its raw bytes for Read
func (j *JitterBuffer) Push(pkt *rtp.Packet, arrival time.Time) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}

	j.lock.Lock()
	if j.closed {
		j.lock.Unlock()
		return ErrBufferClosed
	}
	err = j.track(pkt.SequenceNumber, arrival, false)
	j.lock.Unlock()
	if err != nil {
		return err
	}

	_, err = j.out.Write(raw)
	return err
}

// PushRTX accounts for a retransmission, the original sequence number leads the payload
func (j *JitterBuffer) PushRTX(pkt *rtp.Packet, arrival time.Time) error {
	if len(pkt.Payload) < 2 {
		return ErrRTXTooShort
	}
	osn := binary.BigEndian.Uint16(pkt.Payload[:2])

	repaired := *pkt
	repaired.Header = pkt.Header.Clone()
	repaired.SequenceNumber = osn
	repaired.SSRC = j.ssrc
	repaired.Payload = pkt.Payload[2:]
	raw, err := repaired.Marshal()
	if err != nil {
		return err
	}

	j.lock.Lock()
	if j.closed {
		j.lock.Unlock()
		return ErrBufferClosed
	}
	err = j.track(osn, arrival, true)
	j.lock.Unlock()
	if err != nil {
		return err
	}

	_, err = j.out.Write(raw)
	return err
}

func (j *JitterBuffer) track(sn uint16, arrival time.Time, isRTX bool) error {
	j.expireLocked(arrival)

	if !j.started {
		j.started = true
		j.highestSN = sn
		j.markReceived(uint32(sn))
		return nil
	}

	diff := int16(sn - j.highestSN)
	switch {
	case diff > 0:
		extHighest := j.cycles | uint32(j.highestSN)
		for gap := uint32(1); gap < uint32(diff); gap++ {
			j.addMissing(extHighest+gap, arrival)
		}
		if sn < j.highestSN {
			j.cycles += 1 << 16
		}
		j.highestSN = sn
		j.markReceived(j.cycles | uint32(sn))
		return nil

	default:
		ext := j.extendOld(sn)
		if j.isReceived(ext) {
			j.stats.NumDuplicates++
			return ErrPacketDuplicate
		}
		j.markReceived(ext)
		if _, ok := j.missing[ext]; ok {
			delete(j.missing, ext)
			if isRTX {
				j.stats.RTXSuccessCount++
			}
			return nil
		}
		if _, ok := j.lost[ext]; ok {
			delete(j.lost, ext)
			j.stats.NumLate++
			return nil
		}
		// older than anything tracked
		j.stats.NumLate++
		return nil
	}
}

func (j *JitterBuffer) extendOld(sn uint16) uint32 {
	if sn > j.highestSN && j.cycles >= 1<<16 {
		return (j.cycles - 1<<16) | uint32(sn)
	}
	return j.cycles | uint32(sn)
}

func (j *JitterBuffer) addMissing(ext uint32, at time.Time) {
	if len(j.missing) >= maxTrackedMissing {
		// too far behind to recover, count as lost right away
		j.stats.NumLost++
		return
	}
	j.missing[ext] = at
}

func (j *JitterBuffer) markReceived(ext uint32) {
	j.received[ext%receivedWindowSize] = ext + 1
}

func (j *JitterBuffer) isReceived(ext uint32) bool {
	return j.received[ext%receivedWindowSize] == ext+1
}

func (j *JitterBuffer) expireLocked(now time.Time) {
	for ext, at := range j.missing {
		if now.Sub(at) < j.latency {
			continue
		}
		delete(j.missing, ext)
		j.stats.NumLost++
		if len(j.lost) < maxTrackedMissing {
			j.lost[ext] = struct{}{}
		}
	}
}

func (j *JitterBuffer) Read(buf []byte) (int, error) {
	return j.out.Read(buf)
}

func (j *JitterBuffer) Stats() types.JitterBufferStats {
	j.lock.Lock()
	defer j.lock.Unlock()
	j.expireLocked(time.Now())
	return j.stats
}

func (j *JitterBuffer) Close() error {
	j.lock.Lock()
	if j.closed {
		j.lock.Unlock()
		return nil
	}
	j.closed = true
	j.lock.Unlock()
	return j.out.Close()
}
