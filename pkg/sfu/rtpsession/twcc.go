package rtpsession

import (
	"sync"

	"github.com/pion/rtcp"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

// twccRecorder folds transport-wide congestion control feedback into loss counters.
// Every reported packet carries a receive delta unless it was not received.
type twccRecorder struct {
	sync.Mutex

	lastFbPktCount uint8
	haveFeedback   bool
	stats          types.TWCCStats
}

func (t *twccRecorder) onFeedback(fb *rtcp.TransportLayerCC) {
	t.Lock()
	defer t.Unlock()

	if t.haveFeedback && fb.FbPktCount == t.lastFbPktCount {
		// repeated feedback packet
		return
	}
	t.haveFeedback = true
	t.lastFbPktCount = fb.FbPktCount

	received := uint64(0)
	for _, d := range fb.RecvDeltas {
		if d.Type == rtcp.TypeTCCPacketReceivedSmallDelta || d.Type == rtcp.TypeTCCPacketReceivedLargeDelta {
			received++
		}
	}
	reported := uint64(fb.PacketStatusCount)
	if received > reported {
		reported = received
	}

	t.stats.FeedbackCount++
	t.stats.PacketsReported += reported
	t.stats.PacketsReceived += received
	t.stats.PacketsLost += reported - received
}

func (t *twccRecorder) snapshot() types.TWCCStats {
	t.Lock()
	defer t.Unlock()
	return t.stats
}
