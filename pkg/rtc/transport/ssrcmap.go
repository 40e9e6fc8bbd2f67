package transport

import (
	"github.com/livekit/pcengine/pkg/rtc/types"
)

type SSRCItem struct {
	Direction types.Direction
	SSRC      uint32
	MLine     uint32
	MID       string
	RID       string
	// receive direction only, resolved through the jitter buffer arena on use
	JitterBuffer types.JitterBufferHandle
}

// ssrcMap does not deduplicate on insert. Entries added twice for the same
// (ssrc, direction) stay until a later filter removes them.
type ssrcMap struct {
	items []SSRCItem
}

func (m *ssrcMap) add(item SSRCItem) error {
	if item.Direction != types.DirectionSendOnly && item.Direction != types.DirectionRecvOnly {
		return ErrInvalidSSRCDirection
	}
	if item.SSRC == 0 {
		return ErrInvalidSSRC
	}
	m.items = append(m.items, item)
	return nil
}

func (m *ssrcMap) find(pred func(item SSRCItem) bool) (SSRCItem, bool) {
	for _, item := range m.items {
		if pred(item) {
			return item, true
		}
	}
	return SSRCItem{}, false
}

func (m *ssrcMap) findAll(pred func(item SSRCItem) bool) []SSRCItem {
	var matches []SSRCItem
	for _, item := range m.items {
		if pred(item) {
			matches = append(matches, item)
		}
	}
	return matches
}

// filter keeps entries satisfying pred, compacting in place, and returns the removed ones
func (m *ssrcMap) filter(pred func(item SSRCItem) bool) []SSRCItem {
	var removed []SSRCItem
	kept := m.items[:0]
	for _, item := range m.items {
		if pred(item) {
			kept = append(kept, item)
		} else {
			removed = append(removed, item)
		}
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = SSRCItem{}
	}
	m.items = kept
	return removed
}

func (m *ssrcMap) all() []SSRCItem {
	return append([]SSRCItem(nil), m.items...)
}
