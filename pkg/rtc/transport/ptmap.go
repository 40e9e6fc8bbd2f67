package transport

import (
	"strings"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

type PayloadTypeItem struct {
	PT    uint8
	MLine uint32
	Caps  types.Codec
}

// payloadTypeMap is kept as a small ordered slice, bundle groups rarely carry more than
// a few tens of payload types so a linear scan is enough
type payloadTypeMap struct {
	items []PayloadTypeItem
}

func (m *payloadTypeMap) upsert(pt uint8, mline uint32, caps types.Codec) {
	for i := range m.items {
		if m.items[i].PT == pt {
			m.items[i].MLine = mline
			m.items[i].Caps = caps
			return
		}
	}
	m.items = append(m.items, PayloadTypeItem{PT: pt, MLine: mline, Caps: caps})
}

func (m *payloadTypeMap) get(pt uint8) (PayloadTypeItem, bool) {
	for _, item := range m.items {
		if item.PT == pt {
			return item, true
		}
	}
	return PayloadTypeItem{}, false
}

func (m *payloadTypeMap) matching(encodingName string, mline uint32) []PayloadTypeItem {
	var matches []PayloadTypeItem
	for _, item := range m.items {
		if mline != types.AnyMLine && item.MLine != mline {
			continue
		}
		if !strings.EqualFold(item.Caps.EncodingName, encodingName) {
			continue
		}
		matches = append(matches, item)
	}
	return matches
}

func (m *payloadTypeMap) forMLine(mline uint32) []PayloadTypeItem {
	var matches []PayloadTypeItem
	for _, item := range m.items {
		if mline == types.AnyMLine || item.MLine == mline {
			matches = append(matches, item)
		}
	}
	return matches
}

func (m *payloadTypeMap) all() []PayloadTypeItem {
	return append([]PayloadTypeItem(nil), m.items...)
}
