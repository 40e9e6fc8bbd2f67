package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

const (
	sctpPort           = 5000
	sctpMaxMessageSize = 262144
	maxDataChannelID   = 65534
)

type DataChannelInit struct {
	// ID is picked from the local parity when nil
	ID             *uint16
	Ordered        bool
	MaxRetransmits *uint16
	Protocol       string
	Negotiated     bool
}

// DataChannelTransport is the transport stream carrying the SCTP association
type DataChannelTransport struct {
	mid            string
	mline          uint32
	streamIndex    int
	port           uint16
	maxMessageSize uint32
}

func (d *DataChannelTransport) Mid() string {
	return d.mid
}

func (d *DataChannelTransport) MLine() uint32 {
	return d.mline
}

func (d *DataChannelTransport) StreamIndex() (int, bool) {
	return d.streamIndex, d.streamIndex != noStream
}

type DataChannel struct {
	label          string
	id             uint16
	ordered        bool
	maxRetransmits *uint16
	protocol       string
	negotiated     bool

	lock    sync.RWMutex
	state   webrtc.DataChannelState
	onOpen  func()
	onClose func()
}

func newDataChannel(label string, id uint16, init DataChannelInit) *DataChannel {
	return &DataChannel{
		label:          label,
		id:             id,
		ordered:        init.Ordered,
		maxRetransmits: init.MaxRetransmits,
		protocol:       init.Protocol,
		negotiated:     init.Negotiated,
		state:          webrtc.DataChannelStateConnecting,
	}
}

func (d *DataChannel) Label() string {
	return d.label
}

func (d *DataChannel) ID() uint16 {
	return d.id
}

func (d *DataChannel) Ordered() bool {
	return d.ordered
}

func (d *DataChannel) Protocol() string {
	return d.protocol
}

func (d *DataChannel) Negotiated() bool {
	return d.negotiated
}

func (d *DataChannel) State() webrtc.DataChannelState {
	d.lock.RLock()
	defer d.lock.RUnlock()

	return d.state
}

func (d *DataChannel) OnOpen(f func()) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.onOpen = f
}

func (d *DataChannel) OnClose(f func()) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.onClose = f
}

func (d *DataChannel) String() string {
	return fmt.Sprintf("DataChannel{label: %q, id: %d, state: %s}", d.label, d.id, d.State())
}

// setState returns the callback to run for the transition, nil when the state did not change
func (d *DataChannel) setState(state webrtc.DataChannelState) func() {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.state == state {
		return nil
	}
	d.state = state
	switch state {
	case webrtc.DataChannelStateOpen:
		return d.onOpen
	case webrtc.DataChannelStateClosed:
		return d.onClose
	}
	return nil
}

// dataChannels is the set guarded by the data channel lock, never taken before the PC lock
type dataChannels struct {
	lock      sync.Mutex
	channels  []*DataChannel
	opened    uint32
	closed    uint32
	requested uint32
	accepted  uint32
}

func (d *dataChannels) idInUse(id uint16) bool {
	for _, dc := range d.channels {
		if dc.id == id {
			return true
		}
	}
	return false
}

// nextID picks the lowest free id of the given parity, client side uses even ids
func (d *dataChannels) nextID(client bool) (uint16, bool) {
	start := 1
	if client {
		start = 0
	}
	for id := start; id <= maxDataChannelID; id += 2 {
		if !d.idInUse(uint16(id)) {
			return uint16(id), true
		}
	}
	return 0, false
}

func (d *dataChannels) snapshot() []*DataChannel {
	return append([]*DataChannel(nil), d.channels...)
}

func (d *dataChannels) contains(dc *DataChannel) bool {
	for _, c := range d.channels {
		if c == dc {
			return true
		}
	}
	return false
}
