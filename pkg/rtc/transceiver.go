// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rtc

import (
	"fmt"
	"sync"

	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/utils"
)

const noStream = -1

type TransceiverInit struct {
	Direction types.Direction
	// Codecs in preference order, the default set for the kind is used when empty
	Codecs []types.Codec
	// SSRC advertised when sending, a random one is picked when zero
	SSRC        uint32
	StreamLabel string
	TrackLabel  string
}

// Transceiver is one media line. It refers to its transport stream by index into the
// owning peer connection's stream arena.
type Transceiver struct {
	kind        types.MediaKind
	ssrc        uint32
	rtxSSRC     uint32
	streamLabel string
	trackLabel  string
	// created by a remote offer rather than AddTransceiver
	implicit bool

	lock             sync.RWMutex
	mid              string
	pendingMid       string
	mline            uint32
	direction        types.Direction
	currentDirection types.Direction
	codecs           []types.Codec
	streamIndex      int
	stopped          bool
}

func newTransceiver(kind types.MediaKind, init TransceiverInit) *Transceiver {
	codecs := init.Codecs
	if len(codecs) == 0 {
		codecs = DefaultCodecs(kind)
	}
	ssrc := init.SSRC
	if ssrc == 0 {
		ssrc = utils.RandomSSRC()
	}
	rtxSSRC := utils.RandomSSRC()
	for rtxSSRC == ssrc {
		rtxSSRC = utils.RandomSSRC()
	}
	streamLabel := init.StreamLabel
	if streamLabel == "" {
		streamLabel = utils.RandomString(16)
	}
	trackLabel := init.TrackLabel
	if trackLabel == "" {
		trackLabel = fmt.Sprintf("%s-%s", kind, utils.RandomString(8))
	}
	return &Transceiver{
		kind:        kind,
		ssrc:        ssrc,
		rtxSSRC:     rtxSSRC,
		streamLabel: streamLabel,
		trackLabel:  trackLabel,
		mline:       types.MLineUnassigned,
		direction:   init.Direction,
		codecs:      append([]types.Codec(nil), codecs...),
		streamIndex: noStream,
	}
}

func (t *Transceiver) Kind() types.MediaKind {
	return t.kind
}

func (t *Transceiver) SSRC() uint32 {
	return t.ssrc
}

// RTXSSRC is advertised with SSRC in a FID group when a retransmission codec is negotiated
func (t *Transceiver) RTXSSRC() uint32 {
	return t.rtxSSRC
}

func (t *Transceiver) StreamLabel() string {
	return t.streamLabel
}

func (t *Transceiver) TrackLabel() string {
	return t.trackLabel
}

func (t *Transceiver) Mid() string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.mid
}

// MLine returns types.MLineUnassigned until the transceiver is negotiated
func (t *Transceiver) MLine() uint32 {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.mline
}

func (t *Transceiver) Direction() types.Direction {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.direction
}

// CurrentDirection is the direction last negotiated, DirectionNone before that
func (t *Transceiver) CurrentDirection() types.Direction {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.currentDirection
}

func (t *Transceiver) Codecs() []types.Codec {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return append([]types.Codec(nil), t.codecs...)
}

// StreamIndex locates the transport stream in the peer connection's arena
func (t *Transceiver) StreamIndex() (int, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.streamIndex, t.streamIndex != noStream
}

func (t *Transceiver) IsStopped() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.stopped
}

func (t *Transceiver) String() string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	mline := "unassigned"
	if t.mline != types.MLineUnassigned {
		mline = fmt.Sprintf("%d", t.mline)
	}
	return fmt.Sprintf("Transceiver{kind: %s, mid: %q, mline: %s, direction: %s}", t.kind, t.mid, mline, t.direction)
}

func (t *Transceiver) isAssociated() bool {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.mid != ""
}

func (t *Transceiver) associate(mid string, mline uint32) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mid = mid
	t.mline = mline
	t.pendingMid = ""
}

func (t *Transceiver) disassociate() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.mid = ""
	t.mline = types.MLineUnassigned
	t.streamIndex = noStream
}

// proposedMid is the mid put in a local offer before the transceiver is associated
func (t *Transceiver) proposedMid() string {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.pendingMid
}

func (t *Transceiver) proposeMid(mid string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.pendingMid = mid
}

func (t *Transceiver) setDirection(direction types.Direction) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.direction = direction
}

func (t *Transceiver) setCurrentDirection(direction types.Direction) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.currentDirection = direction
}

func (t *Transceiver) setStreamIndex(index int) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.streamIndex = index
}

func (t *Transceiver) stop() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.stopped = true
	t.direction = types.DirectionStopped
}

// DefaultCodecs is the capability set offered when a transceiver is added without preferences
func DefaultCodecs(kind types.MediaKind) []types.Codec {
	switch kind {
	case types.MediaKindAudio:
		return []types.Codec{
			{Kind: kind, EncodingName: "opus", ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1", RTCPFeedback: []string{"transport-cc"}},
			{Kind: kind, EncodingName: "PCMU", ClockRate: 8000, Channels: 1},
		}
	case types.MediaKindVideo:
		return []types.Codec{
			{Kind: kind, EncodingName: "VP8", ClockRate: 90000, RTCPFeedback: []string{"goog-remb", "transport-cc", "ccm fir", "nack", "nack pli"}},
			{Kind: kind, EncodingName: "H264", ClockRate: 90000, Fmtp: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: []string{"goog-remb", "transport-cc", "ccm fir", "nack", "nack pli"}},
		}
	case types.MediaKindUnknown:
		return nil
	}
	return nil
}
