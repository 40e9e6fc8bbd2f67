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

package types

import (
	"fmt"
	"math"
	"strings"

	"github.com/pion/webrtc/v3"
)

type MediaKind int

const (
	MediaKindUnknown MediaKind = iota
	MediaKindAudio
	MediaKindVideo
)

func (k MediaKind) String() string {
	switch k {
	case MediaKindUnknown:
		return "unknown"
	case MediaKindAudio:
		return "audio"
	case MediaKindVideo:
		return "video"
	}
	return "unknown"
}

func MediaKindFromString(s string) MediaKind {
	switch strings.ToLower(s) {
	case "audio":
		return MediaKindAudio
	case "video":
		return MediaKindVideo
	default:
		return MediaKindUnknown
	}
}

func (k MediaKind) RTPCodecType() webrtc.RTPCodecType {
	switch k {
	case MediaKindAudio:
		return webrtc.RTPCodecTypeAudio
	case MediaKindVideo:
		return webrtc.RTPCodecTypeVideo
	case MediaKindUnknown:
		return webrtc.RTPCodecType(0)
	}
	return webrtc.RTPCodecType(0)
}

// MLineUnassigned marks a transceiver that has not been bound to a media line yet.
// The same value scopes payload type lookups to every media line.
const (
	MLineUnassigned = uint32(math.MaxUint32)
	AnyMLine        = MLineUnassigned
)

// Codec is the negotiated capability set for one RTP payload type
type Codec struct {
	Kind         MediaKind
	EncodingName string
	ClockRate    uint32
	Channels     uint16
	Fmtp         string
	RTCPFeedback []string
}

func (c Codec) MimeType() string {
	return c.Kind.String() + "/" + c.EncodingName
}

// IsRetransmission reports whether the codec is an rtx wrapper around another payload type
func (c Codec) IsRetransmission() bool {
	return strings.EqualFold(c.EncodingName, "rtx")
}

func (c Codec) HasFeedback(feedback string) bool {
	for _, fb := range c.RTCPFeedback {
		if fb == feedback {
			return true
		}
	}
	return false
}

// Retransmission returns the rtx codec repairing payload type pt of c
func (c Codec) Retransmission(pt uint8) Codec {
	return Codec{
		Kind:         c.Kind,
		EncodingName: "rtx",
		ClockRate:    c.ClockRate,
		Fmtp:         fmt.Sprintf("apt=%d", pt),
	}
}
