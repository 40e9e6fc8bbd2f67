/*
 * Copyright 2023 LiveKit, Inc
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package types

import (
	"fmt"

	"github.com/pion/webrtc/v3"
)

type ICEComponent int

const (
	ICEComponentRTP  ICEComponent = 1
	ICEComponentRTCP ICEComponent = 2
)

type ICEConnectionType int

const (
	// this is in ICE priority highest -> lowest ordering
	// WARNING: Keep this ordering as it is used to find lowest priority connection type.
	ICEConnectionTypeUnknown ICEConnectionType = iota
	ICEConnectionTypeUDP
	ICEConnectionTypeTCP
	ICEConnectionTypeTURN
)

func (i ICEConnectionType) String() string {
	switch i {
	case ICEConnectionTypeUnknown:
		return "unknown"
	case ICEConnectionTypeUDP:
		return "udp"
	case ICEConnectionTypeTCP:
		return "tcp"
	case ICEConnectionTypeTURN:
		return "turn"
	default:
		return "unknown"
	}
}

func ICEConnectionTypeFromCandidate(c webrtc.ICECandidate) ICEConnectionType {
	if c.Typ == webrtc.ICECandidateTypeRelay {
		return ICEConnectionTypeTURN
	}
	switch c.Protocol {
	case webrtc.ICEProtocolUDP:
		return ICEConnectionTypeUDP
	case webrtc.ICEProtocolTCP:
		return ICEConnectionTypeTCP
	default:
		return ICEConnectionTypeUnknown
	}
}

// CandidatePair is the selected local and remote candidate of one ICE stream
type CandidatePair struct {
	Local  webrtc.ICECandidate
	Remote webrtc.ICECandidate
}

// ConnectionType returns the lowest priority type of the two candidates
func (p CandidatePair) ConnectionType() ICEConnectionType {
	local := ICEConnectionTypeFromCandidate(p.Local)
	remote := ICEConnectionTypeFromCandidate(p.Remote)
	if remote > local {
		return remote
	}
	return local
}

func (p CandidatePair) String() string {
	return fmt.Sprintf("%s:%d <-> %s:%d (%s)",
		p.Local.Address, p.Local.Port, p.Remote.Address, p.Remote.Port, p.ConnectionType())
}

// ICEStream is the agent-side state for one session_id. Streams are owned by the agent;
// transport streams keep the handle only.
type ICEStream interface {
	SessionID() uint32
	LocalCredentials() (ufrag string, pwd string, err error)
	SetRemoteCredentials(ufrag string, pwd string) error
	GatherCandidates() error
	GatheringState() webrtc.ICEGathererState
	AddRemoteCandidate(candidate webrtc.ICECandidate) error
}

type ICETransport interface {
	Component() ICEComponent
	State() webrtc.ICETransportState
	// Start runs connectivity checks and blocks until the transport connects or fails
	Start(controlling bool) error
	Stop() error
}

type ICEAgent interface {
	// AddStream returns the stream for sessionID, creating it on first use
	AddStream(sessionID uint32) (ICEStream, error)
	FindTransport(stream ICEStream, component ICEComponent) (ICETransport, error)
	// SelectedPair reports false while no pair has been nominated
	SelectedPair(stream ICEStream) (*CandidatePair, bool)

	SetControlling(controlling bool)
	IsControlling() bool

	// OnLocalCandidate is called with a nil candidate once gathering for a stream completes
	OnLocalCandidate(f func(sessionID uint32, candidate *webrtc.ICECandidate))
	OnStateChange(f func(sessionID uint32, state webrtc.ICETransportState))
	OnGatheringStateChange(f func(sessionID uint32, state webrtc.ICEGathererState))

	Close() error
}
