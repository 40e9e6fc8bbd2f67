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
	"strconv"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
	"github.com/livekit/pcengine/pkg/telemetry/prometheus"
	"github.com/livekit/pcengine/pkg/utils"
)

// CreateOffer generates an offer covering every transceiver and data channel and applies
// it as the local description
func (pc *PeerConnection) CreateOffer() *utils.Promise[webrtc.SessionDescription] {
	return runTask(pc, "create-offer", func() (webrtc.SessionDescription, error) {
		offer, err := pc.createOfferLocked()
		recordNegotiation("create-offer", err)
		return offer, err
	})
}

// CreateAnswer answers the pending remote offer and applies the answer as the local description
func (pc *PeerConnection) CreateAnswer() *utils.Promise[webrtc.SessionDescription] {
	return runTask(pc, "create-answer", func() (webrtc.SessionDescription, error) {
		answer, err := pc.createAnswerLocked()
		recordNegotiation("create-answer", err)
		return answer, err
	})
}

func (pc *PeerConnection) SetLocalDescription(sd webrtc.SessionDescription) *utils.Promise[struct{}] {
	return runTask(pc, "set-local-description", func() (struct{}, error) {
		err := pc.setDescriptionLocked(true, sd)
		recordNegotiation("set-local-description", err)
		return struct{}{}, err
	})
}

func (pc *PeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) *utils.Promise[struct{}] {
	return runTask(pc, "set-remote-description", func() (struct{}, error) {
		err := pc.setDescriptionLocked(false, sd)
		recordNegotiation("set-remote-description", err)
		return struct{}{}, err
	})
}

func recordNegotiation(operation string, err error) {
	prometheus.RecordNegotiation(operation, err, errorKind(err))
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStateMismatch):
		return "state_mismatch"
	case errors.Is(err, ErrSetup):
		return "setup"
	case errors.Is(err, ErrPeerConnectionClosed):
		return "closed"
	case errors.Is(err, ErrInvalidDescription),
		errors.Is(err, ErrMissingICECredential),
		errors.Is(err, ErrMissingFingerprint):
		return "invalid_description"
	default:
		return "other"
	}
}

func (pc *PeerConnection) localDescriptionLocked() *description {
	if pc.provisionalAnswer != nil && pc.provisionalIsLocal {
		return pc.provisionalAnswer
	}
	if pc.pendingLocalDescription != nil {
		return pc.pendingLocalDescription
	}
	return pc.currentLocalDescription
}

func (pc *PeerConnection) remoteDescriptionLocked() *description {
	if pc.provisionalAnswer != nil && !pc.provisionalIsLocal {
		return pc.provisionalAnswer
	}
	if pc.pendingRemoteDescription != nil {
		return pc.pendingRemoteDescription
	}
	return pc.currentRemoteDescription
}

// nextSignalingState applies the JSEP transition for a description of typ set on the
// local or remote side
func nextSignalingState(state webrtc.SignalingState, local bool, typ webrtc.SDPType) (webrtc.SignalingState, error) {
	// zero is not a valid state
	var next webrtc.SignalingState
	switch state {
	case webrtc.SignalingStateStable:
		if typ == webrtc.SDPTypeOffer {
			next = webrtc.SignalingStateHaveRemoteOffer
			if local {
				next = webrtc.SignalingStateHaveLocalOffer
			}
		}
	case webrtc.SignalingStateHaveLocalOffer:
		switch {
		case local && typ == webrtc.SDPTypeOffer:
			next = webrtc.SignalingStateHaveLocalOffer
		case !local && typ == webrtc.SDPTypePranswer:
			next = webrtc.SignalingStateHaveRemotePranswer
		case !local && typ == webrtc.SDPTypeAnswer:
			next = webrtc.SignalingStateStable
		}
	case webrtc.SignalingStateHaveRemoteOffer:
		switch {
		case !local && typ == webrtc.SDPTypeOffer:
			next = webrtc.SignalingStateHaveRemoteOffer
		case local && typ == webrtc.SDPTypePranswer:
			next = webrtc.SignalingStateHaveLocalPranswer
		case local && typ == webrtc.SDPTypeAnswer:
			next = webrtc.SignalingStateStable
		}
	case webrtc.SignalingStateHaveLocalPranswer:
		switch {
		case local && typ == webrtc.SDPTypePranswer:
			next = webrtc.SignalingStateHaveLocalPranswer
		case local && typ == webrtc.SDPTypeAnswer:
			next = webrtc.SignalingStateStable
		}
	case webrtc.SignalingStateHaveRemotePranswer:
		switch {
		case !local && typ == webrtc.SDPTypePranswer:
			next = webrtc.SignalingStateHaveRemotePranswer
		case !local && typ == webrtc.SDPTypeAnswer:
			next = webrtc.SignalingStateStable
		}
	}

	if next == 0 {
		return state, errors.Wrapf(ErrStateMismatch, "cannot set %s %s in state %s", side(local), typ, state)
	}
	return next, nil
}

func side(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}

func (pc *PeerConnection) createOfferLocked() (webrtc.SessionDescription, error) {
	if _, err := nextSignalingState(pc.signalingState, true, webrtc.SDPTypeOffer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	parsed, err := pc.generateOfferLocked()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	text, err := pc.params.SDPCodec.Serialize(parsed)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrapf(ErrSetup, "serialize offer: %v", err)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: text}
	if err := pc.setDescriptionLocked(true, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc.lastOffer = &offer
	pc.offerCount++
	return offer, nil
}

func (pc *PeerConnection) createAnswerLocked() (webrtc.SessionDescription, error) {
	if _, err := nextSignalingState(pc.signalingState, true, webrtc.SDPTypeAnswer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	parsed, err := pc.generateAnswerLocked()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	text, err := pc.params.SDPCodec.Serialize(parsed)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrapf(ErrSetup, "serialize answer: %v", err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: text}
	if err := pc.setDescriptionLocked(true, answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc.lastAnswer = &answer
	return answer, nil
}

// setDescriptionLocked validates and applies sd. The signaling state and descriptions are
// left unchanged when it fails.
func (pc *PeerConnection) setDescriptionLocked(local bool, sd webrtc.SessionDescription) error {
	if sd.Type == webrtc.SDPTypeRollback {
		return pc.rollbackLocked(local)
	}
	next, err := nextSignalingState(pc.signalingState, local, sd.Type)
	if err != nil {
		return err
	}

	parsed, err := pc.params.SDPCodec.Parse(sd.SDP)
	if err != nil {
		return errors.Wrapf(ErrInvalidDescription, "%v", err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return errors.Wrap(ErrInvalidDescription, "no media")
	}
	if err := validateDescription(parsed); err != nil {
		return err
	}
	assignments := pc.sessionAssignmentsLocked(parsed)
	sessions := usedSessions(assignments)
	base := len(pc.streams)
	if err := pc.ensureStreamsLocked(sessions); err != nil {
		return err
	}
	if !local {
		if err := pc.setRemoteCredentialsLocked(parsed, sessions); err != nil {
			pc.dropStreamsLocked(base)
			return err
		}
	}

	desc := &description{typ: sd.Type, sdp: sd.SDP, parsed: parsed}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		if local {
			pc.pendingLocalDescription = desc
		} else {
			pc.pendingRemoteDescription = desc
		}
	case webrtc.SDPTypePranswer:
		pc.provisionalAnswer = desc
		pc.provisionalIsLocal = local
	case webrtc.SDPTypeAnswer:
		if local {
			pc.currentLocalDescription = desc
			pc.currentRemoteDescription = pc.pendingRemoteDescription
		} else {
			pc.currentRemoteDescription = desc
			pc.currentLocalDescription = pc.pendingLocalDescription
		}
		pc.pendingLocalDescription = nil
		pc.pendingRemoteDescription = nil
		pc.provisionalAnswer = nil
	}

	if local {
		if (pc.lastOffer != nil && pc.lastOffer.SDP != sd.SDP) || (pc.lastAnswer != nil && pc.lastAnswer.SDP != sd.SDP) {
			pc.lastOffer, pc.lastAnswer = nil, nil
		}
	} else {
		pc.lastOffer, pc.lastAnswer = nil, nil
	}

	if sd.Type == webrtc.SDPTypeOffer {
		pc.isOfferer = local
		pc.params.ICEAgent.SetControlling(local)
		if local {
			pc.renegotiateAfterAnswer = false
		}
		pc.associateTransceiversLocked(parsed, assignments, local)
	}
	pc.setSignalingStateLocked(next)

	if next == webrtc.SignalingStateStable {
		pc.updateTransceiversLocked(desc, assignments)
		pc.renegotiateAfterAnswer = false
		pc.startTransportsLocked(sessions, pc.currentRemoteDescription)
	}

	if local {
		for _, sid := range sessions {
			stream, ok := pc.streamForSessionLocked(sid)
			if !ok || stream.ICEStream().GatheringState() != webrtc.ICEGathererStateNew {
				continue
			}
			if err := stream.ICEStream().GatherCandidates(); err != nil {
				pc.logger.Warnw("could not gather candidates", err, "sessionID", sid)
			}
		}
	}

	pc.flushRemoteCandidatesLocked()
	if local {
		pc.flushLocalCandidatesLocked()
	}

	if next == webrtc.SignalingStateStable {
		pc.updateNeedNegotiationLocked()
	} else {
		pc.updateNegotiationStateLocked()
	}
	pc.logger.Debugw("description applied", "side", side(local), "type", sd.Type, "signalingState", next)
	return nil
}

func (pc *PeerConnection) setRemoteCredentialsLocked(desc *sdp.SessionDescription, sessions []uint32) error {
	for _, sid := range sessions {
		var md *sdp.MediaDescription
		if int(sid) < len(desc.MediaDescriptions) {
			md = desc.MediaDescriptions[sid]
		}
		ufrag, pwd, err := extractICECredential(desc, md)
		if err != nil {
			return err
		}
		stream, ok := pc.streamForSessionLocked(sid)
		if !ok {
			continue
		}
		if err := stream.ICEStream().SetRemoteCredentials(ufrag, pwd); err != nil {
			return errors.Wrapf(ErrSetup, "remote ice credentials: %v", err)
		}
	}
	return nil
}

// rollbackLocked discards the pending offer. Transceivers only associated by that offer lose
// their association, the ones it created are stopped.
func (pc *PeerConnection) rollbackLocked(local bool) error {
	switch {
	case local && pc.signalingState == webrtc.SignalingStateHaveLocalOffer:
		pc.pendingLocalDescription = nil
	case !local && pc.signalingState == webrtc.SignalingStateHaveRemoteOffer:
		pc.pendingRemoteDescription = nil
	default:
		return errors.Wrapf(ErrStateMismatch, "cannot roll back %s description in state %s", side(local), pc.signalingState)
	}
	pc.provisionalAnswer = nil

	var current *sdp.SessionDescription
	if pc.currentLocalDescription != nil {
		current = pc.currentLocalDescription.parsed
	}
	for _, t := range pc.transceivers {
		if !t.isAssociated() {
			continue
		}
		if md, _ := mediaForMid(current, t.Mid()); md != nil {
			continue
		}
		t.disassociate()
		if t.implicit {
			t.stop()
		}
	}
	if pc.dataTransport != nil {
		if md, _ := mediaForMid(current, pc.dataTransport.mid); md == nil {
			pc.dataTransport = nil
		}
	}
	pc.lastOffer, pc.lastAnswer = nil, nil

	pc.setSignalingStateLocked(webrtc.SignalingStateStable)
	pc.updateNeedNegotiationLocked()
	pc.logger.Debugw("description rolled back", "side", side(local))
	return nil
}

// associateTransceiversLocked binds the media lines of an offer to transceivers by mid. A
// remote offer creates a recvonly transceiver for a line nothing else can take.
func (pc *PeerConnection) associateTransceiversLocked(desc *sdp.SessionDescription, assignments []sessionAssignment, local bool) {
	for i, md := range desc.MediaDescriptions {
		mid := getMidValue(md)
		mline := uint32(i)
		streamIndex := noStream
		if !assignments[i].rejected {
			if idx, ok := pc.streamIndex.Get(assignments[i].sessionID); ok {
				streamIndex = idx
			}
		}

		if isDataMedia(md) {
			if !assignments[i].rejected {
				pc.dataTransport = newDataChannelTransport(md, mid, mline, streamIndex)
				pc.dataMid = mid
			}
			continue
		}

		t, ok := pc.transceiverForMidLocked(mid)
		if !ok && local {
			t, ok = pc.transceiverForProposedMidLocked(mid)
		}
		if !ok && !local && !assignments[i].rejected {
			t, ok = pc.unassociatedTransceiverLocked(types.MediaKindFromString(md.MediaName.Media))
			if !ok {
				t, ok = pc.implicitTransceiverLocked(md)
			}
		}
		if !ok {
			continue
		}
		t.associate(mid, mline)
		t.setStreamIndex(streamIndex)
	}
}

func (pc *PeerConnection) transceiverForProposedMidLocked(mid string) (*Transceiver, bool) {
	for _, t := range pc.transceivers {
		if !t.isAssociated() && t.proposedMid() == mid {
			return t, true
		}
	}
	return nil, false
}

func (pc *PeerConnection) unassociatedTransceiverLocked(kind types.MediaKind) (*Transceiver, bool) {
	for _, t := range pc.transceivers {
		if t.Kind() == kind && !t.isAssociated() && !t.IsStopped() && t.proposedMid() == "" {
			return t, true
		}
	}
	return nil, false
}

func (pc *PeerConnection) implicitTransceiverLocked(md *sdp.MediaDescription) (*Transceiver, bool) {
	kind := types.MediaKindFromString(md.MediaName.Media)
	switch kind {
	case types.MediaKindAudio, types.MediaKindVideo:
	case types.MediaKindUnknown:
		pc.logger.Infow("ignoring media line of unknown kind", "media", md.MediaName.Media)
		return nil, false
	}
	t := newTransceiver(kind, TransceiverInit{Direction: types.DirectionRecvOnly})
	t.implicit = true
	pc.transceivers = append(pc.transceivers, t)
	pc.logger.Debugw("transceiver created for remote offer", "transceiver", t.String())
	return t, true
}

func newDataChannelTransport(md *sdp.MediaDescription, mid string, mline uint32, streamIndex int) *DataChannelTransport {
	dt := &DataChannelTransport{
		mid:            mid,
		mline:          mline,
		streamIndex:    streamIndex,
		port:           sctpPort,
		maxMessageSize: sctpMaxMessageSize,
	}
	if v, ok := md.Attribute("sctp-port"); ok {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			dt.port = uint16(port)
		}
	}
	if v, ok := md.Attribute("max-message-size"); ok {
		if size, err := strconv.ParseUint(v, 10, 32); err == nil {
			dt.maxMessageSize = uint32(size)
		}
	}
	return dt
}

// updateTransceiversLocked syncs transceivers and the stream tables with the negotiated
// answer, which decides the session of every media line
func (pc *PeerConnection) updateTransceiversLocked(answer *description, assignments []sessionAssignment) {
	local, remote := pc.currentLocalDescription.parsed, pc.currentRemoteDescription.parsed
	localIsAnswer := answer == pc.currentLocalDescription

	active := make(map[uint32]bool)
	for i, amd := range answer.parsed.MediaDescriptions {
		if i >= len(local.MediaDescriptions) || i >= len(remote.MediaDescriptions) {
			break
		}
		lmd, rmd := local.MediaDescriptions[i], remote.MediaDescriptions[i]
		mid := getMidValue(amd)
		mline := uint32(i)
		a := assignments[i]

		if isDataMedia(amd) {
			if a.rejected {
				if pc.dataTransport != nil && pc.dataTransport.mid == mid {
					pc.dataTransport = nil
				}
				continue
			}
			idx, _ := pc.streamIndex.Get(a.sessionID)
			pc.dataTransport = newDataChannelTransport(rmd, mid, mline, idx)
			pc.dataMid = mid
			active[a.sessionID] = true
			continue
		}

		t, ok := pc.transceiverForMidLocked(mid)
		if !ok {
			continue
		}
		t.associate(mid, mline)

		if a.rejected {
			if idx, ok := t.StreamIndex(); ok {
				if stream, ok := pc.streamAtLocked(idx); ok {
					stream.FilterSSRC(func(item transport.SSRCItem) bool { return item.MLine != mline })
				}
			}
			if !t.IsStopped() {
				pc.logger.Infow("media line rejected, stopping transceiver", "mid", mid)
				t.stop()
			}
			t.setStreamIndex(noStream)
			t.setCurrentDirection(types.DirectionInactive)
			continue
		}

		idx, _ := pc.streamIndex.Get(a.sessionID)
		stream := pc.streams[idx]
		t.setStreamIndex(idx)
		active[a.sessionID] = true

		codecs := mediaCodecs(amd, t.Kind())
		for _, c := range codecs {
			stream.AddPayloadType(c.pt, mline, c.codec)
		}

		current := mediaDirection(lmd)
		if !localIsAnswer {
			current = mediaDirection(rmd).Reverse()
		}
		t.setCurrentDirection(current)

		var clockRate uint32
		if len(codecs) > 0 {
			clockRate = codecs[0].codec.ClockRate
		}
		pc.syncSSRCsLocked(stream, t, rmd, current, mline, clockRate)
	}

	for _, stream := range pc.streams {
		stream.SetActive(active[stream.SessionID()])
	}
	for _, sid := range usedSessions(assignments) {
		stream, ok := pc.streamForSessionLocked(sid)
		if !ok || int(sid) >= len(local.MediaDescriptions) || int(sid) >= len(remote.MediaDescriptions) {
			continue
		}
		client := isDTLSClient(
			extractSetup(local, local.MediaDescriptions[sid]),
			extractSetup(remote, remote.MediaDescriptions[sid]),
		)
		stream.SetDTLSClient(client)
	}
}

// syncSSRCsLocked drops SSRC entries of mline that are no longer negotiated and adds the
// missing ones. The stream table does not dedup, so existing entries are looked up first.
func (pc *PeerConnection) syncSSRCsLocked(
	stream *transport.TransportStream,
	t *Transceiver,
	rmd *sdp.MediaDescription,
	current types.Direction,
	mline uint32,
	clockRate uint32,
) {
	type entry struct {
		direction types.Direction
		ssrc      uint32
	}
	var wanted []entry
	if current.Receives() {
		for _, ssrc := range mediaSSRCs(rmd) {
			wanted = append(wanted, entry{direction: types.DirectionRecvOnly, ssrc: ssrc})
		}
	}
	if current.Sends() {
		wanted = append(wanted, entry{direction: types.DirectionSendOnly, ssrc: t.SSRC()})
	}
	isWanted := func(item transport.SSRCItem) bool {
		for _, w := range wanted {
			if w.direction == item.Direction && w.ssrc == item.SSRC {
				return true
			}
		}
		return false
	}

	removed := stream.FilterSSRC(func(item transport.SSRCItem) bool {
		return item.MLine != mline || isWanted(item)
	})
	for _, item := range removed {
		pc.logger.Debugw("ssrc removed", "ssrc", item.SSRC, "direction", item.Direction, "mline", mline)
	}

	for _, w := range wanted {
		if _, ok := stream.FindSSRC(func(item transport.SSRCItem) bool {
			return item.MLine == mline && item.Direction == w.direction && item.SSRC == w.ssrc
		}); ok {
			continue
		}
		if err := stream.AddSSRC(w.direction, w.ssrc, mline, t.Mid(), "", clockRate); err != nil {
			pc.logger.Warnw("could not add ssrc", err, "ssrc", w.ssrc, "mline", mline)
		}
	}
}

// -------------------------------------------------

// checkNegotiationNeededLocked compares transceivers and data channels with the current
// descriptions
func (pc *PeerConnection) checkNegotiationNeededLocked() bool {
	haveData := pc.hasDataChannelsLocked()
	haveMedia := false
	for _, t := range pc.transceivers {
		if !t.IsStopped() {
			haveMedia = true
			break
		}
	}
	local, remote := pc.currentLocalDescription, pc.currentRemoteDescription
	if local == nil || remote == nil {
		return haveMedia || haveData
	}
	if haveData && pc.dataTransport == nil {
		return true
	}

	for _, t := range pc.transceivers {
		lmd, _ := mediaForMid(local.parsed, t.Mid())
		if t.IsStopped() {
			if lmd != nil && !isRejected(lmd) {
				return true
			}
			continue
		}
		if lmd == nil {
			return true
		}
		if isRejected(lmd) {
			continue
		}
		if local.typ == webrtc.SDPTypeOffer {
			if mediaDirection(lmd) != t.Direction() {
				return true
			}
			continue
		}
		rmd, _ := mediaForMid(remote.parsed, t.Mid())
		if rmd == nil || types.IntersectAnswer(mediaDirection(rmd), t.Direction()) != mediaDirection(lmd) {
			return true
		}
	}
	return false
}

func (pc *PeerConnection) updateNeedNegotiationLocked() {
	needed := pc.checkNegotiationNeededLocked()
	fire := needed && !pc.needNegotiation
	pc.needNegotiation = needed
	pc.updateNegotiationStateLocked()

	if fire {
		handler := pc.params.Handler
		pc.debouncedNegotiationNeeded(func() {
			pc.dispatch(handler.OnNegotiationNeeded)
		})
	}
}

func (pc *PeerConnection) updateNegotiationStateLocked() {
	var next transport.NegotiationState
	switch pc.signalingState {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveRemotePranswer:
		next = transport.NegotiationStateRemote
		if pc.renegotiateAfterAnswer {
			next = transport.NegotiationStateRetry
		}
	case webrtc.SignalingStateStable:
		next = transport.NegotiationStateNone
		if pc.needNegotiation {
			next = transport.NegotiationStateNeeded
		}
	default:
		next = transport.NegotiationStateNone
		if pc.renegotiateAfterAnswer {
			next = transport.NegotiationStateRetry
		}
	}
	pc.setNegotiationStateLocked(next)
}

// onTransceiversChangedLocked marks local changes, they are negotiated again once the
// exchange in flight completes
func (pc *PeerConnection) onTransceiversChangedLocked() {
	pc.lastOffer, pc.lastAnswer = nil, nil
	if pc.signalingState != webrtc.SignalingStateStable {
		pc.renegotiateAfterAnswer = true
		pc.updateNegotiationStateLocked()
		return
	}
	pc.updateNeedNegotiationLocked()
}

// -------------------------------------------------

func (pc *PeerConnection) AddTransceiver(kind types.MediaKind, init TransceiverInit) *utils.Promise[*Transceiver] {
	return runTask(pc, "add-transceiver", func() (*Transceiver, error) {
		switch kind {
		case types.MediaKindAudio, types.MediaKindVideo:
		case types.MediaKindUnknown:
			return nil, errors.Wrapf(ErrInvalidMediaKind, "%s", kind)
		default:
			return nil, errors.Wrapf(ErrInvalidMediaKind, "%d", int(kind))
		}
		switch init.Direction {
		case types.DirectionNone:
			init.Direction = types.DirectionSendRecv
		case types.DirectionStopped:
			return nil, errors.Wrap(ErrInvalidDirection, "cannot add a stopped transceiver")
		}

		t := newTransceiver(kind, init)
		pc.transceivers = append(pc.transceivers, t)
		pc.logger.Debugw("transceiver added", "transceiver", t.String())
		pc.onTransceiversChangedLocked()
		return t, nil
	})
}

func (pc *PeerConnection) SetTransceiverDirection(t *Transceiver, direction types.Direction) *utils.Promise[struct{}] {
	return runTask(pc, "set-transceiver-direction", func() (struct{}, error) {
		if !pc.hasTransceiverLocked(t) {
			return struct{}{}, ErrUnknownTransceiver
		}
		switch direction {
		case types.DirectionNone, types.DirectionStopped:
			return struct{}{}, errors.Wrapf(ErrInvalidDirection, "%s", direction)
		}
		if t.IsStopped() {
			return struct{}{}, errors.Wrap(ErrInvalidDirection, "transceiver stopped")
		}
		if t.Direction() == direction {
			return struct{}{}, nil
		}
		t.setDirection(direction)
		pc.onTransceiversChangedLocked()
		return struct{}{}, nil
	})
}

// RemoveTransceiver stops t. It keeps its media line, which is rejected in the next offer.
func (pc *PeerConnection) RemoveTransceiver(t *Transceiver) *utils.Promise[struct{}] {
	return runTask(pc, "remove-transceiver", func() (struct{}, error) {
		if !pc.hasTransceiverLocked(t) {
			return struct{}{}, ErrUnknownTransceiver
		}
		if t.IsStopped() {
			return struct{}{}, nil
		}
		t.stop()
		pc.onTransceiversChangedLocked()
		return struct{}{}, nil
	})
}

// -------------------------------------------------

func (pc *PeerConnection) hasDataChannelsLocked() bool {
	pc.dataChannels.lock.Lock()
	defer pc.dataChannels.lock.Unlock()

	return len(pc.dataChannels.channels) > 0
}

// dataClientLocked reports whether data channel ids use the DTLS client parity
func (pc *PeerConnection) dataClientLocked() bool {
	if pc.dataTransport != nil {
		if stream, ok := pc.streamAtLocked(pc.dataTransport.streamIndex); ok {
			return stream.DTLSClient()
		}
	}
	// offers use actpass, the answerer takes the client role
	return !pc.isOfferer && pc.currentRemoteDescription != nil
}

func (pc *PeerConnection) CreateDataChannel(label string, init DataChannelInit) *utils.Promise[*DataChannel] {
	return runTask(pc, "create-data-channel", func() (*DataChannel, error) {
		client := pc.dataClientLocked()

		pc.dataChannels.lock.Lock()
		var id uint16
		if init.ID != nil {
			id = *init.ID
			if id > maxDataChannelID || pc.dataChannels.idInUse(id) {
				pc.dataChannels.lock.Unlock()
				return nil, errors.Wrapf(ErrDataChannelIDInUse, "id %d", id)
			}
		} else {
			var ok bool
			if id, ok = pc.dataChannels.nextID(client); !ok {
				pc.dataChannels.lock.Unlock()
				return nil, errors.Wrap(ErrDataChannelIDInUse, "no free id")
			}
		}
		dc := newDataChannel(label, id, init)
		pc.dataChannels.channels = append(pc.dataChannels.channels, dc)
		pc.dataChannels.requested++
		pc.dataChannels.lock.Unlock()

		prometheus.RecordDataChannelEvent("requested")
		pc.logger.Debugw("data channel created", "dataChannel", dc.String())

		if pc.dataTransport == nil {
			pc.onTransceiversChangedLocked()
		} else if stream, ok := pc.streamAtLocked(pc.dataTransport.streamIndex); ok {
			pc.openDataChannelsLocked(stream.SessionID())
		}
		return dc, nil
	})
}

// AcceptDataChannel registers a channel opened by the remote peer
func (pc *PeerConnection) AcceptDataChannel(label string, id uint16, protocol string) *utils.Promise[*DataChannel] {
	return runTask(pc, "accept-data-channel", func() (*DataChannel, error) {
		pc.dataChannels.lock.Lock()
		if pc.dataChannels.idInUse(id) {
			pc.dataChannels.lock.Unlock()
			return nil, errors.Wrapf(ErrDataChannelIDInUse, "id %d", id)
		}
		dc := newDataChannel(label, id, DataChannelInit{Ordered: true, Protocol: protocol})
		dc.setState(webrtc.DataChannelStateOpen)
		pc.dataChannels.channels = append(pc.dataChannels.channels, dc)
		pc.dataChannels.accepted++
		pc.dataChannels.opened++
		pc.dataChannels.lock.Unlock()

		prometheus.RecordDataChannelEvent("accepted")
		handler := pc.params.Handler
		pc.dispatch(func() {
			handler.OnDataChannel(dc)
		})
		return dc, nil
	})
}

func (pc *PeerConnection) CloseDataChannel(dc *DataChannel) *utils.Promise[struct{}] {
	return runTask(pc, "close-data-channel", func() (struct{}, error) {
		pc.dataChannels.lock.Lock()
		if !pc.dataChannels.contains(dc) {
			pc.dataChannels.lock.Unlock()
			return struct{}{}, ErrUnknownDataChannel
		}
		if dc.State() == webrtc.DataChannelStateClosed {
			pc.dataChannels.lock.Unlock()
			return struct{}{}, nil
		}
		pc.dataChannels.closed++
		onClose := dc.setState(webrtc.DataChannelStateClosed)
		pc.dataChannels.lock.Unlock()

		prometheus.RecordDataChannelEvent("closed")
		if onClose != nil {
			pc.dispatch(onClose)
		}
		return struct{}{}, nil
	})
}

// openDataChannelsLocked opens the pending channels once the data transport's DTLS
// session on sessionID is connected
func (pc *PeerConnection) openDataChannelsLocked(sessionID uint32) {
	if pc.dataTransport == nil {
		return
	}
	stream, ok := pc.streamAtLocked(pc.dataTransport.streamIndex)
	if !ok || stream.SessionID() != sessionID || !stream.OutputConnected() {
		return
	}

	var onOpen []func()
	opened := 0
	pc.dataChannels.lock.Lock()
	for _, dc := range pc.dataChannels.channels {
		if dc.State() != webrtc.DataChannelStateConnecting {
			continue
		}
		f := dc.setState(webrtc.DataChannelStateOpen)
		pc.dataChannels.opened++
		opened++
		if f != nil {
			onOpen = append(onOpen, f)
		}
	}
	pc.dataChannels.lock.Unlock()

	for i := 0; i < opened; i++ {
		prometheus.RecordDataChannelEvent("opened")
	}
	for _, f := range onOpen {
		pc.dispatch(f)
	}
}

// DataChannelCounters returns the number of channels opened and closed so far
func (pc *PeerConnection) DataChannelCounters() (opened uint32, closed uint32) {
	pc.dataChannels.lock.Lock()
	defer pc.dataChannels.lock.Unlock()

	return pc.dataChannels.opened, pc.dataChannels.closed
}

func (pc *PeerConnection) DataChannels() []*DataChannel {
	pc.dataChannels.lock.Lock()
	defer pc.dataChannels.lock.Unlock()

	return pc.dataChannels.snapshot()
}
