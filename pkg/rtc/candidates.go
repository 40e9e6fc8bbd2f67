package rtc

import (
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/pcengine/pkg/utils"
)

type remoteCandidate struct {
	mline     uint32
	candidate webrtc.ICECandidate
}

// localCandidate with a nil candidate marks the end of gathering for the session
type localCandidate struct {
	sessionID uint32
	candidate *webrtc.ICECandidate
}

// ParseCandidate parses an a=candidate value with or without its prefixes. It returns nil
// for the empty end-of-candidates marker.
func ParseCandidate(raw string) (*webrtc.ICECandidate, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "a=")
	value = strings.TrimPrefix(value, "candidate:")
	if value == "" {
		return nil, nil
	}

	c, err := ice.UnmarshalCandidate(value)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCandidate, "%v", err)
	}
	typ, err := webrtc.NewICECandidateType(c.Type().String())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCandidate, "%v", err)
	}
	protocol, err := webrtc.NewICEProtocol(c.NetworkType().NetworkShort())
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidCandidate, "%v", err)
	}

	candidate := &webrtc.ICECandidate{
		Foundation: c.Foundation(),
		Priority:   c.Priority(),
		Address:    c.Address(),
		Protocol:   protocol,
		Port:       uint16(c.Port()),
		Component:  c.Component(),
		Typ:        typ,
		TCPType:    c.TCPType().String(),
	}
	if related := c.RelatedAddress(); related != nil {
		candidate.RelatedAddress = related.Address
		candidate.RelatedPort = uint16(related.Port)
	}
	return candidate, nil
}

func candidateString(c *webrtc.ICECandidate) string {
	if c == nil {
		return ""
	}
	return c.ToJSON().Candidate
}

// AddICECandidate adds a trickled remote candidate for mline. Candidates are held until
// both descriptions are set. An empty candidate marks the end of remote candidates.
func (pc *PeerConnection) AddICECandidate(mline uint32, candidate string) *utils.Promise[struct{}] {
	return runTask(pc, "add-ice-candidate", func() (struct{}, error) {
		c, err := ParseCandidate(candidate)
		if err != nil {
			return struct{}{}, err
		}
		if c == nil {
			pc.logger.Debugw("end of remote candidates", "mline", mline)
			return struct{}{}, nil
		}
		if remote := pc.remoteDescriptionLocked(); remote != nil && int(mline) >= len(remote.parsed.MediaDescriptions) {
			return struct{}{}, errors.Wrapf(ErrInvalidCandidate, "mline %d out of range", mline)
		}

		pc.candidateLock.Lock()
		pc.pendingRemoteCandidates = append(pc.pendingRemoteCandidates, remoteCandidate{mline: mline, candidate: *c})
		pc.candidateLock.Unlock()

		pc.flushRemoteCandidatesLocked()
		return struct{}{}, nil
	})
}

func (pc *PeerConnection) flushRemoteCandidatesLocked() {
	local, remote := pc.localDescriptionLocked(), pc.remoteDescriptionLocked()
	if local == nil || remote == nil {
		return
	}

	pc.candidateLock.Lock()
	pending := pc.pendingRemoteCandidates
	pc.pendingRemoteCandidates = nil
	pc.candidateLock.Unlock()

	if len(pending) == 0 {
		return
	}
	assignments := pc.sessionAssignmentsLocked(remote.parsed)
	for _, rc := range pending {
		if int(rc.mline) >= len(assignments) || assignments[rc.mline].rejected {
			pc.logger.Debugw("dropping candidate for unused media line", "mline", rc.mline)
			continue
		}
		stream, ok := pc.streamForSessionLocked(assignments[rc.mline].sessionID)
		if !ok {
			pc.logger.Warnw("no transport stream for candidate", nil, "mline", rc.mline)
			continue
		}
		if err := stream.ICEStream().AddRemoteCandidate(rc.candidate); err != nil {
			pc.logger.Warnw("could not add remote candidate", err, "mline", rc.mline, "candidate", rc.candidate.String())
		}
	}
}

func (pc *PeerConnection) onLocalCandidate(sessionID uint32, c *webrtc.ICECandidate) {
	runTask(pc, "local-ice-candidate", func() (struct{}, error) {
		pc.candidateLock.Lock()
		pc.pendingLocalCandidates = append(pc.pendingLocalCandidates, localCandidate{sessionID: sessionID, candidate: c})
		pc.candidateLock.Unlock()

		pc.flushLocalCandidatesLocked()
		return struct{}{}, nil
	})
}

// flushLocalCandidatesLocked delivers buffered local candidates once a local description
// exists. The media line reported is the session's bundle tag.
func (pc *PeerConnection) flushLocalCandidatesLocked() {
	if pc.localDescriptionLocked() == nil {
		return
	}

	pc.candidateLock.Lock()
	pending := pc.pendingLocalCandidates
	pc.pendingLocalCandidates = nil
	pc.candidateLock.Unlock()

	if len(pending) == 0 {
		return
	}
	handler := pc.params.Handler
	pc.dispatch(func() {
		for _, lc := range pending {
			handler.OnICECandidate(lc.sessionID, candidateString(lc.candidate))
		}
	})
}
