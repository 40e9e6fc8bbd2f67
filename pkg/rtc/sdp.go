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
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/livekit/pcengine/pkg/rtc/transport"
	"github.com/livekit/pcengine/pkg/rtc/types"
)

const (
	mediaApplication = "application"
	dataChannelFmt   = "webrtc-datachannel"

	dynamicPTMin = 96
	dynamicPTMax = 127
)

var staticPayloadTypes = map[string]uint8{
	"PCMU": 0,
	"PCMA": 8,
	"G722": 9,
}

var staticCodecs = map[uint8]types.Codec{
	0: {Kind: types.MediaKindAudio, EncodingName: "PCMU", ClockRate: 8000, Channels: 1},
	8: {Kind: types.MediaKindAudio, EncodingName: "PCMA", ClockRate: 8000, Channels: 1},
	9: {Kind: types.MediaKindAudio, EncodingName: "G722", ClockRate: 8000, Channels: 1},
}

type description struct {
	typ    webrtc.SDPType
	sdp    string
	parsed *sdp.SessionDescription
}

func (d *description) toWebRTC() *webrtc.SessionDescription {
	if d == nil {
		return nil
	}
	return &webrtc.SessionDescription{Type: d.typ, SDP: d.sdp}
}

func getMidValue(media *sdp.MediaDescription) string {
	for _, attr := range media.Attributes {
		if attr.Key == sdp.AttrKeyMID {
			return attr.Value
		}
	}
	return ""
}

func mediaForMid(desc *sdp.SessionDescription, mid string) (*sdp.MediaDescription, int) {
	if desc == nil || mid == "" {
		return nil, -1
	}
	for i, md := range desc.MediaDescriptions {
		if getMidValue(md) == mid {
			return md, i
		}
	}
	return nil, -1
}

func isRejected(md *sdp.MediaDescription) bool {
	return md.MediaName.Port.Value == 0
}

func isDataMedia(md *sdp.MediaDescription) bool {
	return md.MediaName.Media == mediaApplication
}

func mediaDirection(md *sdp.MediaDescription) types.Direction {
	for _, attr := range md.Attributes {
		switch attr.Key {
		case sdp.AttrKeySendRecv, sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeyInactive:
			return types.DirectionFromAttribute(attr.Key)
		}
	}
	return types.DirectionSendRecv
}

func directionAttribute(d types.Direction) string {
	switch d {
	case types.DirectionSendOnly:
		return sdp.AttrKeySendOnly
	case types.DirectionRecvOnly:
		return sdp.AttrKeyRecvOnly
	case types.DirectionSendRecv:
		return sdp.AttrKeySendRecv
	default:
		return sdp.AttrKeyInactive
	}
}

// mediaOrSessionAttribute prefers the media level value of key
func mediaOrSessionAttribute(desc *sdp.SessionDescription, md *sdp.MediaDescription, key string) (string, bool) {
	if md != nil {
		if v, ok := md.Attribute(key); ok {
			return v, true
		}
	}
	return desc.Attribute(key)
}

func extractICECredential(desc *sdp.SessionDescription, md *sdp.MediaDescription) (string, string, error) {
	ufrag, haveUfrag := mediaOrSessionAttribute(desc, md, "ice-ufrag")
	if !haveUfrag || ufrag == "" {
		return "", "", errors.Wrap(ErrMissingICECredential, "ice-ufrag")
	}
	pwd, havePwd := mediaOrSessionAttribute(desc, md, "ice-pwd")
	if !havePwd || pwd == "" {
		return "", "", errors.Wrap(ErrMissingICECredential, "ice-pwd")
	}
	return ufrag, pwd, nil
}

// extractFingerprint returns the hash algorithm and value of the DTLS certificate fingerprint
func extractFingerprint(desc *sdp.SessionDescription, md *sdp.MediaDescription) (string, string, error) {
	fingerprint, ok := mediaOrSessionAttribute(desc, md, "fingerprint")
	if !ok {
		return "", "", ErrMissingFingerprint
	}
	parts := strings.Split(fingerprint, " ")
	if len(parts) != 2 {
		return "", "", errors.Wrapf(ErrMissingFingerprint, "malformed fingerprint %q", fingerprint)
	}
	return parts[0], parts[1], nil
}

func extractSetup(desc *sdp.SessionDescription, md *sdp.MediaDescription) string {
	setup, _ := mediaOrSessionAttribute(desc, md, sdp.AttrKeyConnectionSetup)
	return setup
}

// answerSetup picks the answerer's DTLS setup role for an offered one
func answerSetup(offered string) string {
	switch offered {
	case sdp.ConnectionRoleActive.String():
		return sdp.ConnectionRolePassive.String()
	default:
		return sdp.ConnectionRoleActive.String()
	}
}

// isDTLSClient reports whether the negotiated setup roles make the local side the DTLS client
func isDTLSClient(localSetup, remoteSetup string) bool {
	switch localSetup {
	case sdp.ConnectionRoleActive.String():
		return true
	case sdp.ConnectionRolePassive.String():
		return false
	}
	return remoteSetup == sdp.ConnectionRolePassive.String()
}

func bundleGroups(desc *sdp.SessionDescription) [][]string {
	var groups [][]string
	for _, attr := range desc.Attributes {
		if attr.Key != sdp.AttrKeyGroup {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 || fields[0] != "BUNDLE" {
			continue
		}
		groups = append(groups, fields[1:])
	}
	return groups
}

// validateDescription checks every active media line carries ICE credentials and a fingerprint
func validateDescription(desc *sdp.SessionDescription) error {
	for i, md := range desc.MediaDescriptions {
		if isRejected(md) {
			continue
		}
		if _, _, err := extractICECredential(desc, md); err != nil {
			return errors.Wrapf(err, "mline %d", i)
		}
		if _, _, err := extractFingerprint(desc, md); err != nil {
			return errors.Wrapf(err, "mline %d", i)
		}
	}
	return nil
}

// -------------------------------------------------

type sessionAssignment struct {
	sessionID uint32
	rejected  bool
}

// assignSessions maps every media line to the session of its transport. Bundled lines share
// the session of the group's first active line, other lines use their own index.
func assignSessions(mids []string, rejected []bool, groups [][]string, bundle bool) []sessionAssignment {
	tags := make(map[string]uint32)
	if bundle {
		index := make(map[string]int, len(mids))
		for i, mid := range mids {
			if mid != "" {
				index[mid] = i
			}
		}
		for _, group := range groups {
			tag := -1
			for _, mid := range group {
				if i, ok := index[mid]; ok && !rejected[i] {
					tag = i
					break
				}
			}
			if tag < 0 {
				continue
			}
			for _, mid := range group {
				tags[mid] = uint32(tag)
			}
		}
	}

	assignments := make([]sessionAssignment, len(mids))
	for i, mid := range mids {
		if rejected[i] {
			assignments[i] = sessionAssignment{sessionID: uint32(i), rejected: true}
			continue
		}
		if tag, ok := tags[mid]; ok {
			assignments[i] = sessionAssignment{sessionID: tag}
			continue
		}
		assignments[i] = sessionAssignment{sessionID: uint32(i)}
	}
	return assignments
}

func sessionAssignmentsFor(desc *sdp.SessionDescription, policy BundlePolicy) []sessionAssignment {
	mids := make([]string, len(desc.MediaDescriptions))
	rejected := make([]bool, len(desc.MediaDescriptions))
	for i, md := range desc.MediaDescriptions {
		mids[i] = getMidValue(md)
		rejected[i] = isRejected(md)
	}
	return assignSessions(mids, rejected, bundleGroups(desc), policy.Bundles())
}

func (pc *PeerConnection) sessionAssignmentsLocked(desc *sdp.SessionDescription) []sessionAssignment {
	return sessionAssignmentsFor(desc, pc.params.Config.BundlePolicy)
}

// usedSessions lists the distinct sessions of active lines in media line order
func usedSessions(assignments []sessionAssignment) []uint32 {
	seen := make(map[uint32]bool)
	var sessions []uint32
	for _, a := range assignments {
		if a.rejected || seen[a.sessionID] {
			continue
		}
		seen[a.sessionID] = true
		sessions = append(sessions, a.sessionID)
	}
	return sessions
}

func remoteFingerprintForSession(desc *sdp.SessionDescription, sessionID uint32) (string, string, error) {
	var md *sdp.MediaDescription
	if int(sessionID) < len(desc.MediaDescriptions) {
		md = desc.MediaDescriptions[sessionID]
	}
	return extractFingerprint(desc, md)
}

// -------------------------------------------------

type mediaCodec struct {
	pt    uint8
	codec types.Codec
}

// mediaCodecs resolves the payload types of one media line in format order
func mediaCodecs(md *sdp.MediaDescription, kind types.MediaKind) []mediaCodec {
	single := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{md}}
	codecs := make([]mediaCodec, 0, len(md.MediaName.Formats))
	for _, format := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		c, err := single.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			if static, ok := staticCodecs[uint8(pt)]; ok && kind == types.MediaKindAudio {
				codecs = append(codecs, mediaCodec{pt: uint8(pt), codec: static})
			}
			continue
		}
		codec := types.Codec{
			Kind:         kind,
			EncodingName: c.Name,
			ClockRate:    c.ClockRate,
			Fmtp:         c.Fmtp,
			RTCPFeedback: c.RTCPFeedback,
		}
		if c.EncodingParameters != "" {
			if channels, err := strconv.ParseUint(c.EncodingParameters, 10, 16); err == nil {
				codec.Channels = uint16(channels)
			}
		}
		codecs = append(codecs, mediaCodec{pt: uint8(pt), codec: codec})
	}
	return codecs
}

// repairSSRCs lists the retransmission SSRCs of FID groups on a media line
func repairSSRCs(md *sdp.MediaDescription) map[uint32]bool {
	repair := make(map[uint32]bool)
	for _, attr := range md.Attributes {
		if attr.Key != sdp.AttrKeySSRCGroup {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 3 || fields[0] != "FID" {
			continue
		}
		for _, field := range fields[2:] {
			if ssrc, err := strconv.ParseUint(field, 10, 32); err == nil {
				repair[uint32(ssrc)] = true
			}
		}
	}
	return repair
}

// mediaSSRCs lists the distinct media SSRCs announced on a media line, retransmission
// SSRCs are left out
func mediaSSRCs(md *sdp.MediaDescription) []uint32 {
	var ssrcs []uint32
	seen := repairSSRCs(md)
	for _, attr := range md.Attributes {
		if attr.Key != sdp.AttrKeySSRC {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) == 0 {
			continue
		}
		ssrc, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil || ssrc == 0 || seen[uint32(ssrc)] {
			continue
		}
		seen[uint32(ssrc)] = true
		ssrcs = append(ssrcs, uint32(ssrc))
	}
	return ssrcs
}

func codecsMatch(a, b types.Codec) bool {
	return strings.EqualFold(a.EncodingName, b.EncodingName) && a.ClockRate == b.ClockRate
}

func rtxAssociatedPT(fmtp string) (uint8, bool) {
	for _, param := range strings.Split(fmtp, ";") {
		kv := strings.SplitN(strings.TrimSpace(param), "=", 2)
		if len(kv) != 2 || kv[0] != "apt" {
			continue
		}
		pt, err := strconv.ParseUint(kv[1], 10, 8)
		if err != nil {
			return 0, false
		}
		return uint8(pt), true
	}
	return 0, false
}

// intersectCodecs keeps the offered codecs the local preferences support, retransmission
// codecs are kept when the payload type they repair is kept
func intersectCodecs(offered []mediaCodec, local []types.Codec) []mediaCodec {
	kept := make(map[uint8]bool)
	var out []mediaCodec
	for _, oc := range offered {
		if oc.codec.IsRetransmission() {
			continue
		}
		for _, lc := range local {
			if codecsMatch(oc.codec, lc) {
				out = append(out, oc)
				kept[oc.pt] = true
				break
			}
		}
	}
	for _, oc := range offered {
		if !oc.codec.IsRetransmission() {
			continue
		}
		if apt, ok := rtxAssociatedPT(oc.codec.Fmtp); ok && kept[apt] {
			out = append(out, oc)
		}
	}
	return out
}

// ptAllocator hands out payload types unique across one description
type ptAllocator struct {
	used map[uint8]bool
	next uint8
}

func newPTAllocator() *ptAllocator {
	return &ptAllocator{used: make(map[uint8]bool), next: dynamicPTMin}
}

func (a *ptAllocator) allocate(codec types.Codec, previous []transport.PayloadTypeItem) (uint8, bool) {
	if pt, ok := staticPayloadTypes[strings.ToUpper(codec.EncodingName)]; ok && codec.ClockRate == 8000 {
		a.used[pt] = true
		return pt, true
	}
	for _, item := range previous {
		if codecsMatch(item.Caps, codec) && item.Caps.Fmtp == codec.Fmtp && !a.used[item.PT] {
			a.used[item.PT] = true
			return item.PT, true
		}
	}
	for a.next <= dynamicPTMax {
		pt := a.next
		a.next++
		if !a.used[pt] {
			a.used[pt] = true
			return pt, true
		}
	}
	return 0, false
}

func withCodecs(md *sdp.MediaDescription, codecs []mediaCodec) *sdp.MediaDescription {
	for _, c := range codecs {
		channels := uint16(0)
		if c.codec.Kind == types.MediaKindAudio && c.codec.Channels > 1 {
			channels = c.codec.Channels
		}
		md.WithCodec(c.pt, c.codec.EncodingName, c.codec.ClockRate, channels, c.codec.Fmtp)
		for _, fb := range c.codec.RTCPFeedback {
			md.WithValueAttribute("rtcp-fb", fmt.Sprintf("%d %s", c.pt, fb))
		}
	}
	return md
}

func hasRetransmission(codecs []mediaCodec) bool {
	for _, c := range codecs {
		if c.codec.IsRetransmission() {
			return true
		}
	}
	return false
}

// withMediaSource announces the sending SSRC of t, paired with its retransmission SSRC when
// an rtx codec is negotiated on the line
func withMediaSource(md *sdp.MediaDescription, t *Transceiver, cname string, codecs []mediaCodec) {
	md.WithValueAttribute(sdp.AttrKeyMsid, t.StreamLabel()+" "+t.TrackLabel())
	if !hasRetransmission(codecs) {
		md.WithMediaSource(t.SSRC(), cname, t.StreamLabel(), t.TrackLabel())
		return
	}
	md.WithValueAttribute(sdp.AttrKeySSRCGroup, fmt.Sprintf("FID %d %d", t.SSRC(), t.RTXSSRC())).
		WithMediaSource(t.SSRC(), cname, t.StreamLabel(), t.TrackLabel()).
		WithMediaSource(t.RTXSSRC(), cname, t.StreamLabel(), t.TrackLabel())
}

func rejectedMedia(media string, mid string, formats []string) *sdp.MediaDescription {
	md := sdp.NewJSEPMediaDescription(media, nil)
	md.MediaName.Port = sdp.RangedPort{Value: 0}
	if media == mediaApplication {
		md.MediaName.Protos = []string{"UDP", "DTLS", "SCTP"}
	}
	md.MediaName.Formats = append([]string(nil), formats...)
	if len(md.MediaName.Formats) == 0 {
		if media == mediaApplication {
			md.MediaName.Formats = []string{dataChannelFmt}
		} else {
			md.MediaName.Formats = []string{"0"}
		}
	}
	if mid != "" {
		md.WithValueAttribute(sdp.AttrKeyMID, mid)
	}
	return md.WithPropertyAttribute(sdp.AttrKeyInactive)
}

func dataMedia() *sdp.MediaDescription {
	md := sdp.NewJSEPMediaDescription(mediaApplication, nil)
	md.MediaName.Protos = []string{"UDP", "DTLS", "SCTP"}
	md.MediaName.Formats = []string{dataChannelFmt}
	return md
}

// -------------------------------------------------

// newSessionDescriptionLocked keeps the session id of the previous local description
// and bumps its version
func (pc *PeerConnection) newSessionDescriptionLocked() (*sdp.SessionDescription, error) {
	d, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, err
	}
	if prev := pc.localDescriptionLocked(); prev != nil {
		d.Origin.SessionID = prev.parsed.Origin.SessionID
		d.Origin.SessionVersion = prev.parsed.Origin.SessionVersion + 1
	}
	d.WithValueAttribute("ice-options", "trickle")
	d.WithValueAttribute(sdp.AttrKeyMsidSemantic, " "+sdp.SemanticTokenWebRTCMediaStreams+" *")
	return d, nil
}

// transportAttributes adds the ICE and DTLS parameters of the stream for session
func (pc *PeerConnection) transportAttributesLocked(md *sdp.MediaDescription, sessionID uint32, setup string) error {
	stream, ok := pc.streamForSessionLocked(sessionID)
	if !ok {
		return errors.Wrapf(ErrSetup, "no transport stream for session %d", sessionID)
	}
	ufrag, pwd, err := stream.ICEStream().LocalCredentials()
	if err != nil {
		return errors.Wrapf(ErrSetup, "local ice credentials: %v", err)
	}
	algorithm, fingerprint, err := stream.DTLSTransport().Fingerprint()
	if err != nil {
		return errors.Wrapf(ErrSetup, "local fingerprint: %v", err)
	}
	md.WithICECredentials(ufrag, pwd).
		WithFingerprint(algorithm, fingerprint).
		WithValueAttribute(sdp.AttrKeyConnectionSetup, setup)
	return nil
}

type offerLine struct {
	media       string
	mid         string
	transceiver *Transceiver
	data        bool
	rejected    bool
	formats     []string
}

// offerLinesLocked keeps the media line order of the previous local description and
// appends new transceivers and the data line after it
func (pc *PeerConnection) offerLinesLocked() []offerLine {
	var lines []offerLine
	placed := make(map[*Transceiver]bool)
	haveData := false

	if prev := pc.localDescriptionLocked(); prev != nil {
		for _, md := range prev.parsed.MediaDescriptions {
			mid := getMidValue(md)
			if isDataMedia(md) {
				haveData = true
				lines = append(lines, offerLine{media: mediaApplication, mid: mid, data: true, rejected: isRejected(md), formats: md.MediaName.Formats})
				continue
			}
			t, ok := pc.transceiverForMidLocked(mid)
			if !ok {
				lines = append(lines, offerLine{media: md.MediaName.Media, mid: mid, rejected: true, formats: md.MediaName.Formats})
				continue
			}
			placed[t] = true
			lines = append(lines, offerLine{media: t.Kind().String(), mid: mid, transceiver: t, rejected: t.IsStopped(), formats: md.MediaName.Formats})
		}
	}

	for _, t := range pc.transceivers {
		if placed[t] || t.IsStopped() {
			continue
		}
		mid := t.Mid()
		if mid == "" {
			mid = t.proposedMid()
		}
		if mid == "" {
			mid = fmt.Sprintf("%s%d", t.Kind(), pc.mediaCounter)
			pc.mediaCounter++
			t.proposeMid(mid)
		}
		lines = append(lines, offerLine{media: t.Kind().String(), mid: mid, transceiver: t})
	}

	if !haveData && pc.hasDataChannelsLocked() {
		if pc.dataMid == "" {
			pc.dataMid = fmt.Sprintf("%s%d", mediaApplication, pc.mediaCounter)
			pc.mediaCounter++
		}
		lines = append(lines, offerLine{media: mediaApplication, mid: pc.dataMid, data: true})
	}
	return lines
}

// offerCodecsLocked allocates payload types for the codecs of t, reusing the ones negotiated
// before on its media line. Codecs with nack feedback are followed by an rtx codec.
func (pc *PeerConnection) offerCodecsLocked(t *Transceiver, stream *transport.TransportStream, pts *ptAllocator) []mediaCodec {
	mline := t.MLine()
	previous := func(encodingName string) []transport.PayloadTypeItem {
		if stream == nil || mline == types.MLineUnassigned {
			return nil
		}
		return stream.GetAllPT(encodingName, mline)
	}

	var codecs []mediaCodec
	for _, c := range t.Codecs() {
		if c.IsRetransmission() {
			continue
		}
		pt, ok := pts.allocate(c, previous(c.EncodingName))
		if !ok {
			pc.logger.Warnw("ran out of payload types", nil, "mid", t.Mid(), "codec", c.MimeType())
			break
		}
		codecs = append(codecs, mediaCodec{pt: pt, codec: c})

		if c.Kind != types.MediaKindVideo || !c.HasFeedback("nack") {
			continue
		}
		rtx := c.Retransmission(pt)
		rtxPT, ok := pts.allocate(rtx, previous(rtx.EncodingName))
		if !ok {
			pc.logger.Warnw("ran out of payload types", nil, "mid", t.Mid(), "codec", rtx.MimeType())
			break
		}
		codecs = append(codecs, mediaCodec{pt: rtxPT, codec: rtx})
	}
	return codecs
}

func (pc *PeerConnection) generateOfferLocked() (*sdp.SessionDescription, error) {
	d, err := pc.newSessionDescriptionLocked()
	if err != nil {
		return nil, err
	}

	lines := pc.offerLinesLocked()
	mids := make([]string, len(lines))
	rejected := make([]bool, len(lines))
	var bundled []string
	for i, line := range lines {
		mids[i] = line.mid
		rejected[i] = line.rejected
		if !line.rejected {
			bundled = append(bundled, line.mid)
		}
	}
	bundle := pc.params.Config.BundlePolicy.Bundles()
	assignments := assignSessions(mids, rejected, [][]string{bundled}, bundle)
	if err := pc.ensureStreamsLocked(usedSessions(assignments)); err != nil {
		return nil, err
	}

	pts := newPTAllocator()
	for i, line := range lines {
		if line.rejected {
			d.WithMedia(rejectedMedia(line.media, line.mid, line.formats))
			continue
		}
		sessionID := assignments[i].sessionID

		var md *sdp.MediaDescription
		if line.data {
			md = dataMedia()
		} else {
			md = sdp.NewJSEPMediaDescription(line.media, nil)
		}
		if err := pc.transportAttributesLocked(md, sessionID, sdp.ConnectionRoleActpass.String()); err != nil {
			return nil, err
		}
		md.WithValueAttribute(sdp.AttrKeyMID, line.mid)

		if line.data {
			md.WithValueAttribute("sctp-port", strconv.Itoa(sctpPort)).
				WithValueAttribute("max-message-size", strconv.Itoa(sctpMaxMessageSize))
			d.WithMedia(md)
			continue
		}

		md.WithPropertyAttribute(sdp.AttrKeyRTCPMux).
			WithPropertyAttribute(sdp.AttrKeyRTCPRsize)

		t := line.transceiver
		stream, _ := pc.streamForSessionLocked(sessionID)
		codecs := pc.offerCodecsLocked(t, stream, pts)
		withCodecs(md, codecs)

		direction := t.Direction()
		md.WithPropertyAttribute(directionAttribute(direction))
		if direction.Sends() {
			withMediaSource(md, t, pc.cname, codecs)
		}
		d.WithMedia(md)
	}

	if bundle && len(bundled) > 0 {
		d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(bundled, " "))
	}
	return d, nil
}

func (pc *PeerConnection) generateAnswerLocked() (*sdp.SessionDescription, error) {
	remote := pc.pendingRemoteDescription
	if remote == nil || remote.typ != webrtc.SDPTypeOffer {
		return nil, ErrNoRemoteDescription
	}
	d, err := pc.newSessionDescriptionLocked()
	if err != nil {
		return nil, err
	}

	offer := remote.parsed
	type answerLine struct {
		md          *sdp.MediaDescription
		transceiver *Transceiver
		codecs      []mediaCodec
		direction   types.Direction
		rejected    bool
	}
	lines := make([]answerLine, len(offer.MediaDescriptions))
	mids := make([]string, len(offer.MediaDescriptions))
	rejected := make([]bool, len(offer.MediaDescriptions))
	for i, rmd := range offer.MediaDescriptions {
		line := answerLine{md: rmd, rejected: isRejected(rmd)}
		mids[i] = getMidValue(rmd)
		switch {
		case line.rejected:
		case isDataMedia(rmd):
		default:
			t, ok := pc.transceiverForMidLocked(mids[i])
			if !ok || t.IsStopped() {
				line.rejected = true
				break
			}
			kind := types.MediaKindFromString(rmd.MediaName.Media)
			line.transceiver = t
			line.codecs = intersectCodecs(mediaCodecs(rmd, kind), t.Codecs())
			line.direction = types.IntersectAnswer(mediaDirection(rmd), t.Direction())
			if len(line.codecs) == 0 {
				pc.logger.Infow("rejecting media line without common codec", "mid", mids[i])
				line.rejected = true
			}
		}
		rejected[i] = line.rejected
		lines[i] = line
	}

	bundle := pc.params.Config.BundlePolicy.Bundles()
	groups := bundleGroups(offer)
	assignments := assignSessions(mids, rejected, groups, bundle)
	if err := pc.ensureStreamsLocked(usedSessions(assignments)); err != nil {
		return nil, err
	}

	for i, line := range lines {
		if line.rejected {
			d.WithMedia(rejectedMedia(line.md.MediaName.Media, mids[i], line.md.MediaName.Formats))
			continue
		}

		var md *sdp.MediaDescription
		if isDataMedia(line.md) {
			md = dataMedia()
		} else {
			md = sdp.NewJSEPMediaDescription(line.md.MediaName.Media, nil)
		}
		setup := answerSetup(extractSetup(offer, line.md))
		if err := pc.transportAttributesLocked(md, assignments[i].sessionID, setup); err != nil {
			return nil, err
		}
		md.WithValueAttribute(sdp.AttrKeyMID, mids[i])

		if isDataMedia(line.md) {
			port := strconv.Itoa(sctpPort)
			if v, ok := line.md.Attribute("sctp-port"); ok {
				port = v
			}
			md.WithValueAttribute("sctp-port", port).
				WithValueAttribute("max-message-size", strconv.Itoa(sctpMaxMessageSize))
			d.WithMedia(md)
			continue
		}

		md.WithPropertyAttribute(sdp.AttrKeyRTCPMux)
		if _, ok := line.md.Attribute(sdp.AttrKeyRTCPRsize); ok {
			md.WithPropertyAttribute(sdp.AttrKeyRTCPRsize)
		}
		withCodecs(md, line.codecs)
		md.WithPropertyAttribute(directionAttribute(line.direction))
		if line.direction.Sends() {
			withMediaSource(md, line.transceiver, pc.cname, line.codecs)
		}
		d.WithMedia(md)
	}

	if bundle {
		for _, group := range groups {
			var accepted []string
			for _, mid := range group {
				if _, idx := mediaForMid(offer, mid); idx >= 0 && !rejected[idx] {
					accepted = append(accepted, mid)
				}
			}
			if len(accepted) > 0 {
				d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(accepted, " "))
			}
		}
	}
	return d, nil
}
