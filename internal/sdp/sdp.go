// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/voxgateai/internal/codec"
)

// ErrNoAudioMedia signals an SDP body without a usable m=audio section.
var ErrNoAudioMedia = errors.New("no audio media in offer")

// Direction is the RFC 3264 media direction attribute.
type Direction string

const (
	DirectionUnknown  Direction = ""
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Complement returns the direction an answer reflects back for this
// offer direction when the call is on hold.
func (d Direction) Complement() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// Offer is a parsed SDP offer with the audio media singled out.
type Offer struct {
	raw        string
	session    *sdp.SessionDescription
	audio      *sdp.MediaDescription
	Candidates []codec.Descriptor
	RemoteIP   string
	RemotePort int
}

// Parse unmarshals an SDP offer. Lines of the form "a=rtcp:..." are
// stripped first: some PBX stacks emit forms the parser rejects and the
// engine never uses RTCP hints anyway.
func Parse(body string) (*Offer, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("empty SDP body")
	}
	cleaned := stripRTCPAttributes(body)

	session := &sdp.SessionDescription{}
	if err := session.Unmarshal([]byte(cleaned)); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, media := range session.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audio = media
			break
		}
	}
	if audio == nil {
		return nil, ErrNoAudioMedia
	}

	offer := &Offer{
		raw:        cleaned,
		session:    session,
		audio:      audio,
		RemotePort: audio.MediaName.Port.Value,
	}
	offer.RemoteIP = connectionAddress(session, audio)
	offer.Candidates = extractCandidates(audio)
	return offer, nil
}

// Direction returns the media direction of the offer, preferring the
// media-level attribute over the session-level one. Absent attributes
// yield DirectionUnknown so callers can treat it as sendrecv per RFC 3264.
func (o *Offer) Direction() Direction {
	if d := directionOf(o.audio.Attributes); d != DirectionUnknown {
		return d
	}
	return directionOf(o.session.Attributes)
}

// Hold reports whether the offer puts the call on hold: sendonly or
// inactive direction, or the RFC 3264 zeroed connection address.
func (o *Offer) Hold() bool {
	switch o.Direction() {
	case DirectionSendOnly, DirectionInactive:
		return true
	}
	return o.RemoteIP == "0.0.0.0"
}

// Negotiate picks a codec for this offer honoring the flavor's priority
// list.
func (o *Offer) Negotiate(priority []string) (codec.Codec, error) {
	return codec.Match(o.Candidates, priority)
}

// Answer builds the answer SDP for the chosen codec: the offer session
// with the origin and connection addresses rewritten to the engine's RTP
// address, the audio port replaced, exactly one payload type left, and
// the direction attribute set.
func (o *Offer) Answer(chosen codec.Codec, rtpIP string, rtpPort int, direction Direction) (string, error) {
	answer := &sdp.SessionDescription{}
	if err := answer.Unmarshal([]byte(o.raw)); err != nil {
		return "", fmt.Errorf("rebuild SDP: %w", err)
	}

	answer.Origin.UnicastAddress = rtpIP
	if answer.ConnectionInformation != nil && answer.ConnectionInformation.Address != nil {
		answer.ConnectionInformation.Address.Address = rtpIP
	} else {
		answer.ConnectionInformation = &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: rtpIP},
		}
	}

	var audio *sdp.MediaDescription
	for _, media := range answer.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			audio = media
			break
		}
	}
	if audio == nil {
		return "", ErrNoAudioMedia
	}

	pt := int(chosen.PayloadType())
	audio.MediaName.Port = sdp.RangedPort{Value: rtpPort}
	audio.MediaName.Formats = []string{strconv.Itoa(pt)}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		audio.ConnectionInformation.Address.Address = rtpIP
	}

	var kept []sdp.Attribute
	var sawRtpmap bool
	ptPrefix := strconv.Itoa(pt) + " "
	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "rtpmap", "fmtp":
			if strings.HasPrefix(attr.Value, ptPrefix) {
				kept = append(kept, attr)
				if attr.Key == "rtpmap" {
					sawRtpmap = true
				}
			}
		case string(DirectionSendRecv), string(DirectionSendOnly),
			string(DirectionRecvOnly), string(DirectionInactive):
		default:
			kept = append(kept, attr)
		}
	}
	if !sawRtpmap {
		kept = append(kept, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s", pt, rtpmapEncoding(chosen)),
		})
	}
	if direction == DirectionUnknown {
		direction = DirectionSendRecv
	}
	kept = append(kept, sdp.Attribute{Key: string(direction)})
	audio.Attributes = kept

	// Direction lives on the media section; stale session-level copies
	// would contradict it.
	answer.Attributes = withoutDirections(answer.Attributes)

	marshaled, err := answer.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal answer: %w", err)
	}
	return string(marshaled), nil
}

// ============================================================================
// helpers
// ============================================================================

func stripRTCPAttributes(body string) string {
	lines := strings.Split(body, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "a=rtcp:") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func connectionAddress(session *sdp.SessionDescription, media *sdp.MediaDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if session.ConnectionInformation != nil && session.ConnectionInformation.Address != nil {
		return session.ConnectionInformation.Address.Address
	}
	return ""
}

func directionOf(attrs []sdp.Attribute) Direction {
	for _, attr := range attrs {
		switch Direction(attr.Key) {
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
			return Direction(attr.Key)
		}
	}
	return DirectionUnknown
}

func withoutDirections(attrs []sdp.Attribute) []sdp.Attribute {
	kept := attrs[:0]
	for _, attr := range attrs {
		switch Direction(attr.Key) {
		case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		default:
			kept = append(kept, attr)
		}
	}
	return kept
}

// extractCandidates walks the audio rtpmap attributes and synthesizes
// entries for the static G.711 payload types offered without one.
func extractCandidates(audio *sdp.MediaDescription) []codec.Descriptor {
	byPT := map[uint8]*codec.Descriptor{}
	var order []uint8

	for _, format := range audio.MediaName.Formats {
		n, err := strconv.Atoi(format)
		if err != nil || n < 0 || n > 127 {
			continue
		}
		pt := uint8(n)
		byPT[pt] = nil
		order = append(order, pt)
	}

	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		ptPart, encoding, found := strings.Cut(attr.Value, " ")
		if !found {
			continue
		}
		n, err := strconv.Atoi(ptPart)
		if err != nil || n < 0 || n > 127 {
			continue
		}
		pt := uint8(n)
		if _, offered := byPT[pt]; !offered {
			continue
		}
		fields := strings.Split(encoding, "/")
		desc := &codec.Descriptor{Name: fields[0], PayloadType: pt, Channels: 1}
		if len(fields) > 1 {
			desc.ClockRate, _ = strconv.Atoi(fields[1])
		}
		if len(fields) > 2 {
			desc.Channels, _ = strconv.Atoi(fields[2])
		}
		byPT[pt] = desc
	}

	for _, attr := range audio.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		ptPart, params, found := strings.Cut(attr.Value, " ")
		if !found {
			continue
		}
		n, err := strconv.Atoi(ptPart)
		if err != nil {
			continue
		}
		if desc := byPT[uint8(n)]; desc != nil {
			desc.Fmtp = params
		}
	}

	candidates := make([]codec.Descriptor, 0, len(order))
	for _, pt := range order {
		desc := byPT[pt]
		if desc == nil {
			// Static payload types may legally omit the rtpmap.
			switch pt {
			case 0:
				desc = &codec.Descriptor{Name: "PCMU", PayloadType: 0, ClockRate: 8000, Channels: 1}
			case 8:
				desc = &codec.Descriptor{Name: "PCMA", PayloadType: 8, ClockRate: 8000, Channels: 1}
			default:
				continue
			}
		}
		candidates = append(candidates, *desc)
	}
	return candidates
}

func rtpmapEncoding(c codec.Codec) string {
	switch c.Name() {
	case "mulaw":
		return "PCMU/8000"
	case "alaw":
		return "PCMA/8000"
	case "opus":
		// The rtpmap clock is fixed at 48kHz regardless of capture rate.
		return "opus/48000/2"
	default:
		return fmt.Sprintf("%s/%d", c.Name(), c.SampleRate())
	}
}
