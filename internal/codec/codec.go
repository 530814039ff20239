// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedCodec signals that no offered codec matches a flavor's
// priority list. The dispatcher answers 488 on it.
var ErrUnsupportedCodec = errors.New("unsupported codec")

const defaultPtime = 20 * time.Millisecond

// Descriptor is one codec candidate extracted from an SDP offer.
type Descriptor struct {
	Name        string
	PayloadType uint8
	ClockRate   int
	Channels    int
	Fmtp        string
}

// Codec frames provider audio into RTP payloads for one call. Parse and
// Flush keep state (leftover bytes between provider chunks), so a Codec
// instance belongs to exactly one call.
type Codec interface {
	Name() string
	PayloadType() uint8
	SampleRate() int
	Ptime() time.Duration
	// TSIncrement is the RTP timestamp step per ptime tick.
	TSIncrement() uint32
	// PayloadSize is the on-wire payload length of one tick, in bytes.
	// Zero for codecs without a fixed frame size.
	PayloadSize() int
	// Silence returns a payload carrying ptime of silence.
	Silence() []byte
	// Parse frames provider bytes into ready-to-send RTP payloads,
	// buffering any trailing partial frame.
	Parse(data []byte) [][]byte
	// Flush drains the partial frame buffer, padding with silence where
	// the codec needs fixed-size frames. Returns nil when empty.
	Flush() []byte
}

// New builds the codec for a negotiated candidate.
func New(desc Descriptor) (Codec, error) {
	switch strings.ToLower(desc.Name) {
	case "pcmu":
		return newG711("mulaw", desc.PayloadType, 0xFF), nil
	case "pcma":
		return newG711("alaw", desc.PayloadType, 0xD5), nil
	case "opus":
		return newOpus(desc), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, desc.Name)
	}
}

// Match picks the first codec from the priority list that appears among
// the offered candidates and instantiates it.
func Match(candidates []Descriptor, priority []string) (Codec, error) {
	for _, want := range priority {
		for _, cand := range candidates {
			if strings.EqualFold(cand.Name, want) {
				return New(cand)
			}
		}
	}
	offered := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		offered = append(offered, cand.Name)
	}
	return nil, fmt.Errorf("%w: offered [%s], accepted [%s]",
		ErrUnsupportedCodec, strings.Join(offered, " "), strings.Join(priority, " "))
}

// ============================================================================
// G.711 (PCMU / PCMA)
// ============================================================================

type g711 struct {
	name        string
	payloadType uint8
	silenceByte byte
	ptime       time.Duration
	leftover    []byte
}

func newG711(name string, payloadType uint8, silenceByte byte) *g711 {
	return &g711{
		name:        name,
		payloadType: payloadType,
		silenceByte: silenceByte,
		ptime:       defaultPtime,
	}
}

func (g *g711) Name() string         { return g.name }
func (g *g711) PayloadType() uint8   { return g.payloadType }
func (g *g711) SampleRate() int      { return 8000 }
func (g *g711) Ptime() time.Duration { return g.ptime }

func (g *g711) TSIncrement() uint32 {
	return uint32(g.SampleRate() * int(g.ptime.Milliseconds()) / 1000)
}

// PayloadSize is one sample per byte at 8kHz: 160 bytes for 20ms.
func (g *g711) PayloadSize() int {
	return g.SampleRate() * int(g.ptime.Milliseconds()) / 1000
}

func (g *g711) Silence() []byte {
	return bytes.Repeat([]byte{g.silenceByte}, g.PayloadSize())
}

func (g *g711) Parse(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	size := g.PayloadSize()
	buf := append(g.leftover, data...)

	var frames [][]byte
	for len(buf) >= size {
		frame := make([]byte, size)
		copy(frame, buf[:size])
		frames = append(frames, frame)
		buf = buf[size:]
	}
	g.leftover = append([]byte(nil), buf...)
	return frames
}

func (g *g711) Flush() []byte {
	if len(g.leftover) == 0 {
		return nil
	}
	size := g.PayloadSize()
	frame := make([]byte, size)
	n := copy(frame, g.leftover)
	for i := n; i < size; i++ {
		frame[i] = g.silenceByte
	}
	g.leftover = nil
	return frame
}

// ============================================================================
// Opus (Ogg container)
// ============================================================================

type opus struct {
	payloadType uint8
	clockRate   int
	sampleRate  int
	ptime       time.Duration
	reader      *oggReader
}

func newOpus(desc Descriptor) *opus {
	clockRate := desc.ClockRate
	if clockRate == 0 {
		clockRate = 48000
	}
	return &opus{
		payloadType: desc.PayloadType,
		clockRate:   clockRate,
		sampleRate:  opusSampleRate(desc.Fmtp),
		ptime:       defaultPtime,
		reader:      &oggReader{},
	}
}

// opusSampleRate honors a sprop-maxcapturerate fmtp hint, defaulting to
// the full 48kHz band.
func opusSampleRate(fmtp string) int {
	for _, kv := range strings.Split(fmtp, ";") {
		key, val, found := strings.Cut(strings.TrimSpace(kv), "=")
		if !found || !strings.EqualFold(key, "sprop-maxcapturerate") {
			continue
		}
		if rate, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && rate > 0 {
			return rate
		}
	}
	return 48000
}

func (o *opus) Name() string         { return "opus" }
func (o *opus) PayloadType() uint8   { return o.payloadType }
func (o *opus) SampleRate() int      { return o.sampleRate }
func (o *opus) Ptime() time.Duration { return o.ptime }

// TSIncrement follows the rtpmap clock, not the capture rate: the RTP
// timestamp for Opus always runs at 48kHz.
func (o *opus) TSIncrement() uint32 {
	return uint32(o.clockRate * int(o.ptime.Milliseconds()) / 1000)
}

// PayloadSize is zero: Opus packets are variable length.
func (o *opus) PayloadSize() int { return 0 }

// Silence returns one DTX frame.
func (o *opus) Silence() []byte {
	return []byte{0xF8, 0xFF, 0xFE}
}

func (o *opus) Parse(data []byte) [][]byte {
	return o.reader.Feed(data)
}

// Flush drops any truncated page: Opus packets are self-delimited by the
// container, so there is nothing sensible to pad.
func (o *opus) Flush() []byte {
	o.reader.Reset()
	return nil
}
