// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPCMU(t *testing.T) Codec {
	t.Helper()
	c, err := New(Descriptor{Name: "PCMU", PayloadType: 0, ClockRate: 8000})
	require.NoError(t, err)
	return c
}

func newPCMA(t *testing.T) Codec {
	t.Helper()
	c, err := New(Descriptor{Name: "PCMA", PayloadType: 8, ClockRate: 8000})
	require.NoError(t, err)
	return c
}

// ============================================================================
// Constructors and Match
// ============================================================================

func TestNew_KnownCodecs(t *testing.T) {
	tests := []struct {
		name         string
		desc         Descriptor
		expectedName string
		payloadSize  int
		tsIncrement  uint32
	}{
		{"pcmu", Descriptor{Name: "PCMU", PayloadType: 0, ClockRate: 8000}, "mulaw", 160, 160},
		{"pcma lowercase", Descriptor{Name: "pcma", PayloadType: 8, ClockRate: 8000}, "alaw", 160, 160},
		{"opus", Descriptor{Name: "opus", PayloadType: 96, ClockRate: 48000}, "opus", 0, 960},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedName, c.Name())
			assert.Equal(t, tt.desc.PayloadType, c.PayloadType())
			assert.Equal(t, tt.payloadSize, c.PayloadSize())
			assert.Equal(t, tt.tsIncrement, c.TSIncrement())
			assert.Equal(t, 20*time.Millisecond, c.Ptime())
		})
	}
}

func TestNew_UnknownCodec(t *testing.T) {
	_, err := New(Descriptor{Name: "G729", PayloadType: 18, ClockRate: 8000})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestMatch_PriorityOrder(t *testing.T) {
	offered := []Descriptor{
		{Name: "opus", PayloadType: 96, ClockRate: 48000},
		{Name: "PCMA", PayloadType: 8, ClockRate: 8000},
		{Name: "PCMU", PayloadType: 0, ClockRate: 8000},
	}

	c, err := Match(offered, []string{"pcmu", "pcma"})
	require.NoError(t, err)
	assert.Equal(t, "mulaw", c.Name())

	c, err = Match(offered, []string{"opus", "pcmu"})
	require.NoError(t, err)
	assert.Equal(t, "opus", c.Name())
}

func TestMatch_NoOverlap(t *testing.T) {
	offered := []Descriptor{{Name: "G722", PayloadType: 9, ClockRate: 16000}}
	_, err := Match(offered, []string{"pcmu", "pcma"})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestMatch_EmptyOffer(t *testing.T) {
	_, err := Match(nil, []string{"pcmu"})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

// ============================================================================
// G.711 framing
// ============================================================================

func TestG711Parse_ExactFrames(t *testing.T) {
	c := newPCMU(t)
	data := bytes.Repeat([]byte{0x42}, 320)

	frames := c.Parse(data)
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.Len(t, f, 160)
	}
	assert.Nil(t, c.Flush())
}

func TestG711Parse_LeftoverAcrossCalls(t *testing.T) {
	c := newPCMU(t)

	frames := c.Parse(bytes.Repeat([]byte{0x01}, 100))
	assert.Empty(t, frames)

	frames = c.Parse(bytes.Repeat([]byte{0x02}, 100))
	require.Len(t, frames, 1)
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 100), frames[0][:100])
	assert.Equal(t, bytes.Repeat([]byte{0x02}, 60), frames[0][100:])

	// 40 bytes of the second chunk remain buffered
	tail := c.Flush()
	require.NotNil(t, tail)
	assert.Len(t, tail, 160)
	assert.Equal(t, bytes.Repeat([]byte{0x02}, 40), tail[:40])
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 120), tail[40:])
}

func TestG711Parse_ChunkingEquivalence(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	splits := []struct {
		name  string
		sizes []int
	}{
		{"single chunk", []int{1000}},
		{"tiny chunks", []int{1, 2, 3, 994}},
		{"frame aligned", []int{160, 160, 160, 160, 160, 200}},
		{"odd chunks", []int{7, 333, 660}},
	}

	var reference [][]byte
	for i, tt := range splits {
		t.Run(tt.name, func(t *testing.T) {
			c := newPCMU(t)
			var frames [][]byte
			offset := 0
			for _, size := range tt.sizes {
				frames = append(frames, c.Parse(payload[offset:offset+size])...)
				offset += size
			}
			require.Equal(t, 1000, offset)
			if tail := c.Flush(); tail != nil {
				frames = append(frames, tail)
			}

			if i == 0 {
				reference = frames
				return
			}
			assert.Equal(t, reference, frames)
		})
	}
}

func TestG711Flush_Empty(t *testing.T) {
	c := newPCMU(t)
	assert.Nil(t, c.Flush())
}

func TestG711Silence(t *testing.T) {
	tests := []struct {
		name        string
		codec       Codec
		silenceByte byte
	}{
		{"mulaw", newPCMU(t), 0xFF},
		{"alaw", newPCMA(t), 0xD5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.codec.Silence()
			require.Len(t, s, 160)
			for _, b := range s {
				require.Equal(t, tt.silenceByte, b)
			}
		})
	}
}

// ============================================================================
// Opus
// ============================================================================

func TestOpusSilence_DTX(t *testing.T) {
	c, err := New(Descriptor{Name: "opus", PayloadType: 111, ClockRate: 48000})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF8, 0xFF, 0xFE}, c.Silence())
}

func TestOpusSampleRate_FromFmtp(t *testing.T) {
	tests := []struct {
		name     string
		fmtp     string
		expected int
	}{
		{"no fmtp", "", 48000},
		{"maxcapturerate", "maxplaybackrate=16000;sprop-maxcapturerate=16000", 16000},
		{"spaced", "useinbandfec=1; sprop-maxcapturerate=24000", 24000},
		{"garbage value", "sprop-maxcapturerate=abc", 48000},
		{"unrelated params", "useinbandfec=1;stereo=0", 48000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Descriptor{Name: "opus", PayloadType: 96, ClockRate: 48000, Fmtp: tt.fmtp})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, c.SampleRate())
			// The capture hint caps the synthesis rate only; the RTP
			// timestamp still runs on the 48kHz rtpmap clock.
			assert.Equal(t, uint32(960), c.TSIncrement())
		})
	}
}

// ============================================================================
// Benchmarks
// ============================================================================

func BenchmarkG711Parse(b *testing.B) {
	c, _ := New(Descriptor{Name: "PCMU", PayloadType: 0, ClockRate: 8000})
	data := bytes.Repeat([]byte{0x55}, 4096)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.Parse(data)
	}
}
