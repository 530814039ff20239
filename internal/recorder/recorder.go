// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package recorder captures both legs of a call into two WAV files, one
// per direction, stored next to the per-call log. G.711 payloads are
// decoded to LINEAR16 on the way in; both tracks share one timeline so
// the files line up when loaded side by side in an audio editor.
package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zaf/g711"

	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/pkg/commons"
)

const (
	pcmBytesPerSample = 2 // decoded LINEAR16
	pcmBitsPerSample  = 16
	wavFormatPCM      = 1
)

const (
	trackUser  = 0
	trackAgent = 1
)

// chunk is one decoded fragment pinned to a byte position on the shared
// timeline. Gaps between chunks render as silence.
type chunk struct {
	offset int
	data   []byte
	track  int
}

// Recorder buffers decoded audio in memory and renders the WAV files on
// Close. Calls are bounded by human patience, so a few minutes of 8 kHz
// PCM per track is an acceptable footprint.
type Recorder struct {
	logger    commons.Logger
	decode    func([]byte) []byte
	rate      int
	userPath  string
	agentPath string

	mu     sync.Mutex
	start  time.Time
	chunks []chunk
	// cursor is the byte position just past the last write on each track.
	// User audio arrives at the wire rate, so wall clock is its natural
	// position; agent audio arrives in synthesis bursts, so after the
	// first chunk anchors at wall clock the rest continue from the cursor
	// to keep playback gapless.
	cursor [2]int
	closed bool

	// clock is swappable in tests.
	clock func() time.Time
}

// New prepares a two-track recording for one call, creating the target
// directory eagerly so failures surface before any audio flows. Only
// G.711 calls are recorded; Opus would need a full decoder, so callers
// skip recording for those.
func New(logger commons.Logger, c codec.Codec, baseDir, bot, key string) (*Recorder, error) {
	var decode func([]byte) []byte
	switch c.Name() {
	case "mulaw":
		decode = g711.DecodeUlaw
	case "alaw":
		decode = g711.DecodeAlaw
	default:
		return nil, fmt.Errorf("%w: recording %s", codec.ErrUnsupportedCodec, c.Name())
	}

	if baseDir == "" {
		baseDir = "logs"
	}
	dir := filepath.Join(baseDir, time.Now().Format("2006-01-02"), "bot_"+commons.SanitizePathPart(bot))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording dir %s: %w", dir, err)
	}

	name := "call_" + commons.SanitizePathPart(key)
	return &Recorder{
		logger:    logger,
		decode:    decode,
		rate:      c.SampleRate(),
		userPath:  filepath.Join(dir, name+".user.wav"),
		agentPath: filepath.Join(dir, name+".agent.wav"),
		start:     time.Now(),
		clock:     time.Now,
	}, nil
}

// User records one caller payload at the current wall-clock position.
func (r *Recorder) User(payload []byte) {
	if r == nil {
		return
	}
	r.push(payload, trackUser)
}

// Agent records one agent payload, paced after the previous agent chunk.
func (r *Recorder) Agent(payload []byte) {
	if r == nil {
		return
	}
	r.push(payload, trackAgent)
}

func (r *Recorder) push(payload []byte, track int) {
	if len(payload) == 0 {
		return
	}
	pcm := r.decode(payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	offset := r.durationBytes(r.clock().Sub(r.start))
	if r.cursor[track] > offset {
		offset = r.cursor[track]
	}
	r.chunks = append(r.chunks, chunk{offset: offset, data: pcm, track: track})
	r.cursor[track] = offset + len(pcm)
}

// durationBytes converts a wall-clock duration into a sample-aligned byte
// offset on the decoded timeline.
func (r *Recorder) durationBytes(d time.Duration) int {
	raw := int(d.Seconds() * float64(r.rate*pcmBytesPerSample))
	return raw - raw%pcmBytesPerSample
}

// Close renders both tracks and writes the WAV files. Safe on a nil
// receiver and idempotent, so teardown paths need no guards. A call that
// produced no audio leaves no files behind.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	chunks := r.chunks
	r.chunks = nil
	total := r.durationBytes(r.clock().Sub(r.start))
	r.mu.Unlock()

	if len(chunks) == 0 {
		r.logger.Debugw("No audio captured, skipping recording", "user", r.userPath)
		return nil
	}

	for _, c := range chunks {
		if end := c.offset + len(c.data); end > total {
			total = end
		}
	}

	user := make([]byte, total)
	agent := make([]byte, total)
	for _, c := range chunks {
		dst := user
		if c.track == trackAgent {
			dst = agent
		}
		copy(dst[c.offset:], c.data)
	}

	if err := writeWAV(r.userPath, user, r.rate); err != nil {
		return fmt.Errorf("user track: %w", err)
	}
	if err := writeWAV(r.agentPath, agent, r.rate); err != nil {
		return fmt.Errorf("agent track: %w", err)
	}
	r.logger.Infow("Call recording saved",
		"user", r.userPath,
		"agent", r.agentPath,
		"seconds", float64(total)/float64(r.rate*pcmBytesPerSample))
	return nil
}

func writeWAV(path string, pcm []byte, rate int) error {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*pcmBytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmBytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(pcmBitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return os.WriteFile(path, buf.Bytes(), 0o644)
}
