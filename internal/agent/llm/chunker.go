// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package agent_llm

import "strings"

// DefaultMinChunk is the shortest sentence worth a synthesis round
// trip. Shorter sentences ride along with the next one.
const DefaultMinChunk = 20

// Chunker accumulates streamed text deltas and emits complete sentences
// as soon as they close, so synthesis can start before the model
// finishes its reply.
type Chunker struct {
	min  int
	emit func(sentence string)
	buf  strings.Builder
}

func NewChunker(min int, emit func(string)) *Chunker {
	if min <= 0 {
		min = DefaultMinChunk
	}
	return &Chunker{min: min, emit: emit}
}

// Feed appends one delta and emits every sentence that is now complete.
func (c *Chunker) Feed(delta string) {
	if delta == "" {
		return
	}
	c.buf.WriteString(delta)
	for {
		s := c.buf.String()
		idx := sentenceBoundary(s, c.min)
		if idx < 0 {
			return
		}
		c.buf.Reset()
		c.buf.WriteString(strings.TrimLeft(s[idx+1:], " \t\r\n"))
		if sentence := strings.TrimSpace(s[:idx+1]); sentence != "" {
			c.emit(sentence)
		}
	}
}

// Flush emits whatever is left. Call it once the stream ends.
func (c *Chunker) Flush() {
	rest := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if rest != "" {
		c.emit(rest)
	}
}

// sentenceBoundary returns the index of the first '.', '!' or '?' that
// closes a chunk of at least min bytes and is immediately followed by
// whitespace. A terminator at the very end of s does not count: more
// deltas may still arrive ("3." may become "3.14").
func sentenceBoundary(s string, min int) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 < min {
				continue
			}
			switch s[i+1] {
			case ' ', '\t', '\n', '\r':
				return i
			}
		}
	}
	return -1
}
