// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package codec

import (
	"bytes"
	"encoding/binary"
)

// oggReader extracts Opus packets from an Ogg byte stream (RFC 3533).
// Provider chunk boundaries carry no meaning, so the reader buffers
// truncated pages and stray prefixes between Feed calls.
type oggReader struct {
	buf       []byte
	pending   []byte // packet still open across a segment or page boundary
	discarded int
}

var oggCapture = []byte("OggS")

const oggHeaderLen = 27

// Feed appends data to the stream and returns every Opus packet the
// stream has completed so far. Header pages (OpusHead, OpusTags) are
// consumed without producing packets.
func (r *oggReader) Feed(data []byte) [][]byte {
	if len(data) > 0 {
		r.buf = append(r.buf, data...)
	}

	var packets [][]byte
	for {
		page, ok := r.nextPage()
		if !ok {
			return packets
		}
		packets = append(packets, page...)
	}
}

// Reset drops any buffered partial page or packet.
func (r *oggReader) Reset() {
	r.buf = nil
	r.pending = nil
}

// Discarded reports how many non-Ogg bytes have been skipped so far.
func (r *oggReader) Discarded() int {
	return r.discarded
}

// nextPage parses one complete page off the buffer. It returns false
// when more bytes are needed.
func (r *oggReader) nextPage() ([][]byte, bool) {
	r.align()
	if len(r.buf) < oggHeaderLen {
		return nil, false
	}

	segCount := int(r.buf[26])
	headerLen := oggHeaderLen + segCount
	if len(r.buf) < headerLen {
		return nil, false
	}

	segTable := r.buf[oggHeaderLen:headerLen]
	payloadLen := 0
	for _, l := range segTable {
		payloadLen += int(l)
	}
	pageLen := headerLen + payloadLen
	if len(r.buf) < pageLen {
		return nil, false
	}

	flags := r.buf[5]
	seq := binary.LittleEndian.Uint32(r.buf[18:22])
	payload := r.buf[headerLen:pageLen]

	var packets [][]byte
	switch {
	case seq == 0 && bytes.HasPrefix(payload, []byte("OpusHead")):
		r.pending = nil
	case seq == 1 && bytes.HasPrefix(payload, []byte("OpusTags")):
		r.pending = nil
	default:
		packets = r.lace(flags, segTable, payload)
	}

	r.buf = append([]byte(nil), r.buf[pageLen:]...)
	return packets, true
}

// lace reassembles packets from one page's segment table. A lacing
// value of 255 continues the packet into the next segment, and a page
// may leave its last packet open for the next one, flagged there as a
// continued page.
func (r *oggReader) lace(flags byte, segTable, payload []byte) [][]byte {
	continued := flags&0x01 != 0
	// A continuation whose start was never seen is dropped whole.
	skip := continued && r.pending == nil
	if !continued {
		r.pending = nil
	}

	var packets [][]byte
	offset := 0
	for _, l := range segTable {
		seg := payload[offset : offset+int(l)]
		offset += int(l)
		if skip {
			if l < 255 {
				skip = false
			}
			continue
		}
		r.pending = append(r.pending, seg...)
		if l < 255 {
			if len(r.pending) > 0 {
				packets = append(packets, r.pending)
			}
			r.pending = nil
		}
	}
	return packets
}

// align discards bytes up to the next capture pattern, keeping any tail
// that could be the start of one arriving in the next chunk.
func (r *oggReader) align() {
	if len(r.buf) == 0 || bytes.HasPrefix(r.buf, oggCapture) {
		return
	}
	if idx := bytes.Index(r.buf, oggCapture); idx >= 0 {
		r.discarded += idx
		r.buf = append([]byte(nil), r.buf[idx:]...)
		return
	}
	// No capture pattern: keep the longest suffix that prefixes "OggS".
	keep := 0
	for l := len(oggCapture) - 1; l > 0; l-- {
		if l <= len(r.buf) && bytes.HasSuffix(r.buf, oggCapture[:l]) {
			keep = l
			break
		}
	}
	r.discarded += len(r.buf) - keep
	r.buf = append([]byte(nil), r.buf[len(r.buf)-keep:]...)
}
