// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package media

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgateai/internal/codec"
)

func newTestCodec(t *testing.T) codec.Codec {
	t.Helper()
	c, err := codec.New(codec.Descriptor{Name: "PCMU", PayloadType: 0, ClockRate: 8000})
	require.NoError(t, err)
	return c
}

func newUDPClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rtpDatagram(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0xbeef,
		},
		Payload: payload,
	}
	out, err := pkt.Marshal()
	require.NoError(t, err)
	return out
}

func readRTP(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt
}

func receivePayload(t *testing.T, s *Session) []byte {
	t.Helper()
	select {
	case payload, ok := <-s.Packets():
		require.True(t, ok, "packets channel closed")
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound payload")
		return nil
	}
}

// =============================================================================
// Inbound path
// =============================================================================

func TestSession_ForwardsInboundPayloads(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40100, 40199)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		PeerIP: "203.0.113.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Start()

	client := newUDPClient(t)
	sent := bytes.Repeat([]byte{0x42}, 160)
	_, err = client.WriteToUDP(rtpDatagram(t, 1, sent),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()})
	require.NoError(t, err)

	assert.Equal(t, sent, receivePayload(t, s))
}

func TestSession_DropsMalformedDatagrams(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40200, 40299)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Start()

	client := newUDPClient(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()}

	// Garbage, then a header with no payload, then a real packet. Only
	// the real payload may come through.
	_, err = client.WriteToUDP([]byte{0x01, 0x02}, dest)
	require.NoError(t, err)
	_, err = client.WriteToUDP(rtpDatagram(t, 2, nil), dest)
	require.NoError(t, err)

	valid := bytes.Repeat([]byte{0x55}, 160)
	_, err = client.WriteToUDP(rtpDatagram(t, 3, valid), dest)
	require.NoError(t, err)

	assert.Equal(t, valid, receivePayload(t, s))
}

func TestSession_PauseDropsInbound(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40300, 40399)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Start()

	client := newUDPClient(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()}

	first := bytes.Repeat([]byte{0x11}, 160)
	_, err = client.WriteToUDP(rtpDatagram(t, 1, first), dest)
	require.NoError(t, err)
	require.Equal(t, first, receivePayload(t, s))

	s.Pause()
	assert.True(t, s.Paused())

	dropped := bytes.Repeat([]byte{0x22}, 160)
	_, err = client.WriteToUDP(rtpDatagram(t, 2, dropped), dest)
	require.NoError(t, err)

	select {
	case payload := <-s.Packets():
		t.Fatalf("received %d bytes while paused", len(payload))
	case <-time.After(150 * time.Millisecond):
	}

	s.Resume()
	resumed := bytes.Repeat([]byte{0x33}, 160)
	_, err = client.WriteToUDP(rtpDatagram(t, 3, resumed), dest)
	require.NoError(t, err)
	assert.Equal(t, resumed, receivePayload(t, s))
}

func TestSession_ForwardDropsOldestWhenFull(t *testing.T) {
	logger := newMockLogger()
	s := &Session{
		logger:  logger,
		forward: make(chan []byte, 2),
	}

	s.forwardPayload([]byte{1})
	s.forwardPayload([]byte{2})
	s.forwardPayload([]byte{3})

	assert.Equal(t, []byte{2}, <-s.forward)
	assert.Equal(t, []byte{3}, <-s.forward)
	assert.Equal(t, 1, logger.warnCount())
}

// =============================================================================
// Outbound path
// =============================================================================

func TestSession_SendsPacedRTPAfterAdoption(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40400, 40499)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP:   "127.0.0.1",
		PeerIP:   "203.0.113.1", // hint points elsewhere, adoption must override it
		PeerPort: 9999,
		Codec:    newTestCodec(t),
		Ports:    ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Start()

	client := newUDPClient(t)
	_, err = client.WriteToUDP(rtpDatagram(t, 1, bytes.Repeat([]byte{0x42}, 160)),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()})
	require.NoError(t, err)

	first := readRTP(t, client)
	second := readRTP(t, client)
	third := readRTP(t, client)

	// Header progression: marker only on the first packet, sequence +1
	// and timestamp +160 per tick, stable SSRC.
	assert.True(t, first.Marker)
	assert.False(t, second.Marker)
	assert.False(t, third.Marker)

	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, second.SequenceNumber+1, third.SequenceNumber)
	assert.Equal(t, first.Timestamp+160, second.Timestamp)
	assert.Equal(t, second.Timestamp+160, third.Timestamp)
	assert.Equal(t, first.SSRC, second.SSRC)

	// Nothing was enqueued, so the wire carries PCMU silence.
	assert.Equal(t, uint8(0), first.PayloadType)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 160), first.Payload)
}

func TestSession_PlaysEnqueuedAudio(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40500, 40599)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Start()

	client := newUDPClient(t)
	_, err = client.WriteToUDP(rtpDatagram(t, 1, bytes.Repeat([]byte{0x42}, 160)),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()})
	require.NoError(t, err)

	voice := bytes.Repeat([]byte{0x7E}, 160)
	s.Enqueue(voice)

	// Silence may be in flight ahead of the enqueued frame.
	for i := 0; i < 50; i++ {
		pkt := readRTP(t, client)
		if bytes.Equal(pkt.Payload, voice) {
			return
		}
	}
	t.Fatal("enqueued audio never reached the wire")
}

func TestSession_PauseSuppressesOutbound(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40600, 40699)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.Start()

	client := newUDPClient(t)
	_, err = client.WriteToUDP(rtpDatagram(t, 1, bytes.Repeat([]byte{0x42}, 160)),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()})
	require.NoError(t, err)

	// Let the sender run, then hold the call.
	readRTP(t, client)
	s.Pause()

	// A couple of packets may still be in flight; after those the wire
	// must go quiet.
	buf := make([]byte, 2048)
	for i := 0; ; i++ {
		require.Less(t, i, 25, "sender kept emitting while paused")
		require.NoError(t, client.SetReadDeadline(time.Now().Add(120*time.Millisecond)))
		if _, _, err := client.ReadFromUDP(buf); err != nil {
			break // quiet period reached
		}
	}
}

// =============================================================================
// Playback queue
// =============================================================================

func TestSession_DrainEmptiesQueue(t *testing.T) {
	s := &Session{logger: newMockLogger()}

	s.Enqueue([]byte{1})
	s.Enqueue([]byte{2})
	s.Enqueue([]byte{3})
	s.Enqueue(nil) // ignored

	assert.Equal(t, 3, s.Drain())
	assert.Equal(t, 0, s.Drain())

	_, ok := s.dequeue()
	assert.False(t, ok)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSession_TerminateClosesAfterQueueDrains(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40700, 40799)
	require.NoError(t, err)

	closed := make(chan struct{})
	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP:   "127.0.0.1",
		Codec:    newTestCodec(t),
		Ports:    ports,
		OnClosed: func() { close(closed) },
	})
	require.NoError(t, err)
	s.Start()

	client := newUDPClient(t)
	_, err = client.WriteToUDP(rtpDatagram(t, 1, bytes.Repeat([]byte{0x42}, 160)),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()})
	require.NoError(t, err)

	s.Enqueue(bytes.Repeat([]byte{0x7E}, 160))
	s.Enqueue(bytes.Repeat([]byte{0x7D}, 160))
	s.Terminate()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after terminate")
	}
	assert.Equal(t, 0, ports.InUse())

	// The forward channel is closed once the session is down.
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-s.Packets():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_TerminateBeforePeerSpoke(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 41200, 41299)
	require.NoError(t, err)

	closed := make(chan struct{})
	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP:   "127.0.0.1",
		Codec:    newTestCodec(t),
		Ports:    ports,
		OnClosed: func() { close(closed) },
	})
	require.NoError(t, err)
	s.Start()

	// No inbound packet ever arrives, so the sender is still waiting for
	// the peer. Terminate must shut the session down regardless.
	s.Terminate()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after terminate without a peer")
	}
	assert.Equal(t, 0, ports.InUse())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40800, 40899)
	require.NoError(t, err)

	var closedCount int
	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP:   "127.0.0.1",
		Codec:    newTestCodec(t),
		Ports:    ports,
		OnClosed: func() { closedCount++ },
	})
	require.NoError(t, err)
	s.Start()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 1, closedCount)
	assert.Equal(t, 0, ports.InUse())
}

func TestSession_CloseWithoutStart(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 40900, 40999)
	require.NoError(t, err)

	s, err := NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, ports.InUse())
}

func TestNewSession_Validation(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 41000, 41099)
	require.NoError(t, err)

	_, err = NewSession(newMockLogger(), SessionConfig{BindIP: "127.0.0.1", Ports: ports})
	assert.Error(t, err)

	_, err = NewSession(newMockLogger(), SessionConfig{BindIP: "not-an-ip", Codec: newTestCodec(t), Ports: ports})
	assert.Error(t, err)

	_, err = NewSession(newMockLogger(), SessionConfig{BindIP: "127.0.0.1", Codec: newTestCodec(t)})
	assert.Error(t, err)
}

func TestNewSession_PortExhaustion(t *testing.T) {
	ports, err := NewPortRange(newMockLogger(), 41100, 41100)
	require.NoError(t, err)
	_, err = ports.Allocate()
	require.NoError(t, err)

	_, err = NewSession(newMockLogger(), SessionConfig{
		BindIP: "127.0.0.1",
		Codec:  newTestCodec(t),
		Ports:  ports,
	})
	assert.ErrorIs(t, err, ErrNoPorts)
}
