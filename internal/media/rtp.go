// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package media

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/pkg/commons"
)

const (
	// maxDatagramSize bounds a single RTP read. Audio packets are far
	// smaller, but some gateways pad datagrams aggressively.
	maxDatagramSize = 4096

	// forwardChannelSize buffers inbound payloads toward the AI adapter
	// (~10s of 20ms audio frames).
	forwardChannelSize = 500

	// maxBindAttempts limits how many allocated ports we try to bind
	// before giving up. A bind can fail when another process squats on
	// a port inside our range.
	maxBindAttempts = 5
)

// SessionConfig carries everything a Session needs at construction time.
type SessionConfig struct {
	// BindIP is the local address the UDP socket binds to.
	BindIP string

	// PeerIP and PeerPort come from the SDP offer (c= address, m= port).
	// They are only a hint: the authoritative peer is learned from the
	// first datagram that arrives (symmetric RTP).
	PeerIP   string
	PeerPort int

	Codec codec.Codec
	Ports *PortRange

	// OnClosed, when set, runs after the session has fully shut down:
	// loops stopped, socket closed, port released.
	OnClosed func()
}

// Session is the per-call RTP leg: one UDP socket, a read loop feeding
// the AI adapter and a paced send loop playing back adapter audio.
type Session struct {
	mu     sync.Mutex
	logger commons.Logger

	conn  *net.UDPConn
	ports *PortRange
	port  int
	codec codec.Codec

	onClosed func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State below is guarded by mu.
	peer       *net.UDPAddr
	adopted    bool
	paused     bool
	terminated bool
	closed     bool

	// adoptedCh is closed once the first datagram has taught us the
	// real peer address. The send loop starts only after that.
	adoptedCh chan struct{}

	// termCh is closed by Terminate so a session whose peer never spoke
	// (send loop still waiting on adoption) can still wind down.
	termCh   chan struct{}
	termOnce sync.Once

	// queue holds adapter audio waiting for playback. It is drained on
	// barge-in, so it stays small in practice and is not bounded.
	queueMu sync.Mutex
	queue   [][]byte

	// forward carries inbound payloads toward the adapter.
	forward chan []byte
}

// NewSession allocates a port, binds the UDP socket and prepares the
// session. Loops do not run until Start is called.
func NewSession(logger commons.Logger, cfg SessionConfig) (*Session, error) {
	if cfg.Codec == nil {
		return nil, fmt.Errorf("rtp session requires a codec")
	}
	if cfg.Ports == nil {
		return nil, fmt.Errorf("rtp session requires a port allocator")
	}

	bindIP := net.ParseIP(cfg.BindIP)
	if bindIP == nil {
		return nil, fmt.Errorf("invalid RTP bind address %q", cfg.BindIP)
	}

	var (
		conn *net.UDPConn
		port int
	)
	for attempt := 0; attempt < maxBindAttempts; attempt++ {
		p, err := cfg.Ports.Allocate()
		if err != nil {
			return nil, err
		}
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: p})
		if err != nil {
			cfg.Ports.Release(p)
			logger.Warnw("RTP bind failed, trying another port", "port", p, "error", err)
			continue
		}
		conn, port = c, p
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("could not bind an RTP socket after %d attempts", maxBindAttempts)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		logger:    logger,
		conn:      conn,
		ports:     cfg.Ports,
		port:      port,
		codec:     cfg.Codec,
		onClosed:  cfg.OnClosed,
		ctx:       ctx,
		cancel:    cancel,
		adoptedCh: make(chan struct{}),
		termCh:    make(chan struct{}),
		forward:   make(chan []byte, forwardChannelSize),
	}

	if ip := net.ParseIP(cfg.PeerIP); ip != nil && cfg.PeerPort > 0 {
		s.peer = &net.UDPAddr{IP: ip, Port: cfg.PeerPort}
	}

	return s, nil
}

// Start launches the read and send loops.
func (s *Session) Start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.sendLoop()
}

// Port returns the locally bound RTP port, for the SDP answer.
func (s *Session) Port() int {
	return s.port
}

// Packets returns the channel of inbound audio payloads. It is closed
// when the session shuts down.
func (s *Session) Packets() <-chan []byte {
	return s.forward
}

// ============================================================================
// Playback queue
// ============================================================================

// Enqueue appends one payload to the playback queue. Each payload is
// sent as a single RTP packet on its own pacing tick.
func (s *Session) Enqueue(payload []byte) {
	if len(payload) == 0 {
		return
	}
	s.queueMu.Lock()
	s.queue = append(s.queue, payload)
	s.queueMu.Unlock()
}

// Drain empties the playback queue and returns how many payloads were
// discarded. Used on barge-in to cut stale speech immediately.
func (s *Session) Drain() int {
	s.queueMu.Lock()
	n := len(s.queue)
	s.queue = nil
	s.queueMu.Unlock()

	if n > 0 {
		s.logger.Debugw("Drained playback queue", "frames", n)
	}
	return n
}

func (s *Session) dequeue() ([]byte, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	payload := s.queue[0]
	s.queue = s.queue[1:]
	return payload, true
}

// ============================================================================
// Flags
// ============================================================================

// Pause stops forwarding inbound audio and silences the send loop once
// the playback queue runs dry. Used for on-hold re-INVITEs.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume undoes Pause.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Paused reports whether the session is currently on hold.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Terminate marks the session for graceful shutdown: the send loop
// plays out whatever is queued, then closes the session.
func (s *Session) Terminate() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	s.termOnce.Do(func() { close(s.termCh) })
}

func (s *Session) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// ============================================================================
// Read path
// ============================================================================

// adopt records the peer address taken from the first inbound datagram
// and unblocks the send loop.
func (s *Session) adopt(addr *net.UDPAddr) {
	s.mu.Lock()
	if s.adopted {
		s.mu.Unlock()
		return
	}
	s.adopted = true
	s.peer = addr
	s.mu.Unlock()

	close(s.adoptedCh)
	s.logger.Debugw("Adopted RTP peer", "addr", addr.String(), "port", s.port)
}

func (s *Session) currentPeer() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.logger.Debugw("RTP read ended", "port", s.port, "error", err)
			}
			return
		}

		s.adopt(addr)

		if s.Paused() {
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		// pkt.Payload aliases buf, which the next read overwrites.
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		s.forwardPayload(payload)
	}
}

// forwardPayload pushes a payload toward the adapter without ever
// blocking the read loop: when the channel is full, the oldest queued
// payload is evicted first.
func (s *Session) forwardPayload(payload []byte) {
	for {
		select {
		case s.forward <- payload:
			return
		default:
		}
		select {
		case <-s.forward:
			s.logger.Warnw("Adapter backlog full, dropping oldest payload", "port", s.port)
		default:
		}
	}
}

// ============================================================================
// Send path
// ============================================================================

func (s *Session) sendLoop() {
	defer s.wg.Done()

	// Symmetric RTP: nothing is sent until the peer has spoken first. A
	// terminate before that point has nothing to play out, so the session
	// closes right away.
	select {
	case <-s.ctx.Done():
		return
	case <-s.termCh:
		go s.Close()
		return
	case <-s.adoptedCh:
	}

	var (
		seq   = uint16(rand.Intn(1 << 16))
		ts    = rand.Uint32()
		ssrc  = rand.Uint32()
		tsInc = s.codec.TSIncrement()
		ptime = s.codec.Ptime()
		pt    = s.codec.PayloadType()
		first = true
	)

	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for tick := 0; ; tick++ {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		payload, ok := s.dequeue()
		if !ok && s.isTerminated() {
			s.logger.Debugw("Playback drained after terminate, closing session", "port", s.port)
			go s.Close()
			return
		}

		if !ok && s.Paused() {
			// No packet on a held, empty tick. The timestamp still
			// tracks wall clock so resumed audio lands where the peer
			// expects it.
			ts += tsInc
		} else {
			if !ok {
				payload = s.codec.Silence()
			}

			pkt := rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         first,
					PayloadType:    pt,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           ssrc,
				},
				Payload: payload,
			}
			if out, err := pkt.Marshal(); err != nil {
				s.logger.Errorw("Failed to marshal RTP packet", "error", err)
			} else {
				if _, err := s.conn.WriteToUDP(out, s.currentPeer()); err != nil {
					select {
					case <-s.ctx.Done():
						return
					default:
						s.logger.Debugw("RTP write failed", "port", s.port, "error", err)
					}
				}
				first = false
				seq++
			}
			ts += tsInc
		}

		// Tick n fires at start + n*ptime, so delays never accumulate.
		timer.Reset(time.Until(start.Add(time.Duration(tick+1) * ptime)))
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close tears the session down. It is idempotent and safe to call from
// any goroutine. The socket is closed before the port goes back to the
// allocator so a new call can never bind a port we still hold open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.conn.Close(); err != nil {
		s.logger.Debugw("RTP socket close", "port", s.port, "error", err)
	}
	s.wg.Wait()

	close(s.forward)
	s.ports.Release(s.port)
	s.logger.Debugw("RTP session closed", "port", s.port)

	if s.onClosed != nil {
		s.onClosed()
	}
	return nil
}
