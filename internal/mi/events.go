// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package mi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"
)

const (
	// EventUASession is the OpenSIPS B2B event carrying per-call SIP
	// requests toward the engine.
	EventUASession = "E_UA_SESSION"

	// subscribeExpire is the subscription lifetime requested from
	// OpenSIPS. Renewal runs renewHeadroom before it lapses.
	subscribeExpire = 3600 * time.Second
	renewHeadroom   = 30 * time.Second

	// maxEventSize bounds one event datagram.
	maxEventSize = 4096
)

// Event is the payload of one E_UA_SESSION notification. Headers is the
// raw header block of the SIP request, one "Name: value" line each.
type Event struct {
	Key         string       `json:"key"`
	Method      string       `json:"method"`
	Headers     string       `json:"headers"`
	Body        string       `json:"body"`
	ExtraParams utils.Option `json:"extra_params"`
}

// UnmarshalJSON decodes one event. OpenSIPS ships extra_params as a
// JSON object encoded inside a string, so it needs a second decode
// pass; a bare object is accepted too. A malformed bag only loses the
// overrides, never the event carrying it.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	aux := struct {
		*plain
		ExtraParams json.RawMessage `json:"extra_params"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.ExtraParams = decodeExtraParams(aux.ExtraParams)
	return nil
}

func decodeExtraParams(raw json.RawMessage) utils.Option {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	payload := []byte(raw)
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err == nil {
		if encoded == "" {
			return nil
		}
		payload = []byte(encoded)
	}
	var opts utils.Option
	if err := json.Unmarshal(payload, &opts); err != nil {
		return nil
	}
	return opts
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  Event  `json:"params"`
}

// Listener receives E_UA_SESSION events on its own UDP socket and keeps
// the OpenSIPS subscription alive for as long as it runs.
type Listener struct {
	mu     sync.Mutex
	logger commons.Logger
	client *Client
	conn   *net.UDPConn
	socket string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewListener binds the event socket. Port 0 binds an ephemeral port;
// the address advertised to OpenSIPS always carries the real one.
func NewListener(logger commons.Logger, client *Client, ip string, port int) (*Listener, error) {
	bindIP := net.ParseIP(ip)
	if bindIP == nil {
		return nil, fmt.Errorf("invalid event address %q", ip)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: port})
	if err != nil {
		return nil, fmt.Errorf("cannot bind event socket %s:%d: %w", ip, port, err)
	}

	bound := conn.LocalAddr().(*net.UDPAddr)
	ctx, cancel := context.WithCancel(context.Background())

	return &Listener{
		logger: logger,
		client: client,
		conn:   conn,
		socket: fmt.Sprintf("udp:%s:%d", ip, bound.Port),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Socket returns the event socket in OpenSIPS notation, udp:ip:port.
func (l *Listener) Socket() string {
	return l.socket
}

// Start subscribes to E_UA_SESSION and launches the read and renewal
// loops. Events are handed to the handler one at a time, in arrival
// order; the handler decides what runs concurrently.
func (l *Listener) Start(ctx context.Context, handler func(Event)) error {
	expire := int(subscribeExpire.Seconds())
	if err := l.client.Subscribe(ctx, EventUASession, l.socket, expire); err != nil {
		return fmt.Errorf("cannot subscribe to %s: %w", EventUASession, err)
	}
	l.logger.Infow("Subscribed to session events", "socket", l.socket, "mi", l.client.Addr())

	l.wg.Add(2)
	go l.readLoop(handler)
	go l.renewLoop()
	return nil
}

func (l *Listener) readLoop(handler func(Event)) {
	defer l.wg.Done()

	buf := make([]byte, maxEventSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				l.logger.Errorw("Event socket read failed", "error", err)
			}
			return
		}

		var note notification
		if err := json.Unmarshal(buf[:n], &note); err != nil {
			l.logger.Warnw("Discarding unparsable event datagram", "error", err)
			continue
		}
		if note.Method != EventUASession {
			l.logger.Debugw("Ignoring unexpected event", "event", note.Method)
			continue
		}
		if note.Params.Key == "" || note.Params.Method == "" {
			l.logger.Warnw("Discarding event without key or method")
			continue
		}

		handler(note.Params)
	}
}

func (l *Listener) renewLoop() {
	defer l.wg.Done()

	expire := int(subscribeExpire.Seconds())
	ticker := time.NewTicker(subscribeExpire - renewHeadroom)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.client.Subscribe(l.ctx, EventUASession, l.socket, expire); err != nil {
				l.logger.Errorw("Event subscription renewal failed", "error", err)
				continue
			}
			l.logger.Debugw("Renewed event subscription", "socket", l.socket)
		}
	}
}

// Close unsubscribes from OpenSIPS and shuts the socket down. Safe to
// call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	// Tell OpenSIPS to stop sending before the socket goes away.
	ctx, cancel := context.WithTimeout(context.Background(), defaultExecTimeout)
	defer cancel()
	if err := l.client.Subscribe(ctx, EventUASession, l.socket, 0); err != nil {
		l.logger.Warnw("Event unsubscribe failed", "error", err)
	}

	l.cancel()
	err := l.conn.Close()
	l.wg.Wait()
	return err
}
