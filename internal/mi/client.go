// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package mi talks to the OpenSIPS Management Interface over UDP
// datagrams using JSON-RPC 2.0, and listens for the E_UA_SESSION events
// that drive the engine.
package mi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/voxgateai/pkg/commons"
)

const (
	jsonrpcVersion = "2.0"

	// defaultExecTimeout bounds one MI round trip when the caller's
	// context has no deadline of its own.
	defaultExecTimeout = 5 * time.Second

	// maxReplySize bounds a single MI reply datagram.
	maxReplySize = 65535
)

// Error is a JSON-RPC error returned by the management interface.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("mi: %s (code %d)", e.Message, e.Code)
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Client issues MI commands to one OpenSIPS instance. A single Client is
// shared by the whole engine; requests are serialized so replies always
// match the command in flight.
type Client struct {
	mu     sync.Mutex
	logger commons.Logger
	conn   *net.UDPConn
	addr   string
	nextID uint64
}

// NewClient connects a UDP socket toward the MI datagram address.
func NewClient(logger commons.Logger, ip string, port int) (*Client, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid MI address %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("cannot open MI socket toward %s: %w", addr, err)
	}
	return &Client{
		logger: logger,
		conn:   conn,
		addr:   addr,
	}, nil
}

// Addr returns the MI endpoint this client talks to.
func (c *Client) Addr() string {
	return c.addr
}

// Exec sends one MI command and waits for its reply. Params may be a
// map (named parameters) or a slice (positional parameters).
func (c *Client) Exec(ctx context.Context, command string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := request{
		JSONRPC: jsonrpcVersion,
		ID:      c.nextID,
		Method:  command,
		Params:  params,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mi: cannot marshal %s: %w", command, err)
	}

	deadline := time.Now().Add(defaultExecTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("mi: %w", err)
	}

	if _, err := c.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("mi: %s send failed: %w", command, err)
	}

	buf := make([]byte, maxReplySize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("mi: %s reply failed: %w", command, err)
		}

		var resp response
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			c.logger.Warnw("Discarding unparsable MI reply", "command", command, "error", err)
			continue
		}
		// A reply left over from a timed-out command carries an older id.
		if resp.ID != req.ID {
			c.logger.Debugw("Discarding stale MI reply", "command", command, "got_id", resp.ID, "want_id", req.ID)
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// ============================================================================
// UA session commands
// ============================================================================

// Reply answers a pending SIP request on a B2B session.
type Reply struct {
	Key    string
	Method string
	Code   int
	Reason string
	Body   string
}

// SessionReply sends ua_session_reply. The body, when present, rides as
// the SIP message body of the reply (the SDP answer for INVITEs).
func (c *Client) SessionReply(ctx context.Context, r Reply) error {
	params := map[string]interface{}{
		"key":    r.Key,
		"method": r.Method,
		"code":   r.Code,
		"reason": r.Reason,
	}
	if r.Body != "" {
		params["body"] = r.Body
	}
	_, err := c.Exec(ctx, "ua_session_reply", params)
	return err
}

// SessionUpdate issues an in-dialog request on a B2B session, e.g. a
// REFER carrying Refer-To/Referred-By in extraHeaders.
func (c *Client) SessionUpdate(ctx context.Context, key, method, body, extraHeaders string) error {
	params := map[string]interface{}{
		"key":    key,
		"method": method,
	}
	if body != "" {
		params["body"] = body
	}
	if extraHeaders != "" {
		params["extra_headers"] = extraHeaders
	}
	_, err := c.Exec(ctx, "ua_session_update", params)
	return err
}

// SessionTerminate hangs up a B2B session.
func (c *Client) SessionTerminate(ctx context.Context, key string) error {
	_, err := c.Exec(ctx, "ua_session_terminate", map[string]interface{}{"key": key})
	return err
}

// Subscribe registers (or with expire 0, removes) an event subscription
// toward the given event socket, e.g. "udp:127.0.0.1:50060".
func (c *Client) Subscribe(ctx context.Context, event, socket string, expire int) error {
	_, err := c.Exec(ctx, "event_subscribe", []interface{}{event, socket, expire})
	return err
}

// Close releases the MI socket.
func (c *Client) Close() error {
	return c.conn.Close()
}
