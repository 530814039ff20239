// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package call ties one B2B session together: the RTP leg, the AI
// adapter, the per-call log, and the optional recording. A Call owns its
// media session and adapter outright; the dispatcher only ever holds the
// table entry and a teardown hook.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/voxgateai/internal/agent"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/media"
	"github.com/voxgateai/internal/mi"
	"github.com/voxgateai/internal/recorder"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"
)

// Options carries everything the dispatcher resolved for one incoming
// INVITE.
type Options struct {
	Key       string         // B2B session key
	Flavor    string         // resolved AI flavor name
	Bot       string         // bot identity, used for log and recording paths
	FlavorCfg *config.Flavor // flavor section merged with per-call overrides
	Offer     *sdp.Offer
	Ports     *media.PortRange
	Signal    *mi.Client

	BindIP      string // RTP socket bind address
	AdvertiseIP string // address written into the answer SDP
	LogDir      string
	Record      bool

	// OnClosed runs exactly once, after the call has fully shut down,
	// regardless of which side initiated teardown. The dispatcher uses it
	// to drop the call from its table and, when the call ended itself, to
	// tell the signaling side to hang up.
	OnClosed func()
}

// Call is one live conversation. All fields are set during New; only the
// direction and the lifecycle flags change afterwards.
type Call struct {
	logger  commons.Logger
	callLog *commons.CallLogger

	key    string
	flavor string
	bot    string

	signal  *mi.Client
	ai      agent.Agent
	session *media.Session
	rec     *recorder.Recorder
	codec   codec.Codec

	advertiseIP string
	transferBy  string
	onClosed    func()

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	offer      *sdp.Offer
	direction  sdp.Direction
	terminated bool
	closed     bool
}

// New answers one INVITE end to end: open the per-call log, construct
// the flavor's adapter (which picks the codec, so an unsupported offer
// fails before any socket is bound), bind the RTP session, and start the
// media loops. The returned Call is live; its answer SDP is ready to send.
func New(appLogger commons.Logger, opts Options) (*Call, error) {
	callLog, err := commons.NewCallLogger(opts.LogDir, opts.Bot, opts.Key, appLogger.Level())
	logger := commons.Logger(appLogger)
	if err != nil {
		appLogger.Warnw("Per-call log unavailable, using application log", "key", opts.Key, "error", err)
		callLog = nil
	} else {
		logger = callLog
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		logger:      logger,
		callLog:     callLog,
		key:         opts.Key,
		flavor:      opts.Flavor,
		bot:         opts.Bot,
		signal:      opts.Signal,
		advertiseIP: opts.AdvertiseIP,
		transferBy:  opts.FlavorCfg.Get([]string{"transfer_by"}, nil, ""),
		onClosed:    opts.OnClosed,
		ctx:         ctx,
		cancel:      cancel,
		offer:       opts.Offer,
		direction:   sdp.DirectionSendRecv,
	}

	ai, err := agent.New(opts.Flavor, opts.FlavorCfg, c, opts.Offer, logger)
	if err != nil {
		cancel()
		callLog.Close()
		return nil, fmt.Errorf("build %s agent: %w", opts.Flavor, err)
	}
	c.ai = ai
	c.codec = ai.Codec()

	session, err := media.NewSession(logger, media.SessionConfig{
		BindIP:   opts.BindIP,
		PeerIP:   opts.Offer.RemoteIP,
		PeerPort: opts.Offer.RemotePort,
		Codec:    c.codec,
		Ports:    opts.Ports,
		OnClosed: c.sessionClosed,
	})
	if err != nil {
		cancel()
		ai.Close()
		callLog.Close()
		return nil, err
	}
	c.session = session

	if opts.Record {
		rec, err := recorder.New(logger, c.codec, opts.LogDir, opts.Bot, opts.Key)
		switch {
		case errors.Is(err, codec.ErrUnsupportedCodec):
			logger.Infow("Call recording skipped", "codec", c.codec.Name())
		case err != nil:
			logger.Warnw("Call recording unavailable", "error", err)
		default:
			c.rec = rec
		}
	}

	if opts.Offer.Hold() {
		c.direction = opts.Offer.Direction().Complement()
		session.Pause()
	}

	session.Start()
	utils.Go(ctx, c.runAgent)
	utils.Go(ctx, c.forwardAudio)

	logger.Infow("Call established",
		"flavor", opts.Flavor,
		"bot", opts.Bot,
		"codec", c.codec.Name(),
		"port", session.Port(),
		"peer", fmt.Sprintf("%s:%d", opts.Offer.RemoteIP, opts.Offer.RemotePort))
	return c, nil
}

// runAgent drives the adapter's provider session. A failure while the
// call is live is terminal: flag the call and let the sender wind down.
func (c *Call) runAgent() {
	err := c.ai.Start(c.ctx)
	c.mu.Lock()
	stopping := c.closed || c.terminated
	c.mu.Unlock()
	if err != nil && !stopping {
		c.logger.Errorw("AI agent failed, ending call", "error", err)
		c.Terminate()
	}
}

// forwardAudio hands inbound caller audio to the adapter until the RTP
// session shuts its packet channel.
func (c *Call) forwardAudio() {
	for payload := range c.session.Packets() {
		c.rec.User(payload)
		if err := c.ai.Send(payload); err != nil {
			c.logger.Errorw("Caller audio rejected by agent, ending call", "error", err)
			c.Terminate()
			return
		}
	}
}

// ============================================================================
// Bridge
// ============================================================================

// Enqueue appends one payload to the playback queue.
func (c *Call) Enqueue(payload []byte) {
	c.rec.Agent(payload)
	c.session.Enqueue(payload)
}

// Drain empties the playback queue, returning the dropped payload count.
func (c *Call) Drain() int {
	return c.session.Drain()
}

// Terminate flags the call for teardown. The sender plays out whatever
// is queued and closes the session on its next empty tick.
func (c *Call) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.mu.Unlock()
	c.session.Terminate()
}

// Terminated reports whether teardown has been requested.
func (c *Call) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Closed reports whether the call has fully shut down.
func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Refer asks the signaling side to transfer the call. Referred-By comes
// from the flavor's transfer_by option, falling back to the bot's own
// identity at the engine address.
func (c *Call) Refer(target string) error {
	referredBy := c.transferBy
	if referredBy == "" {
		referredBy = fmt.Sprintf("sip:%s@%s", c.bot, c.advertiseIP)
	}
	headers := "Refer-To: " + sipNameAddr(target) + "\r\n" +
		"Referred-By: " + sipNameAddr(referredBy) + "\r\n"
	if err := c.signal.SessionUpdate(c.ctx, c.key, "REFER", "", headers); err != nil {
		return fmt.Errorf("refer to %s: %w", target, err)
	}
	c.logger.Infow("Call transfer requested", "target", target)
	return nil
}

// Key is the B2B session key.
func (c *Call) Key() string {
	return c.key
}

// LogFields is the standard logging context for this call.
func (c *Call) LogFields() []interface{} {
	return []interface{}{"key", c.key, "flavor", c.flavor, "bot", c.bot}
}

// sipNameAddr wraps a target in angle brackets, prepending the sip
// scheme when the configured value is a bare user@host.
func sipNameAddr(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "<") {
		return v
	}
	lower := strings.ToLower(v)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		v = "sip:" + v
	}
	return "<" + v + ">"
}

// ============================================================================
// Re-INVITE handling
// ============================================================================

// Answer renders the current answer SDP: the original offer rewritten to
// the engine's RTP address with the negotiated codec and the current
// direction. Codecs are never renegotiated mid-call.
func (c *Call) Answer() (string, error) {
	c.mu.Lock()
	offer, direction := c.offer, c.direction
	c.mu.Unlock()
	return offer.Answer(c.codec, c.advertiseIP, c.session.Port(), direction)
}

// Pause mutes outbound audio for a hold re-INVITE. The answer direction
// becomes the complement of the offered one.
func (c *Call) Pause(offered sdp.Direction) {
	c.session.Pause()
	direction := offered.Complement()
	c.mu.Lock()
	c.direction = direction
	c.mu.Unlock()
	c.logger.Infow("Call paused", "direction", string(direction))
}

// Resume restores two-way audio after a hold.
func (c *Call) Resume() {
	c.session.Resume()
	c.mu.Lock()
	c.direction = sdp.DirectionSendRecv
	c.mu.Unlock()
	c.logger.Infow("Call resumed")
}

// ============================================================================
// Teardown
// ============================================================================

// sessionClosed runs when the RTP session has fully shut down, whichever
// side initiated it.
func (c *Call) sessionClosed() {
	c.Close()
}

// Close tears the whole call down: adapter, RTP session, recording,
// per-call log, in that order. Idempotent; the closed notification fires
// exactly once.
func (c *Call) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.ai.Close(); err != nil {
		c.logger.Debugw("Agent close", "error", err)
	}
	c.session.Close()
	if err := c.rec.Close(); err != nil {
		c.logger.Warnw("Saving call recording failed", "error", err)
	}
	c.callLog.Close()

	if c.onClosed != nil {
		c.onClosed()
	}
	return nil
}
