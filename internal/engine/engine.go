// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package engine dispatches OpenSIPS B2B session events onto calls.
//
// The engine owns the call table and nothing else: media, AI adapters
// and recording belong to the call, signaling commands to the MI
// client. Events arrive serialized from the listener; everything
// long-running happens on the calls' own goroutines, so the dispatch
// path stays cheap.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/voxgateai/internal/agent"
	"github.com/voxgateai/internal/call"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/media"
	"github.com/voxgateai/internal/mi"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"
)

// botConfigTimeout bounds one lookup against the bot configuration
// service. A slow service must not hold the event loop hostage.
const botConfigTimeout = 5 * time.Second

// errUnknownSIPUser marks an INVITE whose bot header carries no usable
// user part. Such calls are refused with 404.
var errUnknownSIPUser = errors.New("unknown SIP user")

// Engine routes E_UA_SESSION notifications: new INVITEs become calls,
// in-dialog requests are applied to the call they belong to, and every
// request gets exactly one MI reply.
type Engine struct {
	logger commons.Logger
	cfg    *config.Config
	signal *mi.Client
	ports  *media.PortRange
	http   *resty.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	calls  map[string]*call.Call
	closed bool
}

// New builds the dispatcher. The port range is shared by every call the
// engine creates. When engine.api_url is configured, flavor resolution
// consults the bot configuration service over HTTP.
func New(logger commons.Logger, cfg *config.Config, signal *mi.Client, ports *media.PortRange) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger: logger,
		cfg:    cfg,
		signal: signal,
		ports:  ports,
		ctx:    ctx,
		cancel: cancel,
		calls:  map[string]*call.Call{},
	}
	if cfg.Engine.APIURL != "" {
		e.http = resty.New().SetTimeout(botConfigTimeout)
		if cfg.Engine.APIKey != "" {
			e.http.SetAuthToken(cfg.Engine.APIKey)
		}
	}
	return e
}

// HandleEvent dispatches one session event. ACKs are consumed silently:
// the dialog is already up and there is nothing to reply to.
func (e *Engine) HandleEvent(ev mi.Event) {
	if e.isClosed() {
		e.logger.Debugw("Event after shutdown, ignored", "key", ev.Key, "method", ev.Method)
		return
	}
	switch ev.Method {
	case "INVITE":
		if c := e.lookup(ev.Key); c != nil {
			e.reinvite(c, ev)
		} else {
			e.invite(ev)
		}
	case "ACK":
		e.logger.Debugw("Dialog acknowledged", "key", ev.Key)
	case "BYE":
		e.bye(ev)
	case "NOTIFY":
		e.notify(ev)
	default:
		e.logger.Warnw("Unsupported SIP method", "key", ev.Key, "method", ev.Method)
		e.reply(ev, 405, "Method not supported", "")
	}
}

// invite answers a new call: parse the offer, resolve which AI flavor
// serves it, build the call and send back 200 with the SDP answer.
func (e *Engine) invite(ev mi.Event) {
	if strings.TrimSpace(ev.Body) == "" {
		e.logger.Warnw("INVITE without SDP body", "key", ev.Key)
		e.reply(ev, 415, "Unsupported Media Type", "")
		return
	}
	offer, err := sdp.Parse(ev.Body)
	if err != nil {
		e.logger.Errorw("Unusable SDP offer", "key", ev.Key, "error", err)
		e.reply(ev, 488, "Not Acceptable Here", "")
		return
	}

	rt, err := e.resolve(ev)
	if err != nil {
		e.logger.Warnw("Cannot route call", "key", ev.Key, "error", err)
		e.refuse(ev, err)
		return
	}

	caller, _ := utils.HeaderValue(ev.Headers, "From")
	e.logger.Infow("Incoming call", "key", ev.Key, "bot", rt.bot, "flavor", rt.flavor, "from", caller)

	c, err := call.New(e.logger, call.Options{
		Key:         ev.Key,
		Flavor:      rt.flavor,
		Bot:         rt.bot,
		FlavorCfg:   rt.cfg,
		Offer:       offer,
		Ports:       e.ports,
		Signal:      e.signal,
		BindIP:      e.cfg.RTP.BindIP,
		AdvertiseIP: e.cfg.RTP.IP,
		LogDir:      e.cfg.Engine.LogDir,
		Record:      e.cfg.Engine.Record,
		OnClosed:    e.callClosed(ev.Key),
	})
	if err != nil {
		e.logger.Errorw("Call setup failed", "key", ev.Key, "bot", rt.bot, "flavor", rt.flavor, "error", err)
		e.refuse(ev, err)
		return
	}

	if !e.insert(ev.Key, c) {
		c.Close()
		e.reply(ev, 500, "Server Internal Error", "")
		return
	}
	if c.Closed() {
		// The call died before its table entry existed, so the closing
		// hook found nothing to clean up. Drop the entry and refuse.
		e.pop(ev.Key)
		e.reply(ev, 500, "Server Internal Error", "")
		return
	}

	answer, err := c.Answer()
	if err != nil {
		e.logger.Errorw("Cannot render SDP answer", "key", ev.Key, "error", err)
		if e.pop(ev.Key) != nil {
			c.Close()
		}
		e.reply(ev, 500, "Server Internal Error", "")
		return
	}
	e.reply(ev, 200, "OK", answer)
}

// reinvite applies a mid-call offer. The codec is never renegotiated;
// only the direction changes. An offer without a direction, or plain
// sendrecv, takes the call off hold.
func (e *Engine) reinvite(c *call.Call, ev mi.Event) {
	if strings.TrimSpace(ev.Body) == "" {
		e.reply(ev, 415, "Unsupported Media Type", "")
		return
	}
	offer, err := sdp.Parse(ev.Body)
	if err != nil {
		e.logger.Errorw("Unusable re-INVITE offer", append(c.LogFields(), "error", err)...)
		e.reply(ev, 488, "Not Acceptable Here", "")
		return
	}

	if d := offer.Direction(); d == sdp.DirectionUnknown || d == sdp.DirectionSendRecv {
		c.Resume()
	} else {
		c.Pause(d)
	}

	answer, err := c.Answer()
	if err != nil {
		e.logger.Errorw("Cannot render SDP answer", append(c.LogFields(), "error", err)...)
		e.reply(ev, 500, "Server Internal Error", "")
		return
	}
	e.reply(ev, 200, "OK", answer)
}

// bye tears the call down. The 200 goes out before the media unwinds so
// the far end is not kept waiting on our cleanup.
func (e *Engine) bye(ev mi.Event) {
	c := e.pop(ev.Key)
	if c == nil {
		e.reply(ev, 481, "Call/Transaction Does Not Exist", "")
		return
	}
	e.logger.Infow("Call hung up", c.LogFields()...)
	e.reply(ev, 200, "OK", "")
	c.Close()
}

// notify handles transfer progress. A Subscription-State of terminated
// means the REFER ran its course and this leg can be wound down.
func (e *Engine) notify(ev mi.Event) {
	c := e.lookup(ev.Key)
	if c == nil {
		e.reply(ev, 481, "Call/Transaction Does Not Exist", "")
		return
	}
	e.reply(ev, 200, "OK", "")
	if state, ok := utils.HeaderValue(ev.Headers, "Subscription-State"); ok &&
		strings.Contains(strings.ToLower(state), "terminated") {
		e.logger.Infow("Transfer complete, hanging up", c.LogFields()...)
		c.Terminate()
	}
}

// Calls is the number of live calls.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Shutdown closes every live call and stops the dispatcher. The caller
// stops the event listener first, so no new INVITE races the teardown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	live := make([]*call.Call, 0, len(e.calls))
	for _, c := range e.calls {
		live = append(live, c)
	}
	e.calls = map[string]*call.Call{}
	e.mu.Unlock()

	for _, c := range live {
		c.Close()
	}
	e.cancel()
	if len(live) > 0 {
		e.logger.Infow("Closed live calls on shutdown", "count", len(live))
	}
}

// reply answers a pending SIP request over MI. Failures are logged and
// swallowed: a broken management channel must never take down media.
func (e *Engine) reply(ev mi.Event, code int, reason, body string) {
	err := e.signal.SessionReply(e.ctx, mi.Reply{
		Key:    ev.Key,
		Method: ev.Method,
		Code:   code,
		Reason: reason,
		Body:   body,
	})
	if err != nil {
		e.logger.Errorw("MI reply failed",
			"key", ev.Key, "method", ev.Method, "code", code, "error", err)
	}
}

// refuse maps a setup error onto its SIP refusal.
func (e *Engine) refuse(ev mi.Event, err error) {
	switch {
	case errors.Is(err, errUnknownSIPUser), errors.Is(err, agent.ErrUnknownFlavor):
		e.reply(ev, 404, "Not Found", "")
	case errors.Is(err, codec.ErrUnsupportedCodec):
		e.reply(ev, 488, "Not Acceptable Here", "")
	default:
		// media.ErrNoPorts and everything unforeseen
		e.reply(ev, 500, "Server Internal Error", "")
	}
}

// callClosed is the teardown hook handed to each call. When the call is
// still in the table the close originated on our side (agent failure,
// provider hangup, transfer), so the signaling leg must be terminated
// too. A BYE- or shutdown-driven close already popped the entry and
// needs no signaling.
func (e *Engine) callClosed(key string) func() {
	return func() {
		if e.pop(key) == nil {
			return
		}
		e.logger.Infow("Call ended, terminating session", "key", key)
		if err := e.signal.SessionTerminate(e.ctx, key); err != nil {
			e.logger.Errorw("Session terminate failed", "key", key, "error", err)
		}
	}
}

func (e *Engine) lookup(key string) *call.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[key]
}

func (e *Engine) insert(key string, c *call.Call) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.calls[key] = c
	return true
}

func (e *Engine) pop(key string) *call.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.calls[key]
	delete(e.calls, key)
	return c
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ============================================================================
// Flavor resolution
// ============================================================================

// route is everything resolve() decides for one INVITE.
type route struct {
	flavor string
	bot    string
	cfg    *config.Flavor
}

// resolve picks the AI flavor serving this call and assembles its
// configuration. The flavor name comes from, in order: the event's
// extra_params, the bot configuration service, the first flavor whose
// match pattern covers the SIP user, and finally a stable hash of the
// user over the enabled flavors. Options layer INI first, then the
// service's section for the resolved flavor, then extra_params.
func (e *Engine) resolve(ev mi.Event) (route, error) {
	header := e.cfg.Engine.BotHeader
	raw, ok := utils.HeaderValue(ev.Headers, header)
	if !ok {
		return route{}, fmt.Errorf("%w: no %s header", errUnknownSIPUser, header)
	}
	bot, err := utils.UserFromHeader(raw)
	if err != nil {
		return route{}, fmt.Errorf("%w: %v", errUnknownSIPUser, err)
	}

	var flavor string
	if v, err := ev.ExtraParams.GetString("flavor"); err == nil && v != "" {
		flavor = v
	}

	var remote *botProfile
	if e.http != nil {
		remote, err = e.fetchBotProfile(bot)
		if err != nil {
			// Static resolution still works without the service.
			e.logger.Warnw("Bot config service lookup failed", "bot", bot, "error", err)
			remote = nil
		}
	}
	if flavor == "" && remote != nil {
		flavor = remote.Flavor
	}
	if flavor == "" {
		flavor = e.matchFlavor(bot)
	}
	if flavor == "" {
		enabled := agent.Enabled(e.cfg)
		if len(enabled) == 0 {
			return route{}, fmt.Errorf("%w: no flavor enabled", agent.ErrUnknownFlavor)
		}
		flavor = enabled[utils.StableIndex(bot, len(enabled))]
	}

	if !agent.Registered(flavor) {
		return route{}, fmt.Errorf("%w: %q", agent.ErrUnknownFlavor, flavor)
	}
	fcfg := e.cfg.Flavor(flavor)
	if fcfg.Disabled() {
		return route{}, fmt.Errorf("%w: %q is disabled", agent.ErrUnknownFlavor, flavor)
	}
	if remote != nil {
		if over, ok := remote.Sections[flavor]; ok {
			fcfg = fcfg.WithOverrides(over)
		}
	}
	if over := flavorOverrides(ev.ExtraParams, flavor); over != nil {
		fcfg = fcfg.WithOverrides(over)
	}
	return route{flavor: flavor, bot: bot, cfg: fcfg}, nil
}

// matchFlavor routes by per-flavor dialplan patterns, first match wins
// in stable name order.
func (e *Engine) matchFlavor(user string) string {
	for _, name := range agent.Names() {
		pattern := e.cfg.Flavor(name).MatchPattern()
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			e.logger.Warnw("Bad match pattern", "flavor", name, "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(user) {
			return name
		}
	}
	return ""
}

// botProfile is what the bot configuration service knows about a bot:
// the flavor serving it plus per-flavor option sections.
type botProfile struct {
	Flavor   string
	Sections map[string]utils.Option
}

// fetchBotProfile asks the bot configuration service which flavor
// serves this bot and with what settings. The response carries a flavor
// name and, under each flavor name, an options object.
func (e *Engine) fetchBotProfile(bot string) (*botProfile, error) {
	resp, err := e.http.R().
		SetContext(e.ctx).
		SetBody(map[string]string{"bot": bot}).
		Post(e.cfg.Engine.APIURL)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("bot config service returned %s", resp.Status())
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("bot config payload: %w", err)
	}
	profile := &botProfile{Sections: map[string]utils.Option{}}
	if v, ok := raw["flavor"].(string); ok {
		profile.Flavor = v
	}
	for k, v := range raw {
		if m, ok := v.(map[string]interface{}); ok {
			profile.Sections[k] = utils.Option(m)
		}
	}
	return profile, nil
}

// flavorOverrides pulls the per-call option object for the resolved
// flavor out of the event's extra_params, when the caller sent one.
func flavorOverrides(params utils.Option, flavor string) utils.Option {
	if m, ok := params[flavor].(map[string]interface{}); ok {
		return utils.Option(m)
	}
	return nil
}
