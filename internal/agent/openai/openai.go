// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package agent_openai speaks the OpenAI Realtime API over a websocket:
// caller audio goes up as base64 G.711, agent audio comes back the same
// way, and the model can call the engine's tools mid-conversation.
package agent_openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxgateai/internal/agent"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
)

const (
	flavorName   = "openai"
	realtimeURL  = "wss://api.openai.com/v1/realtime"
	defaultModel = "gpt-4o-realtime-preview-2024-10-01"

	handshakeTimeout = 30 * time.Second
	readLimit        = 10 * 1024 * 1024
)

// The Realtime API only takes G.711 (or linear PCM, which nobody offers
// over SIP).
var codecPriority = []string{"pcmu", "pcma"}

func init() {
	agent.Register(flavorName, New)
}

// =============================================================================
// Wire types
// =============================================================================

// Server event types the engine acts on.
const (
	eventSessionCreated   = "session.created"
	eventAudioDelta       = "response.audio.delta"
	eventTranscriptDone   = "response.audio_transcript.done"
	eventSpeechStarted    = "input_audio_buffer.speech_started"
	eventResponseDone     = "response.done"
	eventFunctionCallDone = "response.function_call_arguments.done"
	eventError            = "error"
)

// Client event types.
const (
	eventSessionUpdate  = "session.update"
	eventAudioAppend    = "input_audio_buffer.append"
	eventItemCreate     = "conversation.item.create"
	eventResponseCreate = "response.create"
)

// serverEvent is the subset of Realtime fields the engine reads. The
// API multiplexes every event shape over one type tag, so a single flat
// struct covers them all.
type serverEvent struct {
	Type       string         `json:"type"`
	Delta      string         `json:"delta,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Name       string         `json:"name,omitempty"`
	Arguments  string         `json:"arguments,omitempty"`
	CallID     string         `json:"call_id,omitempty"`
	Error      *realtimeError `json:"error,omitempty"`
}

type realtimeError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// clientEvent is the envelope for everything the engine sends. Every
// event is stamped with an id; error events point back at the client
// event that caused them.
type clientEvent struct {
	EventID string            `json:"event_id,omitempty"`
	Type    string            `json:"type"`
	Audio   string            `json:"audio,omitempty"`
	Session *sessionConfig    `json:"session,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
}

type sessionConfig struct {
	TurnDetection           *turnDetection   `json:"turn_detection,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string           `json:"output_audio_format,omitempty"`
	Instructions            string           `json:"instructions,omitempty"`
	Voice                   string           `json:"voice,omitempty"`
	Temperature             float64          `json:"temperature,omitempty"`
	MaxResponseOutputTokens int              `json:"max_response_output_tokens,omitempty"`
	Tools                   []toolDefinition `json:"tools,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type toolDefinition struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []itemContent `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// =============================================================================
// Adapter
// =============================================================================

type realtime struct {
	logger commons.Logger
	cfg    *config.Flavor
	bridge agent.Bridge
	codec  codec.Codec
	tools  *agent.Toolbox
	life   *agent.Lifecycle

	url    string
	key    string
	model  string
	format string

	mu      sync.Mutex // guards conn
	writeMu sync.Mutex // serializes writes
	conn    *websocket.Conn
	done    chan struct{}
}

// New negotiates a G.711 codec from the offer and prepares the session.
// No provider traffic happens until Start.
func New(cfg *config.Flavor, bridge agent.Bridge, offer *sdp.Offer, logger commons.Logger) (agent.Agent, error) {
	chosen, err := offer.Negotiate(codecPriority)
	if err != nil {
		return nil, err
	}

	var format string
	switch chosen.Name() {
	case "mulaw":
		format = "g711_ulaw"
	case "alaw":
		format = "g711_alaw"
	default:
		return nil, fmt.Errorf("%w: %s", codec.ErrUnsupportedCodec, chosen.Name())
	}

	key := cfg.Get([]string{"key"}, []string{"OPENAI_API_KEY"}, "")
	if key == "" {
		return nil, fmt.Errorf("no %s API key configured", flavorName)
	}

	return &realtime{
		logger: logger,
		cfg:    cfg,
		bridge: bridge,
		codec:  chosen,
		tools:  agent.NewToolbox(cfg, bridge, logger),
		life:   agent.NewLifecycle(),
		url:    cfg.Get([]string{"url"}, nil, realtimeURL),
		key:    key,
		model:  cfg.Get([]string{"model"}, []string{"OPENAI_API_MODEL"}, defaultModel),
		format: format,
		done:   make(chan struct{}),
	}, nil
}

func (r *realtime) Codec() codec.Codec {
	return r.codec
}

// Start dials the Realtime endpoint, configures the session and runs
// the event loop until the call ends or the provider fails.
func (r *realtime) Start(ctx context.Context) error {
	if !r.life.To(agent.StateConnecting) {
		return nil
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.key)
	headers.Set("OpenAI-Beta", "realtime=v1")

	query := url.Values{}
	query.Set("model", r.model)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.url+"?"+query.Encode(), headers)
	if err != nil {
		return fmt.Errorf("realtime connect: %w", err)
	}
	conn.SetReadLimit(readLimit)

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	// The server speaks first (session.created) before accepting any
	// session.update.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("realtime greeting: %w", err)
	}
	var greeting serverEvent
	if err := json.Unmarshal(raw, &greeting); err == nil && greeting.Type != eventSessionCreated {
		r.logger.Debugw("Unexpected realtime greeting", append(r.bridge.LogFields(), "type", greeting.Type)...)
	}

	if err := r.tools.ConnectMCP(ctx); err != nil {
		r.logger.Warnw("MCP tools unavailable", append(r.bridge.LogFields(), "error", err)...)
	}

	if err := r.send(clientEvent{Type: eventSessionUpdate, Session: r.sessionConfig()}); err != nil {
		return fmt.Errorf("realtime session update: %w", err)
	}
	r.life.To(agent.StateReady)
	r.logger.Infow("Realtime session ready",
		append(r.bridge.LogFields(), "model", r.model, "format", r.format)...)

	if welcome := r.cfg.Get([]string{"welcome_message"}, nil, ""); welcome != "" {
		if err := r.sendWelcome(welcome); err != nil {
			return fmt.Errorf("realtime welcome: %w", err)
		}
	}

	return r.listen(ctx, conn)
}

func (r *realtime) sessionConfig() *sessionConfig {
	sc := &sessionConfig{
		TurnDetection: &turnDetection{
			Type:              r.cfg.Get([]string{"turn_detection_type"}, nil, "server_vad"),
			Threshold:         r.cfg.GetFloat([]string{"turn_detection_threshold"}, nil, 0.5),
			PrefixPaddingMs:   r.cfg.GetInt([]string{"turn_detection_prefix_ms"}, nil, 300),
			SilenceDurationMs: r.cfg.GetInt([]string{"turn_detection_silence_ms"}, nil, 200),
		},
		InputAudioFormat:  r.format,
		OutputAudioFormat: r.format,
		Instructions:      r.cfg.Get([]string{"instructions"}, nil, ""),
		Voice:             r.cfg.Get([]string{"voice"}, nil, ""),
	}
	if temp := r.cfg.GetFloat([]string{"temperature"}, nil, 0); temp > 0 {
		sc.Temperature = temp
	}
	if max := r.cfg.GetInt([]string{"max_tokens"}, nil, 0); max > 0 {
		sc.MaxResponseOutputTokens = max
	}
	for _, spec := range r.tools.Specs() {
		sc.Tools = append(sc.Tools, toolDefinition{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return sc
}

// sendWelcome injects the greeting as a user turn and asks the model to
// respond, so the agent speaks first.
func (r *realtime) sendWelcome(welcome string) error {
	err := r.send(clientEvent{
		Type: eventItemCreate,
		Item: &conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []itemContent{{Type: "input_text", Text: welcome}},
		},
	})
	if err != nil {
		return err
	}
	return r.send(clientEvent{Type: eventResponseCreate})
}

func (r *realtime) listen(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if r.life.Closing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("realtime read: %w", err)
		}

		var event serverEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			r.logger.Errorw("Malformed realtime event", append(r.bridge.LogFields(), "error", err)...)
			continue
		}
		r.handleEvent(ctx, &event)
	}
}

func (r *realtime) handleEvent(ctx context.Context, event *serverEvent) {
	switch event.Type {
	case eventAudioDelta:
		media, err := base64.StdEncoding.DecodeString(event.Delta)
		if err != nil {
			r.logger.Errorw("Bad audio delta", append(r.bridge.LogFields(), "error", err)...)
			return
		}
		r.life.To(agent.StateSpeaking)
		for _, frame := range r.codec.Parse(media) {
			r.bridge.Enqueue(frame)
		}

	case eventTranscriptDone:
		r.logger.Infow("Agent transcript", append(r.bridge.LogFields(), "transcript", event.Transcript)...)

	case eventSpeechStarted:
		dropped := r.bridge.Drain()
		r.life.To(agent.StateStreaming)
		r.logger.Debugw("Caller barge-in", append(r.bridge.LogFields(), "dropped", dropped)...)

	case eventResponseDone:
		r.life.To(agent.StateStreaming)

	case eventFunctionCallDone:
		r.handleFunctionCall(ctx, event)

	case eventError:
		// The Realtime API reports recoverable problems here; the
		// session stays usable. event_id names the client event that
		// caused the failure, when there was one.
		r.logger.Errorw("Realtime API error", append(r.bridge.LogFields(),
			"code", errorCode(event.Error),
			"message", errorMessage(event.Error),
			"event_id", errorEventID(event.Error))...)

	default:
		r.logger.Debugw("Realtime event", append(r.bridge.LogFields(), "type", event.Type)...)
	}
}

func (r *realtime) handleFunctionCall(ctx context.Context, event *serverEvent) {
	output, err := r.tools.Dispatch(ctx, event.Name, event.Arguments)
	if err != nil {
		r.logger.Errorw("Tool call failed",
			append(r.bridge.LogFields(), "tool", event.Name, "error", err)...)
		output = fmt.Sprintf("error: %v", err)
	}

	if err := r.send(clientEvent{
		Type: eventItemCreate,
		Item: &conversationItem{Type: "function_call_output", CallID: event.CallID, Output: output},
	}); err != nil {
		r.logger.Errorw("Tool output send failed",
			append(r.bridge.LogFields(), "tool", event.Name, "error", err)...)
		return
	}
	if err := r.send(clientEvent{Type: eventResponseCreate}); err != nil {
		r.logger.Errorw("Tool response request failed",
			append(r.bridge.LogFields(), "tool", event.Name, "error", err)...)
	}
}

// Send forwards one RTP payload upstream as base64 G.711.
func (r *realtime) Send(audio []byte) error {
	if r.life.Closing() {
		return nil
	}
	if r.life.State() == agent.StateReady {
		r.life.To(agent.StateStreaming)
	}
	return r.send(clientEvent{
		Type:  eventAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(audio),
	})
}

// send marshals and writes one event. A nil connection makes it a
// no-op, so audio arriving before Start or after Close is dropped.
func (r *realtime) send(event clientEvent) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}

	event.EventID = uuid.New().String()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.Type, err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event.Type, err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (r *realtime) Close() error {
	if !r.life.To(agent.StateClosing) {
		return nil
	}
	close(r.done)
	r.tools.Close()

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		r.writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.writeMu.Unlock()
		if err != nil {
			r.logger.Debugw("Realtime close frame", append(r.bridge.LogFields(), "error", err)...)
		}
		conn.Close()
	}

	r.life.To(agent.StateClosed)
	return nil
}

func errorCode(e *realtimeError) string {
	if e == nil {
		return ""
	}
	return e.Code
}

func errorMessage(e *realtimeError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

func errorEventID(e *realtimeError) string {
	if e == nil {
		return ""
	}
	return e.EventID
}
