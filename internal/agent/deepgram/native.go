// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package agent_deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voxgateai/internal/agent"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
)

const (
	nativeFlavorName = "deepgram_native"
	voiceAgentURL    = "wss://agent.deepgram.com/agent"

	defaultNativeSpeechModel = "nova-3"
	defaultThinkModel        = "gpt-4o"
)

// The Voice Agent takes raw G.711 only.
var nativeCodecPriority = []string{"pcmu", "pcma"}

func init() {
	agent.Register(nativeFlavorName, NewNative)
}

// =============================================================================
// Wire types
// =============================================================================

// agentSettings is the SettingsConfiguration message that opens a Voice
// Agent session.
type agentSettings struct {
	Type  string      `json:"type"`
	Agent agentConfig `json:"agent"`
	Audio agentAudio  `json:"audio"`
}

type agentConfig struct {
	Listen agentModelRef `json:"listen"`
	Think  agentThink    `json:"think"`
	Speak  agentModelRef `json:"speak"`
}

type agentModelRef struct {
	Model string `json:"model"`
}

type agentThink struct {
	Instructions string         `json:"instructions,omitempty"`
	Provider     *thinkProvider `json:"provider,omitempty"`
	Model        string         `json:"model,omitempty"`
}

type thinkProvider struct {
	Type    string           `json:"type"`
	URL     string           `json:"url,omitempty"`
	Headers []providerHeader `json:"headers,omitempty"`
}

type providerHeader struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type agentAudio struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

// agentInject makes the agent say a line without caller input.
type agentInject struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// agentEvent is the subset of server control messages the engine reads.
// Audio arrives as binary frames between them.
type agentEvent struct {
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
	Content     string `json:"content,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
}

// =============================================================================
// Adapter
// =============================================================================

type voiceAgent struct {
	logger commons.Logger
	cfg    *config.Flavor
	bridge agent.Bridge
	codec  codec.Codec
	life   *agent.Lifecycle

	url      string
	key      string
	encoding string

	mu      sync.Mutex // guards conn
	writeMu sync.Mutex // serializes writes
	conn    *websocket.Conn
	done    chan struct{}
}

// NewNative negotiates a G.711 codec from the offer and prepares the
// Voice Agent session. No provider traffic happens until Start.
func NewNative(cfg *config.Flavor, bridge agent.Bridge, offer *sdp.Offer, logger commons.Logger) (agent.Agent, error) {
	chosen, err := offer.Negotiate(nativeCodecPriority)
	if err != nil {
		return nil, err
	}
	encoding, _, _, err := audioParams(chosen)
	if err != nil {
		return nil, err
	}

	key := cfg.Get([]string{"key"}, []string{"DEEPGRAM_API_KEY"}, "")
	if key == "" {
		return nil, fmt.Errorf("no %s API key configured", nativeFlavorName)
	}

	return &voiceAgent{
		logger:   logger,
		cfg:      cfg,
		bridge:   bridge,
		codec:    chosen,
		life:     agent.NewLifecycle(),
		url:      cfg.Get([]string{"url"}, nil, voiceAgentURL),
		key:      key,
		encoding: encoding,
		done:     make(chan struct{}),
	}, nil
}

func (v *voiceAgent) Codec() codec.Codec {
	return v.codec
}

// settings assembles the SettingsConfiguration for this call. An
// llm_url points the think stage at any OpenAI-compatible server; it
// needs llm_key and llm_model alongside.
func (v *voiceAgent) settings() (*agentSettings, error) {
	format := audioFormat{Encoding: v.encoding, SampleRate: v.codec.SampleRate()}
	s := &agentSettings{
		Type: "SettingsConfiguration",
		Agent: agentConfig{
			Listen: agentModelRef{
				Model: v.cfg.Get([]string{"speech_model"}, []string{"DEEPGRAM_NATIVE_SPEECH_MODEL"}, defaultNativeSpeechModel),
			},
			Speak: agentModelRef{
				Model: v.cfg.Get([]string{"voice"}, []string{"DEEPGRAM_NATIVE_VOICE"}, defaultVoice),
			},
		},
		Audio: agentAudio{
			Input:  format,
			Output: audioFormat{Encoding: format.Encoding, SampleRate: format.SampleRate, Container: "none"},
		},
	}
	s.Agent.Think.Instructions = v.cfg.Get([]string{"instructions"}, []string{"DEEPGRAM_INSTRUCTIONS"}, "")

	llmURL := v.cfg.Get([]string{"llm_url"}, []string{"DEEPGRAM_LLM_URL"}, "")
	llmKey := v.cfg.Get([]string{"llm_key"}, []string{"DEEPGRAM_LLM_KEY"}, "")
	llmModel := v.cfg.Get([]string{"llm_model"}, []string{"DEEPGRAM_LLM_MODEL"}, "")

	if llmURL != "" {
		if llmKey == "" {
			return nil, errors.New("llm_url set without llm_key")
		}
		if llmModel == "" {
			return nil, errors.New("llm_url set without llm_model")
		}
		s.Agent.Think.Provider = &thinkProvider{
			Type:    "custom",
			URL:     llmURL,
			Headers: []providerHeader{{Key: "Authorization", Value: llmKey}},
		}
		s.Agent.Think.Model = llmModel
		return s, nil
	}

	s.Agent.Think.Provider = &thinkProvider{Type: "open_ai"}
	if llmModel != "" {
		s.Agent.Think.Model = llmModel
	} else {
		s.Agent.Think.Model = defaultThinkModel
	}
	return s, nil
}

// Start dials the Voice Agent, configures the session and runs the
// event loop until the call ends or the provider fails.
func (v *voiceAgent) Start(ctx context.Context) error {
	if !v.life.To(agent.StateConnecting) {
		return nil
	}

	// A broken think configuration is terminal before any traffic.
	settings, err := v.settings()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+v.key)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, v.url, headers)
	if err != nil {
		return fmt.Errorf("voice agent connect: %w", err)
	}

	v.mu.Lock()
	v.conn = conn
	v.mu.Unlock()

	// The server greets first (Welcome) before taking settings.
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("voice agent greeting: %w", err)
	}
	v.logger.Debugw("Voice agent greeting", append(v.bridge.LogFields(), "raw", string(raw))...)

	if err := v.send(settings); err != nil {
		return fmt.Errorf("voice agent settings: %w", err)
	}
	v.life.To(agent.StateReady)
	v.logger.Infow("Voice agent session ready",
		append(v.bridge.LogFields(), "encoding", v.encoding)...)

	if welcome := v.cfg.Get([]string{"welcome_message"}, []string{"DEEPGRAM_NATIVE_WELCOME_MSG"}, ""); welcome != "" {
		if err := v.send(agentInject{Type: "InjectAgentMessage", Message: welcome}); err != nil {
			return fmt.Errorf("voice agent welcome: %w", err)
		}
	}

	return v.listen(ctx, conn)
}

func (v *voiceAgent) listen(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.done:
			return nil
		default:
		}

		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if v.life.Closing() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("voice agent read: %w", err)
		}

		if msgType == websocket.BinaryMessage {
			v.life.To(agent.StateSpeaking)
			for _, frame := range v.codec.Parse(raw) {
				v.bridge.Enqueue(frame)
			}
			continue
		}

		var event agentEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			v.logger.Errorw("Malformed voice agent event", append(v.bridge.LogFields(), "error", err)...)
			continue
		}
		v.handleEvent(&event)
	}
}

func (v *voiceAgent) handleEvent(event *agentEvent) {
	switch event.Type {
	case "AgentAudioDone":
		// The utterance is complete; pad out the trailing partial frame.
		if rest := v.codec.Flush(); rest != nil {
			v.bridge.Enqueue(rest)
		}
		v.life.To(agent.StateStreaming)

	case "UserStartedSpeaking", "EndOfThought":
		dropped := v.bridge.Drain()
		v.life.To(agent.StateStreaming)
		v.logger.Debugw("Playback dropped", append(v.bridge.LogFields(),
			"event", event.Type, "dropped", dropped)...)

	case "ConversationText":
		v.logger.Infow("Conversation", append(v.bridge.LogFields(),
			"role", event.Role, "content", event.Content)...)

	case "Error":
		v.logger.Errorw("Voice agent error", append(v.bridge.LogFields(),
			"message", event.Message, "description", event.Description)...)

	default:
		v.logger.Debugw("Voice agent event", append(v.bridge.LogFields(), "type", event.Type)...)
	}
}

// Send forwards one RTP payload upstream as a binary frame.
func (v *voiceAgent) Send(audio []byte) error {
	if v.life.Closing() {
		return nil
	}
	if v.life.State() == agent.StateReady {
		v.life.To(agent.StateStreaming)
	}

	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return nil
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("voice agent audio write: %w", err)
	}
	return nil
}

// send marshals and writes one control message. A nil connection makes
// it a no-op.
func (v *voiceAgent) send(payload interface{}) error {
	v.mu.Lock()
	conn := v.conn
	v.mu.Unlock()
	if conn == nil {
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal agent message: %w", err)
	}

	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write agent message: %w", err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (v *voiceAgent) Close() error {
	if !v.life.To(agent.StateClosing) {
		return nil
	}
	close(v.done)

	v.mu.Lock()
	conn := v.conn
	v.conn = nil
	v.mu.Unlock()

	if conn != nil {
		v.writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		v.writeMu.Unlock()
		if err != nil {
			v.logger.Debugw("Voice agent close frame", append(v.bridge.LogFields(), "error", err)...)
		}
		conn.Close()
	}

	v.life.To(agent.StateClosed)
	return nil
}
