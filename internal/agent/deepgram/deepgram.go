// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package agent_deepgram carries two flavors. "deepgram" is a split
// pipeline: Deepgram streaming transcription feeds a chat model, and
// the replies go back out through Deepgram's speak socket one sentence
// at a time. "deepgram_native" hands the whole conversation to the
// Deepgram Voice Agent instead.
package agent_deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/gorilla/websocket"

	"github.com/voxgateai/internal/agent"
	agent_llm "github.com/voxgateai/internal/agent/llm"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"
)

const (
	flavorName = "deepgram"
	speakURL   = "wss://api.deepgram.com/v1/speak"

	defaultSpeechModel = "nova-2"
	defaultLanguage    = "en-US"
	defaultVoice       = "aura-asteria-en"

	handshakeTimeout = 30 * time.Second
	// flushTimeout bounds one synthesized utterance: Speak+Flush must
	// come back as audio and a Flushed marker within this window.
	flushTimeout = 30 * time.Second
)

// The transcriber and the speak endpoint both take G.711 and Ogg Opus.
var codecPriority = []string{"pcmu", "pcma", "opus"}

func init() {
	agent.Register(flavorName, New)
}

// audioParams maps a negotiated codec onto Deepgram's encoding, container
// and bit rate parameters, shared by both directions.
func audioParams(c codec.Codec) (encoding, container string, bitrate int, err error) {
	switch c.Name() {
	case "mulaw":
		return "mulaw", "none", 0, nil
	case "alaw":
		return "alaw", "none", 0, nil
	case "opus":
		return "opus", "ogg", 96000, nil
	default:
		return "", "", 0, fmt.Errorf("%w: %s", codec.ErrUnsupportedCodec, c.Name())
	}
}

// =============================================================================
// Split pipeline adapter
// =============================================================================

// liveTranscriber is the slice of the Deepgram listen client the
// pipeline drives. Narrow on purpose so tests can stand in for the SDK.
type liveTranscriber interface {
	Connect() bool
	WriteBinary(data []byte) error
	Stop()
}

// sttDialer builds a transcription client delivering events to sink.
type sttDialer func(ctx context.Context, sink msginterfaces.LiveMessageCallback) (liveTranscriber, error)

type pipeline struct {
	logger commons.Logger
	cfg    *config.Flavor
	bridge agent.Bridge
	codec  codec.Codec
	life   *agent.Lifecycle
	convo  *agent_llm.Conversation

	key      string
	encoding string

	dialSTT sttDialer

	// speechMu serializes synthesis so sentences never interleave on
	// the speak socket.
	speechMu sync.Mutex

	mu    sync.Mutex // guards stt, tts and parts
	stt   liveTranscriber
	tts   *speakSocket
	parts []string

	turnCtx    context.Context
	turnCancel context.CancelFunc
	done       chan struct{}
	failed     chan error
}

// New negotiates a codec from the offer and builds the per-call chat
// context. No provider traffic happens until Start.
func New(cfg *config.Flavor, bridge agent.Bridge, offer *sdp.Offer, logger commons.Logger) (agent.Agent, error) {
	chosen, err := offer.Negotiate(codecPriority)
	if err != nil {
		return nil, err
	}
	encoding, _, _, err := audioParams(chosen)
	if err != nil {
		return nil, err
	}

	key := cfg.Get([]string{"key"}, []string{"DEEPGRAM_API_KEY"}, "")
	if key == "" {
		return nil, fmt.Errorf("no %s API key configured", flavorName)
	}

	convo, err := agent_llm.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	convo.SetSystem(cfg.Get([]string{"instructions"}, []string{"DEEPGRAM_INSTRUCTIONS"}, ""))

	turnCtx, turnCancel := context.WithCancel(context.Background())
	p := &pipeline{
		logger:     logger,
		cfg:        cfg,
		bridge:     bridge,
		codec:      chosen,
		life:       agent.NewLifecycle(),
		convo:      convo,
		key:        key,
		encoding:   encoding,
		turnCtx:    turnCtx,
		turnCancel: turnCancel,
		done:       make(chan struct{}),
		failed:     make(chan error, 1),
	}
	p.dialSTT = p.dialDeepgram
	return p, nil
}

func (p *pipeline) Codec() codec.Codec {
	return p.codec
}

// dialDeepgram builds the SDK's callback-driven listen client.
func (p *pipeline) dialDeepgram(ctx context.Context, sink msginterfaces.LiveMessageCallback) (liveTranscriber, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          p.cfg.Get([]string{"speech_model"}, []string{"DEEPGRAM_SPEECH_MODEL"}, defaultSpeechModel),
		Language:       p.cfg.Get([]string{"language"}, nil, defaultLanguage),
		Punctuate:      true,
		FillerWords:    true,
		InterimResults: true,
		UtteranceEndMs: p.cfg.Get([]string{"utterance_end_ms"}, nil, "1000"),
		Encoding:       p.encoding,
		SampleRate:     p.codec.SampleRate(),
	}
	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}

	client, err := listen.NewWSUsingCallback(ctx, p.key, cOptions, tOptions, sink)
	if err != nil {
		return nil, fmt.Errorf("deepgram listen client: %w", err)
	}
	return client, nil
}

// Start connects transcription and synthesis, speaks the welcome line
// and then parks until the call ends or a leg of the pipeline fails.
func (p *pipeline) Start(ctx context.Context) error {
	if !p.life.To(agent.StateConnecting) {
		return nil
	}

	stt, err := p.dialSTT(ctx, &transcriptSink{p: p})
	if err != nil {
		return err
	}
	if !stt.Connect() {
		return errors.New("deepgram listen connect failed")
	}
	p.mu.Lock()
	p.stt = stt
	p.mu.Unlock()

	tts, err := p.dialSpeak(ctx)
	if err != nil {
		stt.Stop()
		return err
	}
	p.mu.Lock()
	p.tts = tts
	p.mu.Unlock()

	p.life.To(agent.StateReady)
	p.logger.Infow("Deepgram pipeline ready",
		append(p.bridge.LogFields(), "encoding", p.encoding, "sample_rate", p.codec.SampleRate())...)

	if welcome := p.cfg.Get([]string{"welcome_message"}, []string{"DEEPGRAM_WELCOME_MSG"}, ""); welcome != "" {
		p.speechMu.Lock()
		err := p.speak(welcome)
		p.speechMu.Unlock()
		if err != nil {
			return fmt.Errorf("welcome: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return nil
	case err := <-p.failed:
		return err
	}
}

func (p *pipeline) dialSpeak(ctx context.Context) (*speakSocket, error) {
	_, container, bitrate, err := audioParams(p.codec)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("encoding", p.encoding)
	query.Set("sample_rate", strconv.Itoa(p.codec.SampleRate()))
	query.Set("container", container)
	if bitrate > 0 {
		query.Set("bit_rate", strconv.Itoa(bitrate))
	}
	query.Set("model", p.cfg.Get([]string{"voice"}, []string{"DEEPGRAM_VOICE"}, defaultVoice))

	base := p.cfg.Get([]string{"speak_url"}, nil, speakURL)
	return dialSpeak(ctx, base+"?"+query.Encode(), p.key, p.codec, p.logger)
}

// collect buffers one final transcript; speech_final closes the turn.
func (p *pipeline) collect(text string, speechFinal bool) {
	p.mu.Lock()
	p.parts = append(p.parts, text)
	p.mu.Unlock()
	if speechFinal {
		p.fireTurn()
	}
}

// fireTurn hands the accumulated utterance to the chat model.
func (p *pipeline) fireTurn() {
	p.mu.Lock()
	parts := p.parts
	p.parts = nil
	p.mu.Unlock()
	if len(parts) == 0 {
		return
	}

	phrase := strings.Join(parts, " ")
	p.logger.Infow("Caller said", append(p.bridge.LogFields(), "transcript", phrase)...)
	utils.Go(p.turnCtx, func() { p.turn(phrase) })
}

func (p *pipeline) turn(phrase string) {
	p.speechMu.Lock()
	defer p.speechMu.Unlock()
	if p.life.Closing() {
		return
	}

	var speakErr error
	reply, err := p.convo.Ask(p.turnCtx, phrase, func(sentence string) {
		if speakErr != nil || p.life.Closing() {
			return
		}
		speakErr = p.speak(sentence)
	})
	switch {
	case err != nil:
		p.fail(fmt.Errorf("llm turn: %w", err))
	case speakErr != nil:
		p.fail(fmt.Errorf("speak: %w", speakErr))
	default:
		p.logger.Infow("Agent reply", append(p.bridge.LogFields(), "transcript", reply)...)
	}
}

// speak synthesizes one sentence and queues the audio. Callers hold
// speechMu.
func (p *pipeline) speak(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	p.mu.Lock()
	tts := p.tts
	p.mu.Unlock()
	if tts == nil {
		return nil
	}
	p.life.To(agent.StateSpeaking)
	return tts.say(p.bridge, text)
}

// bargeIn drops queued playback when the caller talks over the agent.
func (p *pipeline) bargeIn() {
	if p.life.State() != agent.StateSpeaking {
		return
	}
	dropped := p.bridge.Drain()
	p.life.To(agent.StateStreaming)
	p.logger.Debugw("Caller barge-in", append(p.bridge.LogFields(), "dropped", dropped)...)
}

// fail reports a terminal pipeline error to the Start loop once.
func (p *pipeline) fail(err error) {
	if p.life.Closing() {
		return
	}
	select {
	case p.failed <- err:
	default:
	}
}

// Send forwards one RTP payload to the transcriber.
func (p *pipeline) Send(audio []byte) error {
	if p.life.Closing() {
		return nil
	}
	if p.life.State() == agent.StateReady {
		p.life.To(agent.StateStreaming)
	}

	p.mu.Lock()
	stt := p.stt
	p.mu.Unlock()
	if stt == nil {
		return nil
	}
	return stt.WriteBinary(audio)
}

// Close tears both legs down. Safe to call more than once.
func (p *pipeline) Close() error {
	if !p.life.To(agent.StateClosing) {
		return nil
	}
	close(p.done)
	p.turnCancel()

	p.mu.Lock()
	stt := p.stt
	tts := p.tts
	p.stt = nil
	p.tts = nil
	p.mu.Unlock()

	if stt != nil {
		stt.Stop()
	}
	if tts != nil {
		tts.close()
	}

	p.life.To(agent.StateClosed)
	return nil
}

// =============================================================================
// Transcription events
// =============================================================================

// transcriptSink receives the SDK's live transcription callbacks.
// Interim results drive barge-in, finals accumulate into the turn.
type transcriptSink struct {
	p *pipeline
}

func (s *transcriptSink) Open(or *msginterfaces.OpenResponse) error {
	s.p.logger.Debugw("Deepgram listen open", s.p.bridge.LogFields()...)
	return nil
}

func (s *transcriptSink) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if text == "" {
		return nil
	}
	if !mr.IsFinal {
		s.p.bargeIn()
		return nil
	}
	s.p.collect(text, mr.SpeechFinal)
	return nil
}

func (s *transcriptSink) Metadata(md *msginterfaces.MetadataResponse) error {
	return nil
}

func (s *transcriptSink) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

// UtteranceEnd closes the turn when the caller trails off without a
// speech_final transcript.
func (s *transcriptSink) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	s.p.fireTurn()
	return nil
}

func (s *transcriptSink) Close(cr *msginterfaces.CloseResponse) error {
	s.p.fail(fmt.Errorf("listen: %w", agent.ErrProviderClosed))
	return nil
}

func (s *transcriptSink) Error(er *msginterfaces.ErrorResponse) error {
	s.p.fail(fmt.Errorf("deepgram listen: %s (%s)", er.ErrMsg, er.ErrCode))
	return nil
}

func (s *transcriptSink) UnhandledEvent(byData []byte) error {
	s.p.logger.Debugw("Deepgram listen event", append(s.p.bridge.LogFields(), "raw", string(byData))...)
	return nil
}

// =============================================================================
// Speak socket
// =============================================================================

// speakCommand is a client-to-server control message.
type speakCommand struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// speakEvent is a server-to-client control message. Audio arrives as
// binary frames between them.
type speakEvent struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
}

// speakSocket drives Deepgram's websocket synthesis endpoint. One
// utterance at a time: say writes Speak+Flush and reads audio until the
// matching Flushed marker.
type speakSocket struct {
	logger commons.Logger
	codec  codec.Codec

	mu   sync.Mutex // guards conn against close during say
	conn *websocket.Conn
}

func dialSpeak(ctx context.Context, endpoint, key string, c codec.Codec, logger commons.Logger) (*speakSocket, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+key)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("deepgram speak connect: %w", err)
	}
	return &speakSocket{logger: logger, codec: c, conn: conn}, nil
}

func (s *speakSocket) say(bridge agent.Bridge, text string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	if err := conn.WriteJSON(speakCommand{Type: "Speak", Text: text}); err != nil {
		return fmt.Errorf("speak write: %w", err)
	}
	if err := conn.WriteJSON(speakCommand{Type: "Flush"}); err != nil {
		return fmt.Errorf("speak flush: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(flushTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("speak read: %w", err)
		}
		switch msgType {
		case websocket.BinaryMessage:
			for _, frame := range s.codec.Parse(raw) {
				bridge.Enqueue(frame)
			}
		case websocket.TextMessage:
			var event speakEvent
			if err := json.Unmarshal(raw, &event); err != nil {
				continue
			}
			switch event.Type {
			case "Flushed":
				if rest := s.codec.Flush(); rest != nil {
					bridge.Enqueue(rest)
				}
				return nil
			case "Warning", "Error":
				s.logger.Warnw("Deepgram speak event",
					"type", event.Type, "code", event.Code, "description", event.Description)
			}
		}
	}
}

func (s *speakSocket) close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}

	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
}
