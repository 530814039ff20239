// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package agent_azure runs calls against Azure Cognitive Services:
// continuous speech recognition over a push stream feeds a chat model,
// and the replies come back through the speech synthesizer in the
// caller's own G.711 encoding. The Speech SDK is cgo-backed, so the
// whole SDK surface sits behind a narrow stack interface.
package agent_azure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/voxgateai/internal/agent"
	agent_llm "github.com/voxgateai/internal/agent/llm"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"
)

const (
	flavorName = "azure"

	defaultLanguage = "en-US"
	defaultVoice    = "en-US-AriaNeural"

	// synthesisTimeout bounds one SpeakTextAsync round trip.
	synthesisTimeout = 30 * time.Second
)

// The Speech SDK streams raw G.711 both ways; Opus is not on the table.
var codecPriority = []string{"pcmu", "pcma"}

func init() {
	agent.Register(flavorName, New)
}

// speechFormats maps the negotiated codec onto the SDK's input stream
// wave format and synthesis output format.
func speechFormats(c codec.Codec) (audio.AudioStreamWaveFormat, common.SpeechSynthesisOutputFormat, error) {
	switch c.Name() {
	case "mulaw":
		return audio.AudioStreamWaveFormatMULAW, common.Raw8Khz8BitMonoMULaw, nil
	case "alaw":
		return audio.AudioStreamWaveFormatALAW, common.Raw8Khz8BitMonoALaw, nil
	default:
		return 0, 0, fmt.Errorf("%w: %s", codec.ErrUnsupportedCodec, c.Name())
	}
}

// =============================================================================
// Engine
// =============================================================================

// speechStack is the slice of the Speech SDK one call drives. Narrow on
// purpose: the SDK is cgo-backed and tests stand in for it.
type speechStack interface {
	start() error
	write(data []byte) error
	synthesize(text string) ([]byte, error)
	close()
}

type engine struct {
	logger commons.Logger
	cfg    *config.Flavor
	bridge agent.Bridge
	codec  codec.Codec
	life   *agent.Lifecycle
	convo  *agent_llm.Conversation

	key      string
	region   string
	language string
	voice    string

	buildStack func() (speechStack, error)

	// speechMu serializes turns so replies never interleave on the
	// synthesizer.
	speechMu sync.Mutex

	mu    sync.Mutex // guards stack
	stack speechStack

	turnCtx    context.Context
	turnCancel context.CancelFunc
	done       chan struct{}
	failed     chan error
}

// New negotiates a G.711 codec and resolves the subscription. The SDK
// is not touched until Start.
func New(cfg *config.Flavor, bridge agent.Bridge, offer *sdp.Offer, logger commons.Logger) (agent.Agent, error) {
	chosen, err := offer.Negotiate(codecPriority)
	if err != nil {
		return nil, err
	}
	if _, _, err := speechFormats(chosen); err != nil {
		return nil, err
	}

	key := cfg.Get([]string{"key"}, []string{"AZURE_KEY"}, "")
	if key == "" {
		return nil, fmt.Errorf("no %s subscription key configured", flavorName)
	}
	region := cfg.Get([]string{"region"}, []string{"AZURE_REGION"}, "")
	if region == "" {
		return nil, fmt.Errorf("no %s region configured", flavorName)
	}

	convo, err := agent_llm.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	convo.SetSystem(cfg.Get([]string{"instructions"}, []string{"AZURE_INSTRUCTIONS"}, ""))

	turnCtx, turnCancel := context.WithCancel(context.Background())
	e := &engine{
		logger:     logger,
		cfg:        cfg,
		bridge:     bridge,
		codec:      chosen,
		life:       agent.NewLifecycle(),
		convo:      convo,
		key:        key,
		region:     region,
		language:   cfg.Get([]string{"language"}, []string{"AZURE_LANGUAGE"}, defaultLanguage),
		voice:      cfg.Get([]string{"voice"}, []string{"AZURE_VOICE"}, defaultVoice),
		turnCtx:    turnCtx,
		turnCancel: turnCancel,
		done:       make(chan struct{}),
		failed:     make(chan error, 1),
	}
	e.buildStack = e.azureStack
	return e, nil
}

func (e *engine) Codec() codec.Codec {
	return e.codec
}

// Start brings the recognizer up, speaks the welcome line and parks
// until the call ends or the SDK reports a terminal error.
func (e *engine) Start(ctx context.Context) error {
	if !e.life.To(agent.StateConnecting) {
		return nil
	}

	stack, err := e.buildStack()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.stack = stack
	e.mu.Unlock()

	if err := stack.start(); err != nil {
		return fmt.Errorf("azure recognition start: %w", err)
	}

	e.life.To(agent.StateReady)
	e.logger.Infow("Azure speech engine ready",
		append(e.bridge.LogFields(), "language", e.language, "voice", e.voice)...)

	if welcome := e.cfg.Get([]string{"welcome_message"}, []string{"AZURE_WELCOME_MSG"}, ""); welcome != "" {
		e.speechMu.Lock()
		err := e.speak(welcome, true)
		e.speechMu.Unlock()
		if err != nil {
			return fmt.Errorf("welcome: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	case err := <-e.failed:
		return err
	}
}

// recognized handles one final recognition result. The recognizer likes
// to produce one- and two-letter fragments on line noise, drop those.
func (e *engine) recognized(text string) {
	text = strings.TrimSpace(text)
	if len(text) <= 2 {
		return
	}
	e.logger.Infow("Caller said", append(e.bridge.LogFields(), "transcript", text)...)
	utils.Go(e.turnCtx, func() { e.turn(text) })
}

// canceled handles the recognizer's cancellation event. Anything but a
// clean end of stream takes the call down.
func (e *engine) canceled(reason common.CancellationReason, details string) {
	if reason != common.Error {
		return
	}
	e.fail(fmt.Errorf("azure recognition canceled: %s", details))
}

func (e *engine) turn(phrase string) {
	e.speechMu.Lock()
	defer e.speechMu.Unlock()
	if e.life.Closing() {
		return
	}

	var speakErr error
	spoken := false
	reply, err := e.convo.Ask(e.turnCtx, phrase, func(sentence string) {
		if speakErr != nil || e.life.Closing() {
			return
		}
		speakErr = e.speak(sentence, !spoken)
		spoken = true
	})
	switch {
	case err != nil:
		e.fail(fmt.Errorf("llm turn: %w", err))
	case speakErr != nil:
		e.fail(fmt.Errorf("speak: %w", speakErr))
	default:
		e.logger.Infow("Agent reply", append(e.bridge.LogFields(), "transcript", reply)...)
	}
}

// speak synthesizes one sentence and queues the audio. On the first
// sentence of a reply, whatever is still queued is stale; drop it once
// the fresh audio is in hand. Callers hold speechMu.
func (e *engine) speak(text string, replace bool) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	e.mu.Lock()
	stack := e.stack
	e.mu.Unlock()
	if stack == nil {
		return nil
	}

	data, err := stack.synthesize(text)
	if err != nil {
		return err
	}
	if replace {
		if dropped := e.bridge.Drain(); dropped > 0 {
			e.logger.Debugw("Playback dropped", append(e.bridge.LogFields(), "frames", dropped)...)
		}
	}

	e.life.To(agent.StateSpeaking)
	for _, frame := range e.codec.Parse(data) {
		e.bridge.Enqueue(frame)
	}
	if rest := e.codec.Flush(); rest != nil {
		e.bridge.Enqueue(rest)
	}
	return nil
}

// fail reports a terminal engine error to the Start loop once.
func (e *engine) fail(err error) {
	if e.life.Closing() {
		return
	}
	select {
	case e.failed <- err:
	default:
	}
}

// Send pushes one RTP payload into the recognizer's input stream.
func (e *engine) Send(payload []byte) error {
	if e.life.Closing() {
		return nil
	}
	if e.life.State() == agent.StateReady {
		e.life.To(agent.StateStreaming)
	}

	e.mu.Lock()
	stack := e.stack
	e.mu.Unlock()
	if stack == nil {
		return nil
	}
	return stack.write(payload)
}

// Close stops recognition and releases the SDK handles. Safe to call
// more than once.
func (e *engine) Close() error {
	if !e.life.To(agent.StateClosing) {
		return nil
	}
	close(e.done)
	e.turnCancel()

	e.mu.Lock()
	stack := e.stack
	e.stack = nil
	e.mu.Unlock()
	if stack != nil {
		stack.close()
	}

	e.life.To(agent.StateClosed)
	return nil
}

// =============================================================================
// Speech SDK bindings
// =============================================================================

// sdkStack owns the cgo handles for one call.
type sdkStack struct {
	config     *speech.SpeechConfig
	format     *audio.AudioStreamFormat
	input      *audio.PushAudioInputStream
	audioCfg   *audio.AudioConfig
	recognizer *speech.SpeechRecognizer
	synth      *speech.SpeechSynthesizer
}

// azureStack builds the recognizer and synthesizer pair and wires the
// recognition events back into the engine.
func (e *engine) azureStack() (speechStack, error) {
	s := &sdkStack{}
	if err := s.build(e); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *sdkStack) build(e *engine) error {
	waveFormat, outputFormat, err := speechFormats(e.codec)
	if err != nil {
		return err
	}

	if s.config, err = speech.NewSpeechConfigFromSubscription(e.key, e.region); err != nil {
		return fmt.Errorf("azure speech config: %w", err)
	}
	if err = s.config.SetSpeechRecognitionLanguage(e.language); err != nil {
		return err
	}
	if err = s.config.SetSpeechSynthesisLanguage(e.language); err != nil {
		return err
	}
	if err = s.config.SetSpeechSynthesisVoiceName(e.voice); err != nil {
		return err
	}
	if err = s.config.SetSpeechSynthesisOutputFormat(outputFormat); err != nil {
		return err
	}

	if s.format, err = audio.GetWaveFormat(uint32(e.codec.SampleRate()), 8, 1, waveFormat); err != nil {
		return fmt.Errorf("azure stream format: %w", err)
	}
	if s.input, err = audio.CreatePushAudioInputStreamFromFormat(s.format); err != nil {
		return fmt.Errorf("azure input stream: %w", err)
	}
	if s.audioCfg, err = audio.NewAudioConfigFromStreamInput(s.input); err != nil {
		return fmt.Errorf("azure audio config: %w", err)
	}
	if s.recognizer, err = speech.NewSpeechRecognizerFromConfig(s.config, s.audioCfg); err != nil {
		return fmt.Errorf("azure recognizer: %w", err)
	}
	if s.synth, err = speech.NewSpeechSynthesizerFromConfig(s.config, nil); err != nil {
		return fmt.Errorf("azure synthesizer: %w", err)
	}

	s.recognizer.Recognized(func(event speech.SpeechRecognitionEventArgs) {
		defer event.Close()
		e.recognized(event.Result.Text)
	})
	s.recognizer.Canceled(func(event speech.SpeechRecognitionCanceledEventArgs) {
		defer event.Close()
		e.canceled(event.Reason, event.ErrorDetails)
	})
	s.recognizer.SessionStopped(func(event speech.SessionEventArgs) {
		defer event.Close()
		e.logger.Debugw("Azure recognition session stopped", e.bridge.LogFields()...)
	})
	return nil
}

func (s *sdkStack) start() error {
	return <-s.recognizer.StartContinuousRecognitionAsync()
}

func (s *sdkStack) write(data []byte) error {
	return s.input.Write(data)
}

func (s *sdkStack) synthesize(text string) ([]byte, error) {
	var outcome speech.SpeechSynthesisOutcome
	select {
	case outcome = <-s.synth.SpeakTextAsync(text):
	case <-time.After(synthesisTimeout):
		return nil, errors.New("speech synthesis timed out")
	}
	defer outcome.Close()

	if outcome.Error != nil {
		return nil, outcome.Error
	}
	if outcome.Result.Reason != common.SynthesizingAudioCompleted {
		return nil, fmt.Errorf("synthesis ended with reason %d", outcome.Result.Reason)
	}
	return outcome.Result.AudioData, nil
}

// close tolerates partial construction so a failed build can reuse it.
func (s *sdkStack) close() {
	if s.recognizer != nil {
		<-s.recognizer.StopContinuousRecognitionAsync()
	}
	if s.input != nil {
		s.input.CloseStream()
	}
	if s.synth != nil {
		s.synth.Close()
	}
	if s.recognizer != nil {
		s.recognizer.Close()
	}
	if s.audioCfg != nil {
		s.audioCfg.Close()
	}
	if s.input != nil {
		s.input.Close()
	}
	if s.format != nil {
		s.format.Close()
	}
	if s.config != nil {
		s.config.Close()
	}
}
