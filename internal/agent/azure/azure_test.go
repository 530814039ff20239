// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package agent_azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/voxgateai/internal/agent"
	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/utils"
)

// =============================================================================
// Mocks and fakes
// =============================================================================

type mockLogger struct{}

func (m *mockLogger) Level() zapcore.Level                            { return zapcore.DebugLevel }
func (m *mockLogger) Debug(args ...interface{})                       {}
func (m *mockLogger) Debugf(template string, args ...interface{})     {}
func (m *mockLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (m *mockLogger) Info(args ...interface{})                        {}
func (m *mockLogger) Infof(template string, args ...interface{})      {}
func (m *mockLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Warn(args ...interface{})                        {}
func (m *mockLogger) Warnf(template string, args ...interface{})      {}
func (m *mockLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(args ...interface{})                       {}
func (m *mockLogger) Errorf(template string, args ...interface{})     {}
func (m *mockLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (m *mockLogger) Fatalf(template string, args ...interface{})     {}
func (m *mockLogger) Sync() error                                     { return nil }

type fakeBridge struct {
	mu         sync.Mutex
	enqueued   [][]byte
	drains     int
	terminated bool
}

func (b *fakeBridge) Enqueue(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, payload)
}

func (b *fakeBridge) Drain() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drains++
	n := len(b.enqueued)
	b.enqueued = nil
	return n
}

func (b *fakeBridge) Terminate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terminated = true
}

func (b *fakeBridge) Refer(target string) error { return nil }

func (b *fakeBridge) Key() string { return "B2B.4.2" }

func (b *fakeBridge) LogFields() []interface{} { return []interface{}{"key", b.Key()} }

func (b *fakeBridge) frames() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.enqueued))
	copy(out, b.enqueued)
	return out
}

func (b *fakeBridge) drainCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drains
}

// fakeStack stands in for the Speech SDK pair.
type fakeStack struct {
	mu       sync.Mutex
	audio    []byte
	startErr error
	synthErr error
	started  bool
	closes   int
	written  [][]byte
	texts    []string
}

func (f *fakeStack) start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeStack) write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.written = append(f.written, buf)
	return nil
}

func (f *fakeStack) synthesize(text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	f.texts = append(f.texts, text)
	return f.audio, nil
}

func (f *fakeStack) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeStack) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeStack) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeStack) spokenTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func (f *fakeStack) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// fakeChat serves one streamed chat completion per request and records
// the conversation it was asked.
type fakeChat struct {
	srv   *httptest.Server
	reply string

	mu    sync.Mutex
	users []string
}

func newFakeChat(t *testing.T, reply string) *fakeChat {
	t.Helper()
	f := &fakeChat{reply: reply}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChat) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Role    string      `json:"role"`
			Content interface{} `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
		for _, m := range req.Messages {
			if m.Role == "user" {
				if text, ok := m.Content.(string); ok {
					f.mu.Lock()
					f.users = append(f.users, text)
					f.mu.Unlock()
				}
			}
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	chunk := map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []map[string]interface{}{
			{"index": 0, "delta": map[string]string{"role": "assistant", "content": f.reply}},
		},
	}
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (f *fakeChat) baseURL() string {
	return f.srv.URL + "/"
}

func (f *fakeChat) lastUser() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.users) == 0 {
		return ""
	}
	return f.users[len(f.users)-1]
}

func (f *fakeChat) userCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// =============================================================================
// Fixtures
// =============================================================================

const pcmuOffer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 198.51.100.4\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.4\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 8\r\n" +
	"a=sendrecv\r\n"

const pcmaOnlyOffer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 198.51.100.4\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.4\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 8\r\n"

const opusOnlyOffer = "v=0\r\n" +
	"o=caller 1 1 IN IP4 198.51.100.4\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.4\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 96\r\n" +
	"a=rtpmap:96 opus/48000/2\r\n"

func parseOffer(t *testing.T, body string) *sdp.Offer {
	t.Helper()
	offer, err := sdp.Parse(body)
	require.NoError(t, err)
	return offer
}

func testConfig(extra utils.Option) *config.Flavor {
	options := utils.Option{
		"key":         "az-test",
		"region":      "westeurope",
		"chatgpt_key": "sk-test",
	}
	return &config.Flavor{Name: flavorName, Options: options.Merge(extra)}
}

// startEngine swaps the SDK for a fake and runs Start in the
// background.
func startEngine(t *testing.T, cfg *config.Flavor, bridge *fakeBridge, stack *fakeStack) (*engine, chan error) {
	t.Helper()

	a, err := New(cfg, bridge, parseOffer(t, pcmuOffer), &mockLogger{})
	require.NoError(t, err)
	e := a.(*engine)
	t.Cleanup(func() { e.Close() })

	e.buildStack = func() (speechStack, error) { return stack, nil }

	errCh := make(chan error, 1)
	go func() { errCh <- e.Start(context.Background()) }()

	require.Eventually(t, stack.isStarted, 2*time.Second, 10*time.Millisecond)
	return e, errCh
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_NegotiatesG711Only(t *testing.T) {
	cfg := testConfig(nil)

	a, err := New(cfg, &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "mulaw", a.Codec().Name())

	e := a.(*engine)
	assert.Equal(t, "en-US", e.language)
	assert.Equal(t, "en-US-AriaNeural", e.voice)

	a, err = New(cfg, &fakeBridge{}, parseOffer(t, pcmaOnlyOffer), &mockLogger{})
	require.NoError(t, err)
	assert.Equal(t, "alaw", a.Codec().Name())

	_, err = New(cfg, &fakeBridge{}, parseOffer(t, opusOnlyOffer), &mockLogger{})
	assert.ErrorIs(t, err, codec.ErrUnsupportedCodec)
}

func TestNew_RequiresSubscription(t *testing.T) {
	t.Setenv("AZURE_KEY", "")
	t.Setenv("AZURE_REGION", "")

	cfg := &config.Flavor{Name: flavorName, Options: utils.Option{"chatgpt_key": "sk-test"}}
	_, err := New(cfg, &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription key")

	cfg = &config.Flavor{Name: flavorName, Options: utils.Option{
		"key":         "az-test",
		"chatgpt_key": "sk-test",
	}}
	_, err = New(cfg, &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}

func TestNew_RequiresChatKey(t *testing.T) {
	t.Setenv("CHATGPT_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := &config.Flavor{Name: flavorName, Options: utils.Option{
		"key":    "az-test",
		"region": "westeurope",
	}}
	_, err := New(cfg, &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OpenAI")
}

func TestSpeechFormats(t *testing.T) {
	tests := []struct {
		offer  string
		wave   audio.AudioStreamWaveFormat
		output common.SpeechSynthesisOutputFormat
	}{
		{pcmuOffer, audio.AudioStreamWaveFormatMULAW, common.Raw8Khz8BitMonoMULaw},
		{pcmaOnlyOffer, audio.AudioStreamWaveFormatALAW, common.Raw8Khz8BitMonoALaw},
	}
	for _, tc := range tests {
		chosen, err := parseOffer(t, tc.offer).Negotiate(codecPriority)
		require.NoError(t, err)
		wave, output, err := speechFormats(chosen)
		require.NoError(t, err)
		assert.Equal(t, tc.wave, wave)
		assert.Equal(t, tc.output, output)
	}
}

// =============================================================================
// Turn handling
// =============================================================================

func TestEngine_WelcomeIsSynthesized(t *testing.T) {
	stack := &fakeStack{audio: make([]byte, 320)}
	bridge := &fakeBridge{}
	cfg := testConfig(utils.Option{"welcome_message": "Welcome to VoxGate support."})

	e, _ := startEngine(t, cfg, bridge, stack)

	require.Eventually(t, func() bool { return len(bridge.frames()) == 2 },
		2*time.Second, 10*time.Millisecond)
	for _, frame := range bridge.frames() {
		assert.Len(t, frame, 160)
	}
	require.Equal(t, []string{"Welcome to VoxGate support."}, stack.spokenTexts())
	assert.Equal(t, agent.StateSpeaking, e.life.State())
}

func TestEngine_RecognizedTriggersTurn(t *testing.T) {
	chat := newFakeChat(t, "It leaves from platform four at noon.")
	stack := &fakeStack{audio: make([]byte, 160)}
	bridge := &fakeBridge{}
	cfg := testConfig(utils.Option{"llm_url": chat.baseURL()})

	e, _ := startEngine(t, cfg, bridge, stack)

	e.recognized("When does the next train leave?")

	require.Eventually(t, func() bool {
		return len(stack.spokenTexts()) == 1 && len(bridge.frames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "It leaves from platform four at noon.", stack.spokenTexts()[0])
	assert.Equal(t, "When does the next train leave?", chat.lastUser())
	assert.Equal(t, 1, bridge.drainCount())
}

func TestEngine_ShortRecognitionsIgnored(t *testing.T) {
	chat := newFakeChat(t, "Should never be asked.")
	stack := &fakeStack{audio: make([]byte, 160)}
	bridge := &fakeBridge{}
	cfg := testConfig(utils.Option{"llm_url": chat.baseURL()})

	e, _ := startEngine(t, cfg, bridge, stack)

	e.recognized("Uh")
	e.recognized(" a ")
	e.recognized("")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, chat.userCount())
	assert.Empty(t, stack.spokenTexts())
}

func TestEngine_ReplyReplacesStaleAudio(t *testing.T) {
	chat := newFakeChat(t, "That order number checks out fine. I will send a replacement out today.")
	stack := &fakeStack{audio: make([]byte, 160)}
	bridge := &fakeBridge{}
	cfg := testConfig(utils.Option{"llm_url": chat.baseURL()})

	e, _ := startEngine(t, cfg, bridge, stack)

	// Leftovers from an earlier reply are still queued up.
	bridge.Enqueue(make([]byte, 160))
	bridge.Enqueue(make([]byte, 160))

	e.recognized("Can you check order one two three?")

	require.Eventually(t, func() bool { return len(stack.spokenTexts()) == 2 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"That order number checks out fine.",
		"I will send a replacement out today.",
	}, stack.spokenTexts())

	// The stale audio went away exactly once, before the first
	// sentence; the second sentence appended instead of clobbering.
	assert.Equal(t, 1, bridge.drainCount())
	require.Eventually(t, func() bool { return len(bridge.frames()) == 2 },
		2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Audio path and teardown
// =============================================================================

func TestEngine_SendForwardsToStream(t *testing.T) {
	stack := &fakeStack{}
	bridge := &fakeBridge{}

	e, _ := startEngine(t, testConfig(nil), bridge, stack)

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, e.Send(payload))
	require.Eventually(t, func() bool { return len(stack.sent()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, payload, stack.sent()[0])

	require.NoError(t, e.Close())
	assert.NoError(t, e.Send(payload))
	assert.Len(t, stack.sent(), 1)
}

func TestEngine_SendBeforeStartIsNoop(t *testing.T) {
	a, err := New(testConfig(nil), &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.NoError(t, err)

	assert.NoError(t, a.Send([]byte{0x00}))
	assert.NoError(t, a.Close())
}

func TestEngine_RecognitionCancelIsTerminal(t *testing.T) {
	stack := &fakeStack{}
	bridge := &fakeBridge{}

	e, errCh := startEngine(t, testConfig(nil), bridge, stack)

	// A clean end of stream is not an error.
	e.canceled(common.EndOfStream, "")
	select {
	case err := <-errCh:
		t.Fatalf("Start returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	e.canceled(common.Error, "authentication failure")
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failure")
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not surface the cancellation")
	}
}

func TestEngine_SynthesisFailureIsTerminal(t *testing.T) {
	chat := newFakeChat(t, "A reply nobody will hear today.")
	stack := &fakeStack{synthErr: errors.New("synthesis quota exceeded")}
	bridge := &fakeBridge{}
	cfg := testConfig(utils.Option{"llm_url": chat.baseURL()})

	e, errCh := startEngine(t, cfg, bridge, stack)

	e.recognized("Tell me something nice.")

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "synthesis quota exceeded")
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not surface the synthesis failure")
	}
}

func TestEngine_StartErrorsPropagate(t *testing.T) {
	a, err := New(testConfig(nil), &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.NoError(t, err)
	e := a.(*engine)
	e.buildStack = func() (speechStack, error) { return nil, errors.New("no native library") }
	err = e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no native library")

	a, err = New(testConfig(nil), &fakeBridge{}, parseOffer(t, pcmuOffer), &mockLogger{})
	require.NoError(t, err)
	e = a.(*engine)
	stack := &fakeStack{startErr: errors.New("push stream rejected")}
	e.buildStack = func() (speechStack, error) { return stack, nil }
	err = e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push stream rejected")
	require.NoError(t, e.Close())
	assert.Equal(t, 1, stack.closeCount())
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	stack := &fakeStack{}
	bridge := &fakeBridge{}

	e, errCh := startEngine(t, testConfig(nil), bridge, stack)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, stack.closeCount())

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
}
