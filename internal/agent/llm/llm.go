// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package agent_llm drives the text conversation behind the composed
// flavors: caller turns go in, streamed assistant text comes out,
// already split into sentences sized for synthesis.
package agent_llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/pkg/commons"
)

// Provider names accepted in the llm_provider option.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// DefaultSystemHint keeps chat models from emitting markdown and lists,
// which read badly over TTS.
const DefaultSystemHint = "Please answer with simple text messages."

// Message roles as the wire APIs spell them.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation.
type Message struct {
	Role    string
	Content string
}

// backend streams one completion for the given history, emitting text
// deltas as they arrive and returning the full reply.
type backend interface {
	stream(ctx context.Context, system string, history []Message, emit func(delta string)) (string, error)
}

// Conversation is the per-call chat context. It keeps the turn history
// and hands each model reply to the caller sentence by sentence.
type Conversation struct {
	logger  commons.Logger
	backend backend

	mu      sync.Mutex
	system  string
	history []Message
}

// New builds the conversation for a call, picking the backend from the
// flavor's llm_provider option.
func New(cfg *config.Flavor, logger commons.Logger) (*Conversation, error) {
	provider := strings.ToLower(cfg.Get([]string{"llm_provider"}, nil, ProviderOpenAI))

	var (
		b   backend
		err error
	)
	switch provider {
	case ProviderOpenAI:
		b, err = newOpenAIBackend(cfg)
	case ProviderAnthropic, "claude":
		b, err = newAnthropicBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown llm_provider %q", provider)
	}
	if err != nil {
		return nil, err
	}

	return &Conversation{
		logger:  logger,
		backend: b,
		system:  DefaultSystemHint,
	}, nil
}

// SetSystem replaces the system prompt. Empty input keeps the default.
func (c *Conversation) SetSystem(prompt string) {
	if prompt == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = prompt
}

// Ask appends the caller's text as a user turn, streams the model reply
// through emit one sentence at a time and returns the full reply. A
// failed stream leaves no assistant turn behind and is terminal for the
// call.
func (c *Conversation) Ask(ctx context.Context, text string, emit func(sentence string)) (string, error) {
	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleUser, Content: text})
	system := c.system
	history := make([]Message, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	chunker := NewChunker(DefaultMinChunk, emit)
	full, err := c.backend.stream(ctx, system, history, chunker.Feed)
	if err != nil {
		return "", err
	}
	chunker.Flush()

	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleAssistant, Content: full})
	c.mu.Unlock()

	c.logger.Debugw("LLM turn complete", "user", text, "assistant", full)
	return full, nil
}

// History returns a copy of the turns so far.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}
