// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package agent_llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/voxgateai/internal/config"
)

const (
	defaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

// anthropicBackend streams Messages API completions.
type anthropicBackend struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropicBackend(cfg *config.Flavor) (*anthropicBackend, error) {
	key := cfg.Get(
		[]string{"llm_key", "anthropic_key"},
		[]string{"ANTHROPIC_API_KEY"}, "")
	if key == "" {
		return nil, errors.New("no Anthropic API key configured")
	}

	return &anthropicBackend{
		client:    anthropic.NewClient(option.WithAPIKey(key)),
		model:     cfg.Get([]string{"llm_model"}, nil, defaultAnthropicModel),
		maxTokens: int64(cfg.GetInt([]string{"max_tokens"}, nil, defaultAnthropicMaxTokens)),
	}, nil
}

func (b *anthropicBackend) stream(ctx context.Context, system string, history []Message, emit func(string)) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				full.WriteString(delta.Text)
				emit(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic message stream: %w", err)
	}
	return full.String(), nil
}
