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

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/voxgateai/internal/config"
)

const defaultOpenAIModel = "gpt-4o"

// openAIBackend streams chat completions. An llm_url option points it
// at any OpenAI-compatible server.
type openAIBackend struct {
	client oai.Client
	model  string
}

func newOpenAIBackend(cfg *config.Flavor) (*openAIBackend, error) {
	key := cfg.Get(
		[]string{"llm_key", "chatgpt_key", "openai_key"},
		[]string{"CHATGPT_API_KEY", "OPENAI_API_KEY"}, "")
	if key == "" {
		return nil, errors.New("no OpenAI API key configured")
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if url := cfg.Get([]string{"llm_url"}, nil, ""); url != "" {
		opts = append(opts, option.WithBaseURL(url))
	}

	return &openAIBackend{
		client: oai.NewClient(opts...),
		model:  cfg.Get([]string{"llm_model", "chatgpt_model"}, nil, defaultOpenAIModel),
	}, nil
}

func (b *openAIBackend) stream(ctx context.Context, system string, history []Message, emit func(string)) (string, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		messages = append(messages, oai.SystemMessage(system))
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			messages = append(messages, oai.UserMessage(m.Content))
		}
	}

	stream := b.client.Chat.Completions.NewStreaming(ctx, oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(b.model),
		Messages: messages,
	})
	defer stream.Close()

	var full strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			full.WriteString(delta)
			emit(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("chat completion stream: %w", err)
	}
	return full.String(), nil
}
