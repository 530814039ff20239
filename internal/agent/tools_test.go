// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/pkg/utils"
)

func toolNames(t *Toolbox) []string {
	var names []string
	for _, spec := range t.Specs() {
		names = append(names, spec.Name)
	}
	return names
}

func TestToolbox_TerminateOnlyByDefault(t *testing.T) {
	box := NewToolbox(&config.Flavor{Name: "openai"}, &fakeBridge{}, &mockLogger{})
	assert.Equal(t, []string{"terminate_call"}, toolNames(box))
}

func TestToolbox_TransferRequiresTarget(t *testing.T) {
	cfg := &config.Flavor{
		Name:    "openai",
		Options: utils.Option{"transfer_to": "sip:operator@10.0.0.5"},
	}
	box := NewToolbox(cfg, &fakeBridge{}, &mockLogger{})
	assert.Equal(t, []string{"terminate_call", "transfer_call"}, toolNames(box))
}

func TestToolbox_DispatchTerminate(t *testing.T) {
	bridge := &fakeBridge{}
	box := NewToolbox(&config.Flavor{Name: "openai"}, bridge, &mockLogger{})

	out, err := box.Dispatch(context.Background(), "terminate_call", "{}")
	require.NoError(t, err)
	assert.Equal(t, "call is being terminated", out)
	assert.True(t, bridge.terminated)
}

func TestToolbox_DispatchTransfer(t *testing.T) {
	bridge := &fakeBridge{}
	cfg := &config.Flavor{
		Name:    "openai",
		Options: utils.Option{"transfer_to": "sip:operator@10.0.0.5"},
	}
	box := NewToolbox(cfg, bridge, &mockLogger{})

	out, err := box.Dispatch(context.Background(), "transfer_call", "")
	require.NoError(t, err)
	assert.Equal(t, "call transfer started", out)
	assert.Equal(t, []string{"sip:operator@10.0.0.5"}, bridge.referred)
}

func TestToolbox_DispatchTransferFailure(t *testing.T) {
	bridge := &fakeBridge{referErr: errors.New("481 gone")}
	cfg := &config.Flavor{
		Name:    "openai",
		Options: utils.Option{"transfer_to": "sip:operator@10.0.0.5"},
	}
	box := NewToolbox(cfg, bridge, &mockLogger{})

	_, err := box.Dispatch(context.Background(), "transfer_call", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "481 gone")
}

func TestToolbox_DispatchUnknownTool(t *testing.T) {
	box := NewToolbox(&config.Flavor{Name: "openai"}, &fakeBridge{}, &mockLogger{})

	_, err := box.Dispatch(context.Background(), "order_pizza", "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestToolbox_DispatchMalformedArguments(t *testing.T) {
	box := NewToolbox(&config.Flavor{Name: "openai"}, &fakeBridge{}, &mockLogger{})

	_, err := box.Dispatch(context.Background(), "terminate_call", "{not json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed arguments")
}

func TestToolbox_ConnectMCPWithoutServerIsNoop(t *testing.T) {
	box := NewToolbox(&config.Flavor{Name: "openai"}, &fakeBridge{}, &mockLogger{})
	require.NoError(t, box.ConnectMCP(context.Background()))
	assert.Equal(t, []string{"terminate_call"}, toolNames(box))
	box.Close()
}

func TestSchemaMap(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"type": "object"}, schemaMap(nil))

	m := schemaMap(map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
	})
	require.Contains(t, m, "properties")
	assert.Equal(t, "object", m["type"])
}
