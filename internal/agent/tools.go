// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/pkg/commons"
	"github.com/voxgateai/pkg/utils"
)

// ToolSpec describes one callable tool in provider-neutral form.
// Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolHandler runs one tool call. The returned string is handed back to
// the provider as the function call output.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (string, error)

type tool struct {
	spec    ToolSpec
	handler ToolHandler
}

// Toolbox is a per-call tool catalogue: the hangup and transfer
// built-ins, plus whatever tools a configured MCP server advertises.
type Toolbox struct {
	logger commons.Logger
	bridge Bridge

	mcpURL string
	mcpKey string

	mu    sync.Mutex
	tools map[string]tool
	order []string
	mcp   *mcpclient.Client
}

// NewToolbox builds the catalogue for a call. The transfer tool is only
// exposed when the flavor configures a transfer_to target.
func NewToolbox(cfg *config.Flavor, bridge Bridge, logger commons.Logger) *Toolbox {
	t := &Toolbox{
		logger: logger,
		bridge: bridge,
		mcpURL: cfg.Get([]string{"mcp_server"}, nil, ""),
		mcpKey: cfg.Get([]string{"mcp_key"}, nil, ""),
		tools:  map[string]tool{},
	}

	t.add(ToolSpec{
		Name:        "terminate_call",
		Description: "Hang up the current phone call once the conversation is over.",
		Parameters:  emptyObjectSchema(),
	}, func(context.Context, map[string]interface{}) (string, error) {
		bridge.Terminate()
		return "call is being terminated", nil
	})

	if target := cfg.Get([]string{"transfer_to"}, nil, ""); target != "" {
		t.add(ToolSpec{
			Name:        "transfer_call",
			Description: "Transfer the current phone call to a human operator.",
			Parameters:  emptyObjectSchema(),
		}, func(context.Context, map[string]interface{}) (string, error) {
			if err := bridge.Refer(target); err != nil {
				return "", fmt.Errorf("transfer to %s: %w", target, err)
			}
			return "call transfer started", nil
		})
	}
	return t
}

func (t *Toolbox) add(spec ToolSpec, handler ToolHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(spec, handler)
}

func (t *Toolbox) addLocked(spec ToolSpec, handler ToolHandler) {
	if _, dup := t.tools[spec.Name]; !dup {
		t.order = append(t.order, spec.Name)
	}
	t.tools[spec.Name] = tool{spec: spec, handler: handler}
}

// Specs returns the catalogue in registration order.
func (t *Toolbox) Specs() []ToolSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	specs := make([]ToolSpec, 0, len(t.order))
	for _, name := range t.order {
		specs = append(specs, t.tools[name].spec)
	}
	return specs
}

// Dispatch runs the named tool with the provider's JSON argument
// string. Unknown names and handler failures come back as errors so the
// adapter can report them to the model instead of crashing the call.
func (t *Toolbox) Dispatch(ctx context.Context, name, argsJSON string) (string, error) {
	t.mu.Lock()
	entry, ok := t.tools[name]
	t.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	args := map[string]interface{}{}
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", fmt.Errorf("tool %s: malformed arguments: %w", name, err)
		}
	}

	t.logger.Infow("Tool call", append(t.bridge.LogFields(), "tool", name, "args", argsJSON)...)
	return entry.handler(ctx, args)
}

// ============================================================================
// MCP tools
// ============================================================================

// ConnectMCP dials the flavor's mcp_server, initializes the session and
// merges the advertised tools into the catalogue. Without an mcp_server
// option it does nothing. Callers treat failures as non-fatal: the call
// proceeds with the built-ins only.
func (t *Toolbox) ConnectMCP(ctx context.Context) error {
	if t.mcpURL == "" {
		return nil
	}

	var opts []transport.StreamableHTTPCOption
	if t.mcpKey != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + t.mcpKey,
		}))
	}
	client, err := mcpclient.NewStreamableHttpClient(t.mcpURL, opts...)
	if err != nil {
		return fmt.Errorf("mcp client for %s: %w", t.mcpURL, err)
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return fmt.Errorf("mcp connect %s: %w", t.mcpURL, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "voxgate", Version: utils.Version}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("mcp initialize %s: %w", t.mcpURL, err)
	}

	list, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("mcp list tools %s: %w", t.mcpURL, err)
	}

	t.mu.Lock()
	t.mcp = client
	for _, remote := range list.Tools {
		name := remote.Name
		t.addLocked(ToolSpec{
			Name:        name,
			Description: remote.Description,
			Parameters:  schemaMap(remote.InputSchema),
		}, func(ctx context.Context, args map[string]interface{}) (string, error) {
			return t.callRemote(ctx, name, args)
		})
	}
	count := len(list.Tools)
	t.mu.Unlock()

	t.logger.Infow("Connected to MCP server",
		append(t.bridge.LogFields(), "url", t.mcpURL, "tools", count)...)
	return nil
}

func (t *Toolbox) callRemote(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	t.mu.Lock()
	client := t.mcp
	t.mu.Unlock()
	if client == nil {
		return "", errors.New("mcp session not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			sb.WriteString(text.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("mcp call %s failed: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close releases the MCP session, if any.
func (t *Toolbox) Close() {
	t.mu.Lock()
	client := t.mcp
	t.mcp = nil
	t.mu.Unlock()
	if client != nil {
		if err := client.Close(); err != nil {
			t.logger.Debugw("MCP session close", "error", err)
		}
	}
}

func emptyObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
		"required":   []string{},
	}
}

// schemaMap renders any SDK schema value as a generic JSON object.
func schemaMap(schema interface{}) map[string]interface{} {
	fallback := map[string]interface{}{"type": "object"}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return fallback
	}
	return m
}
