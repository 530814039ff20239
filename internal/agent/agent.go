// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

// Package agent defines the contract between a call and its AI provider
// adapter: the Agent interface every flavor implements, the Bridge
// capability an adapter holds over its call, the session state machine,
// and the flavor registry.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/voxgateai/internal/codec"
	"github.com/voxgateai/internal/config"
	"github.com/voxgateai/internal/sdp"
	"github.com/voxgateai/pkg/commons"
)

var (
	// ErrUnknownFlavor signals a flavor name with no registered factory.
	ErrUnknownFlavor = errors.New("unknown AI flavor")

	// ErrProviderClosed signals that the provider ended the session.
	ErrProviderClosed = errors.New("provider connection closed")
)

// Agent is one call's link to an AI provider.
type Agent interface {
	// Codec is the negotiated codec, picked at construction.
	Codec() codec.Codec
	// Start opens the provider session and runs its receive loop until
	// teardown. A non-nil return means the call must end.
	Start(ctx context.Context) error
	// Send forwards caller audio upstream. No-op once closed.
	Send(audio []byte) error
	// Close tears the provider session down. Idempotent.
	Close() error
}

// Bridge is the capability an adapter holds over its call: play audio,
// cut the playback queue, and drive SIP-level actions. It is a
// back-reference, not ownership; the call outlives nothing through it.
type Bridge interface {
	// Enqueue appends one RTP payload to the playback queue.
	Enqueue(payload []byte)
	// Drain empties the playback queue and returns the dropped count.
	Drain() int
	// Terminate flags the call for teardown at the next pacing tick.
	Terminate()
	// Refer asks the signaling side to transfer the call to target.
	Refer(target string) error
	// Key is the B2B session key of the call.
	Key() string
	// LogFields returns key/value context for per-call log lines.
	LogFields() []interface{}
}

// ============================================================================
// Session state machine
// ============================================================================

// State tracks where a provider session is in its life.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateStreaming
	StateSpeaking
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Lifecycle is the mutex-guarded session state shared between an
// adapter's loops. Once CLOSING, the only move left is to CLOSED;
// CLOSED is final.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateInit}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// To moves the machine to next. It reports whether the transition was
// taken; attempts to leave CLOSING (except to CLOSED) or CLOSED are
// ignored.
func (l *Lifecycle) To(next State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return false
	}
	if l.state == StateClosing && next != StateClosed {
		return false
	}
	if l.state == next {
		return false
	}
	l.state = next
	return true
}

// Closing reports whether teardown has begun.
func (l *Lifecycle) Closing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StateClosing || l.state == StateClosed
}

// ============================================================================
// Flavor registry
// ============================================================================

// Factory builds one flavor's Agent for a call. It picks the codec from
// the offer at construction so the dispatcher can answer 488 before any
// provider traffic happens.
type Factory func(cfg *config.Flavor, bridge Bridge, offer *sdp.Offer, logger commons.Logger) (Agent, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register binds a flavor name to its factory. Flavor packages call it
// from init; a duplicate name panics early, at startup.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("agent: flavor %q registered twice", name))
	}
	registry[name] = factory
}

// New constructs the named flavor's agent.
func New(name string, cfg *config.Flavor, bridge Bridge, offer *sdp.Offer, logger commons.Logger) (Agent, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlavor, name)
	}
	return factory(cfg, bridge, offer, logger)
}

// Registered reports whether a flavor name has a factory.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Names returns all registered flavor names, sorted so iteration order
// is stable across runs.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled returns the registered flavors the configuration leaves
// switched on, in the same stable order as Names.
func Enabled(cfg *config.Config) []string {
	var out []string
	for _, name := range Names() {
		if !cfg.Flavor(name).Disabled() {
			out = append(out, name)
		}
	}
	return out
}
