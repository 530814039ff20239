// Copyright (c) 2024-2026 VoxGate
// Author: Stefan Marinov <stefan@voxgate.ai>
//
// Licensed under GPL-2.0 with VoxGate Additional Terms.
// See LICENSE.md or contact sales@voxgate.ai for commercial usage.

package media

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/voxgateai/pkg/commons"
)

// ErrNoPorts is returned by Allocate when every port in the range is taken.
var ErrNoPorts = errors.New("no RTP ports available")

// PortRange hands out UDP ports for RTP binds from [min, max].
// Allocation picks uniformly at random among the free ports so that a
// just-released port, whose far end may still be sending, is unlikely
// to be reused immediately.
type PortRange struct {
	mu     sync.Mutex
	logger commons.Logger
	min    int
	max    int
	free   []int
	inUse  map[int]struct{}
}

// NewPortRange creates an allocator over the inclusive range [min, max].
func NewPortRange(logger commons.Logger, min, max int) (*PortRange, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid RTP port range %d-%d", min, max)
	}

	free := make([]int, 0, max-min+1)
	for port := min; port <= max; port++ {
		free = append(free, port)
	}

	return &PortRange{
		logger: logger,
		min:    min,
		max:    max,
		free:   free,
		inUse:  make(map[int]struct{}),
	}, nil
}

// Allocate removes a random port from the free pool and returns it.
func (p *PortRange) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, fmt.Errorf("%w in range %d-%d (%d in use)",
			ErrNoPorts, p.min, p.max, len(p.inUse))
	}

	idx := rand.Intn(len(p.free))
	port := p.free[idx]
	p.free[idx] = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse[port] = struct{}{}

	p.logger.Debugw("Allocated RTP port", "port", port, "in_use", len(p.inUse))
	return port, nil
}

// Release returns a port to the free pool. Releasing a port that is not
// currently allocated, including a second release of the same port, is
// a no-op.
func (p *PortRange) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inUse[port]; !ok {
		return
	}
	delete(p.inUse, port)
	p.free = append(p.free, port)

	p.logger.Debugw("Released RTP port", "port", port, "in_use", len(p.inUse))
}

// InUse returns the number of currently allocated ports.
func (p *PortRange) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}
