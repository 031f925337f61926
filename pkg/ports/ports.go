package ports

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hutch-sh/hutch/pkg/log"
)

// ErrExhausted is returned by Allocate when every port in the range is in use.
var ErrExhausted = errors.New("port pool exhausted")

// Allocator hands out host TCP ports from a fixed range [low, high].
// Allocation is lowest-first so tests are deterministic. Release is
// idempotent; releasing a port outside the range is logged and ignored.
type Allocator struct {
	mu    sync.Mutex
	low   int
	high  int
	inUse map[int]bool
}

// NewAllocator creates an allocator for the closed interval [low, high].
func NewAllocator(low, high int) (*Allocator, error) {
	if low <= 0 || high < low {
		return nil, fmt.Errorf("invalid port range %d-%d", low, high)
	}
	return &Allocator{
		low:   low,
		high:  high,
		inUse: make(map[int]bool),
	}, nil
}

// Allocate removes the lowest free port from the pool and returns it.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.low; port <= a.high; port++ {
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a port that is already
// free is a no-op. Releasing a port outside the configured range is a
// programmer error; it is logged but does not crash the process.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.low || port > a.high {
		log.WithComponent("ports").Error().
			Int("port", port).
			Int("low", a.low).
			Int("high", a.high).
			Msg("release of port outside pool range")
		return
	}
	delete(a.inUse, port)
}

// Reserve marks a specific port as in use. It is used when adopting
// sessions that survived a restart and already hold a port.
func (a *Allocator) Reserve(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.low || port > a.high {
		return fmt.Errorf("port %d outside pool range %d-%d", port, a.low, a.high)
	}
	if a.inUse[port] {
		return fmt.Errorf("port %d already allocated", port)
	}
	a.inUse[port] = true
	return nil
}

// Free returns the number of ports currently available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.high - a.low + 1 - len(a.inUse)
}
