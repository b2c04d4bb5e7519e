package ftl

import (
	"fmt"
	"sync"
)

// PortPool manages the UDP port range handed out for media sessions.
// FTL carries all tracks of a stream on one port, so ports are allocated
// singly, round-robin from the last allocation so a just-released port is
// not immediately reused.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	next      int
	allocated map[int]bool
}

// NewPortPool creates a new port pool for the inclusive range [minPort, maxPort].
func NewPortPool(minPort, maxPort int) (*PortPool, error) {
	if minPort <= 0 || maxPort > 65535 || minPort > maxPort {
		return nil, fmt.Errorf("invalid media port range %d-%d", minPort, maxPort)
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		next:      minPort,
		allocated: make(map[int]bool),
	}, nil
}

// Allocate returns a free port or ErrPortsExhausted.
func (p *PortPool) Allocate(kind TrackKind) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.maxPort - p.minPort + 1
	for i := 0; i < size; i++ {
		port := p.next
		p.next++
		if p.next > p.maxPort {
			p.next = p.minPort
		}

		if !p.allocated[port] {
			p.allocated[port] = true
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: %s track (range %d-%d)", ErrPortsExhausted, kind, p.minPort, p.maxPort)
}

// Release returns a port to the pool.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.allocated, port)
}

// Available returns the number of free ports.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPort - p.minPort + 1 - len(p.allocated)
}

// Allocated returns the number of ports in use.
func (p *PortPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
