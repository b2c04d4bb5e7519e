// Package registry keeps track of which connection is ingesting each channel.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ftlbridge/pkg/ftl"
)

// DefaultTTL is how long a claim survives without a refresh.
const DefaultTTL = 30 * time.Second

type claim struct {
	owner   string
	expires time.Time
}

// Memory is a process-local registry. Claims expire after the TTL so a
// connection that died without releasing does not block its channel forever.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[ftl.ChannelID]claim
	now    func() time.Time
}

// NewMemory creates a new in-memory registry
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:    ttl,
		claims: make(map[ftl.ChannelID]claim),
		now:    time.Now,
	}
}

func (m *Memory) Claim(_ context.Context, channel ftl.ChannelID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if c, ok := m.claims[channel]; ok && c.owner != owner && now.Before(c.expires) {
		return fmt.Errorf("%w: channel %d", ftl.ErrChannelInUse, channel)
	}
	m.claims[channel] = claim{owner: owner, expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Refresh(_ context.Context, channel ftl.ChannelID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.claims[channel]
	if !ok || c.owner != owner || !now.Before(c.expires) {
		return fmt.Errorf("%w: claim on channel %d lost", ftl.ErrChannelInUse, channel)
	}
	c.expires = now.Add(m.ttl)
	m.claims[channel] = c
	return nil
}

func (m *Memory) Release(_ context.Context, channel ftl.ChannelID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.claims[channel]; ok && c.owner == owner {
		delete(m.claims, channel)
	}
	return nil
}

// Owner returns the current owner of channel, if the claim is live.
func (m *Memory) Owner(channel ftl.ChannelID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.claims[channel]
	if !ok || !m.now().Before(c.expires) {
		return "", false
	}
	return c.owner, true
}
