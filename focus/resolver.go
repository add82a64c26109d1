package focus

import (
	"confsync/contract"
	"confsync/domain"
	"context"
	"sync"
)

// CapabilityDirectory is a static capability lookup: peers are marked as
// conference-capable out of band, everyone else is assumed basic-only.
type CapabilityDirectory struct {
	mu           sync.RWMutex
	conferencing map[domain.Address]bool
}

var _ contract.ICapabilityResolver = (*CapabilityDirectory)(nil)

func NewCapabilityDirectory() *CapabilityDirectory {
	return &CapabilityDirectory{conferencing: make(map[domain.Address]bool)}
}

func (c *CapabilityDirectory) SetConferencing(peer domain.Address, capable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conferencing[peer] = capable
}

func (c *CapabilityDirectory) SupportsConference(_ context.Context, peer domain.Address) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conferencing[peer], nil
}
