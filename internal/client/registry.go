package client

import (
	"fmt"
	"sort"
	"sync"
)

// ProfileID derives the registry key for an agent identity.
func ProfileID(agentID, username string) string {
	return agentID + "_" + username
}

// Registry holds at most one Client per marketplace identity. Callers share
// one registry instance; nothing here is process-global.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// GetOrCreate returns the client registered under profileID, building it
// with factory on first use. Concurrent callers for the same identity get
// the same instance.
func (r *Registry) GetOrCreate(profileID string, factory func() (*Client, error)) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[profileID]; ok {
		return c, nil
	}
	c, err := factory()
	if err != nil {
		return nil, fmt.Errorf("create client %s: %w", profileID, err)
	}
	r.clients[profileID] = c
	return c, nil
}

// Get returns the client for profileID, if registered.
func (r *Registry) Get(profileID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[profileID]
	return c, ok
}

// Profiles lists registered identities in stable order.
func (r *Registry) Profiles() []ProfileStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProfileStatus, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, ProfileStatus{
			ProfileID: id,
			Backend:   c.Backend().Name(),
			WalletID:  c.WalletID(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// ProfileStatus is a registry snapshot entry for status reporting.
type ProfileStatus struct {
	ProfileID string `json:"profileId"`
	Backend   string `json:"backend"`
	WalletID  string `json:"walletId"`
}
