package gateway

import (
	"sync"

	"alfred-ai/internal/domain"
)

// GroupRegistry is C4: named broadcast groups nodes can join and leave.
// Grounded on the dual-index map-with-secondary-lookup style used by the
// agent registry elsewhere in this codebase, simplified to the gateway's
// narrower membership-only concern.
type GroupRegistry struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Group
	byName map[string]string // name -> id
}

// NewGroupRegistry creates an empty GroupRegistry.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		byID:   make(map[string]*domain.Group),
		byName: make(map[string]string),
	}
}

// GetOrCreate returns the group with the given name, creating it if absent.
func (g *GroupRegistry) GetOrCreate(name string) *domain.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.byName[name]; ok {
		return g.byID[id]
	}
	grp := &domain.Group{ID: name, Name: name, Members: make(map[string]struct{})}
	g.byID[grp.ID] = grp
	g.byName[name] = grp.ID
	return grp
}

// Get returns a named group, or ErrGroupNotFound.
func (g *GroupRegistry) Get(name string) (*domain.Group, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byName[name]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	return g.byID[id], nil
}

// Join adds nodeID to the named group, creating the group if needed.
func (g *GroupRegistry) Join(name, nodeID string) *domain.Group {
	grp := g.GetOrCreate(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	grp.Members[nodeID] = struct{}{}
	return grp
}

// Leave removes nodeID from the named group. No-op if the group or member
// doesn't exist. Empty groups are pruned.
func (g *GroupRegistry) Leave(name, nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byName[name]
	if !ok {
		return
	}
	grp := g.byID[id]
	delete(grp.Members, nodeID)
	if len(grp.Members) == 0 {
		delete(g.byID, id)
		delete(g.byName, name)
	}
}

// LeaveAll removes nodeID from every group it belongs to. Called when a
// node disconnects.
func (g *GroupRegistry) LeaveAll(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, id := range g.byName {
		grp := g.byID[id]
		if _, ok := grp.Members[nodeID]; ok {
			delete(grp.Members, nodeID)
			if len(grp.Members) == 0 {
				delete(g.byID, id)
				delete(g.byName, name)
			}
		}
	}
}

// Members returns a snapshot of node IDs belonging to the named group.
func (g *GroupRegistry) Members(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byName[name]
	if !ok {
		return nil
	}
	grp := g.byID[id]
	out := make([]string, 0, len(grp.Members))
	for m := range grp.Members {
		out = append(out, m)
	}
	return out
}

// Count reports the number of groups currently tracked.
func (g *GroupRegistry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byID)
}
