package gateway

import (
	"sync"

	"alfred-ai/internal/domain"
)

// SubscriptionIndex is C5: a mirrored session<->socket membership map.
// Subscribing a socket to a session lets it receive that session's
// event:agent fan-out (step 7 of spec.md §4.7) independent of whether it
// originated any request on that session. Grounded on the dual-index
// bookkeeping style used elsewhere in this package (GroupRegistry), kept
// consistent in both directions under a single lock.
type SubscriptionIndex struct {
	mu        sync.RWMutex
	bySession map[string]map[string]domain.Socket // sessionID -> socketID -> socket
	bySocket  map[string]map[string]struct{}      // socketID -> set of sessionIDs
}

// NewSubscriptionIndex creates an empty SubscriptionIndex.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		bySession: make(map[string]map[string]domain.Socket),
		bySocket:  make(map[string]map[string]struct{}),
	}
}

// Subscribe adds sock to sessionID's subscriber set.
func (idx *SubscriptionIndex) Subscribe(sock domain.Socket, sessionID string) {
	if sock == nil || sessionID == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sockets, ok := idx.bySession[sessionID]
	if !ok {
		sockets = make(map[string]domain.Socket)
		idx.bySession[sessionID] = sockets
	}
	sockets[sock.ID()] = sock

	sessions, ok := idx.bySocket[sock.ID()]
	if !ok {
		sessions = make(map[string]struct{})
		idx.bySocket[sock.ID()] = sessions
	}
	sessions[sessionID] = struct{}{}
}

// Unsubscribe removes sock from sessionID's subscriber set.
func (idx *SubscriptionIndex) Unsubscribe(sock domain.Socket, sessionID string) {
	if sock == nil || sessionID == "" {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(sock.ID(), sessionID)
}

func (idx *SubscriptionIndex) removeLocked(socketID, sessionID string) {
	if sockets, ok := idx.bySession[sessionID]; ok {
		delete(sockets, socketID)
		if len(sockets) == 0 {
			delete(idx.bySession, sessionID)
		}
	}
	if sessions, ok := idx.bySocket[socketID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(idx.bySocket, socketID)
		}
	}
}

// ForgetSocket removes sock from every session it was subscribed to.
func (idx *SubscriptionIndex) ForgetSocket(sock domain.Socket) {
	if sock == nil {
		return
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	sessions := idx.bySocket[sock.ID()]
	for sessionID := range sessions {
		if sockets, ok := idx.bySession[sessionID]; ok {
			delete(sockets, sock.ID())
			if len(sockets) == 0 {
				delete(idx.bySession, sessionID)
			}
		}
	}
	delete(idx.bySocket, sock.ID())
}

// Subscribers returns every socket currently subscribed to sessionID.
func (idx *SubscriptionIndex) Subscribers(sessionID string) []domain.Socket {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	sockets := idx.bySession[sessionID]
	out := make([]domain.Socket, 0, len(sockets))
	for _, s := range sockets {
		out = append(out, s)
	}
	return out
}

// IsSubscribed reports whether sock is subscribed to sessionID.
func (idx *SubscriptionIndex) IsSubscribed(sock domain.Socket, sessionID string) bool {
	if sock == nil {
		return false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	sockets, ok := idx.bySession[sessionID]
	if !ok {
		return false
	}
	_, ok = sockets[sock.ID()]
	return ok
}
