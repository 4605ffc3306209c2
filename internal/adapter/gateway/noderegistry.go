package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"alfred-ai/internal/domain"
)

// Fallback values used when the embedding process doesn't set the
// corresponding GatewayConfig knob (zero value).
const (
	defaultNodeRateLimit rate.Limit = 20 // requests/sec sustained
	defaultNodeBurst     int        = 40

	defaultMaxNodes       = 10000
	defaultPingInterval   = 30 * time.Second
	defaultStaleThreshold = 90 * time.Second
)

// NodeRegistry is C3: tracks connected gateway nodes, enforces a per-node
// rate limit, and sweeps nodes that stop answering pings. Grounded on the
// TOCTOU-safe register/heartbeat pattern used for remote-device nodes
// elsewhere in this codebase, adapted to a connected-socket participant
// and to per-key token-bucket rate limiting instead of per-IP.
type NodeRegistry struct {
	mu        sync.RWMutex
	nodes     map[string]*domain.Node
	sockets   map[string]domain.Socket
	limiters  map[string]*rate.Limiter
	maxNodes  int
	rateLimit rate.Limit
	rateBurst int
	hooks     domain.InternalHooks
	logger    *slog.Logger
}

// NewNodeRegistry creates a NodeRegistry. maxNodes <= 0 uses the default
// cap; rateLimit <= 0 or rateBurst <= 0 use the default per-node token
// bucket. These are GatewayConfig-sourced operational caps (spec.md §3's
// "implementation-chosen, not protocol contract" rate limit), not values a
// client negotiates.
func NewNodeRegistry(maxNodes int, rateLimit float64, rateBurst int, hooks domain.InternalHooks, logger *slog.Logger) *NodeRegistry {
	if maxNodes <= 0 {
		maxNodes = defaultMaxNodes
	}
	limit := defaultNodeRateLimit
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}
	burst := defaultNodeBurst
	if rateBurst > 0 {
		burst = rateBurst
	}
	return &NodeRegistry{
		nodes:     make(map[string]*domain.Node),
		sockets:   make(map[string]domain.Socket),
		limiters:  make(map[string]*rate.Limiter),
		maxNodes:  maxNodes,
		rateLimit: limit,
		rateBurst: burst,
		hooks:     hooks,
		logger:    logger,
	}
}

// Register admits a newly connected client as a Node bound to sock. name and
// capabilities are the node's self-reported display name and capability set
// (spec.md §4.3); sessionID and agentName are non-empty when the node is
// resuming ownership of an existing session rather than connecting fresh.
// Returns ErrMaxNodesReached if the registry is at capacity.
func (r *NodeRegistry) Register(ctx context.Context, clientID, clientType, name string, capabilities []string, sessionID, agentName string, sock domain.Socket) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.nodes) >= r.maxNodes {
		return nil, domain.NewSubSystemError("gateway", "gateway.register", domain.ErrMaxNodesReached, "")
	}

	id := uuid.NewString()
	now := time.Now()
	node := &domain.Node{
		ID:           id,
		Name:         name,
		ClientID:     clientID,
		ClientType:   clientType,
		Capabilities: capabilitySet(capabilities),
		SessionID:    sessionID,
		AgentID:      agentName,
		Groups:       make(map[string]struct{}),
		Status:       domain.NodeStatusOnline,
		ConnectedAt:  now,
		LastSeen:     now,
	}
	r.nodes[id] = node
	r.sockets[id] = sock
	r.limiters[id] = rate.NewLimiter(r.rateLimit, r.rateBurst)

	if r.hooks != nil {
		r.hooks.NodeConnected(ctx, id)
	}
	return node, nil
}

// capabilitySet converts a capability list into the set representation
// domain.Node carries, deduplicating as it goes.
func capabilitySet(capabilities []string) map[string]struct{} {
	set := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// Unregister removes a node from the registry.
func (r *NodeRegistry) Unregister(ctx context.Context, nodeID string) {
	r.mu.Lock()
	_, existed := r.nodes[nodeID]
	delete(r.nodes, nodeID)
	delete(r.sockets, nodeID)
	delete(r.limiters, nodeID)
	r.mu.Unlock()

	if existed && r.hooks != nil {
		r.hooks.NodeDisconnected(ctx, nodeID)
	}
}

// Socket returns the connection bound to nodeID, if any.
func (r *NodeRegistry) Socket(nodeID string) (domain.Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[nodeID]
	return s, ok
}

// SocketByConnectionID returns the node bound to a given socket connection
// id (domain.Socket.ID()), if any.
func (r *NodeRegistry) SocketByConnectionID(connID string) (domain.Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sockets {
		if s.ID() == connID {
			return s, true
		}
	}
	return nil, false
}

// AllSockets returns a snapshot of every currently registered connection.
func (r *NodeRegistry) AllSockets() []domain.Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		out = append(out, s)
	}
	return out
}

// NodeByConnectionID returns the domain.Node whose bound socket has the
// given connection id, if any.
func (r *NodeRegistry) NodeByConnectionID(connID string) (domain.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, s := range r.sockets {
		if s.ID() == connID {
			return *r.nodes[id], true
		}
	}
	return domain.Node{}, false
}

// Get returns a copy of the node's current state, or ErrNodeNotFound.
func (r *NodeRegistry) Get(nodeID string) (domain.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return domain.Node{}, domain.ErrNodeNotFound
	}
	return *n, nil
}

// List returns a snapshot of every registered node.
func (r *NodeRegistry) List() []domain.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}

// Allow reports whether nodeID may send another message right now, consuming
// one token from its bucket if so. Unknown nodes are denied.
func (r *NodeRegistry) Allow(nodeID string) bool {
	r.mu.RLock()
	lim, ok := r.limiters[nodeID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return lim.Allow()
}

// Touch records a liveness signal (pong or any inbound traffic) for nodeID.
func (r *NodeRegistry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.LastSeen = time.Now()
		n.Status = domain.NodeStatusOnline
	}
}

// BindSession records which session/agent a node currently owns, so future
// requests from the same node resolve to the same queue key.
func (r *NodeRegistry) BindSession(nodeID, agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.AgentID = agentID
		n.SessionID = sessionID
	}
}

// Sweep marks nodes that haven't been seen within threshold as unreachable
// and returns their IDs, without holding the lock during any I/O the caller
// performs with the result (e.g. publishing events, closing sockets).
func (r *NodeRegistry) Sweep(threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	cutoff := time.Now().Add(-threshold)

	r.mu.Lock()
	var unreachable []string
	for id, n := range r.nodes {
		if n.Status == domain.NodeStatusOnline && n.LastSeen.Before(cutoff) {
			n.Status = domain.NodeStatusUnreachable
			unreachable = append(unreachable, id)
		}
	}
	r.mu.Unlock()

	return unreachable
}

// StartSweeper runs Sweep on a fixed interval until ctx is cancelled,
// disconnecting and unregistering any node found unreachable. Grounded on
// the ticker-driven heartbeat-checker pattern used for remote-device node
// liveness elsewhere in this codebase.
func (r *NodeRegistry) StartSweeper(ctx context.Context, interval, threshold time.Duration, onUnreachable func(nodeID string)) {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, id := range r.Sweep(threshold) {
					if r.logger != nil {
						r.logger.Warn("gateway node went unreachable", "node_id", id)
					}
					if onUnreachable != nil {
						onUnreachable(id)
					}
				}
			}
		}
	}()
}
