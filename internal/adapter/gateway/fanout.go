package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"alfred-ai/internal/domain"
)

// webUIClientTypes are the client classes considered "other UIs" for the
// step-7 session-message mirror (spec.md §4.7): clients that render a live
// conversation view, as opposed to headless nodes or bridge-backed devices.
var webUIClientTypes = []string{"webui", "desktop"}

// EventFanout is C8: the three fan-out helpers the scheduler and server use
// to deliver envelopes to specific sockets, session subscribers, and
// other-UI clients. Implements domain.FanoutEmitter so gatewaysched never
// imports this package directly. Grounded on the bus-subscribe-and-broadcast
// loop this package's server used before the envelope protocol rewrite,
// re-targeted at the subscription index instead of a single global topic.
type EventFanout struct {
	subs   *SubscriptionIndex
	nodes  *NodeRegistry
	logger *slog.Logger
}

// NewEventFanout builds an EventFanout over the given subscription index
// and node registry.
func NewEventFanout(subs *SubscriptionIndex, nodes *NodeRegistry, logger *slog.Logger) *EventFanout {
	return &EventFanout{subs: subs, nodes: nodes, logger: logger}
}

var _ domain.FanoutEmitter = (*EventFanout)(nil)

// SendTo delivers env to a single socket, stamping the current time on env
// if it carries no timestamp yet. A failed write is a transport
// error (spec.md §7): logged, never retried, never surfaced to the caller.
func (f *EventFanout) SendTo(ctx context.Context, sock domain.Socket, env domain.Envelope) {
	if sock == nil {
		return
	}
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if err := sock.Send(ctx, env); err != nil && f.logger != nil {
		f.logger.Warn("gateway: send to socket failed", "socket_id", sock.ID(), "error", err)
	}
}

// BroadcastSession delivers env to every subscriber of sessionID except
// exclude.
func (f *EventFanout) BroadcastSession(ctx context.Context, sessionID string, env domain.Envelope, exclude domain.Socket) {
	f.BroadcastToSubscribers(ctx, sessionID, env, exclude)
}

// BroadcastToSubscribers is the concrete implementation behind
// BroadcastSession, named for direct use by server/adapter code that
// already has a *SubscriptionIndex in hand.
func (f *EventFanout) BroadcastToSubscribers(ctx context.Context, sessionID string, env domain.Envelope, exclude domain.Socket) {
	for _, sock := range f.subs.Subscribers(sessionID) {
		if exclude != nil && sock.ID() == exclude.ID() {
			continue
		}
		f.SendTo(ctx, sock, env)
	}
}

// BroadcastOtherUIs delivers env to every connected client of classes
// webui/desktop not already subscribed to sessionID.
func (f *EventFanout) BroadcastOtherUIs(ctx context.Context, sessionID string, env domain.Envelope) {
	f.BroadcastToClients(ctx, env, BroadcastOptions{SkipSessionID: sessionID, ClientTypes: webUIClientTypes})
}

// BroadcastOptions filters BroadcastToClients' targets.
type BroadcastOptions struct {
	Exclude       domain.Socket
	ClientType    string
	ClientTypes   []string
	SkipSessionID string
}

// BroadcastToClients delivers env to every connected, authenticated client
// satisfying opts. If opts.SkipSessionID is set, clients already subscribed
// to it are excluded (so they don't receive the same event twice via both
// the session broadcast and this one).
func (f *EventFanout) BroadcastToClients(ctx context.Context, env domain.Envelope, opts BroadcastOptions) {
	allowed := map[string]bool{}
	if opts.ClientType != "" {
		allowed[opts.ClientType] = true
	}
	for _, t := range opts.ClientTypes {
		allowed[t] = true
	}

	for _, sock := range f.nodes.AllSockets() {
		if opts.Exclude != nil && sock.ID() == opts.Exclude.ID() {
			continue
		}
		if len(allowed) > 0 && !allowed[sock.ClientType()] {
			continue
		}
		if opts.SkipSessionID != "" && f.subs.IsSubscribed(sock, opts.SkipSessionID) {
			continue
		}
		f.SendTo(ctx, sock, env)
	}
}

// SendAgentError sends the canonical agent-error event:agent envelope to
// sock; if broadcastToSession is non-empty, it additionally fans out to
// that session's subscribers, excluding exclude.
func (f *EventFanout) SendAgentError(ctx context.Context, sock domain.Socket, requestID, sessionID, agentID, message string, broadcastToSession string, exclude domain.Socket) {
	payload, _ := json.Marshal(map[string]any{
		"type":      "agent-error",
		"error":     message,
		"sessionId": sessionID,
		"agentId":   agentID,
	})
	env := domain.Envelope{
		Type:      domain.MsgAgentEvent,
		ID:        requestID,
		SessionID: sessionID,
		AgentID:   agentID,
		Payload:   payload,
	}
	f.SendTo(ctx, sock, env)
	if broadcastToSession != "" {
		f.BroadcastSession(ctx, broadcastToSession, env, exclude)
	}
}
