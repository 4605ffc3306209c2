package eventbus

import (
	"context"
	"encoding/json"

	"alfred-ai/internal/domain"
)

// GatewayHooks adapts a Bus to domain.InternalHooks: the gateway's
// best-effort lifecycle telemetry sink (spec.md §6 "InternalHooks").
// Publishing is fire-and-forget — Bus.Publish dispatches each subscriber on
// its own goroutine and recovers panics, so a failing or slow subscriber
// never blocks or fails the gateway operation that triggered the hook.
type GatewayHooks struct {
	bus *Bus
}

// NewGatewayHooks wraps bus as a domain.InternalHooks implementation.
func NewGatewayHooks(bus *Bus) *GatewayHooks {
	return &GatewayHooks{bus: bus}
}

var _ domain.InternalHooks = (*GatewayHooks)(nil)

// Startup publishes a gateway-startup lifecycle event; not part of the
// domain.InternalHooks interface (it has no per-connection subject) but
// useful for the same audit subscribers, so callers that have a *Bus in
// hand may call it directly alongside the interface methods.
func (h *GatewayHooks) Startup(ctx context.Context, addr string) {
	payload, _ := json.Marshal(map[string]string{"addr": addr})
	h.bus.Publish(ctx, domain.Event{Type: domain.EventGatewayStartup, Payload: payload})
}

func (h *GatewayHooks) NodeConnected(ctx context.Context, nodeID string) {
	payload, _ := json.Marshal(map[string]string{"nodeId": nodeID})
	h.bus.Publish(ctx, domain.Event{Type: domain.EventGatewayNodeConnected, Payload: payload})
}

func (h *GatewayHooks) NodeDisconnected(ctx context.Context, nodeID string) {
	payload, _ := json.Marshal(map[string]string{"nodeId": nodeID})
	h.bus.Publish(ctx, domain.Event{Type: domain.EventGatewayNodeDisconnected, Payload: payload})
}

func (h *GatewayHooks) RequestQueued(ctx context.Context, req domain.PendingAgentRequest) {
	h.bus.Publish(ctx, requestEvent(domain.EventGatewayRequestQueued, req, nil))
}

func (h *GatewayHooks) RequestStarted(ctx context.Context, req domain.PendingAgentRequest) {
	h.bus.Publish(ctx, requestEvent(domain.EventGatewayRequestStarted, req, nil))
}

func (h *GatewayHooks) RequestCompleted(ctx context.Context, req domain.PendingAgentRequest, err error) {
	typ := domain.EventGatewayRequestCompleted
	if err != nil {
		typ = domain.EventGatewayRequestAborted
	}
	h.bus.Publish(ctx, requestEvent(typ, req, err))
}

func requestEvent(typ domain.EventType, req domain.PendingAgentRequest, err error) domain.Event {
	fields := map[string]any{
		"requestId": req.RequestID,
		"agentId":   req.AgentID,
		"queueKey":  req.QueueKey,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	payload, _ := json.Marshal(fields)
	return domain.Event{Type: typ, Timestamp: req.SubmittedAt, SessionID: req.SessionKey, Payload: payload}
}
