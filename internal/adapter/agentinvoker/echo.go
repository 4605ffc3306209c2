// Package agentinvoker provides a minimal domain.AgentInvoker suitable for
// running the gateway standalone (e.g. local development, the protocol
// conformance tests in spec.md §8). The actual agent runtime is an external
// collaborator (spec.md §1 "Explicitly out of scope"); production
// deployments wire their own invoker into gatewaysched.New instead of this
// one.
package agentinvoker

import (
	"context"
	"encoding/json"
	"time"

	"alfred-ai/internal/domain"
)

// Echo is a trivial AgentInvoker: it emits the request content back as a
// single "token" event, then closes the stream. It never errors and never
// blocks on anything but ctx/signal.
type Echo struct{}

var _ domain.AgentInvoker = Echo{}

func (Echo) Invoke(ctx context.Context, agentID, sessionKey string, content json.RawMessage, _ []json.RawMessage) (<-chan domain.AgentEvent, error) {
	out := make(chan domain.AgentEvent, 1)
	go func() {
		defer close(out)
		payload, _ := json.Marshal(map[string]any{"type": "token", "text": string(content)})
		select {
		case out <- domain.AgentEvent{Data: payload}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- domain.AgentEvent{Done: true}:
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}()
	return out, nil
}
