package gateway

import (
	"strings"

	"alfred-ai/internal/domain"
)

// Router is C6: agent selection and session-key derivation. Grounded on the
// teacher's DefaultRouter/PrefixRouter static-configuration style,
// generalized from message-content routing to a static agent list plus
// opaque routing hints.
type Router struct {
	cfg domain.RouterConfig
}

// NewRouter builds a Router over the given static agent configuration.
func NewRouter(cfg domain.RouterConfig) *Router {
	return &Router{cfg: cfg}
}

// StaticAgents is the simplest domain.RouterConfig: a fixed, in-process list
// of agents. Embedding processes that load agents from YAML (or any other
// source) build one of these once at startup and hand it to NewRouter.
type StaticAgents []domain.AgentSpec

func (a StaticAgents) Agents() []domain.AgentSpec { return []domain.AgentSpec(a) }

// SelectAgent returns the agent id to use for a request. If requestedAgentID
// is non-nil, it must name a known agent. Otherwise the configured default
// agent is used, refined by routing hints (a "channel" hint, if present and
// matching a known agent id, wins over the static default).
func (r *Router) SelectAgent(requestedAgentID *string, routing map[string]string) (string, error) {
	agents := r.cfg.Agents()
	known := make(map[string]bool, len(agents))
	var defaultID string
	for _, a := range agents {
		known[a.ID] = true
		if a.Default {
			defaultID = a.ID
		}
	}

	if requestedAgentID != nil && *requestedAgentID != "" {
		if !known[*requestedAgentID] {
			return "", domain.NewSubSystemError("agent", "gateway.router.select_agent", domain.ErrNotFound, "unknown agent: "+*requestedAgentID)
		}
		return *requestedAgentID, nil
	}

	if hint, ok := routing["channel"]; ok && known[hint] {
		return hint, nil
	}

	if defaultID == "" {
		return "", domain.NewSubSystemError("agent", "gateway.router.select_agent", domain.ErrNotFound, "no agent matched")
	}
	return defaultID, nil
}

// BuildSessionKey derives a deterministic, pure session key from its
// inputs, so repeated requests from the same logical origin collapse onto
// the same session. An explicit sessionKey always wins; otherwise the key
// is derived from the agent id and any routing hints present, falling back
// to a bare per-agent default session.
func (r *Router) BuildSessionKey(agentID, explicitSessionKey string, routing map[string]string) string {
	if explicitSessionKey != "" {
		return explicitSessionKey
	}
	if len(routing) == 0 {
		return agentID + ":default"
	}
	keys := make([]string, 0, len(routing))
	for k := range routing {
		keys = append(keys, k)
	}
	sortStrings(keys)
	var b strings.Builder
	b.WriteString(agentID)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(routing[k])
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
