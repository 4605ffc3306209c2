package gateway

import (
	"encoding/json"

	"alfred-ai/internal/domain"
)

// ParseEnvelope decodes a raw wire message into a domain.Envelope and
// checks it against the minimal shape every message type requires.
// It never inspects Payload, not even for presence; type-specific
// payload validation happens in the handler for that message type.
func ParseEnvelope(raw []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Envelope{}, domain.NewDomainError("gateway.parse", domain.ErrInvalidMessage, err.Error())
	}
	if env.Type == "" {
		return domain.Envelope{}, domain.NewDomainError("gateway.parse", domain.ErrInvalidMessage, "missing type")
	}
	if env.Timestamp == 0 {
		return domain.Envelope{}, domain.NewDomainError("gateway.parse", domain.ErrInvalidMessage, "missing timestamp")
	}
	return env, nil
}

// RegisterPayload is the decoded shape of a register envelope's payload
// (spec.md §4.3): the display name and capability set a node advertises at
// registration time, plus the session/agent it already owns if it is
// resuming rather than connecting fresh.
type RegisterPayload struct {
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	SessionID    string   `json:"sessionId,omitempty"`
	AgentName    string   `json:"agentName,omitempty"`
}

// ParseRegisterPayload decodes env's payload into a RegisterPayload. A
// missing or empty payload yields the zero value rather than an error: name
// and capabilities are optional in the wire protocol.
func ParseRegisterPayload(env domain.Envelope) RegisterPayload {
	var p RegisterPayload
	if len(env.Payload) == 0 {
		return p
	}
	_ = json.Unmarshal(env.Payload, &p)
	return p
}

// ValidateConnect checks a connect envelope carries what the handshake
// needs: a client instance identifier. The authenticator itself decides
// whether Auth is valid; this only rejects structurally incomplete
// requests before that call.
func ValidateConnect(env domain.Envelope) error {
	if env.Type != domain.MsgConnect {
		return domain.NewDomainError("gateway.validateConnect", domain.ErrInvalidConnect, "not a connect message")
	}
	if env.Client == nil || env.Client.InstanceID == "" {
		return domain.NewDomainError("gateway.validateConnect", domain.ErrInvalidConnect, "missing client.instanceId")
	}
	return nil
}

// AgentRequestPayload is the decoded shape of a req:agent envelope's
// payload (spec.md §6 "Agent request payload"). Attachments are kept as
// opaque raw JSON (each tagged with kind/mimeType/dataUrl/textContent by the
// client) and passed through to the AgentInvoker uninterpreted.
type AgentRequestPayload struct {
	Content     json.RawMessage   `json:"content,omitempty"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	AgentID     *string           `json:"agentId,omitempty"`
	SessionKey  string            `json:"sessionKey,omitempty"`
	Routing     map[string]string `json:"routing,omitempty"`
	QueueIfBusy *bool             `json:"queueIfBusy,omitempty"`
}

// ValidateAgentRequest decodes and checks a req:agent envelope's payload:
// content or attachments must be non-empty (spec.md §4.7 step 3). agentId
// is optional — the Router resolves it when absent.
func ValidateAgentRequest(env domain.Envelope) (AgentRequestPayload, error) {
	if env.Type != domain.MsgAgentRequest {
		return AgentRequestPayload{}, domain.NewDomainError("gateway.validateAgentRequest", domain.ErrInvalidRequest, "not a req:agent message")
	}
	if len(env.Payload) == 0 {
		return AgentRequestPayload{}, domain.NewDomainError("gateway.validateAgentRequest", domain.ErrInvalidRequest, "missing payload")
	}
	var p AgentRequestPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return AgentRequestPayload{}, domain.NewDomainError("gateway.validateAgentRequest", domain.ErrInvalidRequest, err.Error())
	}
	if len(p.Content) == 0 && len(p.Attachments) == 0 {
		return AgentRequestPayload{}, domain.NewDomainError("gateway.validateAgentRequest", domain.ErrInvalidRequest, "content or attachments required")
	}
	return p, nil
}

// KnownMessageType reports whether t is a recognized client→server message
// type. Unrecognized types are rejected with UNKNOWN_MESSAGE_TYPE rather
// than silently ignored.
func KnownMessageType(t domain.MessageType) bool {
	switch t {
	case domain.MsgConnect, domain.MsgRegister, domain.MsgUnregister,
		domain.MsgSessionSubscribe, domain.MsgSessionUnsubscribe,
		domain.MsgGroupJoin, domain.MsgGroupLeave,
		domain.MsgBroadcast, domain.MsgDirect,
		domain.MsgPing, domain.MsgPong,
		domain.MsgAgentRequest, domain.MsgAgentCancel:
		return true
	default:
		return false
	}
}
