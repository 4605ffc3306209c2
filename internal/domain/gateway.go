package domain

import (
	"context"
	"encoding/json"
	"time"
)

// MessageType identifies the kind of envelope exchanged over a gateway
// connection, in either direction. Values are the literal wire strings.
type MessageType string

const (
	// Client → server.
	MsgConnect            MessageType = "connect"
	MsgRegister           MessageType = "register"
	MsgUnregister         MessageType = "unregister"
	MsgSessionSubscribe   MessageType = "session_subscribe"
	MsgSessionUnsubscribe MessageType = "session_unsubscribe"
	MsgGroupJoin          MessageType = "join_group"
	MsgGroupLeave         MessageType = "leave_group"
	MsgBroadcast          MessageType = "broadcast"
	MsgDirect             MessageType = "direct"
	MsgPing               MessageType = "ping"
	MsgPong               MessageType = "pong"
	MsgAgentRequest       MessageType = "req:agent"
	MsgAgentCancel        MessageType = "req:agent:cancel"

	// Server → client.
	MsgRes        MessageType = "res"
	MsgAck        MessageType = "ack"
	MsgRegistered MessageType = "registered"
	MsgAgentEvent MessageType = "event:agent"
	MsgError      MessageType = "error"
)

// ClientInfo identifies the connecting process, sent as part of a connect
// handshake envelope.
type ClientInfo struct {
	InstanceID string `json:"instanceId"`
	ClientType string `json:"clientType"`
	Version    string `json:"version,omitempty"`
}

// Envelope is the single wire format used for every message exchanged over
// a gateway connection, in both directions. Unused fields are omitted.
type Envelope struct {
	Type         MessageType     `json:"type"`
	ID           string          `json:"id,omitempty"`
	Client       *ClientInfo     `json:"client,omitempty"`
	Auth         string          `json:"auth,omitempty"`
	OK           bool            `json:"ok,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	NodeID       string          `json:"nodeId,omitempty"`
	GroupID      string          `json:"groupId,omitempty"`
	TargetNodeID string          `json:"targetNodeId,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	AgentID      string          `json:"agentId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *WireError      `json:"error,omitempty"`
	// Timestamp is a millisecond-epoch Unix time, required on every
	// envelope (spec.md §4.1, §6). Use time.Now().UnixMilli() to populate
	// it and time.UnixMilli(env.Timestamp) to recover a time.Time.
	Timestamp int64 `json:"timestamp"`
}

// WireError is the error shape carried in an Envelope's Error field.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// NewWireError builds a WireError from a Go error, resolving its ErrorCode
// via ErrorCodeOf.
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	return &WireError{Code: ErrorCodeOf(err), Message: err.Error()}
}

// NodeStatus reports the liveness state of a registered gateway node.
type NodeStatus string

const (
	NodeStatusOnline      NodeStatus = "online"
	NodeStatusUnreachable NodeStatus = "unreachable"
)

// Node is a connected, registered participant of the gateway: a socket that
// sent register (or a bridge client's register request). It is not the same concept as a remote
// invocable device — a gateway Node is addressable for direct messages,
// broadcast, and group membership, and optionally owns an agent session.
type Node struct {
	ID           string
	Name         string
	ClientID     string
	ClientType   string
	Capabilities map[string]struct{}
	SessionID    string
	AgentID      string
	Groups       map[string]struct{}
	Status       NodeStatus
	ConnectedAt  time.Time
	LastSeen     time.Time
}

// Group is a named broadcast target that zero or more nodes belong to.
type Group struct {
	ID      string
	Name    string
	Members map[string]struct{} // node IDs
}

// Socket is the gateway's abstraction over one addressable connection. Both
// the WebSocket transport and the HTTP bridge mailbox satisfy it, so
// usecase-layer components (the scheduler) can address and identify
// connections without importing the adapter layer that implements them.
type Socket interface {
	// ID uniquely identifies this connection for the lifetime of the
	// process; used for ownership checks (cancellation, teardown).
	ID() string
	ClientID() string
	ClientType() string
	Send(ctx context.Context, env Envelope) error
}

// FanoutEmitter lets the scheduler deliver envelopes to a single socket and
// broadcast to session subscribers / other UI clients without depending on
// the concrete SubscriptionIndex or connection registry that implement it.
type FanoutEmitter interface {
	// SendTo delivers env to a single socket. Send failures are a
	// transport error (§7 of the spec): the implementation logs and treats
	// it as a disconnect; it never surfaces an error to the caller.
	SendTo(ctx context.Context, sock Socket, env Envelope)
	// BroadcastSession delivers env to every subscriber of sessionID except
	// exclude, which may be nil.
	BroadcastSession(ctx context.Context, sessionID string, env Envelope, exclude Socket)
	// BroadcastOtherUIs delivers env to every connected, authenticated
	// client of classes "webui"/"desktop" not already subscribed to
	// sessionID.
	BroadcastOtherUIs(ctx context.Context, sessionID string, env Envelope)
}

// PendingAgentRequest is one FIFO-queued unit of work awaiting or undergoing
// execution against a single (agentID, sessionKey) queue key.
type PendingAgentRequest struct {
	RequestID   string
	QueueKey    string
	AgentID     string
	SessionKey  string
	Owner       Socket
	Content     json.RawMessage
	Attachments []json.RawMessage
	QueueIfBusy bool
	SubmittedAt time.Time
	Cancel      context.CancelFunc `json:"-"`
}

// SessionSubscription records that a socket wants to receive agent-event
// traffic for a given session, independent of whether it owns that session.
type SessionSubscription struct {
	SocketID  string
	SessionID string
}

// AgentInvoker is the external collaborator that actually runs an agent.
// The gateway never interprets the events it streams back; it only attaches
// routing metadata (sessionId/agentId) and fans them out.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, sessionKey string, content json.RawMessage, attachments []json.RawMessage) (<-chan AgentEvent, error)
}

// AgentEvent is one opaque event emitted by an AgentInvoker during a single
// invocation. Data is forwarded to subscribers verbatim; Done marks the end
// of the stream (successful or not, see Err).
type AgentEvent struct {
	Data json.RawMessage
	Err  error
	Done bool
}

// SessionStore is the external collaborator holding durable session state.
// The gateway only upserts bookkeeping fields through this narrow interface;
// it never owns session content.
type SessionStore interface {
	Get(ctx context.Context, sessionKey string) (SessionRecord, error)
	GetOrCreate(ctx context.Context, sessionKey string) (SessionRecord, error)
	Update(ctx context.Context, sessionKey string, fields SessionUpdate) error
}

// SessionRecord is the subset of session state the gateway reads.
type SessionRecord struct {
	SessionKey         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastMessagePreview string
	MessageCount       int
	Workdir            string
}

// SessionUpdate carries the bookkeeping fields the gateway upserts after an
// agent invocation touches a session; zero-value fields are left unchanged.
type SessionUpdate struct {
	LastMessagePreview string
	MessageCount       int
	Workdir            string
}

// AgentSpec describes one statically configured agent the Router can select.
type AgentSpec struct {
	ID      string
	Default bool
}

// RouterConfig is the external collaborator describing which agents exist
// and which one is the default.
type RouterConfig interface {
	Agents() []AgentSpec
}

// InternalHooks lets the gateway publish lifecycle telemetry without
// coupling callers to the concrete EventBus implementation.
type InternalHooks interface {
	NodeConnected(ctx context.Context, nodeID string)
	NodeDisconnected(ctx context.Context, nodeID string)
	RequestQueued(ctx context.Context, req PendingAgentRequest)
	RequestStarted(ctx context.Context, req PendingAgentRequest)
	RequestCompleted(ctx context.Context, req PendingAgentRequest, err error)
}
