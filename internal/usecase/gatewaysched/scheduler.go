// Package gatewaysched implements the gateway's session scheduler (C7): for
// each queueKey = agentId ":" sessionKey it guarantees at most one concurrent
// agent invocation, preserves arrival order for queued work, allows
// cancellation of any outstanding request by its owning socket, and fans out
// progress to clients via the injected domain.FanoutEmitter. It depends only
// on internal/domain so it stays decoupled from the WebSocket/bridge
// transport that implements domain.Socket.
package gatewaysched

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"alfred-ai/internal/domain"
)

// Default circuit breaker settings for the AgentInvoker boundary: a run of
// consecutive failures (the agent runtime crashing or erroring repeatedly)
// trips the breaker so queued work fails fast instead of piling up behind a
// guaranteed-to-fail invocation.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// entry is one admitted-or-pending unit of work tracked by the scheduler.
type entry struct {
	req domain.PendingAgentRequest
	ctx context.Context
}

type queue struct {
	active  *entry
	pending []*entry
}

// Scheduler is the C7 session scheduler described in spec.md §4.7. It is
// grounded on the per-key mutex+refcount acquire pattern this codebase uses
// elsewhere for session-scoped mutual exclusion, generalized with a pending
// FIFO, ownership-checked cancellation, and event fan-out.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[string]*queue          // queueKey -> queue
	live    map[string]*entry          // requestID -> entry, while active
	index   map[string]string          // requestID -> queueKey, pending or active
	invoker domain.AgentInvoker
	store   domain.SessionStore
	fanout  domain.FanoutEmitter
	hooks   domain.InternalHooks
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

// New creates a Scheduler. hooks may be nil (no lifecycle telemetry); store
// may be nil (session bookkeeping is skipped).
func New(invoker domain.AgentInvoker, store domain.SessionStore, fanout domain.FanoutEmitter, hooks domain.InternalHooks, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		queues:  make(map[string]*queue),
		live:    make(map[string]*entry),
		index:   make(map[string]string),
		invoker: invoker,
		store:   store,
		fanout:  fanout,
		hooks:   hooks,
		logger:  logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "gatewaysched:invoker",
		MaxRequests: 1,
		Interval:    defaultCBInterval,
		Timeout:     defaultCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("scheduler invoker circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return s
}

func queueKey(agentID, sessionKey string) string {
	return agentID + ":" + sessionKey
}

// sessionMessagePayload builds the session-message sub-payload carried
// inside an event:agent envelope (the "other UIs see this conversation"
// mirror, spec.md §4.7 step 7).
func sessionMessagePayload(sessionID, agentID, preview string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"type":      "session-message",
		"sessionId": sessionID,
		"agentId":   agentID,
		"preview":   preview,
	})
	return b
}

func requestQueuedPayload(sessionID, agentID, requestID string, position int) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"type":      "request-queued",
		"sessionId": sessionID,
		"agentId":   agentID,
		"requestId": requestID,
		"position":  position,
	})
	return b
}

func ackPayload(action, status string, extra map[string]any) json.RawMessage {
	m := map[string]any{"action": action, "status": status}
	for k, v := range extra {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

// Submit implements spec.md §4.7 steps 2-9. requestID is the client-supplied
// envelope id; a resubmission reusing an in-flight id aborts and evicts the
// prior attempt before admitting the new one (idempotent re-submission),
// distinct from the FIFO enqueue used for a genuinely new request against a
// busy queue key.
func (s *Scheduler) Submit(ctx context.Context, requestID string, owner domain.Socket, agentID, sessionKey string, content json.RawMessage, attachments []json.RawMessage, queueIfBusy bool) {
	if s.store != nil {
		if preview := previewOf(content); preview != "" {
			_, _ = s.store.GetOrCreate(ctx, sessionKey)
			_ = s.store.Update(ctx, sessionKey, domain.SessionUpdate{LastMessagePreview: preview})
		}
	}

	env := domain.Envelope{
		Type:      domain.MsgAgentEvent,
		ID:        requestID,
		SessionID: sessionKey,
		AgentID:   agentID,
		Payload:   sessionMessagePayload(sessionKey, agentID, previewOf(content)),
		Timestamp: time.Now().UnixMilli(),
	}
	if s.fanout != nil {
		s.fanout.BroadcastSession(ctx, sessionKey, env, owner)
		s.fanout.BroadcastOtherUIs(ctx, sessionKey, env)
	}

	key := queueKey(agentID, sessionKey)
	jobCtx, cancel := context.WithCancel(context.Background())
	req := domain.PendingAgentRequest{
		RequestID:   requestID,
		QueueKey:    key,
		AgentID:     agentID,
		SessionKey:  sessionKey,
		Owner:       owner,
		Content:     content,
		Attachments: attachments,
		QueueIfBusy: queueIfBusy,
		SubmittedAt: time.Now(),
		Cancel:      cancel,
	}
	e := &entry{req: req, ctx: jobCtx}

	s.mu.Lock()
	// Step 2: idempotent re-submission by id aborts and evicts any prior
	// attempt carrying the same requestID before admitting the new one.
	s.abortByIDLocked(requestID)

	q, ok := s.queues[key]
	if !ok {
		q = &queue{}
		s.queues[key] = q
	}

	if q.active != nil {
		if !queueIfBusy {
			s.mu.Unlock()
			s.sendAgentError(ctx, owner, requestID, sessionKey, agentID, "Session already has an in-flight request.", false)
			return
		}
		q.pending = append(q.pending, e)
		s.index[requestID] = key
		position := len(q.pending)
		s.mu.Unlock()

		if s.fanout != nil {
			s.fanout.SendTo(ctx, owner, domain.Envelope{
				Type: domain.MsgAck, ID: requestID,
				Payload: ackPayload("req:agent", "queued", map[string]any{"position": position}),
			})
			s.fanout.SendTo(ctx, owner, domain.Envelope{
				Type: domain.MsgAgentEvent, ID: requestID, SessionID: sessionKey, AgentID: agentID,
				Payload: requestQueuedPayload(sessionKey, agentID, requestID, position),
			})
		}
		if s.hooks != nil {
			s.hooks.RequestQueued(ctx, req)
		}
		return
	}

	q.active = e
	s.live[requestID] = e
	s.index[requestID] = key
	s.mu.Unlock()

	if s.hooks != nil {
		s.hooks.RequestQueued(ctx, req)
	}
	go s.execute(e)
}

// abortByIDLocked trips and evicts any live or pending entry carrying
// requestID. Must be called with s.mu held.
func (s *Scheduler) abortByIDLocked(requestID string) {
	key, ok := s.index[requestID]
	if !ok {
		return
	}
	q := s.queues[key]
	if q == nil {
		return
	}
	if q.active != nil && q.active.req.RequestID == requestID {
		q.active.req.Cancel()
		delete(s.live, requestID)
		delete(s.index, requestID)
		q.active = nil
		return
	}
	for i, p := range q.pending {
		if p.req.RequestID == requestID {
			p.req.Cancel()
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			delete(s.index, requestID)
			return
		}
	}
}

func previewOf(content json.RawMessage) string {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return truncate(t, 200)
	case map[string]any:
		if text, ok := t["text"].(string); ok {
			return truncate(text, 200)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// execute runs one invocation to completion, fans out every event, and
// drains the next queued entry for the same queue key when done.
func (s *Scheduler) execute(e *entry) {
	req := e.req
	if s.hooks != nil {
		s.hooks.RequestStarted(context.Background(), req)
	}

	sawAgentError := false
	var invokeErr error
	_, _ = s.breaker.Execute(func() (struct{}, error) {
		in, err := s.invoker.Invoke(e.ctx, req.AgentID, req.SessionKey, req.Content, req.Attachments)
		if err != nil {
			invokeErr = err
			// A deliberate cancel must never count against the breaker: it
			// reflects the caller's choice, not the invoker misbehaving.
			if e.ctx.Err() != nil {
				return struct{}{}, nil
			}
			return struct{}{}, err
		}
		for ev := range in {
			if ev.Err == nil && ev.Data != nil {
				if isAgentErrorPayload(ev.Data) {
					sawAgentError = true
				}
				s.forwardEvent(req, ev.Data)
			}
			if ev.Done {
				if ev.Err != nil {
					invokeErr = ev.Err
					if e.ctx.Err() != nil {
						return struct{}{}, nil
					}
					return struct{}{}, ev.Err
				}
				return struct{}{}, nil
			}
		}
		return struct{}{}, nil
	})

	if invokeErr != nil {
		if e.ctx.Err() != nil {
			// Aborted: no synthetic agent-error, this was a deliberate cancel.
		} else if !sawAgentError {
			s.sendAgentError(context.Background(), req.Owner, req.RequestID, req.SessionKey, req.AgentID, invokeErr.Error(), true)
		}
		if s.logger != nil {
			s.logger.Warn("agent invocation ended with error",
				"request_id", req.RequestID, "queue_key", req.QueueKey, "error", invokeErr)
		}
	} else if s.store != nil {
		rec, err := s.store.Get(context.Background(), req.SessionKey)
		if err == nil {
			_ = s.store.Update(context.Background(), req.SessionKey, domain.SessionUpdate{MessageCount: rec.MessageCount + 1})
		}
	}
	if s.hooks != nil {
		s.hooks.RequestCompleted(context.Background(), req, invokeErr)
	}

	s.mu.Lock()
	if s.live[req.RequestID] == e {
		delete(s.live, req.RequestID)
		delete(s.index, req.RequestID)
	}
	q := s.queues[req.QueueKey]
	if q != nil && q.active == e {
		q.active = nil
	}
	s.mu.Unlock()

	s.drain(req.QueueKey)
}

func isAgentErrorPayload(data json.RawMessage) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == "agent-error"
}

// forwardEvent attaches sessionId/agentId to ev (wrapping non-object
// payloads in {type:"agent-event", data:...}), forwards it to the
// originating socket, and broadcasts it to every other session subscriber.
func (s *Scheduler) forwardEvent(req domain.PendingAgentRequest, data json.RawMessage) {
	wrapped := wrapEvent(data, req.SessionKey, req.AgentID)
	env := domain.Envelope{
		Type:      domain.MsgAgentEvent,
		ID:        req.RequestID,
		SessionID: req.SessionKey,
		AgentID:   req.AgentID,
		Payload:   wrapped,
		Timestamp: time.Now().UnixMilli(),
	}
	if s.fanout == nil {
		return
	}
	s.fanout.SendTo(context.Background(), req.Owner, env)
	s.fanout.BroadcastSession(context.Background(), req.SessionKey, env, req.Owner)
}

func wrapEvent(data json.RawMessage, sessionID, agentID string) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		obj = map[string]any{"type": "agent-event", "data": json.RawMessage(data)}
	}
	obj["sessionId"] = sessionID
	obj["agentId"] = agentID
	b, _ := json.Marshal(obj)
	return b
}

func (s *Scheduler) sendAgentError(ctx context.Context, owner domain.Socket, requestID, sessionID, agentID, message string, broadcastToSession bool) {
	payload, _ := json.Marshal(map[string]any{
		"type":      "agent-error",
		"error":     message,
		"sessionId": sessionID,
		"agentId":   agentID,
	})
	env := domain.Envelope{
		Type: domain.MsgAgentEvent, ID: requestID, SessionID: sessionID, AgentID: agentID,
		Payload: payload, Timestamp: time.Now().UnixMilli(),
	}
	if s.fanout == nil {
		return
	}
	if owner != nil {
		s.fanout.SendTo(ctx, owner, env)
	}
	if broadcastToSession {
		s.fanout.BroadcastSession(ctx, sessionID, env, owner)
	}
}

// drain pops the head of queue key's pending FIFO, if any, acks it as
// dequeued, and begins executing it.
func (s *Scheduler) drain(key string) {
	s.mu.Lock()
	q := s.queues[key]
	if q == nil || q.active != nil {
		s.mu.Unlock()
		return
	}
	if len(q.pending) == 0 {
		delete(s.queues, key)
		s.mu.Unlock()
		return
	}
	e := q.pending[0]
	q.pending = q.pending[1:]
	q.active = e
	s.live[e.req.RequestID] = e
	remaining := len(q.pending)
	s.mu.Unlock()

	if s.fanout != nil {
		s.fanout.SendTo(context.Background(), e.req.Owner, domain.Envelope{
			Type: domain.MsgAck, ID: e.req.RequestID,
			Payload: ackPayload("req:agent", "dequeued", map[string]any{"remaining": remaining}),
		})
	}
	go s.execute(e)
}

// Cancel implements req:agent:cancel (spec.md §4.7 "Cancellation"). by is
// the socket asking to cancel; only the original owner may cancel.
func (s *Scheduler) Cancel(ctx context.Context, by domain.Socket, requestID string) (status string, err error) {
	s.mu.Lock()
	key, ok := s.index[requestID]
	if !ok {
		s.mu.Unlock()
		return "not_found", nil
	}
	q := s.queues[key]
	if q == nil {
		s.mu.Unlock()
		return "not_found", nil
	}

	if q.active != nil && q.active.req.RequestID == requestID {
		owner := q.active.req.Owner
		if !sameSocket(owner, by) {
			s.mu.Unlock()
			return "", domain.ErrForbidden
		}
		q.active.req.Cancel()
		s.mu.Unlock()
		return "cancelled", nil
	}

	for i, p := range q.pending {
		if p.req.RequestID != requestID {
			continue
		}
		if !sameSocket(p.req.Owner, by) {
			s.mu.Unlock()
			return "", domain.ErrForbidden
		}
		p.req.Cancel()
		q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
		delete(s.index, requestID)
		s.mu.Unlock()
		return "cancelled_queued", nil
	}
	s.mu.Unlock()
	return "not_found", nil
}

func sameSocket(a, b domain.Socket) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}

// ForgetSocket implements socket teardown (spec.md §4.7 "Socket teardown"):
// every live entry owned by sock is aborted, every queued entry owned by
// sock is dropped, and queues left containing only such entries are
// removed.
func (s *Scheduler) ForgetSocket(sock domain.Socket) {
	if sock == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, q := range s.queues {
		if q.active != nil && sameSocket(q.active.req.Owner, sock) {
			q.active.req.Cancel()
		}
		kept := q.pending[:0:0]
		for _, p := range q.pending {
			if sameSocket(p.req.Owner, sock) {
				p.req.Cancel()
				delete(s.index, p.req.RequestID)
				continue
			}
			kept = append(kept, p)
		}
		q.pending = kept
		if q.active == nil && len(q.pending) == 0 {
			delete(s.queues, key)
		}
	}
}

// QueueDepth reports the number of queues (distinct agent/session pairs)
// currently holding pending or active work. Intended for /stats and tests.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}

// PendingCount reports the number of pending (not yet running) entries
// queued behind the active entry for a given agent/session pair.
func (s *Scheduler) PendingCount(agentID, sessionKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queueKey(agentID, sessionKey)]
	if !ok {
		return 0
	}
	return len(q.pending)
}
