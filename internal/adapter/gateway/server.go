package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/middleware"
	"alfred-ai/internal/usecase/gatewaysched"
)

// writeTimeout bounds a single outbound frame write, so a stalled peer
// cannot wedge the per-socket writer goroutine indefinitely.
const writeTimeout = 10 * time.Second

var connCounter atomic.Uint64

func newConnID() string {
	return fmt.Sprintf("ws-%d", connCounter.Add(1))
}

// wsSocket adapts a nhooyr.io/websocket connection to domain.Socket. Writes
// are serialized through a buffered channel drained by one writer goroutine
// per connection, grounded on this package's earlier sendCh/writeLoop
// bookkeeping.
type wsSocket struct {
	id                string
	clientID          string
	clientType        string
	transportIdentity string // set from the configured proxy header at upgrade time, if present
	conn              *websocket.Conn
	sendCh            chan domain.Envelope
	closed            chan struct{}
	closeOnce         sync.Once
}

func newWSSocket(id string, conn *websocket.Conn, transportIdentity string) *wsSocket {
	s := &wsSocket{id: id, conn: conn, transportIdentity: transportIdentity, sendCh: make(chan domain.Envelope, 64), closed: make(chan struct{})}
	go s.writeLoop()
	return s
}

func (s *wsSocket) ID() string         { return s.id }
func (s *wsSocket) ClientID() string   { return s.clientID }
func (s *wsSocket) ClientType() string { return s.clientType }

func (s *wsSocket) Send(ctx context.Context, env domain.Envelope) error {
	select {
	case s.sendCh <- env:
		return nil
	case <-s.closed:
		return fmt.Errorf("gateway: socket %s is closed", s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSocket) writeLoop() {
	for {
		select {
		case env := <-s.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, s.conn, env)
			cancel()
			if err != nil {
				s.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *wsSocket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close(code, reason)
	})
}

var _ domain.Socket = (*wsSocket)(nil)

// Server is C10: the gateway's single listening endpoint. It serves the
// WebSocket upgrade, the HTTP bridge, and a small fixed set of
// administrative paths, and drives the connect/register/agent-request
// dispatch described in spec.md §4.10. Grounded on this package's earlier
// Server/NewServer/Start/Stop/handleUpgrade shape, rewired for the
// envelope-dispatch protocol instead of RPC-style method frames.
type Server struct {
	addr   string
	logger *slog.Logger

	auth      Authenticator
	nodes     *NodeRegistry
	groups    *GroupRegistry
	subs      *SubscriptionIndex
	router    *Router
	fanout    *EventFanout
	bridge    *BridgeMailbox
	scheduler *gatewaysched.Scheduler
	hooks     domain.InternalHooks

	rateLimitMW             func(http.Handler) http.Handler
	transportIdentityHeader string
	pingInterval            time.Duration
	staleThreshold          time.Duration

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	cron      *cron.Cron
	sweepCtx  context.Context
	sweepStop context.CancelFunc

	startedAt time.Time
}

// NewServer wires a C10 Server over its collaborators.
func NewServer(
	addr string,
	auth Authenticator,
	nodes *NodeRegistry,
	groups *GroupRegistry,
	subs *SubscriptionIndex,
	router *Router,
	fanout *EventFanout,
	bridge *BridgeMailbox,
	scheduler *gatewaysched.Scheduler,
	hooks domain.InternalHooks,
	logger *slog.Logger,
) *Server {
	sweepCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		logger:    logger,
		auth:      auth,
		nodes:     nodes,
		groups:    groups,
		subs:      subs,
		router:    router,
		fanout:    fanout,
		bridge:    bridge,
		scheduler: scheduler,
		hooks:     hooks,
		rateLimitMW: middleware.RateLimitWithConfig(sweepCtx, middleware.RateLimitConfig{
			RequestsPerMin: 600,
			BurstSize:      120,
		}),
		transportIdentityHeader: "X-Forwarded-User",
		pingInterval:            defaultPingInterval,
		staleThreshold:          defaultStaleThreshold,
		sweepCtx:                sweepCtx,
		sweepStop:               cancel,
	}
}

// SetTransportIdentityHeader overrides the HTTP header read at WebSocket
// upgrade time to populate a socket's transport-level user identity (spec.md
// §3), used by TransportIdentityAuthenticator instead of a client-supplied
// auth payload. Must be called before Start.
func (s *Server) SetTransportIdentityHeader(header string) {
	if header == "" {
		return
	}
	s.transportIdentityHeader = header
}

// SetSweepIntervals overrides the ping cadence and stale-connection
// threshold used by Start's sweeper/cron loop. Zero values leave the
// existing (default) interval in place. Must be called before Start.
func (s *Server) SetSweepIntervals(pingInterval, staleThreshold time.Duration) {
	if pingInterval > 0 {
		s.pingInterval = pingInterval
	}
	if staleThreshold > 0 {
		s.staleThreshold = staleThreshold
	}
}

// Start binds the listening socket, starts the ping+stale-sweep loop, and
// serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/health", middleware.SecurityHeaders(http.HandlerFunc(s.handleHealth)))
	mux.Handle("/stats", middleware.SecurityHeaders(s.rateLimitMW(http.HandlerFunc(s.handleStats))))
	mux.Handle("/bridge/send", middleware.SecurityHeaders(s.rateLimitMW(http.HandlerFunc(s.handleBridgeSend))))
	mux.Handle("/bridge/poll", middleware.SecurityHeaders(s.rateLimitMW(http.HandlerFunc(s.handleBridgePoll))))

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return domain.NewSubSystemError("gateway", "gateway.start", err, "listen failed")
	}

	httpSrv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.httpSrv = httpSrv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.nodes.StartSweeper(s.sweepCtx, s.pingInterval, s.staleThreshold, func(nodeID string) {
		if sock, ok := s.nodes.Socket(nodeID); ok {
			if ws, ok := sock.(*wsSocket); ok {
				ws.close(websocket.StatusPolicyViolation, "stale connection")
			}
			s.cleanupSocket(sock)
		}
	})

	c := cron.New()
	_, _ = c.AddFunc(fmt.Sprintf("@every %s", s.pingInterval), s.pingAll)
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("gateway server starting", "addr", s.boundAddr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Stop performs the reverse of Start: stop the ping loop, close the
// listening socket.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.cron.Stop()
	}
	s.sweepStop()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// BoundAddr returns the address the server actually bound to (useful when
// addr ends in ":0").
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

func (s *Server) pingAll() {
	env := domain.Envelope{Type: domain.MsgPing, Timestamp: time.Now().UnixMilli()}
	for _, sock := range s.nodes.AllSockets() {
		s.fanout.SendTo(context.Background(), sock, env)
	}
}

// handleWS upgrades the connection and runs its read loop until close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		return
	}
	sock := newWSSocket(newConnID(), conn, r.Header.Get(s.transportIdentityHeader))
	defer s.cleanupSocket(sock)

	ctx := r.Context()
	var authenticated bool

	for {
		var env domain.Envelope
		readCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err := wsjson.Read(readCtx, conn, &env)
		cancel()
		if err != nil {
			return
		}

		if env.Type == domain.MsgConnect {
			if s.handleConnect(ctx, sock, env) {
				authenticated = true
			}
			continue
		}
		if !KnownMessageType(env.Type) {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrUnknownMessageType))
			continue
		}
		if !authenticated {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrAuthRequired))
			continue
		}

		if env.Type == domain.MsgAgentRequest || env.Type == domain.MsgAgentCancel {
			s.handleAgentDispatch(ctx, sock, env)
			continue
		}

		if node, ok := s.nodes.NodeByConnectionID(sock.ID()); ok {
			if env.Type != domain.MsgRegister && env.Type != domain.MsgPing && env.Type != domain.MsgPong && !s.nodes.Allow(node.ID) {
				s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.NewSubSystemError("gateway", "gateway.rate_limit", domain.ErrRateLimit, "")))
				continue
			}
			s.nodes.Touch(node.ID)
		}

		s.dispatch(ctx, sock, env)
	}
}

func (s *Server) handleConnect(ctx context.Context, sock *wsSocket, env domain.Envelope) bool {
	if err := ValidateConnect(env); err != nil {
		s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, err))
		return false
	}
	credential := env.Auth
	if sock.transportIdentity != "" {
		// Transport-level identity, asserted by infrastructure the gateway
		// trusts, takes priority over a client-supplied auth payload.
		credential = sock.transportIdentity
	}
	info, err := s.auth.Authenticate(env.Client.InstanceID, credential)
	if err != nil {
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgRes, ID: env.ID, OK: false, Payload: stringPayload(err.Error())})
		sock.close(websocket.StatusPolicyViolation, "auth failed")
		return false
	}
	sock.clientID = info.ClientID
	sock.clientType = env.Client.ClientType
	s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgRes, ID: env.ID, OK: true, Payload: stringPayload("gateway-ready")})
	return true
}

func (s *Server) handleAgentDispatch(ctx context.Context, sock domain.Socket, env domain.Envelope) {
	switch env.Type {
	case domain.MsgAgentRequest:
		payload, err := ValidateAgentRequest(env)
		if err != nil {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, err))
			return
		}
		agentID, err := s.router.SelectAgent(payload.AgentID, payload.Routing)
		if err != nil {
			s.fanout.SendAgentError(ctx, sock, env.ID, payload.SessionKey, "", "No agent matched", "", nil)
			return
		}
		sessionKey := s.router.BuildSessionKey(agentID, payload.SessionKey, payload.Routing)
		queueIfBusy := true
		if payload.QueueIfBusy != nil {
			queueIfBusy = *payload.QueueIfBusy
		}
		s.scheduler.Submit(ctx, env.ID, sock, agentID, sessionKey, payload.Content, payload.Attachments, queueIfBusy)
	case domain.MsgAgentCancel:
		var p struct {
			RequestID string `json:"requestId"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		if p.RequestID == "" {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrInvalidRequest))
			return
		}
		status, err := s.scheduler.Cancel(ctx, sock, p.RequestID)
		if err != nil {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, err))
			return
		}
		s.fanout.SendTo(ctx, sock, domain.Envelope{
			Type: domain.MsgAck, ID: env.ID,
			Payload: ackPayload("req:agent:cancel", status, nil),
		})
	}
}

// dispatch handles register/unregister/join_group/leave_group/broadcast/
// direct/ping/pong/session_subscribe/session_unsubscribe.
func (s *Server) dispatch(ctx context.Context, sock domain.Socket, env domain.Envelope) {
	switch env.Type {
	case domain.MsgRegister:
		payload := ParseRegisterPayload(env)
		node, err := s.nodes.Register(ctx, sock.ClientID(), sock.ClientType(), payload.Name, payload.Capabilities, payload.SessionID, payload.AgentName, sock)
		if err != nil {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, err))
			return
		}
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgRegistered, ID: env.ID, NodeID: node.ID})

	case domain.MsgUnregister:
		if node, ok := s.nodes.NodeByConnectionID(sock.ID()); ok {
			s.nodes.Unregister(ctx, node.ID)
		}
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgAck, ID: env.ID, Payload: ackPayload("unregister", "ok", nil)})

	case domain.MsgGroupJoin:
		node, ok := s.nodes.NodeByConnectionID(sock.ID())
		if !ok {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrNotRegistered))
			return
		}
		s.groups.Join(env.GroupID, node.ID)
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgAck, ID: env.ID, Payload: ackPayload("join_group", "ok", nil)})

	case domain.MsgGroupLeave:
		node, ok := s.nodes.NodeByConnectionID(sock.ID())
		if !ok {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrNotRegistered))
			return
		}
		s.groups.Leave(env.GroupID, node.ID)
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgAck, ID: env.ID, Payload: ackPayload("leave_group", "ok", nil)})

	case domain.MsgBroadcast:
		env.Timestamp = time.Now().UnixMilli()
		s.fanout.BroadcastToClients(ctx, env, BroadcastOptions{Exclude: sock})

	case domain.MsgDirect:
		target, ok := s.nodes.Socket(env.TargetNodeID)
		if !ok {
			s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrNodeNotFound))
			return
		}
		env.Timestamp = time.Now().UnixMilli()
		s.fanout.SendTo(ctx, target, env)

	case domain.MsgPing:
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgPong, ID: env.ID, Timestamp: time.Now().UnixMilli()})

	case domain.MsgPong:
		// Liveness already recorded by the Touch call above, in handleWS.

	case domain.MsgSessionSubscribe:
		s.subs.Subscribe(sock, env.SessionID)
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgAck, ID: env.ID, Payload: ackPayload("session_subscribe", "ok", nil)})

	case domain.MsgSessionUnsubscribe:
		s.subs.Unsubscribe(sock, env.SessionID)
		s.fanout.SendTo(ctx, sock, domain.Envelope{Type: domain.MsgAck, ID: env.ID, Payload: ackPayload("session_unsubscribe", "ok", nil)})

	default:
		s.fanout.SendTo(ctx, sock, errorEnvelope(env.ID, domain.ErrUnknownMessageType))
	}
}

func (s *Server) cleanupSocket(sock domain.Socket) {
	s.scheduler.ForgetSocket(sock)
	s.subs.ForgetSocket(sock)
	if node, ok := s.nodes.NodeByConnectionID(sock.ID()); ok {
		s.groups.LeaveAll(node.ID)
		s.nodes.Unregister(context.Background(), node.ID)
	}
	if ws, ok := sock.(*wsSocket); ok {
		ws.close(websocket.StatusNormalClosure, "")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   "0.1.0",
		"stats":     s.statsPayload(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statsPayload())
}

func (s *Server) statsPayload() map[string]any {
	return map[string]any{
		"gateway": map[string]any{"queues": s.scheduler.QueueDepth(), "uptimeSeconds": int(time.Since(s.startedAt).Seconds())},
		"nodes":   len(s.nodes.List()),
		"groups":  s.groups.Count(),
	}
}

// handleBridgeSend accepts one envelope from an HTTP bridge client. A
// register envelope creates the client's BridgeSocket and node and is
// answered with the registered envelope in the response body; any other
// envelope is dispatched on behalf of the node named in it.
func (s *Server) handleBridgeSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	env, err := ParseEnvelope(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if env.Type == domain.MsgRegister {
		payload := ParseRegisterPayload(env)
		provisional := newBridgeSocket("", env.ClientID, "bridge")
		node, err := s.nodes.Register(r.Context(), env.ClientID, "bridge", payload.Name, payload.Capabilities, payload.SessionID, payload.AgentName, provisional)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		sock := s.bridge.Register(node.ID, env.ClientID, "bridge")
		s.nodes.mu.Lock()
		s.nodes.sockets[node.ID] = sock
		s.nodes.mu.Unlock()
		writeJSON(w, http.StatusOK, domain.Envelope{Type: domain.MsgRegistered, NodeID: node.ID, Timestamp: time.Now().UnixMilli()})
		return
	}

	if env.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing nodeId"})
		return
	}
	sock, err := s.bridge.Get(env.NodeID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if env.Type == domain.MsgAgentRequest || env.Type == domain.MsgAgentCancel {
		s.handleAgentDispatch(r.Context(), sock, env)
	} else {
		s.dispatch(r.Context(), sock, env)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleBridgePoll(w http.ResponseWriter, r *http.Request) {
	nodeID := r.Header.Get("X-Node-ID")
	if nodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Node-ID header"})
		return
	}
	sock, err := s.bridge.Get(nodeID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	envs := sock.Poll(r.Context())
	writeJSON(w, http.StatusOK, envs)
}

func errorEnvelope(id string, err error) domain.Envelope {
	return domain.Envelope{Type: domain.MsgError, ID: id, Error: domain.NewWireError(err)}
}

func stringPayload(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// ackPayload builds the {action,status,...extra} payload carried inside an
// ack envelope, mirroring the scheduler's own ackPayload helper for the
// request-queue acks it emits.
func ackPayload(action, status string, extra map[string]any) json.RawMessage {
	m := map[string]any{"action": action, "status": status}
	for k, v := range extra {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
