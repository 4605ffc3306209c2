package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"alfred-ai/internal/adapter/agentinvoker"
	"alfred-ai/internal/domain"
	"alfred-ai/internal/usecase/gatewaysched"
)

func newTestServer() *Server {
	nodes := NewNodeRegistry(0, 0, 0, nil, nil)
	groups := NewGroupRegistry()
	subs := NewSubscriptionIndex()
	fanout := NewEventFanout(subs, nodes, nil)
	bridge := NewBridgeMailbox()
	router := NewRouter(StaticAgents{{ID: "default", Default: true}})
	scheduler := gatewaysched.New(agentinvoker.Echo{}, nil, fanout, nil, nil)
	return NewServer(":0", NoneAuthenticator{}, nodes, groups, subs, router, fanout, bridge, scheduler, nil, nil)
}

func TestServer_HandleHealth(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status healthy, got %v", body["status"])
	}
}

func TestServer_HandleStats(t *testing.T) {
	srv := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	srv.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if _, ok := body["nodes"]; !ok {
		t.Fatalf("expected a nodes field in stats payload, got %v", body)
	}
}

func postEnvelope(t *testing.T, srv *Server, env domain.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/bridge/send", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleBridgeSend(rec, req)
	return rec
}

func TestServer_BridgeRegisterSendPollRoundTrip(t *testing.T) {
	srv := newTestServer()

	regRec := postEnvelope(t, srv, domain.Envelope{Type: domain.MsgRegister, ClientID: "bridge-client", Timestamp: time.Now().UnixMilli()})
	if regRec.Code != http.StatusOK {
		t.Fatalf("expected register to succeed, got %d: %s", regRec.Code, regRec.Body.String())
	}
	var registered domain.Envelope
	if err := json.Unmarshal(regRec.Body.Bytes(), &registered); err != nil {
		t.Fatalf("invalid register response: %v", err)
	}
	if registered.NodeID == "" {
		t.Fatalf("expected a node id in the register response")
	}

	pingRec := postEnvelope(t, srv, domain.Envelope{Type: domain.MsgPing, NodeID: registered.NodeID, ID: "p1", Timestamp: time.Now().UnixMilli()})
	if pingRec.Code != http.StatusOK {
		t.Fatalf("expected ping dispatch to succeed, got %d: %s", pingRec.Code, pingRec.Body.String())
	}

	pollReq := httptest.NewRequest(http.MethodGet, "/bridge/poll", nil)
	pollReq.Header.Set("X-Node-ID", registered.NodeID)
	pollRec := httptest.NewRecorder()
	srv.handleBridgePoll(pollRec, pollReq)

	if pollRec.Code != http.StatusOK {
		t.Fatalf("expected poll to succeed, got %d: %s", pollRec.Code, pollRec.Body.String())
	}
	var envs []domain.Envelope
	if err := json.Unmarshal(pollRec.Body.Bytes(), &envs); err != nil {
		t.Fatalf("invalid poll response: %v", err)
	}
	if len(envs) != 1 || envs[0].Type != domain.MsgPong {
		t.Fatalf("expected a single pong envelope, got %v", envs)
	}
}

// captureAuthenticator records the credential it was asked to authenticate,
// so tests can assert what the server chose to pass through.
type captureAuthenticator struct {
	gotCredential string
}

func (c *captureAuthenticator) Authenticate(clientID, credential string) (*ClientInfo, error) {
	c.gotCredential = credential
	return &ClientInfo{ClientID: clientID}, nil
}

func TestServer_HandleConnect_TransportIdentityOverridesClientAuth(t *testing.T) {
	nodes := NewNodeRegistry(0, 0, 0, nil, nil)
	groups := NewGroupRegistry()
	subs := NewSubscriptionIndex()
	fanout := NewEventFanout(subs, nodes, nil)
	bridge := NewBridgeMailbox()
	router := NewRouter(StaticAgents{{ID: "default", Default: true}})
	scheduler := gatewaysched.New(agentinvoker.Echo{}, nil, fanout, nil, nil)
	capture := &captureAuthenticator{}
	srv := NewServer(":0", capture, nodes, groups, subs, router, fanout, bridge, scheduler, nil, nil)

	sock := &wsSocket{id: "ws-test", transportIdentity: "proxy-asserted-user", sendCh: make(chan domain.Envelope, 4), closed: make(chan struct{})}
	env := domain.Envelope{Type: domain.MsgConnect, ID: "h1", Client: &domain.ClientInfo{InstanceID: "inst-1", ClientType: "webui"}, Auth: "client-supplied-token"}

	srv.handleConnect(context.Background(), sock, env)

	if capture.gotCredential != "proxy-asserted-user" {
		t.Fatalf("expected transport identity to take priority, got %q", capture.gotCredential)
	}
}

func TestServer_BridgePollUnknownNode(t *testing.T) {
	srv := newTestServer()
	pollReq := httptest.NewRequest(http.MethodGet, "/bridge/poll", nil)
	pollReq.Header.Set("X-Node-ID", "does-not-exist")
	pollRec := httptest.NewRecorder()
	srv.handleBridgePoll(pollRec, pollReq)

	if pollRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown node, got %d", pollRec.Code)
	}
}

func TestServer_BridgeAgentRequestRoundTrip(t *testing.T) {
	srv := newTestServer()

	regRec := postEnvelope(t, srv, domain.Envelope{Type: domain.MsgRegister, ClientID: "bridge-client", Timestamp: time.Now().UnixMilli()})
	var registered domain.Envelope
	json.Unmarshal(regRec.Body.Bytes(), &registered)

	payload, _ := json.Marshal(map[string]any{"content": "hello"})
	reqRec := postEnvelope(t, srv, domain.Envelope{
		Type: domain.MsgAgentRequest, ID: "r1", NodeID: registered.NodeID, Payload: payload, Timestamp: time.Now().UnixMilli(),
	})
	if reqRec.Code != http.StatusOK {
		t.Fatalf("expected agent request dispatch to succeed, got %d: %s", reqRec.Code, reqRec.Body.String())
	}

	var envs []domain.Envelope
	for attempt := 0; attempt < 3 && len(envs) == 0; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		pollReq := httptest.NewRequest(http.MethodGet, "/bridge/poll", nil).WithContext(ctx)
		pollReq.Header.Set("X-Node-ID", registered.NodeID)
		pollRec := httptest.NewRecorder()
		srv.handleBridgePoll(pollRec, pollReq)
		cancel()
		json.Unmarshal(pollRec.Body.Bytes(), &envs)
	}
	if len(envs) == 0 {
		t.Fatalf("expected at least one event:agent envelope from the echo invoker")
	}
	for _, e := range envs {
		if e.Type != domain.MsgAgentEvent {
			t.Fatalf("expected event:agent envelopes only, got %v", e.Type)
		}
	}
}
