package gateway

import (
	"context"
	"testing"
	"time"

	"alfred-ai/internal/domain"
)

// testSocket is a minimal domain.Socket for exercising the registries
// directly, independent of any real transport.
type testSocket struct {
	id         string
	clientType string
}

func (s *testSocket) ID() string         { return s.id }
func (s *testSocket) ClientID() string   { return s.id }
func (s *testSocket) ClientType() string { return s.clientType }
func (s *testSocket) Send(_ context.Context, _ domain.Envelope) error { return nil }

func TestNodeRegistry_RegisterAndGet(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	sock := &testSocket{id: "conn1", clientType: "webui"}
	node, err := r.Register(context.Background(), "client1", "webui", "laptop-1", []string{"shell", "browser"}, "sess-resume", "coder", sock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Get(node.ID)
	if err != nil {
		t.Fatalf("expected to find registered node: %v", err)
	}
	if got.ClientID != "client1" || got.Status != domain.NodeStatusOnline {
		t.Fatalf("unexpected node state: %+v", got)
	}
	if got.Name != "laptop-1" {
		t.Fatalf("expected name to be populated, got %q", got.Name)
	}
	if _, ok := got.Capabilities["shell"]; !ok {
		t.Fatalf("expected capabilities to include shell, got %+v", got.Capabilities)
	}
	if got.SessionID != "sess-resume" || got.AgentID != "coder" {
		t.Fatalf("expected resumed session/agent to be populated, got %+v", got)
	}
}

func TestNodeRegistry_MaxNodesReached(t *testing.T) {
	r := NewNodeRegistry(1, 0, 0, nil, nil)
	if _, err := r.Register(context.Background(), "c1", "webui", "", nil, "", "", &testSocket{id: "a"}); err != nil {
		t.Fatalf("first register should succeed: %v", err)
	}
	_, err := r.Register(context.Background(), "c2", "webui", "", nil, "", "", &testSocket{id: "b"})
	if err == nil {
		t.Fatalf("expected MAX_NODES_REACHED error")
	}
}

func TestNodeRegistry_UnregisterRemovesEverything(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	sock := &testSocket{id: "conn1"}
	node, _ := r.Register(context.Background(), "c1", "webui", "", nil, "", "", sock)

	r.Unregister(context.Background(), node.ID)

	if _, err := r.Get(node.ID); err != domain.ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound after unregister, got %v", err)
	}
	if r.Allow(node.ID) {
		t.Fatalf("expected Allow to deny an unregistered node")
	}
	if _, ok := r.Socket(node.ID); ok {
		t.Fatalf("expected socket to be removed on unregister")
	}
}

func TestNodeRegistry_AllowRateLimitsPerNode(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	node, _ := r.Register(context.Background(), "c1", "webui", "", nil, "", "", &testSocket{id: "conn1"})

	allowed := 0
	for i := 0; i < defaultNodeBurst+5; i++ {
		if r.Allow(node.ID) {
			allowed++
		}
	}
	if allowed > defaultNodeBurst {
		t.Fatalf("expected at most burst(%d) immediate allowances, got %d", defaultNodeBurst, allowed)
	}
	if allowed == 0 {
		t.Fatalf("expected at least some requests to be allowed")
	}
}

func TestNodeRegistry_AllowDeniesUnknownNode(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	if r.Allow("does-not-exist") {
		t.Fatalf("expected Allow to deny an unknown node id")
	}
}

func TestNodeRegistry_TouchUpdatesLivenessAndStatus(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	node, _ := r.Register(context.Background(), "c1", "webui", "", nil, "", "", &testSocket{id: "conn1"})

	before, _ := r.Get(node.ID)
	time.Sleep(2 * time.Millisecond)
	r.Touch(node.ID)
	after, _ := r.Get(node.ID)

	if !after.LastSeen.After(before.LastSeen) {
		t.Fatalf("expected Touch to advance LastSeen")
	}
}

func TestNodeRegistry_SweepMarksStaleNodesUnreachable(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	node, _ := r.Register(context.Background(), "c1", "webui", "", nil, "", "", &testSocket{id: "conn1"})

	unreachable := r.Sweep(1 * time.Nanosecond)
	if len(unreachable) != 1 || unreachable[0] != node.ID {
		t.Fatalf("expected node to be swept as unreachable, got %v", unreachable)
	}
	got, _ := r.Get(node.ID)
	if got.Status != domain.NodeStatusUnreachable {
		t.Fatalf("expected node status Unreachable, got %v", got.Status)
	}

	// A second sweep must not re-report an already-unreachable node.
	if again := r.Sweep(1 * time.Nanosecond); len(again) != 0 {
		t.Fatalf("expected no repeat reports for an already-unreachable node, got %v", again)
	}
}

func TestNodeRegistry_AllSocketsSnapshot(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	r.Register(context.Background(), "c1", "webui", "", nil, "", "", &testSocket{id: "a"})
	r.Register(context.Background(), "c2", "desktop", "", nil, "", "", &testSocket{id: "b"})

	if got := len(r.AllSockets()); got != 2 {
		t.Fatalf("expected 2 sockets, got %d", got)
	}
}

func TestNodeRegistry_BindSession(t *testing.T) {
	r := NewNodeRegistry(0, 0, 0, nil, nil)
	node, _ := r.Register(context.Background(), "c1", "webui", "", nil, "", "", &testSocket{id: "a"})

	r.BindSession(node.ID, "agentA", "sess1")
	got, _ := r.Get(node.ID)
	if got.AgentID != "agentA" || got.SessionID != "sess1" {
		t.Fatalf("expected session binding to stick, got %+v", got)
	}
}
