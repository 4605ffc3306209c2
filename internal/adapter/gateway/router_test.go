package gateway

import (
	"testing"

	"alfred-ai/internal/domain"
)

func TestRouter_SelectAgent_ExplicitKnownAgent(t *testing.T) {
	r := NewRouter(StaticAgents{{ID: "a1", Default: true}, {ID: "a2"}})
	id := "a2"
	got, err := r.SelectAgent(&id, nil)
	if err != nil || got != "a2" {
		t.Fatalf("expected a2, nil; got %q, %v", got, err)
	}
}

func TestRouter_SelectAgent_ExplicitUnknownAgent(t *testing.T) {
	r := NewRouter(StaticAgents{{ID: "a1", Default: true}})
	id := "does-not-exist"
	_, err := r.SelectAgent(&id, nil)
	if err == nil {
		t.Fatalf("expected an error for an unknown agent id")
	}
}

func TestRouter_SelectAgent_FallsBackToDefault(t *testing.T) {
	r := NewRouter(StaticAgents{{ID: "a1"}, {ID: "a2", Default: true}})
	got, err := r.SelectAgent(nil, nil)
	if err != nil || got != "a2" {
		t.Fatalf("expected default agent a2, got %q, %v", got, err)
	}
}

func TestRouter_SelectAgent_RoutingHintWinsOverDefault(t *testing.T) {
	r := NewRouter(StaticAgents{{ID: "a1", Default: true}, {ID: "a2"}})
	got, err := r.SelectAgent(nil, map[string]string{"channel": "a2"})
	if err != nil || got != "a2" {
		t.Fatalf("expected routing hint to select a2, got %q, %v", got, err)
	}
}

func TestRouter_SelectAgent_UnmatchedHintFallsBackToDefault(t *testing.T) {
	r := NewRouter(StaticAgents{{ID: "a1", Default: true}})
	got, err := r.SelectAgent(nil, map[string]string{"channel": "unknown"})
	if err != nil || got != "a1" {
		t.Fatalf("expected fallback to default a1, got %q, %v", got, err)
	}
}

func TestRouter_SelectAgent_NoDefaultNoMatch(t *testing.T) {
	r := NewRouter(StaticAgents{{ID: "a1"}})
	_, err := r.SelectAgent(nil, nil)
	if err == nil {
		t.Fatalf("expected an error when no default agent is configured")
	}
}

func TestRouter_BuildSessionKey_ExplicitWins(t *testing.T) {
	r := NewRouter(StaticAgents{})
	got := r.BuildSessionKey("agentA", "explicit-key", map[string]string{"channel": "x"})
	if got != "explicit-key" {
		t.Fatalf("expected explicit session key to win, got %q", got)
	}
}

func TestRouter_BuildSessionKey_NoRoutingFallsBackToAgentDefault(t *testing.T) {
	r := NewRouter(StaticAgents{})
	got := r.BuildSessionKey("agentA", "", nil)
	if got != "agentA:default" {
		t.Fatalf("expected agentA:default, got %q", got)
	}
}

func TestRouter_BuildSessionKey_DeterministicAcrossMapOrdering(t *testing.T) {
	r := NewRouter(StaticAgents{})
	routing := map[string]string{"channel": "slack", "thread": "t1"}
	a := r.BuildSessionKey("agentA", "", routing)
	b := r.BuildSessionKey("agentA", "", routing)
	if a != b {
		t.Fatalf("expected BuildSessionKey to be deterministic, got %q vs %q", a, b)
	}
}

var _ domain.RouterConfig = StaticAgents(nil)
