package runtime

import (
	"context"
	"testing"
)

func TestStubRuntime_Name(t *testing.T) {
	var r StubRuntime
	if got := r.Name(); got != "stub" {
		t.Errorf("Name(): got %q, want stub", got)
	}
}

func TestStubRuntime_RunTurn(t *testing.T) {
	ctx := context.Background()
	var r StubRuntime
	events := 0
	emit := func(ev Event) {
		events++
		if ev.Role != "developer" || ev.Agent != "developer-1" {
			t.Errorf("event Role/Agent: got %q/%q", ev.Role, ev.Agent)
		}
	}
	req := TurnRequest{Role: "developer", Agent: "developer-1", Prompt: "hello"}
	result, err := r.RunTurn(ctx, req, emit)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Output != "stub: ok" {
		t.Errorf("RunTurn Output: got %q", result.Output)
	}
	if events < 2 {
		t.Errorf("expected at least 2 events, got %d", events)
	}
}

func TestStubRuntime_RunTurn_contextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var r StubRuntime
	_, err := r.RunTurn(ctx, TurnRequest{Role: "developer", Agent: "developer-1", Prompt: "x"}, func(Event) {})
	if err != nil {
		t.Fatalf("RunTurn with cancelled context: %v", err)
	}
	// Stub may return quickly when ctx is done (sleep exits early)
}
