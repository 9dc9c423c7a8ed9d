package binding

import (
	"errors"
	"testing"

	apperrors "github.com/durangohq/bridge/pkg/errors"
)

func TestBindAndLookup(t *testing.T) {
	m := New()
	if err := m.Bind("agent-1", "down-1"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	got, err := m.Downstream("agent-1")
	if err != nil {
		t.Fatalf("Downstream: %v", err)
	}
	if got != "down-1" {
		t.Errorf("Downstream = %q, want down-1", got)
	}
}

func TestDownstreamUnbound(t *testing.T) {
	m := New()
	_, err := m.Downstream("unknown")
	if !errors.Is(err, apperrors.ErrUnbound) {
		t.Errorf("expected ErrUnbound, got %v", err)
	}
}

func TestBindIdempotent(t *testing.T) {
	m := New()
	if err := m.Bind("agent-1", "down-1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := m.Bind("agent-1", "down-1"); err != nil {
		t.Errorf("re-binding same pair should be idempotent, got %v", err)
	}
}

func TestBindRejectsRebind(t *testing.T) {
	m := New()
	if err := m.Bind("agent-1", "down-1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := m.Bind("agent-1", "down-2"); err == nil {
		t.Error("expected error rebinding agent thread to a different downstream id")
	}
}

func TestDerivedAgentThreadID(t *testing.T) {
	if got, want := DerivedAgentThreadID("abc"), "codex:abc"; got != want {
		t.Errorf("DerivedAgentThreadID = %q, want %q", got, want)
	}
}
