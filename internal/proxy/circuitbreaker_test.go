package proxy

import (
	"testing"
	"time"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker()

	if cb.State("anthropic") != cbClosed {
		t.Errorf("should start closed, got %v", cb.State("anthropic"))
	}
	if cb.StateLabel("anthropic") != "closed" {
		t.Errorf("label should be 'closed', got %s", cb.StateLabel("anthropic"))
	}
}

func TestCircuitBreaker_AllowClosedState(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("anthropic") {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreaker_AllowUnregisteredName(t *testing.T) {
	cb := NewCircuitBreaker()
	if !cb.Allow("unregistered") {
		t.Error("unregistered name should be allowed")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold-1; i++ {
		cb.RecordFailure("anthropic")
		if cb.State("anthropic") != cbClosed {
			t.Fatalf("should remain closed before threshold, iteration %d", i)
		}
	}

	cb.RecordFailure("anthropic")
	if cb.State("anthropic") != cbOpen {
		t.Error("should be open after reaching threshold")
	}
	if cb.StateLabel("anthropic") != "open" {
		t.Errorf("label should be 'open', got %s", cb.StateLabel("anthropic"))
	}
}

func TestCircuitBreaker_OpenRejectsRequests(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold; i++ {
		cb.RecordFailure("anthropic")
	}

	if cb.Allow("anthropic") {
		t.Error("open breaker should reject requests")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold-1; i++ {
		cb.RecordFailure("anthropic")
	}

	cb.RecordSuccess("anthropic")

	if cb.State("anthropic") != cbClosed {
		t.Error("success should reset to closed")
	}

	for i := 0; i < defaultCBErrorThreshold-1; i++ {
		cb.RecordFailure("anthropic")
	}
	if cb.State("anthropic") != cbClosed {
		t.Error("should still be closed before new threshold")
	}
}

func TestCircuitBreaker_WindowReset(t *testing.T) {
	cb := NewCircuitBreaker()
	cb.getOrCreate("anthropic")

	pcb := cb.breakers["anthropic"]
	pcb.mu.Lock()
	pcb.windowStart = time.Now().Add(-defaultCBTimeWindow - time.Second)
	pcb.errorCount = defaultCBErrorThreshold - 1
	pcb.mu.Unlock()

	cb.RecordFailure("anthropic")

	if cb.State("anthropic") != cbClosed {
		t.Error("error counter should reset after window expires; breaker should stay closed")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold; i++ {
		cb.RecordFailure("anthropic")
	}
	if cb.State("anthropic") != cbOpen {
		t.Fatal("expected open")
	}

	pcb := cb.breakers["anthropic"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-defaultCBHalfOpenTimeout - time.Second)
	pcb.mu.Unlock()

	if !cb.Allow("anthropic") {
		t.Error("should allow one probe in half-open state")
	}
	if cb.State("anthropic") != cbHalfOpen {
		t.Errorf("expected half_open, got %s", cb.StateLabel("anthropic"))
	}

	if cb.Allow("anthropic") {
		t.Error("should reject second request while probe is in flight")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold; i++ {
		cb.RecordFailure("anthropic")
	}
	pcb := cb.breakers["anthropic"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-defaultCBHalfOpenTimeout - time.Second)
	pcb.mu.Unlock()

	cb.Allow("anthropic") // transitions to half-open
	cb.RecordSuccess("anthropic")

	if cb.State("anthropic") != cbClosed {
		t.Error("success in half-open should close the breaker")
	}
	if !cb.Allow("anthropic") {
		t.Error("should allow requests after closing from half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold; i++ {
		cb.RecordFailure("anthropic")
	}
	pcb := cb.breakers["anthropic"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-defaultCBHalfOpenTimeout - time.Second)
	pcb.mu.Unlock()

	cb.Allow("anthropic") // transitions to half-open

	cb.RecordFailure("anthropic")

	if cb.State("anthropic") != cbOpen {
		t.Error("failure in half-open should reopen the breaker")
	}
}

func TestCircuitBreaker_IndependentNames(t *testing.T) {
	cb := NewCircuitBreaker()

	for i := 0; i < defaultCBErrorThreshold; i++ {
		cb.RecordFailure("anthropic")
	}

	if cb.State("anthropic") != cbOpen {
		t.Error("anthropic should be open")
	}
	if cb.State("other") != cbClosed {
		t.Error("other should remain closed")
	}
	if !cb.Allow("other") {
		t.Error("other should still allow requests")
	}
}

func TestCircuitBreaker_RecordOnUnregisteredName(t *testing.T) {
	cb := NewCircuitBreaker()
	cb.RecordSuccess("nonexistent")
	cb.RecordFailure("nonexistent")
	if cb.State("nonexistent") != cbClosed {
		t.Error("unregistered name state should default to closed")
	}
}

func TestCircuitBreaker_StateLabel(t *testing.T) {
	cb := NewCircuitBreaker()

	if cb.StateLabel("anthropic") != "closed" {
		t.Errorf("expected 'closed', got %s", cb.StateLabel("anthropic"))
	}

	for i := 0; i < defaultCBErrorThreshold; i++ {
		cb.RecordFailure("anthropic")
	}
	if cb.StateLabel("anthropic") != "open" {
		t.Errorf("expected 'open', got %s", cb.StateLabel("anthropic"))
	}

	pcb := cb.breakers["anthropic"]
	pcb.mu.Lock()
	pcb.openedAt = time.Now().Add(-defaultCBHalfOpenTimeout - time.Second)
	pcb.mu.Unlock()
	cb.Allow("anthropic")
	if cb.StateLabel("anthropic") != "half_open" {
		t.Errorf("expected 'half_open', got %s", cb.StateLabel("anthropic"))
	}
}
