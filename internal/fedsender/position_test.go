package fedsender

import (
	"context"
	"log/slog"
	"testing"
)

func TestPositionTracker_AdvancesAndAcksMonotonically(t *testing.T) {
	store := newFakeEventStore()
	acker := &fakeAcker{}
	p := NewPositionTracker(store, acker, slog.Default())

	p.UpdateToken(context.Background(), 5)
	if got := p.GetCurrentToken(); got != 5 {
		t.Fatalf("expected current token 5, got %d", got)
	}
	pos, _ := store.FederationOutPos(context.Background(), "federation")
	if pos != 5 {
		t.Errorf("expected persisted federation position 5, got %d", pos)
	}
	if acked := acker.acked(); len(acked) != 1 || acked[0] != 5 {
		t.Errorf("expected a single ack of 5, got %v", acked)
	}

	// A token at or below the current position must not re-persist or re-ack.
	p.UpdateToken(context.Background(), 5)
	p.UpdateToken(context.Background(), 3)
	if acked := acker.acked(); len(acked) != 1 {
		t.Errorf("expected no additional acks for non-advancing tokens, got %v", acked)
	}

	p.UpdateToken(context.Background(), 9)
	if got := p.GetCurrentToken(); got != 9 {
		t.Errorf("expected current token to advance to 9, got %d", got)
	}
	if acked := acker.acked(); len(acked) != 2 || acked[1] != 9 {
		t.Errorf("expected a second ack of 9, got %v", acked)
	}
}

func TestPositionTracker_NilAckerIsSafe(t *testing.T) {
	store := newFakeEventStore()
	p := NewPositionTracker(store, nil, slog.Default())

	p.UpdateToken(context.Background(), 1)
	if got := p.GetCurrentToken(); got != 1 {
		t.Errorf("expected current token 1, got %d", got)
	}
	pos, _ := store.FederationOutPos(context.Background(), "federation")
	if pos != 1 {
		t.Errorf("expected persisted federation position 1 even with no acker, got %d", pos)
	}
}
