package fedsender

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

const receiptsTestServerName = Destination("home.example.org")

func TestReceiptScheduler_FirstReceiptFlushesImmediately(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{"remote-a.example.org", "remote-b.example.org"}
	registry, made := newTestRegistry()
	s := NewReceiptScheduler(registry, resolver, func() time.Duration { return time.Hour }, slog.Default())

	s.SendReadReceipt(context.Background(), ReadReceipt{RoomID: "!room1", UserID: "@alice:home.example.org"}, receiptsTestServerName)

	for _, dest := range []Destination{"remote-a.example.org", "remote-b.example.org"} {
		q := made[dest]
		if q == nil || len(q.receipts) != 1 {
			t.Errorf("expected 1 buffered receipt for %s, got %v", dest, q)
		}
		if q == nil || len(q.flushed) != 1 || q.flushed[0] != "!room1" {
			t.Errorf("expected an immediate flush for %s, got %v", dest, q)
		}
	}
}

func TestReceiptScheduler_SecondReceiptWaitsForTimer(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{"remote-a.example.org"}
	registry, made := newTestRegistry()
	s := NewReceiptScheduler(registry, resolver, func() time.Duration { return 30 * time.Millisecond }, slog.Default())

	s.SendReadReceipt(context.Background(), ReadReceipt{RoomID: "!room1", UserID: "@alice:home.example.org"}, receiptsTestServerName)
	s.SendReadReceipt(context.Background(), ReadReceipt{RoomID: "!room1", UserID: "@alice:home.example.org"}, receiptsTestServerName)

	q := made["remote-a.example.org"]
	if len(q.flushed) != 1 {
		t.Fatalf("expected the second receipt to not trigger an immediate flush, got %d flushes", len(q.flushed))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(q.flushed) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(q.flushed) != 2 {
		t.Errorf("expected the scheduled timer to flush the room a second time, got %d flushes", len(q.flushed))
	}
}

func TestReceiptScheduler_FiltersLocalServerName(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{receiptsTestServerName}
	registry, made := newTestRegistry()
	s := NewReceiptScheduler(registry, resolver, func() time.Duration { return time.Hour }, slog.Default())

	s.SendReadReceipt(context.Background(), ReadReceipt{RoomID: "!room1"}, receiptsTestServerName)

	if len(made) != 0 {
		t.Error("expected the local server name to never get its own queue")
	}
}

func TestReceiptScheduler_ResolverErrorIsSwallowed(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.err = errFakeSinkFailure
	registry, made := newTestRegistry()
	s := NewReceiptScheduler(registry, resolver, func() time.Duration { return time.Hour }, slog.Default())

	s.SendReadReceipt(context.Background(), ReadReceipt{RoomID: "!room1"}, receiptsTestServerName)

	if len(made) != 0 {
		t.Error("expected a resolver failure to enqueue nothing")
	}
}
