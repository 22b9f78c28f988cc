package fedsender

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// newTestDispatcher builds a Dispatcher by hand, wiring the same
// sub-components NewDispatcher would, but skipping ReplicationIngress.Start
// (which requires a live *events.Bus / NATS connection). This exercises
// every one of Dispatcher's delegating methods against fakes.
func newTestDispatcher(t *testing.T) (*Dispatcher, map[Destination]*recordingQueue, *fakeEventStore) {
	t.Helper()
	const serverName = Destination("home.example.org")
	isMine := func(u UserID) bool { return IsMine(u, serverName) }

	store := newFakeEventStore()
	resolver := newFakeStateResolver()
	registry, made := newTestRegistry()
	metrics := NewMetrics()
	var ctr atomic.Int64

	fanout := NewEventFanout(store, resolver, registry, serverName, isMine, 4, &ctr, metrics, slog.Default())
	receipts := NewReceiptScheduler(registry, resolver, func() time.Duration { return time.Hour }, slog.Default())
	presence := NewPresenceBatcher(registry, &fakePresenceInterest{destinations: []Destination{"remote-a.example.org"}}, func() bool { return true }, isMine, slog.Default())
	positions := NewPositionTracker(store, &fakeAcker{}, slog.Default())
	ingress := NewReplicationIngress(nil, fanout, receipts, presence, registry, positions, serverName, isMine, slog.Default())

	d := &Dispatcher{
		registry:   registry,
		fanout:     fanout,
		receipts:   receipts,
		presence:   presence,
		ingress:    ingress,
		positions:  positions,
		metrics:    metrics,
		serverName: serverName,
		log:        slog.Default(),
	}
	return d, made, store
}

func TestDispatcher_SendReadReceipt_Delegates(t *testing.T) {
	d, made, _ := newTestDispatcher(t)
	d.ingress.receipts.resolver.(*fakeStateResolver).hosts["!room1"] = []Destination{"remote-a.example.org"}

	d.SendReadReceipt(context.Background(), ReadReceipt{RoomID: "!room1", UserID: "@alice:home.example.org"})

	q := made["remote-a.example.org"]
	if q == nil || len(q.receipts) != 1 {
		t.Fatalf("expected the receipt to reach remote-a.example.org, got %v", q)
	}
}

func TestDispatcher_SendPresence_Delegates(t *testing.T) {
	d, made, _ := newTestDispatcher(t)

	d.SendPresence(context.Background(), []UserPresenceState{{UserID: "@alice:home.example.org", Status: "online"}})

	q := made["remote-a.example.org"]
	if q == nil || len(q.presence) != 1 {
		t.Fatalf("expected the presence state to reach remote-a.example.org, got %v", q)
	}
}

func TestDispatcher_BuildAndSendEdu_Delegates(t *testing.T) {
	d, made, _ := newTestDispatcher(t)

	d.BuildAndSendEdu("remote-a.example.org", "amityvox.typing", mustJSON(map[string]bool{"typing": true}), nil)

	q := made["remote-a.example.org"]
	if q == nil || len(q.edus) != 1 {
		t.Fatalf("expected an edu enqueued on remote-a.example.org, got %v", q)
	}
}

func TestDispatcher_GetCurrentToken_Delegates(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	d.positions.UpdateToken(context.Background(), 42)
	if got := d.GetCurrentToken(); got != 42 {
		t.Errorf("GetCurrentToken() = %d, want 42", got)
	}
}

func TestDispatcher_GetReplicationRows_AlwaysEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	if rows := d.GetReplicationRows(context.Background(), 0, 100, 50); rows != nil {
		t.Errorf("expected GetReplicationRows to always return nil, got %v", rows)
	}
}

func TestDispatcher_ProcessReplicationRows_Delegates(t *testing.T) {
	d, made, _ := newTestDispatcher(t)

	d.ProcessReplicationRows(context.Background(), "device_lists", 1, []json.RawMessage{mustJSON(entityStreamRow{Entity: "s2.example.org"})})

	if q := made["s2.example.org"]; q == nil || q.kicked != 1 {
		t.Errorf("expected device_lists processing to kick s2.example.org's send loop, got %v", q)
	}
}
