package fedsender

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

const replicationTestServerName = Destination("home.example.org")

func newTestIngress(t *testing.T) (*ReplicationIngress, map[Destination]*recordingQueue, *fakeEventStore, *fakeAcker) {
	t.Helper()
	store := newFakeEventStore()
	resolver := newFakeStateResolver()
	registry, made := newTestRegistry()
	isMine := func(u UserID) bool { return IsMine(u, replicationTestServerName) }
	var ctr atomic.Int64

	fanout := NewEventFanout(store, resolver, registry, replicationTestServerName, isMine, 4, &ctr, NewMetrics(), slog.Default())
	receipts := NewReceiptScheduler(registry, resolver, func() time.Duration { return time.Hour }, slog.Default())
	presence := NewPresenceBatcher(registry, &fakePresenceInterest{}, func() bool { return true }, isMine, slog.Default())
	acker := &fakeAcker{}
	positions := NewPositionTracker(store, acker, slog.Default())

	ingress := NewReplicationIngress(nil, fanout, receipts, presence, registry, positions, replicationTestServerName, isMine, slog.Default())
	return ingress, made, store, acker
}

func TestReplicationIngress_DeviceLists_FiltersLocalEntitiesAndDeduplicates(t *testing.T) {
	ingress, made, _, _ := newTestIngress(t)

	rows := []json.RawMessage{
		mustJSON(entityStreamRow{Entity: "@alice:s1.example.org"}),
		mustJSON(entityStreamRow{Entity: "s2.example.org"}),
		mustJSON(entityStreamRow{Entity: "s3.example.org"}),
		mustJSON(entityStreamRow{Entity: "s2.example.org"}),
	}

	ingress.ProcessReplicationRows(context.Background(), "device_lists", 42, rows)

	if made["@alice:s1.example.org"] != nil {
		t.Error("expected a local-user entity to never get its own queue")
	}
	if q := made["s2.example.org"]; q == nil || q.kicked != 1 {
		t.Errorf("expected s2.example.org's send loop kicked exactly once, got %v", q)
	}
	if q := made["s3.example.org"]; q == nil || q.kicked != 1 {
		t.Errorf("expected s3.example.org's send loop kicked exactly once, got %v", q)
	}
}

func TestReplicationIngress_ToDevice_SameEntityFilterAsDeviceLists(t *testing.T) {
	ingress, made, _, _ := newTestIngress(t)

	rows := []json.RawMessage{
		mustJSON(entityStreamRow{Entity: "@bob:s1.example.org"}),
		mustJSON(entityStreamRow{Entity: "s4.example.org"}),
	}
	ingress.ProcessReplicationRows(context.Background(), "to_device", 1, rows)

	if made["@bob:s1.example.org"] != nil {
		t.Error("expected a local-user entity to never get its own queue")
	}
	if q := made["s4.example.org"]; q == nil || q.kicked != 1 {
		t.Errorf("expected s4.example.org's send loop kicked exactly once, got %v", q)
	}
}

func TestReplicationIngress_FederationRow_Edu(t *testing.T) {
	ingress, made, _, acker := newTestIngress(t)

	row := federationStreamRow{
		Kind:        "edu",
		Destination: "remote-a.example.org",
		EduType:     "amityvox.typing",
		Content:     mustJSON(map[string]bool{"typing": true}),
	}
	ingress.ProcessReplicationRows(context.Background(), "federation", 7, []json.RawMessage{mustJSON(row)})

	q := made["remote-a.example.org"]
	if q == nil || len(q.edus) != 1 || q.edus[0].EduType != "amityvox.typing" {
		t.Fatalf("expected the edu enqueued on remote-a.example.org, got %v", q)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(acker.acked()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if acked := acker.acked(); len(acked) != 1 || acked[0] != 7 {
		t.Errorf("expected the federation token to be acknowledged as 7, got %v", acked)
	}
}

func TestReplicationIngress_FederationRow_KeyedEdu(t *testing.T) {
	ingress, made, _, _ := newTestIngress(t)

	key := "!room1"
	row := federationStreamRow{
		Kind:        "edu",
		Destination: "remote-a.example.org",
		EduType:     "m.typing",
		Content:     mustJSON(map[string]bool{"typing": true}),
		Key:         &key,
	}
	ingress.ProcessReplicationRows(context.Background(), "federation", 1, []json.RawMessage{mustJSON(row)})

	q := made["remote-a.example.org"]
	if q == nil || len(q.keyedEdus) != 1 {
		t.Fatalf("expected the edu enqueued as keyed, got %v", q)
	}
}

func TestReplicationIngress_EventsRow_UsesLastRowWhenPresent(t *testing.T) {
	ingress, _, _, _ := newTestIngress(t)

	ingress.ProcessReplicationRows(context.Background(), "events", 99, []json.RawMessage{
		mustJSON(eventsStreamRow{CurrentID: 3}),
		mustJSON(eventsStreamRow{CurrentID: 10}),
	})

	ingress.fanout.mu.Lock()
	got := ingress.fanout.lastPokedID
	ingress.fanout.mu.Unlock()
	if got != 10 {
		t.Errorf("expected the fanout watermark to advance to the last row's CurrentID (10), got %d", got)
	}
}

func TestReplicationIngress_EventsRow_FallsBackToTokenWhenNoRows(t *testing.T) {
	ingress, _, _, _ := newTestIngress(t)

	ingress.ProcessReplicationRows(context.Background(), "events", 55, nil)

	ingress.fanout.mu.Lock()
	got := ingress.fanout.lastPokedID
	ingress.fanout.mu.Unlock()
	if got != 55 {
		t.Errorf("expected the fanout watermark to fall back to the batch token (55), got %d", got)
	}
}

func TestReplicationIngress_ReceiptsRow_FiltersNonLocalUsers(t *testing.T) {
	ingress, made, _, _ := newTestIngress(t)
	ingress.receipts.resolver.(*fakeStateResolver).hosts["!room1"] = []Destination{"remote-a.example.org"}

	rows := []json.RawMessage{
		mustJSON(receiptsStreamRow{UserID: "@alice:other.example.org", RoomID: "!room1", ReceiptType: "m.read"}),
		mustJSON(receiptsStreamRow{UserID: "@bob:home.example.org", RoomID: "!room1", ReceiptType: "m.read"}),
	}
	ingress.ProcessReplicationRows(context.Background(), "receipts", 1, rows)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q := made["remote-a.example.org"]; q != nil && len(q.receipts) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	q := made["remote-a.example.org"]
	if q == nil || len(q.receipts) != 1 {
		t.Fatalf("expected exactly 1 receipt forwarded (the local user's), got %v", q)
	}
	if q.receipts[0].UserID != "@bob:home.example.org" {
		t.Errorf("expected the forwarded receipt to be bob's, got %q", q.receipts[0].UserID)
	}
}

func TestReplicationIngress_BuildAndSendEdu_IgnoresSelfDestined(t *testing.T) {
	ingress, made, _, _ := newTestIngress(t)

	ingress.BuildAndSendEdu(replicationTestServerName, "amityvox.typing", mustJSON(map[string]bool{"typing": true}), nil)

	if len(made) != 0 {
		t.Error("expected a self-destined EDU to be dropped before reaching any queue")
	}
}

func TestReplicationIngress_SendDeviceMessages_IgnoresSelfDestined(t *testing.T) {
	ingress, made, _, _ := newTestIngress(t)

	ingress.SendDeviceMessages(replicationTestServerName)

	if len(made) != 0 {
		t.Error("expected a self-destined wake to never create a queue")
	}
}
