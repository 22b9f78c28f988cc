package fedsender

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
)

const fanoutTestServerName = Destination("home.example.org")

func newTestFanout(t *testing.T, resolver StateResolver, registry *QueueRegistry) *EventFanout {
	t.Helper()
	isMine := func(u UserID) bool { return IsMine(u, fanoutTestServerName) }
	var ctr atomic.Int64
	return NewEventFanout(newFakeEventStore(), resolver, registry, fanoutTestServerName, isMine, 4, &ctr, NewMetrics(), slog.Default())
}

func newTestRegistry() (*QueueRegistry, map[Destination]*recordingQueue) {
	made := make(map[Destination]*recordingQueue)
	registry := NewQueueRegistry(func(d Destination) DestinationQueue {
		q := newRecordingQueue()
		made[d] = q
		return q
	})
	return registry, made
}

func localEvent(roomID string) PDU {
	return PDU{
		EventID: "$event1",
		RoomID:  roomID,
		Sender:  "@alice:home.example.org",
		InternalMetadata: PDUMetadata{
			ProactivelySend: true,
		},
	}
}

func TestEventFanout_HandleEvent_FansOutLocalEvent(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{"remote-a.example.org", "remote-b.example.org"}
	registry, made := newTestRegistry()
	fanout := newTestFanout(t, resolver, registry)

	fanout.handleEvent(context.Background(), localEvent("!room1"))

	for _, dest := range []Destination{"remote-a.example.org", "remote-b.example.org"} {
		if made[dest] == nil || made[dest].PendingPduCount() != 1 {
			t.Errorf("expected exactly one pdu enqueued for %s", dest)
		}
	}
}

func TestEventFanout_HandleEvent_SkipsRemoteOriginWithoutBehalfOf(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{"remote-a.example.org"}
	registry, made := newTestRegistry()
	fanout := newTestFanout(t, resolver, registry)

	event := localEvent("!room1")
	event.Sender = "@bob:other.example.org" // remote origin, no relay
	fanout.handleEvent(context.Background(), event)

	if len(made) != 0 {
		t.Error("expected a remote-origin event with no send-on-behalf-of to be dropped before any queue is touched")
	}
}

func TestEventFanout_HandleEvent_RelayedOnBehalfOfExcludesOrigin(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{"origin.example.org", "remote-b.example.org"}
	registry, made := newTestRegistry()
	fanout := newTestFanout(t, resolver, registry)

	origin := Destination("origin.example.org")
	event := localEvent("!room1")
	event.Sender = "@bob:other.example.org"
	event.InternalMetadata.SendOnBehalfOfDest = &origin
	fanout.handleEvent(context.Background(), event)

	if made["origin.example.org"] != nil {
		t.Error("expected the relaying origin to be excluded from fan-out")
	}
	if made["remote-b.example.org"] == nil || made["remote-b.example.org"].PendingPduCount() != 1 {
		t.Error("expected the other room host to still receive the relayed event")
	}
}

func TestEventFanout_HandleEvent_NonProactiveEventIsSkipped(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.hosts["!room1"] = []Destination{"remote-a.example.org"}
	registry, made := newTestRegistry()
	fanout := newTestFanout(t, resolver, registry)

	event := localEvent("!room1")
	event.InternalMetadata.ProactivelySend = false
	fanout.handleEvent(context.Background(), event)

	if len(made) != 0 {
		t.Error("expected a non-proactive event to never reach host resolution")
	}
}

func TestEventFanout_HandleEvent_ResolverErrorIsSwallowed(t *testing.T) {
	resolver := newFakeStateResolver()
	resolver.err = errFakeSinkFailure
	registry, made := newTestRegistry()
	fanout := newTestFanout(t, resolver, registry)

	fanout.handleEvent(context.Background(), localEvent("!room1"))

	if len(made) != 0 {
		t.Error("expected a resolver failure to drop the event without enqueuing anything")
	}
}

func TestEventFanout_SendPdu_FiltersLocalServerAndOrdersMonotonically(t *testing.T) {
	registry, made := newTestRegistry()
	fanout := newTestFanout(t, nil, registry)

	fanout.SendPdu(PDU{EventID: "$e1"}, []Destination{"remote-a.example.org", fanoutTestServerName})
	fanout.SendPdu(PDU{EventID: "$e2"}, []Destination{"remote-a.example.org"})

	q := made["remote-a.example.org"]
	if q == nil || q.PendingPduCount() != 2 {
		t.Fatalf("expected 2 pdus enqueued for remote-a.example.org, got %v", q)
	}
	if made[fanoutTestServerName] != nil {
		t.Error("expected the local server name to never get its own queue")
	}
	if q.pdus[0].EventID != "$e1" || q.pdus[1].EventID != "$e2" {
		t.Error("expected pdus to be enqueued in call order")
	}
}
