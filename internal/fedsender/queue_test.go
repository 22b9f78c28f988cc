package fedsender

import (
	"log/slog"
	"testing"
	"time"
)

func TestDestinationQueue_NextTransaction_EmptyWhenNothingPending(t *testing.T) {
	q := newDestinationQueue("remote.example.org", &fakeSink{}, newFakeEventStore(), slog.Default())
	_, _, empty := q.nextTransaction()
	if !empty {
		t.Error("expected a freshly constructed queue to have nothing to send")
	}
}

func TestDestinationQueue_NextTransaction_OrdersPdusAndMergesKeyedEdus(t *testing.T) {
	q := newDestinationQueue("remote.example.org", &fakeSink{}, newFakeEventStore(), slog.Default())

	// Deliberately appended out of Order: two concurrent per-room fanout
	// goroutines can call EnqueuePdu in a sequence that doesn't match the
	// order their Order values were assigned in (see nextTransaction's
	// doc comment). nextTransaction must still hand them to the sink
	// sorted by Order, not by append/call sequence.
	q.pendingPdus = []pendingPdu{
		{pdu: PDU{EventID: "$e2"}, order: 2},
		{pdu: PDU{EventID: "$e1"}, order: 1},
	}
	q.pendingEdus = []Edu{{EduType: "m.unkeyed", Content: mustJSON("a")}}
	// Same (type, key): the second assignment must win, mirroring what
	// EnqueueKeyedEdu does under the lock.
	q.pendingKeyedEdu[keyedEduKey{eduType: "m.typing", key: "!room1"}] = Edu{EduType: "m.typing", Content: mustJSON("stale")}
	q.pendingKeyedEdu[keyedEduKey{eduType: "m.typing", key: "!room1"}] = Edu{EduType: "m.typing", Content: mustJSON("fresh")}

	pending, edus, empty := q.nextTransaction()
	if empty {
		t.Fatal("expected a non-empty transaction")
	}
	if len(pending) != 2 || pending[0].pdu.EventID != "$e1" || pending[1].pdu.EventID != "$e2" {
		t.Errorf("expected pdus sorted by order regardless of append sequence, got %+v", pending)
	}
	if len(edus) != 2 {
		t.Fatalf("expected 1 unkeyed + 1 keyed edu, got %d: %+v", len(edus), edus)
	}

	var keyed Edu
	for _, e := range edus {
		if e.EduType == "m.typing" {
			keyed = e
		}
	}
	if string(keyed.Content) != `"fresh"` {
		t.Errorf("expected the later keyed edu to win, got %s", keyed.Content)
	}

	// The buffers must be drained after assembly.
	if _, _, empty := q.nextTransaction(); !empty {
		t.Error("expected buffers to be empty after the first nextTransaction call")
	}
}

func TestDestinationQueue_NextTransaction_OnlyFlushesEligibleRooms(t *testing.T) {
	q := newDestinationQueue("remote.example.org", &fakeSink{}, newFakeEventStore(), slog.Default())

	q.pendingReceipts["!roomA"] = []ReadReceipt{{RoomID: "!roomA", UserID: "@alice:home.example.org"}}
	q.pendingReceipts["!roomB"] = []ReadReceipt{{RoomID: "!roomB", UserID: "@bob:home.example.org"}}
	q.flushableRooms["!roomA"] = true

	_, edus, empty := q.nextTransaction()
	if empty {
		t.Fatal("expected roomA's flush to produce a non-empty transaction")
	}
	if len(edus) != 1 {
		t.Fatalf("expected exactly 1 receipt edu (roomA only), got %d", len(edus))
	}
	if _, stillPending := q.pendingReceipts["!roomA"]; stillPending {
		t.Error("expected roomA's receipts to be cleared after flush")
	}
	if _, stillPending := q.pendingReceipts["!roomB"]; !stillPending {
		t.Error("expected roomB's receipts to remain buffered, since it was not marked flushable")
	}
}

func TestDestinationQueue_NextTransaction_PresenceKeepsOnlyLatestPerUser(t *testing.T) {
	q := newDestinationQueue("remote.example.org", &fakeSink{}, newFakeEventStore(), slog.Default())
	q.pendingPresence["@alice:home.example.org"] = UserPresenceState{UserID: "@alice:home.example.org", Status: "idle"}
	q.pendingPresence["@alice:home.example.org"] = UserPresenceState{UserID: "@alice:home.example.org", Status: "online"}

	_, edus, empty := q.nextTransaction()
	if empty || len(edus) != 1 {
		t.Fatalf("expected a single presence edu, got %d: %+v", len(edus), edus)
	}
	if edus[0].EduType != "amityvox.presence" {
		t.Errorf("expected a presence edu, got %q", edus[0].EduType)
	}
}

func TestDestinationQueue_DeadLetter_RecordsToStore(t *testing.T) {
	store := newFakeEventStore()
	q := newDestinationQueue("remote.example.org", &fakeSink{}, store, slog.Default())

	q.deadLetter([]PDU{{EventID: "$e1"}}, nil, maxQueueRetryAttempts)

	if len(store.deadLetters) != 1 {
		t.Fatalf("expected 1 dead letter recorded, got %d", len(store.deadLetters))
	}
	if store.deadLetters[0].dest != "remote.example.org" || store.deadLetters[0].attempts != maxQueueRetryAttempts {
		t.Errorf("unexpected dead letter record: %+v", store.deadLetters[0])
	}
}

func TestDestinationQueue_DeadLetter_NilStoreDoesNotPanic(t *testing.T) {
	q := newDestinationQueue("remote.example.org", &fakeSink{}, nil, slog.Default())
	q.deadLetter([]PDU{{EventID: "$e1"}}, nil, maxQueueRetryAttempts)
}

func TestRetryDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 30 * time.Second},
		{3, 2 * time.Minute},
		{4, 10 * time.Minute},
		{5, time.Hour},
		{9, time.Hour}, // beyond the table clamps to the longest delay
	}
	for _, c := range cases {
		if got := retryDelay(c.attempt); got != c.want {
			t.Errorf("retryDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestDestinationQueue_EnqueuePdu_DrainsOnSuccess(t *testing.T) {
	sink := &fakeSink{}
	q := newDestinationQueue("remote.example.org", sink, newFakeEventStore(), slog.Default())

	q.EnqueuePdu(PDU{EventID: "$e1"}, 1)
	q.EnqueueEdu(Edu{EduType: "m.unkeyed"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.transactions()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	txs := sink.transactions()
	if len(txs) != 1 {
		t.Fatalf("expected exactly 1 transaction sent, got %d", len(txs))
	}
	if len(txs[0].pdus) != 1 || txs[0].pdus[0].EventID != "$e1" {
		t.Errorf("unexpected pdus in sent transaction: %+v", txs[0].pdus)
	}
	if q.PendingPduCount() != 0 || q.PendingEduCount() != 0 {
		t.Error("expected queue to be fully drained after a successful send")
	}
}
