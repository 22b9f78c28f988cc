package fedsender

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeEventStore is an in-memory EventStore used across this package's
// tests. Events are appended in stream order; AllNewEventsStream serves
// them back exactly as store_postgres.go's real query would.
type fakeEventStore struct {
	mu sync.Mutex

	pos    map[string]int64
	events []PDU

	deadLetters []deadLetterRecord
}

type deadLetterRecord struct {
	dest     Destination
	pdus     []PDU
	edus     []Edu
	attempts int
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{pos: make(map[string]int64)}
}

func (s *fakeEventStore) FederationOutPos(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos[name], nil
}

func (s *fakeEventStore) UpdateFederationOutPos(ctx context.Context, name string, pos int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos[name] = pos
	return nil
}

func (s *fakeEventStore) AllNewEventsStream(ctx context.Context, fromToken, currentID int64, limit int) (int64, []PDU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PDU
	next := currentID
	for i, e := range s.events {
		order := int64(i + 1)
		if order <= fromToken || order > currentID {
			continue
		}
		out = append(out, e)
		next = order
		if len(out) >= limit {
			break
		}
	}
	if len(out) == 0 {
		next = currentID
	}
	return next, out, nil
}

func (s *fakeEventStore) MaxRoomStreamOrdering(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events)), nil
}

func (s *fakeEventStore) RecordDeadLetter(ctx context.Context, dest Destination, pdus []PDU, edus []Edu, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, deadLetterRecord{dest: dest, pdus: pdus, edus: edus, attempts: attempts})
	return nil
}

// fakeStateResolver returns a fixed host set per room, or an error if err
// is set.
type fakeStateResolver struct {
	mu    sync.Mutex
	hosts map[string][]Destination
	err   error
}

func newFakeStateResolver() *fakeStateResolver {
	return &fakeStateResolver{hosts: make(map[string][]Destination)}
}

func (r *fakeStateResolver) HostsInRoomAtEvents(ctx context.Context, roomID string, prevEventIDs []EventID) ([]Destination, error) {
	return r.CurrentHostsInRoom(ctx, roomID)
}

func (r *fakeStateResolver) CurrentHostsInRoom(ctx context.Context, roomID string) ([]Destination, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]Destination(nil), r.hosts[roomID]...), nil
}

// fakePresenceInterest routes every state to the same fixed destination set.
type fakePresenceInterest struct {
	destinations []Destination
	err          error
}

func (p *fakePresenceInterest) HostsAndStatesFor(ctx context.Context, states []UserPresenceState) ([]PresenceFanout, error) {
	if p.err != nil {
		return nil, p.err
	}
	if len(states) == 0 {
		return nil, nil
	}
	return []PresenceFanout{{Destinations: p.destinations, States: states}}, nil
}

// fakeSink records every transaction sent to it and can be configured to
// fail the next N sends.
type fakeSink struct {
	mu          sync.Mutex
	failNext    int
	err         error
	sent        []sentTransaction
}

type sentTransaction struct {
	dest Destination
	pdus []PDU
	edus []Edu
}

func (s *fakeSink) SendTransaction(ctx context.Context, dest Destination, pdus []PDU, edus []Edu) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		if s.err == nil {
			return errFakeSinkFailure
		}
		return s.err
	}
	s.sent = append(s.sent, sentTransaction{dest: dest, pdus: pdus, edus: edus})
	return nil
}

func (s *fakeSink) transactions() []sentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentTransaction(nil), s.sent...)
}

type fakeSinkError struct{ msg string }

func (e *fakeSinkError) Error() string { return e.msg }

var errFakeSinkFailure = &fakeSinkError{msg: "fake sink failure"}

// fakeAcker records every acknowledged position.
type fakeAcker struct {
	mu        sync.Mutex
	positions []int64
}

func (a *fakeAcker) AckFederationPosition(ctx context.Context, position int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positions = append(a.positions, position)
	return nil
}

func (a *fakeAcker) acked() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.positions...)
}

// recordingQueue is a DestinationQueue fake that just records what was
// enqueued, for tests that only care about fan-out decisions and not the
// reference queue's own send-loop behavior.
type recordingQueue struct {
	mu         sync.Mutex
	pdus       []PDU
	edus       []Edu
	keyedEdus  map[keyedEduKey]Edu
	presence   []UserPresenceState
	receipts   []ReadReceipt
	flushed    []string
	kicked     int
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{keyedEdus: make(map[keyedEduKey]Edu)}
}

func (q *recordingQueue) EnqueuePdu(pdu PDU, order Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pdus = append(q.pdus, pdu)
}

func (q *recordingQueue) EnqueueEdu(edu Edu) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.edus = append(q.edus, edu)
}

func (q *recordingQueue) EnqueueKeyedEdu(edu Edu, key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.keyedEdus[keyedEduKey{eduType: edu.EduType, key: key}] = edu
}

func (q *recordingQueue) EnqueuePresence(states []UserPresenceState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.presence = append(q.presence, states...)
}

func (q *recordingQueue) EnqueueReceipt(receipt ReadReceipt) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receipts = append(q.receipts, receipt)
}

func (q *recordingQueue) FlushReceiptsForRoom(roomID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.flushed = append(q.flushed, roomID)
}

func (q *recordingQueue) KickSendLoop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.kicked++
}

func (q *recordingQueue) Wake() { q.KickSendLoop() }

func (q *recordingQueue) IsTransmitting() bool { return false }

func (q *recordingQueue) PendingPduCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pdus)
}

func (q *recordingQueue) PendingEduCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.edus) + len(q.keyedEdus)
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
