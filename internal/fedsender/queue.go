package fedsender

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// maxQueueRetryAttempts is the maximum number of delivery attempts before a
// transaction is moved to the dead-letter store.
const maxQueueRetryAttempts = 10

// DestinationQueue is the per-remote-server ordered queue contract. At
// most one transaction is ever in flight to a destination at a time.
// Implementations must uphold:
//
//   - PDUs are delivered to the remote in increasing Order.
//   - EnqueueEdu is FIFO among unkeyed EDUs.
//   - EnqueueKeyedEdu replaces any previously queued, not-yet-sent EDU with
//     the same (EduType, key).
//   - EnqueuePresence keeps only the latest state per user until sent.
//   - Buffered receipts are not flushed until FlushReceiptsForRoom is
//     called for their room.
//   - Retries and backoff on transport failure are internal.
type DestinationQueue interface {
	EnqueuePdu(pdu PDU, order Order)
	EnqueueEdu(edu Edu)
	EnqueueKeyedEdu(edu Edu, key string)
	EnqueuePresence(states []UserPresenceState)
	EnqueueReceipt(receipt ReadReceipt)
	FlushReceiptsForRoom(roomID string)
	KickSendLoop()
	Wake()
	IsTransmitting() bool
	PendingPduCount() int
	PendingEduCount() int
}

type pendingPdu struct {
	pdu   PDU
	order Order
}

type keyedEduKey struct {
	eduType string
	key     string
}

// destinationQueue is the reference DestinationQueue implementation. Its
// shape — a mutex-protected pending buffer plus a single background send
// goroutine that restarts itself whenever work arrives — follows
// Dendrite's federationsender/queue.destinationQueue; its retry/backoff
// and dead-letter behavior follows AmityVox's own
// internal/federation/sync.go.deliverToPeer and insertDeadLetter.
type destinationQueue struct {
	dest  Destination
	sink  TransmissionSink
	store EventStore
	log   *slog.Logger

	mu              sync.Mutex
	running         bool
	transmitting    bool
	pendingPdus     []pendingPdu
	pendingEdus     []Edu
	pendingKeyedEdu map[keyedEduKey]Edu
	pendingPresence map[UserID]UserPresenceState
	pendingReceipts map[string][]ReadReceipt // room_id -> receipts
	flushableRooms  map[string]bool          // room_id -> eligible for send
	wakeCh          chan struct{}
}

// newDestinationQueue constructs a reference queue for dest. sink performs
// the actual transaction send; store is used only to record dead letters
// after retries are exhausted (may be nil, in which case dead letters are
// simply dropped after logging).
func newDestinationQueue(dest Destination, sink TransmissionSink, store EventStore, log *slog.Logger) *destinationQueue {
	return &destinationQueue{
		dest:            dest,
		sink:            sink,
		store:           store,
		log:             log,
		pendingKeyedEdu: make(map[keyedEduKey]Edu),
		pendingPresence: make(map[UserID]UserPresenceState),
		pendingReceipts: make(map[string][]ReadReceipt),
		flushableRooms:  make(map[string]bool),
		wakeCh:          make(chan struct{}, 1),
	}
}

func (q *destinationQueue) EnqueuePdu(pdu PDU, order Order) {
	q.mu.Lock()
	q.pendingPdus = append(q.pendingPdus, pendingPdu{pdu: pdu, order: order})
	q.mu.Unlock()
	q.ensureRunning()
}

func (q *destinationQueue) EnqueueEdu(edu Edu) {
	q.mu.Lock()
	q.pendingEdus = append(q.pendingEdus, edu)
	q.mu.Unlock()
	q.ensureRunning()
}

func (q *destinationQueue) EnqueueKeyedEdu(edu Edu, key string) {
	q.mu.Lock()
	q.pendingKeyedEdu[keyedEduKey{eduType: edu.EduType, key: key}] = edu
	q.mu.Unlock()
	q.ensureRunning()
}

func (q *destinationQueue) EnqueuePresence(states []UserPresenceState) {
	q.mu.Lock()
	for _, s := range states {
		q.pendingPresence[s.UserID] = s
	}
	q.mu.Unlock()
	q.ensureRunning()
}

func (q *destinationQueue) EnqueueReceipt(receipt ReadReceipt) {
	q.mu.Lock()
	q.pendingReceipts[receipt.RoomID] = append(q.pendingReceipts[receipt.RoomID], receipt)
	q.mu.Unlock()
}

func (q *destinationQueue) FlushReceiptsForRoom(roomID string) {
	q.mu.Lock()
	q.flushableRooms[roomID] = true
	q.mu.Unlock()
	q.ensureRunning()
}

func (q *destinationQueue) KickSendLoop() {
	q.ensureRunning()
}

func (q *destinationQueue) Wake() {
	q.ensureRunning()
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *destinationQueue) IsTransmitting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.transmitting
}

func (q *destinationQueue) PendingPduCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendingPdus)
}

func (q *destinationQueue) PendingEduCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pendingEdus) + len(q.pendingKeyedEdu)
}

// ensureRunning starts the background send loop if it isn't already
// running. Idempotent while one is in flight.
func (q *destinationQueue) ensureRunning() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.backgroundSend()
}

// backgroundSend drains the pending buffers into transactions, one at a
// time, until there is nothing left to send.
func (q *destinationQueue) backgroundSend() {
	for attempt := 0; ; {
		pending, edus, empty := q.nextTransaction()
		if empty {
			// Work enqueued after nextTransaction looked found running=true
			// and did not start a loop, so check again before stopping.
			q.mu.Lock()
			if len(q.pendingPdus) > 0 || len(q.pendingEdus) > 0 || len(q.pendingKeyedEdu) > 0 ||
				len(q.pendingPresence) > 0 || q.anyFlushableReceiptsLocked() {
				q.mu.Unlock()
				continue
			}
			q.running = false
			q.mu.Unlock()
			return
		}

		pdus := make([]PDU, len(pending))
		for i, p := range pending {
			pdus[i] = p.pdu
		}

		q.mu.Lock()
		q.transmitting = true
		q.mu.Unlock()

		err := q.sink.SendTransaction(context.Background(), q.dest, pdus, edus)

		q.mu.Lock()
		q.transmitting = false
		q.mu.Unlock()

		if err == nil {
			attempt = 0
			continue
		}

		attempt++
		q.log.Warn("federation transaction failed",
			slog.String("destination", string(q.dest)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt >= maxQueueRetryAttempts {
			q.deadLetter(pdus, edus, attempt)
			attempt = 0
			continue
		}

		time.Sleep(retryDelay(attempt))

		// Re-queue the failed batch ahead of anything queued meanwhile,
		// preserving each PDU's original order so a retry can never land
		// it out of order relative to PDUs enqueued while it was in flight.
		q.mu.Lock()
		requeued := make([]pendingPdu, len(pending))
		copy(requeued, pending)
		q.pendingPdus = append(requeued, q.pendingPdus...)
		q.pendingEdus = append(edus, q.pendingEdus...)
		q.mu.Unlock()
	}
}

// nextTransaction assembles the next transaction from pending state and
// flushes the buffers it consumed. Returns empty=true if there was
// nothing to send.
//
// The returned PDUs are sorted by their assigned Order rather than trusted
// to already be in that order: EventFanout assigns Order and calls
// EnqueuePdu from concurrently-running per-room goroutines (one order
// counter shared across rooms, but no lock spans assignment and the
// enqueue call), so two rooms targeting the same destination can have
// their EnqueuePdu calls land in a different sequence than their Order
// values were handed out in. Sorting here, rather than trusting call
// order, is what actually upholds "PDUs observed by a destination in
// increasing Order".
func (q *destinationQueue) nextTransaction() (pending []pendingPdu, edus []Edu, empty bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pendingPdus) == 0 && len(q.pendingEdus) == 0 && len(q.pendingKeyedEdu) == 0 &&
		len(q.pendingPresence) == 0 && !q.anyFlushableReceiptsLocked() {
		return nil, nil, true
	}

	pending = make([]pendingPdu, len(q.pendingPdus))
	copy(pending, q.pendingPdus)
	sort.Slice(pending, func(i, j int) bool { return pending[i].order < pending[j].order })
	q.pendingPdus = nil

	edus = append(edus, q.pendingEdus...)
	q.pendingEdus = nil

	for _, e := range q.pendingKeyedEdu {
		edus = append(edus, e)
	}
	q.pendingKeyedEdu = make(map[keyedEduKey]Edu)

	if len(q.pendingPresence) > 0 {
		edus = append(edus, presenceEdu(q.dest, q.pendingPresence))
		q.pendingPresence = make(map[UserID]UserPresenceState)
	}

	for roomID, flush := range q.flushableRooms {
		if !flush {
			continue
		}
		for _, r := range q.pendingReceipts[roomID] {
			edus = append(edus, receiptEdu(q.dest, r))
		}
		delete(q.pendingReceipts, roomID)
	}
	q.flushableRooms = make(map[string]bool)

	return pending, edus, false
}

func (q *destinationQueue) anyFlushableReceiptsLocked() bool {
	for roomID, flush := range q.flushableRooms {
		if flush && len(q.pendingReceipts[roomID]) > 0 {
			return true
		}
	}
	return false
}

func (q *destinationQueue) deadLetter(pdus []PDU, edus []Edu, attempts int) {
	q.log.Warn("federation transaction exhausted retries, dead-lettering",
		slog.String("destination", string(q.dest)),
		slog.Int("pdu_count", len(pdus)),
		slog.Int("edu_count", len(edus)),
		slog.Int("attempts", attempts),
	)
	if q.store == nil {
		return
	}
	if err := q.store.RecordDeadLetter(context.Background(), q.dest, pdus, edus, attempts); err != nil {
		q.log.Error("failed to record dead letter",
			slog.String("destination", string(q.dest)),
			slog.String("error", err.Error()))
	}
}

// retryDelay returns the backoff delay for a given attempt number,
// matching internal/federation/sync.go's schedule: 5s, 30s, 2m, 10m, 1h.
func retryDelay(attempt int) time.Duration {
	delays := []time.Duration{
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
		10 * time.Minute,
		1 * time.Hour,
	}
	if attempt-1 < len(delays) && attempt-1 >= 0 {
		return delays[attempt-1]
	}
	return delays[len(delays)-1]
}

func presenceEdu(dest Destination, states map[UserID]UserPresenceState) Edu {
	list := make([]UserPresenceState, 0, len(states))
	for _, s := range states {
		list = append(list, s)
	}
	return Edu{Destination: dest, EduType: "amityvox.presence", Content: marshalOrEmpty(list)}
}

func receiptEdu(dest Destination, r ReadReceipt) Edu {
	return Edu{Destination: dest, EduType: "amityvox.receipt", Content: marshalOrEmpty(r)}
}
