package fedsender

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReceiptScheduler collapses bursts of read receipts in a room into
// periodic flushes whose period scales with the room's fanout. A
// buffered receipt is sent only once FlushReceiptsForRoom is called for
// its room; a queue that transmits earlier for other reasons does not
// carry it.
//
// Background: sending read receipts out as soon as they arrive from a
// client would drive O(N^2) federation transactions in a large room (more
// receipts arrive as a room grows, and there are more servers to send
// each one to). Instead the first receipt in a room is sent immediately,
// and subsequent ones are buffered for an interval that scales with the
// number of destination servers, so the aggregate transaction rate per
// room stays roughly constant.
type ReceiptScheduler struct {
	registry *QueueRegistry
	resolver StateResolver
	log      *slog.Logger

	intervalPerDomain func() time.Duration

	mu            sync.Mutex
	pendingByRoom map[string]map[DestinationQueue]struct{}
	timers        map[string]*time.Timer
}

// NewReceiptScheduler creates a scheduler. intervalPerDomain is called on
// every scheduling decision so that config changes (or tests) can vary
// the per-domain backoff at runtime.
func NewReceiptScheduler(registry *QueueRegistry, resolver StateResolver, intervalPerDomain func() time.Duration, log *slog.Logger) *ReceiptScheduler {
	return &ReceiptScheduler{
		registry:          registry,
		resolver:          resolver,
		log:               log,
		intervalPerDomain: intervalPerDomain,
		pendingByRoom:     make(map[string]map[DestinationQueue]struct{}),
		timers:            make(map[string]*time.Timer),
	}
}

// SendReadReceipt fans a receipt out to every remote host currently in the
// receipt's room and, if no flush is already scheduled for that room,
// flushes it immediately and arms the next flush timer.
func (s *ReceiptScheduler) SendReadReceipt(ctx context.Context, receipt ReadReceipt, serverName Destination) {
	domains, err := s.resolver.CurrentHostsInRoom(ctx, receipt.RoomID)
	if err != nil {
		s.log.Warn("receipt scheduler: failed to resolve hosts in room",
			slog.String("room_id", receipt.RoomID),
			slog.String("error", err.Error()))
		return
	}
	filtered := domains[:0]
	for _, d := range domains {
		if d != serverName {
			filtered = append(filtered, d)
		}
	}
	domains = filtered
	if len(domains) == 0 {
		return
	}

	queues := make([]DestinationQueue, len(domains))
	for i, d := range domains {
		queues[i] = s.registry.Get(d)
	}

	// Whether a flush is already armed for this room, and — if so — mark
	// these queues pending for it, is decided and applied atomically under
	// a single lock so a concurrent flushRoom can never observe the
	// pending set mid-update (see flushRoom).
	s.mu.Lock()
	_, scheduled := s.pendingByRoom[receipt.RoomID]
	if scheduled {
		pending := s.pendingByRoom[receipt.RoomID]
		for _, q := range queues {
			pending[q] = struct{}{}
		}
	} else {
		s.pendingByRoom[receipt.RoomID] = make(map[DestinationQueue]struct{})
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.EnqueueReceipt(receipt)
		if !scheduled {
			q.FlushReceiptsForRoom(receipt.RoomID)
		}
	}

	if !scheduled {
		s.armTimer(receipt.RoomID, len(domains))
	}
}

// armTimer starts the one-shot flush timer for roomID, firing
// intervalPerDomain() * nDomains from now. Callers must have already
// created (or re-created) roomID's pendingByRoom entry.
func (s *ReceiptScheduler) armTimer(roomID string, nDomains int) {
	backoff := s.intervalPerDomain() * time.Duration(nDomains)

	s.mu.Lock()
	s.timers[roomID] = time.AfterFunc(backoff, func() { s.flushRoom(roomID) })
	s.mu.Unlock()
}

// flushRoom is the timer callback: it removes the room's pending entry,
// and — if any queues accrued receipts while the timer was armed —
// flushes them and re-arms the cycle. If none accrued, the room returns
// to idle.
//
// The pending set is copied out to a slice before the lock is released,
// never ranged over while unlocked: SendReadReceipt may still be holding
// a reference to the same map and mutating it under s.mu, so iterating it
// without the lock would race.
func (s *ReceiptScheduler) flushRoom(roomID string) {
	s.mu.Lock()
	queues, ok := s.pendingByRoom[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, roomID)
	if len(queues) == 0 {
		delete(s.pendingByRoom, roomID)
		s.mu.Unlock()
		return
	}
	toFlush := make([]DestinationQueue, 0, len(queues))
	for q := range queues {
		toFlush = append(toFlush, q)
	}
	s.pendingByRoom[roomID] = make(map[DestinationQueue]struct{})
	s.mu.Unlock()

	s.armTimer(roomID, len(toFlush))

	for _, q := range toFlush {
		q.FlushReceiptsForRoom(roomID)
	}
}
