package fedsender

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const eventsStreamPageLimit = 100

// EventFanout walks the local event stream and, for each accepted event,
// resolves the set of interested remote hosts and enqueues the event on
// every one of their DestinationQueues.
//
// Only one fan-out pass is ever active at a time (singleflight); any
// notification that arrives while a pass is running is absorbed by that
// pass re-reading the watermark before it decides to stop.
type EventFanout struct {
	store      EventStore
	resolver   StateResolver
	registry   *QueueRegistry
	serverName Destination
	isMine     func(UserID) bool
	log        *slog.Logger
	metrics    *Metrics

	concurrency int
	orderCtr    *atomic.Int64

	mu           sync.Mutex
	isProcessing bool
	lastPokedID  int64
}

// NewEventFanout creates a fan-out loop. orderCtr is shared with the
// Dispatcher so that PDU ordering is assigned from a single global
// counter regardless of which component calls SendPdu.
func NewEventFanout(store EventStore, resolver StateResolver, registry *QueueRegistry, serverName Destination, isMine func(UserID) bool, concurrency int, orderCtr *atomic.Int64, metrics *Metrics, log *slog.Logger) *EventFanout {
	if concurrency < 1 {
		concurrency = 1
	}
	return &EventFanout{
		store:       store,
		resolver:    resolver,
		registry:    registry,
		serverName:  serverName,
		isMine:      isMine,
		log:         log,
		metrics:     metrics,
		concurrency: concurrency,
		orderCtr:    orderCtr,
	}
}

// NotifyNewEvents advances the watermark up to currentID and, if no
// fan-out pass is currently running, starts one in the background. It
// never blocks.
func (f *EventFanout) NotifyNewEvents(currentID int64) {
	f.mu.Lock()
	if currentID > f.lastPokedID {
		f.lastPokedID = currentID
	}
	if f.isProcessing {
		f.mu.Unlock()
		return
	}
	f.isProcessing = true
	f.mu.Unlock()

	go f.processEventQueueLoop()
}

func (f *EventFanout) processEventQueueLoop() {
	done := false
	defer func() {
		if done {
			return
		}
		f.mu.Lock()
		f.isProcessing = false
		f.mu.Unlock()
	}()

	ctx := context.Background()
	for {
		lastToken, err := f.store.FederationOutPos(ctx, "events")
		if err != nil {
			f.log.Error("event fanout: failed to read federation_out_pos",
				slog.String("error", err.Error()))
			return
		}

		f.mu.Lock()
		lastPoked := f.lastPokedID
		f.mu.Unlock()

		nextToken, events, err := f.store.AllNewEventsStream(ctx, lastToken, lastPoked, eventsStreamPageLimit)
		if err != nil {
			f.log.Error("event fanout: failed to read new events stream",
				slog.String("error", err.Error()))
			return
		}

		if len(events) == 0 && nextToken >= lastPoked {
			// Re-check the watermark and clear the flag under one lock, so a
			// NotifyNewEvents that landed after the read above is not lost.
			f.mu.Lock()
			if f.lastPokedID > lastPoked {
				f.mu.Unlock()
				continue
			}
			f.isProcessing = false
			done = true
			f.mu.Unlock()
			return
		}

		eventsByRoom := make(map[string][]PDU)
		for _, e := range events {
			eventsByRoom[e.RoomID] = append(eventsByRoom[e.RoomID], e)
		}

		f.handleRoomBatches(ctx, eventsByRoom)

		if err := f.store.UpdateFederationOutPos(ctx, "events", nextToken); err != nil {
			f.log.Error("event fanout: failed to persist federation_out_pos",
				slog.String("error", err.Error()))
		}

		if f.metrics != nil {
			f.metrics.EventProcessingLoopCount.Add(1)
			f.metrics.EventProcessingRoomsPerIteration.Store(int64(len(eventsByRoom)))
			f.metrics.EventStreamPosition.Store(nextToken)
			if len(events) > 0 {
				f.metrics.touchEventProcessingTimestamp(events[len(events)-1].ReceivedTimestamp)
			}
		}
	}
}

// handleRoomBatches processes every room's events strictly in order
// within that room, but rooms run concurrently with each other, bounded
// by f.concurrency. It returns once every room batch in the page has
// completed.
func (f *EventFanout) handleRoomBatches(ctx context.Context, eventsByRoom map[string][]PDU) {
	sem := make(chan struct{}, f.concurrency)
	var wg sync.WaitGroup

	for _, roomEvents := range eventsByRoom {
		roomEvents := roomEvents
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, event := range roomEvents {
				f.handleEvent(ctx, event)
			}
		}()
	}

	wg.Wait()
}

// handleEvent applies the acceptance predicates from spec.md §4.3 step 5
// and, if the event survives them, resolves destinations and enqueues it.
func (f *EventFanout) handleEvent(ctx context.Context, event PDU) {
	sendOnBehalfOf := event.InternalMetadata.SendOnBehalfOf()
	if !f.isMine(event.Sender) && sendOnBehalfOf == nil {
		return
	}

	if !event.InternalMetadata.ShouldProactivelySend() {
		return
	}

	dsts, err := f.resolver.HostsInRoomAtEvents(ctx, event.RoomID, event.PrevEventIDs)
	if err != nil {
		// Open question (spec.md §9) resolved: preserve the original
		// behavior of skipping the event and letting the page token
		// still advance, but log loudly — a silently dropped fan-out is
		// otherwise invisible until a server notices it never got the
		// event.
		f.log.Warn("event fanout: failed to resolve hosts in room for event",
			slog.String("room_id", event.RoomID),
			slog.String("event_id", string(event.EventID)),
			slog.String("error", err.Error()))
		return
	}

	destSet := make(map[Destination]struct{}, len(dsts))
	for _, d := range dsts {
		destSet[d] = struct{}{}
	}

	if sendOnBehalfOf != nil {
		delete(destSet, *sendOnBehalfOf)
	}

	if len(destSet) == 0 {
		return
	}

	final := make([]Destination, 0, len(destSet))
	for d := range destSet {
		final = append(final, d)
	}

	f.SendPdu(event, final)
}

// SendPdu assigns the next global order to pdu and enqueues it on every
// destination's queue, having already filtered out the local server name.
// Exported so the Dispatcher can call it directly for events that arrive
// outside the stream loop (there currently are none, but the contract
// mirrors Synapse's standalone _send_pdu).
func (f *EventFanout) SendPdu(pdu PDU, destinations []Destination) {
	order := Order(f.orderCtr.Add(1))

	filtered := destinations[:0]
	for _, d := range destinations {
		if d != f.serverName {
			filtered = append(filtered, d)
		}
	}
	destinations = filtered

	if len(destinations) == 0 {
		return
	}

	if f.metrics != nil {
		f.metrics.SentPduDestinationsCount.Add(1)
		f.metrics.SentPduDestinationsTotal.Add(int64(len(destinations)))
	}

	for _, d := range destinations {
		f.registry.Get(d).EnqueuePdu(pdu, order)
	}
}
