package fedsender

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amityvox/amityvox/internal/events"
)

// Dispatcher is the outbound federation dispatcher: it owns every
// collaborator in this package and exposes the external API the rest of
// AmityVox calls into (spec.md §6's inbound API table). It never talks to
// the network itself — that's TransmissionSink's job, invoked only from
// inside a DestinationQueue.
type Dispatcher struct {
	registry   *QueueRegistry
	fanout     *EventFanout
	receipts   *ReceiptScheduler
	presence   *PresenceBatcher
	ingress    *ReplicationIngress
	positions  *PositionTracker
	metrics    *Metrics
	serverName Destination
	orderCtr   atomic.Int64
	log        *slog.Logger
}

// Dependencies bundles every external collaborator a Dispatcher needs.
// Callers normally supply the store_postgres.go/resolver_postgres.go
// implementations, built via NewPostgresEventStore / NewPostgresStateResolver
// / NewDefaultPresenceInterest, though any of them may be substituted.
type Dependencies struct {
	Store                    EventStore
	Resolver                 StateResolver
	PresenceInterest         PresenceInterest
	Sink                     TransmissionSink
	Bus                      *events.Bus
	ServerName               Destination
	PresenceEnabled          func() bool
	ReceiptIntervalPerDomain func() time.Duration
	FanoutConcurrency        int
	Logger                   *slog.Logger
}

// NewDispatcher wires every collaborator together and performs the
// startup catch-up poke: a single notifyNewEvents up to the store's
// current max stream position, so a dispatcher restarted after downtime
// immediately resumes fan-out instead of waiting for the next live event.
func NewDispatcher(ctx context.Context, deps Dependencies) (*Dispatcher, error) {
	metrics := NewMetrics()
	registry := NewDefaultQueueRegistry(deps.Sink, deps.Store, deps.Logger)

	d := &Dispatcher{
		registry:   registry,
		metrics:    metrics,
		serverName: deps.ServerName,
		log:        deps.Logger,
	}

	isMine := func(u UserID) bool { return IsMine(u, deps.ServerName) }

	d.fanout = NewEventFanout(deps.Store, deps.Resolver, registry, deps.ServerName, isMine,
		deps.FanoutConcurrency, &d.orderCtr, metrics, deps.Logger)

	d.receipts = NewReceiptScheduler(registry, deps.Resolver, deps.ReceiptIntervalPerDomain, deps.Logger)

	presenceEnabled := deps.PresenceEnabled
	if presenceEnabled == nil {
		presenceEnabled = func() bool { return true }
	}
	d.presence = NewPresenceBatcher(registry, deps.PresenceInterest, presenceEnabled, isMine, deps.Logger)

	d.positions = NewPositionTracker(deps.Store, NewBusReplicationAcker(deps.Bus), deps.Logger)

	d.ingress = NewReplicationIngress(deps.Bus, d.fanout, d.receipts, d.presence, registry, d.positions,
		deps.ServerName, isMine, deps.Logger)
	if err := d.ingress.Start(); err != nil {
		return nil, err
	}

	if maxID, err := deps.Store.MaxRoomStreamOrdering(ctx); err != nil {
		deps.Logger.Warn("dispatcher: failed to read max stream ordering for startup catch-up",
			slog.String("error", err.Error()))
	} else if maxID > 0 {
		d.fanout.NotifyNewEvents(maxID)
	}

	return d, nil
}

// RegisterMetrics mounts this dispatcher's metrics endpoint onto r.
func (d *Dispatcher) RegisterMetrics(r chi.Router) {
	RegisterMetrics(r, d.metrics, d.registry)
}

// NotifyNewEvents advances the event watermark; fire-and-forget.
func (d *Dispatcher) NotifyNewEvents(currentID int64) {
	d.fanout.NotifyNewEvents(currentID)
}

// SendReadReceipt schedules a receipt for fan-out.
func (d *Dispatcher) SendReadReceipt(ctx context.Context, receipt ReadReceipt) {
	d.receipts.SendReadReceipt(ctx, receipt, d.serverName)
}

// SendPresence batches presence states for fan-out.
func (d *Dispatcher) SendPresence(ctx context.Context, states []UserPresenceState) {
	d.presence.SendPresence(ctx, states, d.serverName)
}

// SendPresenceToDestinations fans presence states out to a known set of
// destinations, bypassing interest resolution.
func (d *Dispatcher) SendPresenceToDestinations(states []UserPresenceState, destinations []Destination) {
	d.presence.SendPresenceToDestinations(states, destinations, d.serverName)
}

// BuildAndSendEdu constructs and dispatches an EDU.
func (d *Dispatcher) BuildAndSendEdu(destination Destination, eduType string, content json.RawMessage, key *string) {
	d.ingress.BuildAndSendEdu(destination, eduType, content, key)
}

// SendEdu dispatches an already-built EDU.
func (d *Dispatcher) SendEdu(edu Edu, key *string) {
	d.ingress.SendEdu(edu, key)
}

// SendDeviceMessages kicks a destination's send loop.
func (d *Dispatcher) SendDeviceMessages(destination Destination) {
	d.ingress.SendDeviceMessages(destination)
}

// WakeDestination kicks a destination's send loop, used after a suspected
// recovery.
func (d *Dispatcher) WakeDestination(destination Destination) {
	d.ingress.WakeDestination(destination)
}

// GetCurrentToken returns the current federation_position.
func (d *Dispatcher) GetCurrentToken() int64 {
	return d.positions.GetCurrentToken()
}

// GetReplicationRows always returns an empty list: this dispatcher is
// never itself the upstream of another dispatcher's replication stream,
// so there is nothing to offload. Present for interface parity with
// spec.md §6.
func (d *Dispatcher) GetReplicationRows(ctx context.Context, from, to int64, limit int) []json.RawMessage {
	return nil
}

// ProcessReplicationRows demultiplexes one batch of rows from the named
// upstream stream onto this dispatcher's components. Exposed directly so
// callers that already have rows in hand (e.g. tests, or a transport other
// than the NATS bus) can drive the dispatcher without going through
// ReplicationIngress.Start's subscriptions.
func (d *Dispatcher) ProcessReplicationRows(ctx context.Context, streamName string, token int64, rows []json.RawMessage) {
	d.ingress.ProcessReplicationRows(ctx, streamName, token, rows)
}
