package fedsender

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/amityvox/amityvox/internal/events"
)

// federationStreamRow is a pre-marshalled send instruction forwarded
// verbatim into one of the dispatcher's per-kind sinks, exactly as if it
// had been generated locally rather than replayed from upstream.
type federationStreamRow struct {
	Kind        string          `json:"kind"` // "edu", "presence", "receipt", "device_list", "to_device"
	Destination Destination     `json:"destination,omitempty"`
	EduType     string          `json:"edu_type,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Key         *string         `json:"key,omitempty"`
	Presence    []UserPresenceState `json:"presence,omitempty"`
	Receipt     *ReadReceipt    `json:"receipt,omitempty"`
	Entity      string          `json:"entity,omitempty"`
}

// eventsStreamRow carries the watermark the local event-persistence layer
// has advanced to.
type eventsStreamRow struct {
	CurrentID int64 `json:"current_id"`
}

// receiptsStreamRow is a row from the upstream receipts replication stream.
type receiptsStreamRow struct {
	UserID      UserID   `json:"user_id"`
	RoomID      string   `json:"room_id"`
	ReceiptType string   `json:"receipt_type"`
	EventIDs    []EventID `json:"event_ids"`
	Data        json.RawMessage `json:"data"`
}

// entityStreamRow is a row from the device-list or to-device replication
// streams: just the entity that changed, local ("@user:host") or remote
// (a bare server name).
type entityStreamRow struct {
	Entity string `json:"entity"`
}

// replicationEnvelope is the payload carried by every SubjectReplication*
// NATS message: a replication token plus the typed rows observed at it.
type replicationEnvelope struct {
	Token int64             `json:"token"`
	Rows  []json.RawMessage `json:"rows"`
}

// ReplicationIngress demultiplexes the upstream replication streams onto
// the dispatcher's components, matching spec.md §4.6. Each NATS subject is
// one replication stream name.
type ReplicationIngress struct {
	fanout    *EventFanout
	receipts  *ReceiptScheduler
	presence  *PresenceBatcher
	registry  *QueueRegistry
	positions *PositionTracker
	bus       *events.Bus

	serverName Destination
	isMine     func(UserID) bool
	log        *slog.Logger
}

// NewReplicationIngress wires the ingress to its sinks.
func NewReplicationIngress(bus *events.Bus, fanout *EventFanout, receipts *ReceiptScheduler, presence *PresenceBatcher, registry *QueueRegistry, positions *PositionTracker, serverName Destination, isMine func(UserID) bool, log *slog.Logger) *ReplicationIngress {
	return &ReplicationIngress{
		bus:        bus,
		fanout:     fanout,
		receipts:   receipts,
		presence:   presence,
		registry:   registry,
		positions:  positions,
		serverName: serverName,
		isMine:     isMine,
		log:        log,
	}
}

// Start subscribes to every replication subject this dispatcher consumes,
// in a shared queue group so only one instance in a cluster processes a
// given row.
func (ri *ReplicationIngress) Start() error {
	subjects := map[string]string{
		events.SubjectReplicationFederation:  "federation",
		events.SubjectReplicationEvents:      "events",
		events.SubjectReplicationReceipts:    "receipts",
		events.SubjectReplicationDeviceLists: "device_lists",
		events.SubjectReplicationToDevice:    "to_device",
	}

	for subject, streamName := range subjects {
		streamName := streamName
		_, err := ri.bus.QueueSubscribe(subject, "federation-sender", func(evt events.Event) {
			var env replicationEnvelope
			if err := json.Unmarshal(evt.Data, &env); err != nil {
				ri.log.Error("replication ingress: failed to unmarshal envelope",
					slog.String("stream", streamName),
					slog.String("error", err.Error()))
				return
			}
			ri.ProcessReplicationRows(context.Background(), streamName, env.Token, env.Rows)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ProcessReplicationRows demultiplexes one batch of replication rows onto
// the dispatcher's sinks, matching the external processReplicationRows
// operation. token is the position this batch was read at; after rows are
// applied, it schedules a position update in the background (federation
// stream only — the other streams advance their own positions via their
// own side effects, e.g. notifyNewEvents already tracks "events").
func (ri *ReplicationIngress) ProcessReplicationRows(ctx context.Context, streamName string, token int64, rows []json.RawMessage) {
	switch streamName {
	case "federation":
		for _, raw := range rows {
			var row federationStreamRow
			if err := json.Unmarshal(raw, &row); err != nil {
				ri.log.Error("replication ingress: bad federation row", slog.String("error", err.Error()))
				continue
			}
			ri.applyFederationRow(ctx, row)
		}
		go ri.positions.UpdateToken(context.Background(), token)

	case "events":
		var row eventsStreamRow
		if len(rows) > 0 {
			if err := json.Unmarshal(rows[len(rows)-1], &row); err != nil {
				ri.log.Error("replication ingress: bad events row", slog.String("error", err.Error()))
				return
			}
		} else {
			row.CurrentID = token
		}
		ri.fanout.NotifyNewEvents(row.CurrentID)

	case "receipts":
		go func() {
			for _, raw := range rows {
				var row receiptsStreamRow
				if err := json.Unmarshal(raw, &row); err != nil {
					ri.log.Error("replication ingress: bad receipts row", slog.String("error", err.Error()))
					continue
				}
				if !ri.isMine(row.UserID) {
					continue
				}
				ri.receipts.SendReadReceipt(context.Background(), ReadReceipt{
					RoomID:      row.RoomID,
					ReceiptType: row.ReceiptType,
					UserID:      row.UserID,
					EventIDs:    row.EventIDs,
					Data:        row.Data,
				}, ri.serverName)
			}
		}()

	case "device_lists", "to_device":
		hosts := make(map[Destination]struct{})
		for _, raw := range rows {
			var row entityStreamRow
			if err := json.Unmarshal(raw, &row); err != nil {
				ri.log.Error("replication ingress: bad entity row",
					slog.String("stream", streamName), slog.String("error", err.Error()))
				continue
			}
			if row.Entity == "" || row.Entity[0] == '@' {
				continue
			}
			hosts[Destination(row.Entity)] = struct{}{}
		}
		for h := range hosts {
			ri.SendDeviceMessages(h)
		}
	}
}

// applyFederationRow forwards one pre-marshalled send instruction to the
// matching local sink, exactly as if it had been produced locally.
func (ri *ReplicationIngress) applyFederationRow(ctx context.Context, row federationStreamRow) {
	switch row.Kind {
	case "edu":
		ri.SendEdu(Edu{
			Origin:      ri.serverName,
			Destination: row.Destination,
			EduType:     row.EduType,
			Content:     row.Content,
		}, row.Key)
	case "presence":
		ri.presence.SendPresenceToDestinations(row.Presence, []Destination{row.Destination}, ri.serverName)
	case "receipt":
		if row.Receipt != nil {
			ri.receipts.SendReadReceipt(ctx, *row.Receipt, ri.serverName)
		}
	case "device_list", "to_device":
		ri.SendDeviceMessages(row.Destination)
	default:
		ri.log.Warn("replication ingress: unknown federation row kind", slog.String("kind", row.Kind))
	}
}

// BuildAndSendEdu constructs an Edu and dispatches it, matching the
// external buildAndSendEdu operation. It no-ops (logging) when destination
// is this server's own name.
func (ri *ReplicationIngress) BuildAndSendEdu(destination Destination, eduType string, content json.RawMessage, key *string) {
	if destination == ri.serverName {
		ri.log.Info("buildAndSendEdu: ignoring self-destined EDU", slog.String("edu_type", eduType))
		return
	}
	ri.SendEdu(Edu{Origin: ri.serverName, Destination: destination, EduType: eduType, Content: content}, key)
}

// SendEdu enqueues an already-built Edu, keyed if key is non-nil.
func (ri *ReplicationIngress) SendEdu(edu Edu, key *string) {
	q := ri.registry.Get(edu.Destination)
	if key != nil {
		q.EnqueueKeyedEdu(edu, *key)
		return
	}
	q.EnqueueEdu(edu)
}

// SendDeviceMessages kicks a destination's send loop so it picks up
// whatever device-list/to-device state the store already has queued. A
// self-destined call is a configuration error and is warned rather than
// silently accepted.
func (ri *ReplicationIngress) SendDeviceMessages(destination Destination) {
	if destination == ri.serverName {
		ri.log.Warn("sendDeviceMessages: ignoring self-destined destination")
		return
	}
	ri.registry.Get(destination).KickSendLoop()
}

// WakeDestination kicks a destination's send loop, used to retry delivery
// after a suspected recovery. Identical to SendDeviceMessages.
func (ri *ReplicationIngress) WakeDestination(destination Destination) {
	ri.SendDeviceMessages(destination)
}

// busReplicationAcker publishes federation position acknowledgements onto
// the NATS bus, matching how internal/federation/sync.go already uses
// JetStream for its own retry-queue control messages.
type busReplicationAcker struct {
	bus *events.Bus
}

// NewBusReplicationAcker builds a ReplicationAcker backed by bus.
func NewBusReplicationAcker(bus *events.Bus) ReplicationAcker {
	return &busReplicationAcker{bus: bus}
}

func (a *busReplicationAcker) AckFederationPosition(ctx context.Context, position int64) error {
	data, err := json.Marshal(struct {
		Position int64 `json:"position"`
	}{Position: position})
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, events.SubjectReplicationAck, events.Event{
		Type: "FEDERATION_POSITION_ACK",
		Data: data,
	})
}
