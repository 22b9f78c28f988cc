// Package fedsender implements AmityVox's outbound federation dispatcher:
// it consumes the local replication streams (new room events, read
// receipts, presence, device-list and to-device changes) and fans each
// one out to the set of remote instances that need to see it, handing the
// work off to a per-destination queue that owns its own transport retries.
//
// The dispatcher itself never talks to the network. It decides *who*
// should receive *what* and *in what order*, and leaves *how* to the
// TransmissionSink and DestinationQueue collaborators.
package fedsender

import (
	"encoding/json"
	"strings"
	"time"
)

// Destination identifies a remote AmityVox instance by its federation
// domain, e.g. "chat.example.org". It is distinct from the local
// instance's own domain, which callers must filter out before it ever
// reaches a DestinationQueue (see P2 in the package's design notes).
type Destination string

// EventID identifies a single room/channel event (a PDU).
type EventID string

// UserID is a federated user identity in Matrix-style MXID form,
// "@localpart:host". Host determines which instance owns the user.
type UserID string

// Host returns the host component of a UserID, i.e. everything after the
// first ':'. It returns the empty string if UserID has no host component.
func (u UserID) Host() string {
	idx := strings.IndexByte(string(u), ':')
	if idx < 0 || idx == len(u)-1 {
		return ""
	}
	return string(u[idx+1:])
}

// PDUMetadata carries the two predicates the dispatcher's fan-out
// algorithm needs from a persisted event, independent of however the
// event store represents internal metadata.
type PDUMetadata struct {
	// SendOnBehalfOfDest is set when this server is relaying the event on
	// behalf of another origin server (e.g. via an application service);
	// that origin already has the event and must not be re-sent to it.
	SendOnBehalfOfDest *Destination
	// ProactivelySend gates whether the event should be fanned out to
	// federation at all. Some internal events (e.g. server notices) are
	// persisted but never proactively sent.
	ProactivelySend bool
}

// SendOnBehalfOf returns the origin server this event is being relayed on
// behalf of, or nil if this server is the true origin.
func (m PDUMetadata) SendOnBehalfOf() *Destination {
	return m.SendOnBehalfOfDest
}

// ShouldProactivelySend reports whether the event should be fanned out.
func (m PDUMetadata) ShouldProactivelySend() bool {
	return m.ProactivelySend
}

// PDU is a persistent, durable room/channel event that must be delivered
// reliably and in order to every interested destination.
type PDU struct {
	EventID           EventID
	RoomID            string
	Sender            UserID
	PrevEventIDs      []EventID
	Content           json.RawMessage
	InternalMetadata  PDUMetadata
	ReceivedTimestamp time.Time
}

// Edu is an ephemeral, best-effort datagram exchanged between instances.
type Edu struct {
	Origin      Destination
	Destination Destination
	EduType     string
	Content     json.RawMessage
}

// UserPresenceState is the most recent known status of a local user.
// Only the latest state per UserID is ever meaningful; older states are
// superseded wherever they are buffered.
type UserPresenceState struct {
	UserID          UserID
	Status          string
	StatusMsg       string
	LastActiveAgo   time.Duration
	CurrentlyActive bool
}

// ReadReceipt declares that a user has read up to a set of events in a
// room.
type ReadReceipt struct {
	RoomID      string
	ReceiptType string
	UserID      UserID
	EventIDs    []EventID
	Data        json.RawMessage
}

// Order is the global monotonic sequence number assigned to a PDU at
// enqueue time. A DestinationQueue must deliver PDUs to its destination
// in strictly increasing Order.
type Order int64
