package fedsender

import "context"

// EventStore is the durable event log and stream-position store. It is an
// external collaborator: the dispatcher only reads from it, except for
// UpdateFederationOutPos (idempotent and monotonic in its token
// argument) and RecordDeadLetter, which the reference queue calls for
// transactions that exhausted their retries. See store_postgres.go for the pgx-backed default
// implementation.
type EventStore interface {
	// FederationOutPos returns the last persisted stream position for the
	// named position ("events" or "federation").
	FederationOutPos(ctx context.Context, name string) (int64, error)
	// UpdateFederationOutPos persists a new stream position. Callers must
	// only ever pass increasing values for a given name.
	UpdateFederationOutPos(ctx context.Context, name string, pos int64) error
	// AllNewEventsStream returns up to limit events after fromToken and at
	// or before (or beyond, if nothing new) currentID, plus the token to
	// resume from on the next call.
	AllNewEventsStream(ctx context.Context, fromToken, currentID int64, limit int) (nextToken int64, events []PDU, err error)
	// MaxRoomStreamOrdering returns the current maximum stream position,
	// used once at startup to kick off a catch-up pass.
	MaxRoomStreamOrdering(ctx context.Context) (int64, error)
	// RecordDeadLetter persists a transaction that exhausted its retry
	// budget, for operator inspection. Implementations may no-op.
	RecordDeadLetter(ctx context.Context, dest Destination, pdus []PDU, edus []Edu, attempts int) error
}

// StateResolver resolves room membership to remote hosts. It is an
// external collaborator (room state resolution is a large subsystem in
// its own right); see resolver_postgres.go for a pgx-backed default.
type StateResolver interface {
	// HostsInRoomAtEvents returns the set of remote hosts with members in
	// roomID as of the state before the given prev-events — not the state
	// after the event that references them.
	HostsInRoomAtEvents(ctx context.Context, roomID string, prevEventIDs []EventID) ([]Destination, error)
	// CurrentHostsInRoom returns the set of remote hosts with members
	// currently in roomID.
	CurrentHostsInRoom(ctx context.Context, roomID string) ([]Destination, error)
}

// PresenceInterest resolves, for a batch of local presence states, which
// remote hosts need to learn about which states.
type PresenceInterest interface {
	HostsAndStatesFor(ctx context.Context, states []UserPresenceState) ([]PresenceFanout, error)
}

// PresenceFanout pairs a set of destinations with the presence states they
// should receive.
type PresenceFanout struct {
	Destinations []Destination
	States       []UserPresenceState
}

// TransmissionSink ships one already-assembled transaction to a single
// destination. It is consumed only from within a DestinationQueue, never
// directly by the dispatcher.
type TransmissionSink interface {
	SendTransaction(ctx context.Context, dest Destination, pdus []PDU, edus []Edu) error
}

// ReplicationAcker sends control messages upstream, such as federation
// position acknowledgements. See position.go.
type ReplicationAcker interface {
	AckFederationPosition(ctx context.Context, position int64) error
}

// IsMine reports whether a UserID belongs to the given local server name.
func IsMine(u UserID, serverName Destination) bool {
	return u.Host() == string(serverName)
}
