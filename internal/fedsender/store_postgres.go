package fedsender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/models"
)

// PostgresEventStore is the pgx-backed EventStore. It reads from
// channel_events — the append-only stream of fan-out-eligible room/channel
// events AmityVox's message and membership handlers append to — and
// persists stream positions in federation_out_pos, following the same
// upsert-by-name shape internal/federation/sync.go uses for its other
// position tables.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore wraps an existing connection pool, typically the
// one already owned by *federation.Service (see Service.Pool).
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

func (s *PostgresEventStore) FederationOutPos(ctx context.Context, name string) (int64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx,
		`SELECT position FROM federation_out_pos WHERE name = $1`, name,
	).Scan(&pos)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading federation_out_pos[%s]: %w", name, err)
	}
	return pos, nil
}

func (s *PostgresEventStore) UpdateFederationOutPos(ctx context.Context, name string, pos int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO federation_out_pos (name, position, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET position = EXCLUDED.position, updated_at = now()
		 WHERE federation_out_pos.position < EXCLUDED.position`,
		name, pos)
	if err != nil {
		return fmt.Errorf("updating federation_out_pos[%s]: %w", name, err)
	}
	return nil
}

func (s *PostgresEventStore) AllNewEventsStream(ctx context.Context, fromToken, currentID int64, limit int) (int64, []PDU, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ce.stream_ordering, ce.event_id, ce.channel_id, ce.sender,
		        ce.prev_event_ids, ce.content, ce.send_on_behalf_of,
		        ce.proactively_send, ce.received_at
		 FROM channel_events ce
		 WHERE ce.stream_ordering > $1 AND ce.stream_ordering <= $2
		 ORDER BY ce.stream_ordering ASC
		 LIMIT $3`,
		fromToken, currentID, limit)
	if err != nil {
		return fromToken, nil, fmt.Errorf("querying channel_events: %w", err)
	}
	defer rows.Close()

	var events []PDU
	nextToken := fromToken
	for rows.Next() {
		var (
			streamOrdering  int64
			eventID         string
			channelID       string
			sender          string
			prevEventIDsRaw []string
			content         json.RawMessage
			sendOnBehalfOf  *string
			proactivelySend bool
			receivedAt      time.Time
		)
		if err := rows.Scan(&streamOrdering, &eventID, &channelID, &sender,
			&prevEventIDsRaw, &content, &sendOnBehalfOf, &proactivelySend, &receivedAt); err != nil {
			return fromToken, nil, fmt.Errorf("scanning channel_events row: %w", err)
		}

		prevEventIDs := make([]EventID, len(prevEventIDsRaw))
		for i, p := range prevEventIDsRaw {
			prevEventIDs[i] = EventID(p)
		}

		var meta PDUMetadata
		if sendOnBehalfOf != nil {
			dest := Destination(*sendOnBehalfOf)
			meta.SendOnBehalfOfDest = &dest
		}
		meta.ProactivelySend = proactivelySend

		events = append(events, PDU{
			EventID:           EventID(eventID),
			RoomID:            channelID,
			Sender:            UserID(sender),
			PrevEventIDs:      prevEventIDs,
			Content:           content,
			InternalMetadata:  meta,
			ReceivedTimestamp: receivedAt,
		})
		nextToken = streamOrdering
	}
	if err := rows.Err(); err != nil {
		return fromToken, nil, fmt.Errorf("iterating channel_events: %w", err)
	}

	if len(events) == 0 {
		nextToken = currentID
	}
	return nextToken, events, nil
}

func (s *PostgresEventStore) MaxRoomStreamOrdering(ctx context.Context) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(stream_ordering), 0) FROM channel_events`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("reading max channel_events stream_ordering: %w", err)
	}
	return max, nil
}

func (s *PostgresEventStore) RecordDeadLetter(ctx context.Context, dest Destination, pdus []PDU, edus []Edu, attempts int) error {
	payload, err := json.Marshal(struct {
		PDUs []PDU `json:"pdus,omitempty"`
		EDUs []Edu `json:"edus,omitempty"`
	}{PDUs: pdus, EDUs: edus})
	if err != nil {
		payload = []byte(`{"error":"payload marshal failed"}`)
	}

	id := models.NewULID().String()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO federation_dead_letters (id, target_domain, payload, error_message, attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		id, string(dest), payload,
		fmt.Sprintf("exhausted %d retry attempts", attempts), attempts)
	if err != nil {
		return fmt.Errorf("recording dead letter for %s: %w", dest, err)
	}
	return nil
}
