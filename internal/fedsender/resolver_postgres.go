package fedsender

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStateResolver resolves channel membership to remote federation
// hosts. AmityVox channels don't carry Matrix-style per-event state, so
// HostsInRoomAtEvents and CurrentHostsInRoom both resolve against current
// membership; the prevEventIDs argument is accepted for interface
// compatibility and ignored, which is recorded as an explicit simplification
// rather than a real state-resolution step.
type PostgresStateResolver struct {
	pool *pgxpool.Pool
}

// NewPostgresStateResolver wraps an existing connection pool.
func NewPostgresStateResolver(pool *pgxpool.Pool) *PostgresStateResolver {
	return &PostgresStateResolver{pool: pool}
}

func (r *PostgresStateResolver) HostsInRoomAtEvents(ctx context.Context, roomID string, prevEventIDs []EventID) ([]Destination, error) {
	return r.CurrentHostsInRoom(ctx, roomID)
}

func (r *PostgresStateResolver) CurrentHostsInRoom(ctx context.Context, roomID string) ([]Destination, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT i.domain
		 FROM federation_channel_peers fcp
		 JOIN federation_peers fp
		   ON fp.peer_id = fcp.instance_id
		  AND fp.status = 'active'
		 JOIN instances i ON i.id = fp.peer_id
		 WHERE fcp.channel_id = $1`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("querying hosts in room %s: %w", roomID, err)
	}
	defer rows.Close()

	var hosts []Destination
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, fmt.Errorf("scanning host row for room %s: %w", roomID, err)
		}
		hosts = append(hosts, Destination(domain))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating hosts for room %s: %w", roomID, err)
	}
	return hosts, nil
}

// defaultPresenceInterest delegates presence fan-out to the same channel
// membership StateResolver already tracks: a user's presence is sent to
// every remote host that shares at least one channel with them, matching
// Synapse's get_interested_remotes (shared rooms imply interest).
type defaultPresenceInterest struct {
	resolver StateResolver
	pool     *pgxpool.Pool
}

// NewDefaultPresenceInterest builds a PresenceInterest on top of resolver
// and pool, querying which channels each presence-updated user shares with
// remote instances.
func NewDefaultPresenceInterest(resolver StateResolver, pool *pgxpool.Pool) PresenceInterest {
	return &defaultPresenceInterest{resolver: resolver, pool: pool}
}

func (d *defaultPresenceInterest) HostsAndStatesFor(ctx context.Context, states []UserPresenceState) ([]PresenceFanout, error) {
	byHost := make(map[Destination][]UserPresenceState)

	for _, st := range states {
		rows, err := d.pool.Query(ctx,
			`SELECT DISTINCT i.domain
			 FROM guild_members gm
			 JOIN federation_channel_peers fcp ON fcp.channel_id = gm.guild_id::text
			 JOIN federation_peers fp
			   ON fp.peer_id = fcp.instance_id
			  AND fp.status = 'active'
			 JOIN instances i ON i.id = fp.peer_id
			 WHERE gm.user_id = $1`,
			string(st.UserID))
		if err != nil {
			return nil, fmt.Errorf("resolving interested hosts for %s: %w", st.UserID, err)
		}

		for rows.Next() {
			var domain string
			if err := rows.Scan(&domain); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning interested host row: %w", err)
			}
			dest := Destination(domain)
			byHost[dest] = append(byHost[dest], st)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterating interested hosts for %s: %w", st.UserID, err)
		}
		rows.Close()
	}

	fanouts := make([]PresenceFanout, 0, len(byHost))
	for dest, sts := range byHost {
		fanouts = append(fanouts, PresenceFanout{Destinations: []Destination{dest}, States: sts})
	}
	return fanouts, nil
}
