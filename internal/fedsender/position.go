package fedsender

import (
	"context"
	"log/slog"
	"sync"
)

// PositionTracker owns the dispatcher's view of the highest federation
// stream position seen and acknowledged. Persisting and acknowledging run
// under a single mutex (fed_position_lock, a sync.Mutex, which does not
// hand the lock to waiters in arrival order) so that concurrent
// updateToken calls from the replication ingress never ack out of order.
type PositionTracker struct {
	store EventStore
	acker ReplicationAcker
	log   *slog.Logger

	mu                 sync.Mutex
	federationPosition int64
	lastAck            int64
}

// NewPositionTracker creates a tracker. acker receives one
// AckFederationPosition call per successfully persisted advance; it may be
// nil, in which case only persistence happens.
func NewPositionTracker(store EventStore, acker ReplicationAcker, log *slog.Logger) *PositionTracker {
	return &PositionTracker{store: store, acker: acker, log: log}
}

// GetCurrentToken returns the current federation_position, matching the
// dispatcher's getCurrentToken external operation.
func (p *PositionTracker) GetCurrentToken() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.federationPosition
}

// UpdateToken advances federation_position to token and, if that advanced
// past the last acknowledged value, persists and acknowledges it. Errors
// are logged and swallowed — the position remains advanceable on the next
// call, per the package's error-handling convention for this path.
func (p *PositionTracker) UpdateToken(ctx context.Context, token int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token > p.federationPosition {
		p.federationPosition = token
	}

	if p.lastAck >= p.federationPosition {
		return
	}

	if err := p.store.UpdateFederationOutPos(ctx, "federation", p.federationPosition); err != nil {
		p.log.Error("position tracker: failed to persist federation_out_pos",
			slog.Int64("position", p.federationPosition),
			slog.String("error", err.Error()))
		return
	}

	if p.acker != nil {
		if err := p.acker.AckFederationPosition(ctx, p.federationPosition); err != nil {
			p.log.Error("position tracker: failed to acknowledge federation position",
				slog.Int64("position", p.federationPosition),
				slog.String("error", err.Error()))
			return
		}
	}

	p.lastAck = p.federationPosition
}
