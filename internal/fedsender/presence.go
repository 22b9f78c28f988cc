package fedsender

import (
	"context"
	"log/slog"
	"sync"
)

// PresenceBatcher coalesces presence updates by user (last write wins)
// and fans out at most one in-flight batch at a time, so that several
// presence updates in quick succession for the same user are collapsed
// into a single outgoing state per destination.
type PresenceBatcher struct {
	registry *QueueRegistry
	interest PresenceInterest
	enabled  func() bool
	isMine   func(UserID) bool
	log      *slog.Logger

	mu         sync.Mutex
	pending    map[UserID]UserPresenceState
	processing bool
}

// NewPresenceBatcher creates a batcher. enabled is polled on every call so
// that config toggles (or tests) take effect immediately.
func NewPresenceBatcher(registry *QueueRegistry, interest PresenceInterest, enabled func() bool, isMine func(UserID) bool, log *slog.Logger) *PresenceBatcher {
	return &PresenceBatcher{
		registry: registry,
		interest: interest,
		enabled:  enabled,
		isMine:   isMine,
		log:      log,
		pending:  make(map[UserID]UserPresenceState),
	}
}

// SendPresence queues the given states (local users only) and, if no
// batch pass is already active, drives one to completion.
func (p *PresenceBatcher) SendPresence(ctx context.Context, states []UserPresenceState, serverName Destination) {
	if !p.enabled() {
		return
	}

	p.mu.Lock()
	for _, s := range states {
		if p.isMine(s.UserID) {
			p.pending[s.UserID] = s
		}
	}
	alreadyProcessing := p.processing
	if !alreadyProcessing {
		p.processing = true
	}
	p.mu.Unlock()

	if alreadyProcessing {
		// The active pass will pick up this update on its next iteration.
		return
	}

	done := false
	defer func() {
		if done {
			return
		}
		p.mu.Lock()
		p.processing = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = make(map[UserID]UserPresenceState)
		if len(batch) == 0 {
			// Clear the flag under the same lock as the empty check, so an
			// update queued after it starts a new pass instead of waiting.
			p.processing = false
			done = true
		}
		p.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		values := make([]UserPresenceState, 0, len(batch))
		for _, s := range batch {
			values = append(values, s)
		}

		fanouts, err := p.interest.HostsAndStatesFor(ctx, values)
		if err != nil {
			p.log.Error("presence batch: failed to resolve interested remotes",
				slog.String("error", err.Error()))
			return
		}

		for _, fo := range fanouts {
			for _, d := range fo.Destinations {
				if d == serverName {
					continue
				}
				p.registry.Get(d).EnqueuePresence(fo.States)
			}
		}
	}
}

// SendPresenceToDestinations fans the given states out directly to the
// given destinations, bypassing interest resolution. Used when the caller
// already knows exactly who needs them.
func (p *PresenceBatcher) SendPresenceToDestinations(states []UserPresenceState, destinations []Destination, serverName Destination) {
	if len(states) == 0 || !p.enabled() {
		return
	}
	for _, d := range destinations {
		if d == serverName {
			continue
		}
		p.registry.Get(d).EnqueuePresence(states)
	}
}
