package fedsender

import (
	"log/slog"
	"sync"
)

// QueueRegistry maps destinations to their DestinationQueue, creating one
// lazily on first reference. Queues are never removed during process
// lifetime — matching Synapse's _get_per_destination_queue, which keeps
// every PerDestinationQueue it has ever created.
type QueueRegistry struct {
	mu      sync.Mutex
	queues  map[Destination]DestinationQueue
	factory func(Destination) DestinationQueue
}

// NewQueueRegistry creates a registry that builds new queues with factory.
func NewQueueRegistry(factory func(Destination) DestinationQueue) *QueueRegistry {
	return &QueueRegistry{
		queues:  make(map[Destination]DestinationQueue),
		factory: factory,
	}
}

// NewDefaultQueueRegistry builds a registry whose queues are the reference
// destinationQueue implementation, sending via sink and recording dead
// letters in store.
func NewDefaultQueueRegistry(sink TransmissionSink, store EventStore, log *slog.Logger) *QueueRegistry {
	return NewQueueRegistry(func(dest Destination) DestinationQueue {
		return newDestinationQueue(dest, sink, store, log)
	})
}

// Get returns the existing queue for destination, creating one atomically
// if none exists yet.
func (r *QueueRegistry) Get(destination Destination) DestinationQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[destination]
	if !ok {
		q = r.factory(destination)
		r.queues[destination] = q
	}
	return q
}

// All returns a snapshot of every queue currently registered, for metrics
// aggregation.
func (r *QueueRegistry) All() []DestinationQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DestinationQueue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}
