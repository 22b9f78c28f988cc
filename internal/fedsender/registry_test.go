package fedsender

import "testing"

func TestQueueRegistry_LazyCreation(t *testing.T) {
	var built []Destination
	registry := NewQueueRegistry(func(d Destination) DestinationQueue {
		built = append(built, d)
		return newRecordingQueue()
	})

	q1 := registry.Get("a.example.org")
	q2 := registry.Get("a.example.org")
	if q1 != q2 {
		t.Error("expected Get to return the same queue instance on repeated calls")
	}
	if len(built) != 1 {
		t.Errorf("expected factory to be called once, got %d calls", len(built))
	}

	registry.Get("b.example.org")
	if len(built) != 2 {
		t.Errorf("expected factory to be called for a distinct destination, got %d calls", len(built))
	}
}

func TestQueueRegistry_AllSnapshot(t *testing.T) {
	registry := NewQueueRegistry(func(d Destination) DestinationQueue {
		return newRecordingQueue()
	})

	if len(registry.All()) != 0 {
		t.Error("expected empty registry to report no queues")
	}

	registry.Get("a.example.org")
	registry.Get("b.example.org")
	registry.Get("a.example.org") // repeat, should not grow the set

	all := registry.All()
	if len(all) != 2 {
		t.Errorf("expected 2 distinct queues, got %d", len(all))
	}
}
