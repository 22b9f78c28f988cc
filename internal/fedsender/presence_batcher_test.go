package fedsender

import (
	"context"
	"log/slog"
	"testing"
)

const presenceTestServerName = Destination("home.example.org")

func newTestPresenceBatcher(interest PresenceInterest, enabled bool) (*PresenceBatcher, *QueueRegistry, map[Destination]*recordingQueue) {
	registry, made := newTestRegistry()
	isMine := func(u UserID) bool { return IsMine(u, presenceTestServerName) }
	return NewPresenceBatcher(registry, interest, func() bool { return enabled }, isMine, slog.Default()), registry, made
}

func TestPresenceBatcher_SendPresence_FansOutToInterestedHosts(t *testing.T) {
	interest := &fakePresenceInterest{destinations: []Destination{"remote-a.example.org"}}
	batcher, _, made := newTestPresenceBatcher(interest, true)

	batcher.SendPresence(context.Background(), []UserPresenceState{
		{UserID: "@alice:home.example.org", Status: "online"},
	}, presenceTestServerName)

	q := made["remote-a.example.org"]
	if q == nil || len(q.presence) != 1 {
		t.Fatalf("expected 1 presence state delivered to remote-a.example.org, got %v", q)
	}
}

func TestPresenceBatcher_SendPresence_IgnoresRemoteUsers(t *testing.T) {
	interest := &fakePresenceInterest{destinations: []Destination{"remote-a.example.org"}}
	batcher, _, made := newTestPresenceBatcher(interest, true)

	batcher.SendPresence(context.Background(), []UserPresenceState{
		{UserID: "@bob:other.example.org", Status: "online"},
	}, presenceTestServerName)

	if len(made) != 0 {
		t.Error("expected a non-local user's presence to never be batched")
	}
}

func TestPresenceBatcher_SendPresence_DisabledIsNoOp(t *testing.T) {
	interest := &fakePresenceInterest{destinations: []Destination{"remote-a.example.org"}}
	batcher, _, made := newTestPresenceBatcher(interest, false)

	batcher.SendPresence(context.Background(), []UserPresenceState{
		{UserID: "@alice:home.example.org", Status: "online"},
	}, presenceTestServerName)

	if len(made) != 0 {
		t.Error("expected a disabled batcher to enqueue nothing")
	}
}

func TestPresenceBatcher_SendPresenceToDestinations_SkipsLocalServer(t *testing.T) {
	batcher, _, made := newTestPresenceBatcher(&fakePresenceInterest{}, true)

	batcher.SendPresenceToDestinations(
		[]UserPresenceState{{UserID: "@alice:home.example.org", Status: "online"}},
		[]Destination{presenceTestServerName, "remote-a.example.org"},
		presenceTestServerName,
	)

	if made[presenceTestServerName] != nil {
		t.Error("expected the local server name to never get its own queue")
	}
	if q := made["remote-a.example.org"]; q == nil || len(q.presence) != 1 {
		t.Errorf("expected remote-a.example.org to receive the state, got %v", q)
	}
}

func TestPresenceBatcher_SendPresence_LastWriteWinsPerUser(t *testing.T) {
	// A single batch with two updates for the same user: only the later
	// state should survive, matching the destination queue's own
	// EnqueuePresence LWW semantics one layer up.
	interest := &fakePresenceInterest{destinations: []Destination{"remote-a.example.org"}}
	batcher, _, made := newTestPresenceBatcher(interest, true)

	batcher.SendPresence(context.Background(), []UserPresenceState{
		{UserID: "@alice:home.example.org", Status: "idle"},
		{UserID: "@alice:home.example.org", Status: "online"},
	}, presenceTestServerName)

	q := made["remote-a.example.org"]
	if q == nil || len(q.presence) != 1 {
		t.Fatalf("expected exactly 1 delivered state for the user, got %v", q)
	}
	if q.presence[0].Status != "online" {
		t.Errorf("expected the later status to win, got %q", q.presence[0].Status)
	}
}
