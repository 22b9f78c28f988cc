// Package presence tracks user online/idle/offline status using DragonflyDB
// (Redis-compatible). It manages heartbeat-based presence detection and
// broadcasts presence changes through the NATS event bus. Cache also backs
// the API server's session storage and rate limiting, since all three share
// the same TTL-keyed store.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/fedsender"
)

// Status values a user's presence may hold.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusFocus     = "focus"
	StatusBusy      = "busy"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Key prefixes partition the shared cache namespace by concern.
const (
	PrefixSession   = "session:"
	PrefixPresence  = "presence:"
	PrefixRateLimit = "ratelimit:"
	PrefixCache     = "cache:"
)

// heartbeatTTL is how long a presence entry survives without a refresh
// before the user is considered to have gone offline.
const heartbeatTTL = 90 * time.Second

// SessionData is a short-lived WebAuthn challenge session, keyed under
// PrefixSession.
type SessionData struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimitResult is returned by CheckRateLimitInfo.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// State is a user's current presence.
type State struct {
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	StatusMsg       string    `json:"status_msg,omitempty"`
	LastActiveAt    time.Time `json:"last_active_at"`
	CurrentlyActive bool      `json:"currently_active"`
}

// ToFederationState converts a local presence State into the shape the
// outbound federation dispatcher fans out to remote instances.
func (st State) ToFederationState(userID fedsender.UserID) fedsender.UserPresenceState {
	return fedsender.UserPresenceState{
		UserID:          userID,
		Status:          st.Status,
		StatusMsg:       st.StatusMsg,
		LastActiveAgo:   time.Since(st.LastActiveAt),
		CurrentlyActive: st.CurrentlyActive,
	}
}

// Cache wraps a DragonflyDB/Redis connection and provides the session,
// rate-limit, and presence storage the rest of AmityVox depends on.
type Cache struct {
	client     *redis.Client
	bus        *events.Bus
	dispatcher *fedsender.Dispatcher
	logger     *slog.Logger
}

// New connects to the cache at url (a redis:// or rediss:// URL).
func New(url string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing cache URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to cache: %w", err)
	}

	return &Cache{client: client, logger: logger}, nil
}

// AttachBus wires presence broadcasts onto the local event bus. Split from
// New because main.go connects to NATS and the cache independently.
func (c *Cache) AttachBus(bus *events.Bus) {
	c.bus = bus
}

// AttachDispatcher wires local presence updates into the outbound
// federation dispatcher, so a status change is fanned out to every
// federated instance interested in the user, not just broadcast locally.
func (c *Cache) AttachDispatcher(d *fedsender.Dispatcher) {
	c.dispatcher = d
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// HealthCheck verifies the cache connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Set stores value, JSON-encoded, under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling cache value for %s: %w", key, err)
	}
	if err := c.client.Set(ctx, PrefixCache+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing cache key %s: %w", key, err)
	}
	return nil
}

// Get reads the value stored under key into dest, returning found=false if
// it does not exist (or has expired).
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, PrefixCache+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshaling cache value for %s: %w", key, err)
	}
	return true, nil
}

// CheckRateLimitInfo applies a fixed-window counter against key, creating
// the window on first use and expiring it after window elapses.
func (c *Cache) CheckRateLimitInfo(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	fullKey := PrefixRateLimit + key

	count, err := c.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("incrementing rate limit counter for %s: %w", key, err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, fullKey, window).Err(); err != nil {
			return RateLimitResult{}, fmt.Errorf("setting rate limit window for %s: %w", key, err)
		}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
	}, nil
}

// SetStatus records a user's presence, broadcasts it to locally connected
// clients via the event bus, and — if a dispatcher is attached — fans it
// out to every federated instance interested in the user.
func (c *Cache) SetStatus(ctx context.Context, userID, status, statusMsg string) (State, error) {
	st := State{
		UserID:          userID,
		Status:          status,
		StatusMsg:       statusMsg,
		LastActiveAt:    time.Now().UTC(),
		CurrentlyActive: status == StatusOnline || status == StatusFocus || status == StatusBusy,
	}

	data, err := json.Marshal(st)
	if err != nil {
		return State{}, fmt.Errorf("marshaling presence for %s: %w", userID, err)
	}
	if err := c.client.Set(ctx, PrefixPresence+userID, data, heartbeatTTL).Err(); err != nil {
		return State{}, fmt.Errorf("persisting presence for %s: %w", userID, err)
	}

	if c.bus != nil {
		if err := c.bus.PublishUserEvent(ctx, events.SubjectPresenceUpdate, "PRESENCE_UPDATE", userID, st); err != nil {
			c.logger.Warn("presence: failed to publish local update",
				slog.String("user_id", userID), slog.String("error", err.Error()))
		}
	}

	if c.dispatcher != nil {
		c.dispatcher.SendPresence(ctx, []fedsender.UserPresenceState{st.ToFederationState(fedsender.UserID(userID))})
	}

	return st, nil
}

// Heartbeat refreshes a user's presence TTL without changing their status,
// keeping them online as long as their client keeps sending heartbeats.
func (c *Cache) Heartbeat(ctx context.Context, userID string) error {
	ok, err := c.client.Expire(ctx, PrefixPresence+userID, heartbeatTTL).Result()
	if err != nil {
		return fmt.Errorf("refreshing presence heartbeat for %s: %w", userID, err)
	}
	if !ok {
		_, err := c.SetStatus(ctx, userID, StatusOnline, "")
		return err
	}
	return nil
}

// GetStatus returns a user's current presence, or found=false if they have
// no live entry (i.e. they are offline).
func (c *Cache) GetStatus(ctx context.Context, userID string) (State, bool, error) {
	data, err := c.client.Get(ctx, PrefixPresence+userID).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("reading presence for %s: %w", userID, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("unmarshaling presence for %s: %w", userID, err)
	}
	return st, true, nil
}
