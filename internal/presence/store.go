// Package presence maintains the shared per-user presence records in Redis:
// online status, identity fields, last-seen timestamp, and a fleet-wide
// connection count, all under a refreshing TTL so records from crashed
// processes expire on their own.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence statuses.
const (
	StatusConnected    = "connected"
	StatusConnecting   = "connecting"
	StatusDisconnected = "disconnected"
	StatusInactive     = "inactive"
)

const keyPrefix = "connection:"

// lastSeenLayout is ISO-8601 UTC with millisecond precision.
const lastSeenLayout = "2006-01-02T15:04:05.000Z"

// Info carries the identity fields stored alongside the status.
type Info struct {
	Username string
	Name     string
	Email    string
}

// Record is one user's presence as read back from the store.
type Record struct {
	Status          string
	Username        string
	Name            string
	Email           string
	LastSeen        string
	ConnectionCount int64
}

// Store is the Redis-backed presence client. All operations are best-effort:
// callers log failures and continue in degraded mode, they never block the
// connection path on store health.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore wraps an existing Redis client.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func key(userID int64) string {
	return keyPrefix + strconv.FormatInt(userID, 10)
}

// Now formats the current instant in the store's last_seen layout.
func Now() string {
	return time.Now().UTC().Format(lastSeenLayout)
}

// Connect records one more live connection for the user and marks them
// connected. Returns the resulting record.
func (s *Store) Connect(ctx context.Context, userID int64, info Info) (Record, error) {
	k := key(userID)
	now := Now()

	pipe := s.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, k, "connection_count", 1)
	pipe.HSet(ctx, k, map[string]interface{}{
		"status":    StatusConnected,
		"username":  info.Username,
		"name":      info.Name,
		"email":     info.Email,
		"last_seen": now,
	})
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("presence connect for user %d: %w", userID, err)
	}

	return Record{
		Status:          StatusConnected,
		Username:        info.Username,
		Name:            info.Name,
		Email:           info.Email,
		LastSeen:        now,
		ConnectionCount: incr.Val(),
	}, nil
}

// Disconnect records one fewer live connection. When the count reaches zero
// the status flips to the given terminal status (disconnected or inactive).
// The count is clamped at zero; a TTL-expired record that reappears through
// a late decrement never goes negative.
func (s *Store) Disconnect(ctx context.Context, userID int64, terminalStatus string) (Record, error) {
	k := key(userID)
	now := Now()

	count, err := s.rdb.HIncrBy(ctx, k, "connection_count", -1).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence disconnect for user %d: %w", userID, err)
	}
	if count < 0 {
		count = 0
	}

	status := StatusConnected
	if count == 0 {
		status = terminalStatus
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"status":           status,
		"last_seen":        now,
		"connection_count": count,
	})
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Record{}, fmt.Errorf("presence disconnect for user %d: %w", userID, err)
	}

	rec, _ := s.Get(ctx, userID)
	rec.Status = status
	rec.LastSeen = now
	rec.ConnectionCount = count
	return rec, nil
}

// Touch refreshes last_seen and the TTL without changing counts.
func (s *Store) Touch(ctx context.Context, userID int64) error {
	k := key(userID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k, "last_seen", Now())
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence touch for user %d: %w", userID, err)
	}
	return nil
}

// Get reads a user's presence record. A missing record reads as
// disconnected with zero connections.
func (s *Store) Get(ctx context.Context, userID int64) (Record, error) {
	fields, err := s.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("presence get for user %d: %w", userID, err)
	}
	return ParseRecord(fields), nil
}

// Reassert repairs the record for a user this process holds localCount live
// connections for. If the record lapsed (TTL expiry, crashed peer) it is
// recreated; if the stored count undercounts the local reality it is raised.
// The TTL is refreshed either way. This is the reconciliation policy for the
// race between TTL expiry and explicit increments: each process periodically
// re-asserts the connections it actually owns, so a reset record converges
// back to at least the true local count.
func (s *Store) Reassert(ctx context.Context, userID int64, localCount int64, info Info) error {
	k := key(userID)

	rec, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	if rec.ConnectionCount < localCount {
		pipe.HSet(ctx, k, map[string]interface{}{
			"status":           StatusConnected,
			"username":         info.Username,
			"name":             info.Name,
			"email":            info.Email,
			"last_seen":        Now(),
			"connection_count": localCount,
		})
	}
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence reassert for user %d: %w", userID, err)
	}
	return nil
}

// ParseRecord converts a raw Redis hash into a Record.
func ParseRecord(fields map[string]string) Record {
	rec := Record{
		Status:   fields["status"],
		Username: fields["username"],
		Name:     fields["name"],
		Email:    fields["email"],
		LastSeen: fields["last_seen"],
	}
	if rec.Status == "" {
		rec.Status = StatusDisconnected
	}
	if raw, ok := fields["connection_count"]; ok {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			rec.ConnectionCount = n
		}
	}
	return rec
}
