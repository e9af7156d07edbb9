package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/IngEluckie/tesis-server/internal/event"
)

// runHeartbeat supervises one connection: on every interval it either
// force-closes a connection that has been silent past the idle timeout, or
// emits a ping with a fresh correlation id. It also refreshes the shared
// presence record when the touch interval has elapsed.
//
// Runs as its own goroutine per connection; stops when the connection is
// torn down or the gateway shuts down.
func (s *Server) runHeartbeat(ctx context.Context, c *conn) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			if idle := c.idleFor(); idle > s.idleTimeout {
				slog.Info("Closing idle connection", "conn", c.token, "user", c.identity.UserID, "idle", idle.Round(time.Second))
				c.setCloseReason(reasonInactive)
				c.closeWithCode(CloseIdleTimeout, "idle timeout")
				return
			}

			pingID := uuid.NewString()
			data, err := event.Encode(event.Event{
				Type:      event.TypePing,
				PingID:    pingID,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				slog.Warn("Failed to encode ping", "error", err)
				continue
			}
			if s.registry.safeSend(c, data) {
				c.recordPing(pingID)
			}

			if c.presenceDue(s.presenceTouchInterval) {
				if err := s.presence.Touch(ctx, c.identity.UserID); err != nil {
					slog.Warn("Presence touch failed", "user", c.identity.UserID, "error", err)
				}
			}
		}
	}
}
