// Package bus carries gateway events between instances over a single NATS
// subject. Delivery is best-effort: a dead bus degrades the fleet to
// per-instance broadcast, it never fails a caller.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/IngEluckie/tesis-server/pkg/otelhelper"
)

// ErrUnavailable is returned when the breaker is open and publishes are
// being skipped without touching the transport.
var ErrUnavailable = fmt.Errorf("event bus unavailable")

// Conn is a NATS-backed event channel.
type Conn struct {
	nc      *nats.Conn
	subject string
	breaker *CircuitBreaker
}

// Connect dials NATS with bounded retry (the broker may still be starting)
// and unlimited reconnects afterwards.
func Connect(url, name, subject string) (*Conn, error) {
	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl(), "subject", subject)

	return &Conn{
		nc:      nc,
		subject: subject,
		breaker: NewCircuitBreaker(5, 10),
	}, nil
}

// Publish sends one encoded event to the fleet, propagating the trace
// context in the message headers. While the breaker is open the attempt is
// skipped immediately.
func (c *Conn) Publish(ctx context.Context, data []byte) error {
	if !c.breaker.Allow() {
		return ErrUnavailable
	}
	if err := otelhelper.TracedPublish(ctx, c.nc, c.subject, data); err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("publish to %s: %w", c.subject, err)
	}
	c.breaker.RecordSuccess()
	return nil
}

// Subscribe delivers every payload published on the channel, including this
// instance's own, to handler. Returns an unsubscribe function.
func (c *Conn) Subscribe(handler func(data []byte)) (func(), error) {
	sub, err := c.nc.Subscribe(c.subject, func(msg *nats.Msg) {
		_, span := otelhelper.StartConsumerSpan(context.Background(), msg, c.subject+" process")
		handler(msg.Data)
		span.End()
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", c.subject, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("Failed to unsubscribe from bus", "error", err)
		}
	}, nil
}

// Drain flushes pending messages and closes the connection.
func (c *Conn) Drain() {
	if err := c.nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	}
}
