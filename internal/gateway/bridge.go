package gateway

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/IngEluckie/tesis-server/internal/event"
)

// EventBus is the narrow transport surface the bridge publishes through.
// Both operations are best-effort; *bus.Conn is the production
// implementation.
type EventBus interface {
	Publish(ctx context.Context, data []byte) error
	Subscribe(handler func(data []byte)) (func(), error)
}

// Bridge fans events out to local sockets and relays them across the fleet.
// Publish delivers locally first and then offers the event to the bus; the
// listener loop serves only other instances' events, recognizing its own by
// the origin tag.
type Bridge struct {
	registry   *Registry
	bus        EventBus
	instanceID string

	published  metric.Int64Counter
	relayed    metric.Int64Counter
	skippedOwn metric.Int64Counter
	busErrors  metric.Int64Counter
}

// NewBridge wires the bridge to this process's registry and the shared bus.
// instanceID must be unique per process; it becomes the origin tag.
func NewBridge(registry *Registry, eventBus EventBus, instanceID string) *Bridge {
	meter := otel.Meter("chat-gateway")
	published, _ := meter.Int64Counter("gateway_events_published_total",
		metric.WithDescription("Events published by this instance"))
	relayed, _ := meter.Int64Counter("gateway_events_relayed_total",
		metric.WithDescription("Events received from other instances and delivered locally"))
	skippedOwn, _ := meter.Int64Counter("gateway_events_skipped_own_total",
		metric.WithDescription("Own bus echoes dropped by origin tag"))
	busErrors, _ := meter.Int64Counter("gateway_bus_errors_total",
		metric.WithDescription("Failed or skipped bus publishes"))

	return &Bridge{
		registry:   registry,
		bus:        eventBus,
		instanceID: instanceID,
		published:  published,
		relayed:    relayed,
		skippedOwn: skippedOwn,
		busErrors:  busErrors,
	}
}

// Publish delivers the event to qualifying local sockets and relays it to
// the rest of the fleet. A dead bus only costs cross-instance delivery: the
// local broadcast has already happened and the failure is logged, never
// returned.
func (b *Bridge) Publish(ctx context.Context, ev event.Event) {
	b.deliverLocal(ev)
	b.published.Add(ctx, 1)

	ev.Origin = b.instanceID
	data, err := event.Encode(ev)
	if err != nil {
		slog.Warn("Failed to encode event for bus", "type", ev.Type, "error", err)
		return
	}
	if err := b.bus.Publish(ctx, data); err != nil {
		b.busErrors.Add(ctx, 1)
		slog.Warn("Bus publish failed, event delivered locally only", "type", ev.Type, "error", err)
	}
}

// Run subscribes to the bus and re-delivers other instances' events to local
// sockets until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	unsubscribe, err := b.bus.Subscribe(func(data []byte) {
		ev, err := event.Decode(data)
		if err != nil {
			slog.Warn("Dropping undecodable bus event", "error", err)
			return
		}
		if ev.Origin == b.instanceID {
			// Our own echo; local sockets were served at publish time.
			b.skippedOwn.Add(ctx, 1)
			return
		}
		ev.Origin = ""
		b.deliverLocal(ev)
		b.relayed.Add(ctx, 1)
	})
	if err != nil {
		return err
	}

	slog.Info("Event bridge listening", "instance", b.instanceID)
	<-ctx.Done()
	unsubscribe()
	return nil
}

// deliverLocal routes one event to the local sockets that qualify for it.
// Chat events go to the connections of users subscribed to the room, except
// the sender's own (the sender got a direct reply instead). Status events go
// to everyone but the subject user.
func (b *Bridge) deliverLocal(ev event.Event) {
	var targets []*conn
	switch ev.Type {
	case event.TypeChatMessage, event.TypeChatJoined, event.TypeChatLeft:
		interested := b.registry.membersInterested(ev.ChatID)
		targets = b.registry.connsForUsers(interested, ev.UserID)
	case event.TypeUserStatus:
		targets = b.registry.allConnsExcept(ev.UserID)
	default:
		return
	}
	if len(targets) == 0 {
		return
	}

	data, err := event.Encode(ev)
	if err != nil {
		slog.Warn("Failed to encode event for local delivery", "type", ev.Type, "error", err)
		return
	}
	for _, c := range targets {
		if !b.registry.safeSend(c, data) {
			slog.Debug("Dropping event for slow connection", "conn", c.token, "type", ev.Type)
		}
	}
}
