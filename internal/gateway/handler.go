package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/IngEluckie/tesis-server/internal/config"
	"github.com/IngEluckie/tesis-server/internal/event"
	"github.com/IngEluckie/tesis-server/internal/presence"
)

// TokenVerifier resolves a handshake token to the authenticated identity.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// MembershipAuthority answers whether a user durably belongs to a chat.
// Session subscriptions are checked against it before any table mutation.
type MembershipAuthority interface {
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
}

// MessageSink persists an outbound message and returns the stored record.
type MessageSink interface {
	PersistMessage(ctx context.Context, chatID, userID int64, content string) (*event.Message, error)
}

// PresenceStore is the shared presence record client. All methods are
// best-effort; failures degrade presence freshness, never connections.
type PresenceStore interface {
	Connect(ctx context.Context, userID int64, info presence.Info) (presence.Record, error)
	Disconnect(ctx context.Context, userID int64, terminalStatus string) (presence.Record, error)
	Touch(ctx context.Context, userID int64) error
	Reassert(ctx context.Context, userID int64, localCount int64, info presence.Info) error
}

// Server terminates client websockets and drives the protocol state machine
// for each connection. All collaborators are injected; the server holds no
// ambient state.
type Server struct {
	registry   *Registry
	bridge     *Bridge
	presence   PresenceStore
	verifier   TokenVerifier
	membership MembershipAuthority
	sink       MessageSink

	heartbeatInterval     time.Duration
	idleTimeout           time.Duration
	presenceTouchInterval time.Duration
	writeTimeout          time.Duration
	maxMessageSize        int64
	sendBuffer            int
	rateLimit             rate.Limit
	rateBurst             int

	upgrader websocket.Upgrader
	baseCtx  context.Context
	wg       sync.WaitGroup

	connects    metric.Int64Counter
	disconnects metric.Int64Counter
}

// NewServer wires the protocol handler to its collaborators.
func NewServer(cfg *config.Config, registry *Registry, bridge *Bridge, presenceStore PresenceStore, verifier TokenVerifier, membership MembershipAuthority, sink MessageSink) *Server {
	meter := otel.Meter("chat-gateway")
	connects, _ := meter.Int64Counter("gateway_connects_total",
		metric.WithDescription("Accepted websocket connections"))
	disconnects, _ := meter.Int64Counter("gateway_disconnects_total",
		metric.WithDescription("Torn-down websocket connections"))

	s := &Server{
		registry:              registry,
		bridge:                bridge,
		presence:              presenceStore,
		verifier:              verifier,
		membership:            membership,
		sink:                  sink,
		heartbeatInterval:     cfg.HeartbeatInterval,
		idleTimeout:           cfg.IdleTimeout,
		presenceTouchInterval: cfg.PresenceTouchInterval,
		writeTimeout:          cfg.WriteTimeout,
		maxMessageSize:        cfg.MaxMessageSize,
		sendBuffer:            cfg.SendBuffer,
		rateLimit:             rate.Limit(cfg.RateLimitPerSec),
		rateBurst:             cfg.RateLimitBurst,
		baseCtx:               context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.CORSOrigins),
	}
	s.connects = connects
	s.disconnects = disconnects
	return s
}

// originChecker admits requests without an Origin header (non-browser
// clients) and browser requests from the configured origins.
func originChecker(allowed []string) func(*http.Request) bool {
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return allowedSet[strings.TrimRight(origin, "/")]
	}
}

// Start records the lifecycle context and launches the presence reconciler.
// Must be called before the server accepts connections.
func (s *Server) Start(ctx context.Context) {
	s.baseCtx = ctx
	go s.runReconciler(ctx)
}

// ServeWS upgrades the connection, authenticates the handshake, and runs the
// connection's frame loop until disconnect. The handshake token rides the
// query string; an invalid one closes the socket with the unauthorized code
// before any registry or presence side effect.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	identity, err := s.verifier.VerifyToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
		deadline := time.Now().Add(5 * time.Second)
		_ = sock.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = sock.Close()
		slog.Info("Rejected unauthenticated websocket", "remote", r.RemoteAddr)
		return
	}

	sock.SetReadLimit(s.maxMessageSize)

	c := newConn(uuid.NewString(), identity, sock, s.sendBuffer, s.rateLimit, s.rateBurst)
	s.registry.admit(c)
	s.connects.Add(s.baseCtx, 1)
	slog.Info("Connection admitted", "conn", c.token, "user", identity.UserID, "username", identity.Username)

	s.wg.Add(1)
	defer s.wg.Done()

	go c.writePump(s.writeTimeout)
	go s.runHeartbeat(s.baseCtx, c)

	// Presence increment and fleet notification happen outside any registry
	// critical section.
	rec, err := s.presence.Connect(s.baseCtx, identity.UserID, presence.Info{
		Username: identity.Username,
		Name:     identity.Name,
		Email:    identity.Email,
	})
	if err != nil {
		slog.Warn("Presence connect failed, continuing degraded", "user", identity.UserID, "error", err)
		rec = presence.Record{Status: presence.StatusConnected, Username: identity.Username, LastSeen: presence.Now(), ConnectionCount: 1}
	}
	s.bridge.Publish(s.baseCtx, event.UserStatus(identity.UserID, rec.Status, rec.LastSeen, rec.ConnectionCount))

	s.readLoop(c)
	s.teardown(c)
}

// readLoop is the per-connection frame loop. A panic in dispatch is caught
// here so one connection's fault never takes down another's; the connection
// is then closed as if the client had disconnected.
func (s *Server) readLoop(c *conn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in connection frame loop", "conn", c.token, "user", c.identity.UserID, "panic", r)
		}
	}()

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if !isExpectedCloseError(err) {
				slog.Debug("Read loop ended", "conn", c.token, "error", err)
			}
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			s.reply(c, event.ChatError(0, "rate limit exceeded"))
			continue
		}

		frame, err := event.DecodeFrame(data)
		if err != nil {
			s.reply(c, event.ChatError(0, "malformed frame"))
			continue
		}
		s.dispatch(c, frame)
	}
}

// dispatch routes one parsed frame. Recoverable failures answer with
// chat.error and leave the connection state untouched.
func (s *Server) dispatch(c *conn, frame event.Frame) {
	userID := c.identity.UserID

	switch frame.Action {
	case event.ActionJoin:
		ok, err := s.membership.IsMember(s.baseCtx, frame.ChatID, userID)
		if err != nil {
			slog.Warn("Membership check failed", "chat", frame.ChatID, "user", userID, "error", err)
			s.reply(c, event.ChatError(frame.ChatID, "membership check unavailable"))
			return
		}
		if !ok {
			s.reply(c, event.ChatError(frame.ChatID, "not a member of this chat"))
			return
		}
		s.registry.subscribe(userID, frame.ChatID)
		s.reply(c, event.Event{Type: event.TypeChatJoined, ChatID: frame.ChatID, UserID: userID})

	case event.ActionLeave:
		s.registry.unsubscribe(userID, frame.ChatID)
		s.reply(c, event.Event{Type: event.TypeChatLeft, ChatID: frame.ChatID, UserID: userID})

	case event.ActionSend:
		if frame.ChatID <= 0 {
			s.reply(c, event.ChatError(frame.ChatID, "invalid chat id"))
			return
		}
		if strings.TrimSpace(frame.Content) == "" {
			s.reply(c, event.ChatError(frame.ChatID, "message content cannot be empty"))
			return
		}
		ok, err := s.membership.IsMember(s.baseCtx, frame.ChatID, userID)
		if err != nil {
			slog.Warn("Membership check failed", "chat", frame.ChatID, "user", userID, "error", err)
			s.reply(c, event.ChatError(frame.ChatID, "membership check unavailable"))
			return
		}
		if !ok {
			s.reply(c, event.ChatError(frame.ChatID, "not a member of this chat"))
			return
		}
		msg, err := s.sink.PersistMessage(s.baseCtx, frame.ChatID, userID, strings.TrimSpace(frame.Content))
		if err != nil {
			slog.Error("Message persist failed", "chat", frame.ChatID, "user", userID, "error", err)
			s.reply(c, event.ChatError(frame.ChatID, "failed to send message"))
			return
		}
		s.bridge.Publish(s.baseCtx, event.ChatMessage(msg))
		s.reply(c, event.Event{Type: event.TypeChatSent, ChatID: frame.ChatID, MessageID: msg.MessageID})

	case event.ActionPing, event.ActionHeartbeat:
		s.reply(c, event.Pong(frame.PingID))

	case event.ActionPong:
		c.pongReceived(frame.PingID)
		s.reply(c, event.Pong(frame.PingID))

	default:
		s.reply(c, event.ChatError(0, "unknown action: "+frame.Action))
	}
}

// reply queues a direct frame for this connection only.
func (s *Server) reply(c *conn, ev event.Event) {
	data, err := event.Encode(ev)
	if err != nil {
		slog.Warn("Failed to encode reply", "type", ev.Type, "error", err)
		return
	}
	if !s.registry.safeSend(c, data) {
		slog.Debug("Dropping reply for closed or slow connection", "conn", c.token, "type", ev.Type)
	}
}

// teardown runs exactly once per connection, no matter how it ended. It
// removes the handle, drops session subscriptions via the registry, stops
// the heartbeat supervisor, records exactly one presence decrement, and
// tells the fleet.
func (s *Server) teardown(c *conn) {
	res := s.registry.remove(c.token)
	if !res.found {
		return
	}
	c.haltHeartbeat()
	c.closeWithCode(websocket.CloseNormalClosure, "")

	reason := c.getCloseReason()
	terminal := presence.StatusDisconnected
	if reason == reasonInactive {
		terminal = presence.StatusInactive
	}

	rec, err := s.presence.Disconnect(s.baseCtx, c.identity.UserID, terminal)
	if err != nil {
		slog.Warn("Presence disconnect failed, continuing degraded", "user", c.identity.UserID, "error", err)
		rec = presence.Record{Status: terminal, Username: c.identity.Username, LastSeen: presence.Now()}
	}
	s.bridge.Publish(s.baseCtx, event.UserStatus(c.identity.UserID, rec.Status, rec.LastSeen, rec.ConnectionCount))

	s.disconnects.Add(s.baseCtx, 1)
	slog.Info("Connection closed", "conn", c.token, "user", c.identity.UserID, "reason", reason, "last_of_user", res.lastOfUser)
}

// runReconciler periodically re-asserts this process's true local connection
// counts against the presence store, repairing records that lapsed through
// TTL expiry while connections were still alive.
func (s *Server) runReconciler(ctx context.Context) {
	ticker := time.NewTicker(s.presenceTouchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for userID, st := range s.registry.localPresence() {
				err := s.presence.Reassert(ctx, userID, st.count, presence.Info{
					Username: st.identity.Username,
					Name:     st.identity.Name,
					Email:    st.identity.Email,
				})
				if err != nil {
					slog.Warn("Presence reassert failed", "user", userID, "error", err)
				}
			}
		}
	}
}

// Shutdown closes every connection and waits for their loops to drain, up
// to timeout. Bus and store resources must stay up until this returns.
func (s *Server) Shutdown(timeout time.Duration) error {
	conns := s.registry.allConns()
	slog.Info("Closing client connections", "count", len(conns))
	for _, c := range conns {
		c.setCloseReason(reasonShutdown)
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("All connections drained")
		return nil
	case <-time.After(timeout):
		slog.Warn("Shutdown timeout reached with connections still draining")
		return context.DeadlineExceeded
	}
}
