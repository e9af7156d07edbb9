package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/IngEluckie/tesis-server/internal/auth"
	"github.com/IngEluckie/tesis-server/internal/bus"
	"github.com/IngEluckie/tesis-server/internal/chatstore"
	"github.com/IngEluckie/tesis-server/internal/config"
	"github.com/IngEluckie/tesis-server/internal/gateway"
	"github.com/IngEluckie/tesis-server/internal/httpapi"
	"github.com/IngEluckie/tesis-server/internal/presence"
	"github.com/IngEluckie/tesis-server/pkg/otelhelper"
)

// identityResolver turns a handshake token into the full authenticated
// identity: the token authority yields the user id, the chat store the
// profile behind it. A token whose user no longer exists is invalid.
type identityResolver struct {
	tokens auth.Verifier
	users  *chatstore.Store
}

func (r *identityResolver) VerifyToken(ctx context.Context, token string) (gateway.Identity, error) {
	userID, err := r.tokens.Verify(token)
	if err != nil {
		return gateway.Identity{}, err
	}
	user, err := r.users.FindUserByID(ctx, userID)
	if err != nil {
		return gateway.Identity{}, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return gateway.Identity{
		UserID:   user.ID,
		Username: user.Username,
		Name:     user.Name,
		Email:    user.Email,
	}, nil
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	for attempt := 1; attempt <= 30; attempt++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb, nil
		}
		slog.Info("Waiting for Redis", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("ping redis: %w", err)
}

func run() error {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		return err
	}
	defer otelShutdown(ctx)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := chatstore.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	presenceStore := presence.NewStore(rdb, cfg.PresenceTTL)

	busConn, err := bus.Connect(cfg.NATSURL, cfg.NATSName, cfg.BusSubject)
	if err != nil {
		return err
	}

	// With a JWKS endpoint configured, token verification is delegated to
	// the identity provider and local login is disabled.
	var verifier auth.Verifier
	var issuer httpapi.TokenIssuer
	if cfg.JWKSURL != "" {
		jwks, err := auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWKSIssuer)
		if err != nil {
			return err
		}
		defer jwks.Close()
		verifier = jwks
	} else {
		authority := auth.NewHMACAuthority(cfg.JWTSecret, cfg.JWTTTL)
		verifier = authority
		issuer = authority
	}

	registry := gateway.NewRegistry()
	bridge := gateway.NewBridge(registry, busConn, uuid.NewString())
	resolver := &identityResolver{tokens: verifier, users: store}
	server := gateway.NewServer(cfg, registry, bridge, presenceStore, resolver, store, store)
	api := httpapi.New(store, issuer, verifier, bridge, cfg.CORSOrigins)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /websockets/connection", server.ServeWS)
	mux.Handle("/", api.Routes())

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server.Start(runCtx)
	go func() {
		if err := bridge.Run(runCtx); err != nil {
			slog.Error("Event bridge stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		return err
	}

	slog.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	if err := server.Shutdown(cfg.ShutdownTimeout); err != nil {
		slog.Warn("Connections still draining at shutdown deadline", "error", err)
	}
	busConn.Drain()
	slog.Info("Gateway shutdown complete")
	return nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(); err != nil {
		slog.Error("Gateway failed", "error", err)
		os.Exit(1)
	}
}
