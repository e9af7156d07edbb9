// Package httpapi is the REST surface next to the websocket endpoint: login
// and identity, chat listing, history with cursor pagination, and message
// sending. Socket and REST sends share the same store and event bridge, so a
// message posted here fans out to connected clients the same way.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/IngEluckie/tesis-server/internal/auth"
	"github.com/IngEluckie/tesis-server/internal/chatstore"
	"github.com/IngEluckie/tesis-server/internal/event"
)

// ChatStore is the persistence surface the API reads and writes.
// *chatstore.Store is the production implementation.
type ChatStore interface {
	FindUserByUsername(ctx context.Context, username string) (*chatstore.User, error)
	FindUserByID(ctx context.Context, userID int64) (*chatstore.User, error)
	IsMember(ctx context.Context, chatID, userID int64) (bool, error)
	PersistMessage(ctx context.Context, chatID, userID int64, content string) (*event.Message, error)
	ChatMessages(ctx context.Context, chatID int64, limit int, olderCursor string) ([]event.Message, chatstore.Pagination, error)
	MyChats(ctx context.Context, userID int64, limit, offset int) ([]chatstore.ChatSummary, error)
}

// TokenIssuer mints access tokens for authenticated logins. Nil when token
// issuance is delegated to an external identity provider.
type TokenIssuer interface {
	Issue(userID int64) (string, error)
}

// Publisher fans a domain event out to connected clients, locally and
// across instances.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event)
}

// API serves the REST routes.
type API struct {
	store     ChatStore
	issuer    TokenIssuer
	verifier  auth.Verifier
	publisher Publisher
	origins   []string
}

func New(store ChatStore, issuer TokenIssuer, verifier auth.Verifier, publisher Publisher, corsOrigins []string) *API {
	return &API{
		store:     store,
		issuer:    issuer,
		verifier:  verifier,
		publisher: publisher,
		origins:   corsOrigins,
	}
}

// Routes mounts every REST route on a fresh mux, wrapped in CORS handling.
// The websocket endpoint is mounted by the caller on the same server.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ison", a.handleHealth)
	mux.HandleFunc("POST /auth/login", a.handleLogin)
	mux.HandleFunc("GET /auth/me", a.authenticated(a.handleMe))
	mux.HandleFunc("GET /chats/my_chats", a.authenticated(a.handleMyChats))
	mux.HandleFunc("GET /chats/{chatID}", a.authenticated(a.handleGetChat))
	mux.HandleFunc("POST /chats/{chatID}/send_message", a.authenticated(a.handleSendMessage))

	return a.cors(mux)
}

type userKeyType struct{}

var userKey userKeyType

// authenticated resolves the Bearer token to a full user row and stores it
// on the request context.
func (a *API) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		userID, err := a.verifier.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		user, err := a.store.FindUserByID(r.Context(), userID)
		if err != nil {
			if errors.Is(err, chatstore.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			slog.Error("User lookup failed", "user", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

func currentUser(r *http.Request) *chatstore.User {
	u, _ := r.Context().Value(userKey).(*chatstore.User)
	return u
}

// cors answers preflights and stamps the allow headers for configured
// origins.
func (a *API) cors(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(a.origins))
	for _, o := range a.origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[strings.TrimRight(origin, "/")] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Yeah! I'm on!"})
}

// handleLogin checks form credentials against the stored bcrypt hash and
// mints an access token. Failures answer 400 without telling the caller
// whether the username or the password was wrong in machine-readable form.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.issuer == nil {
		writeError(w, http.StatusNotImplemented, "login is handled by the identity provider")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := a.store.FindUserByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, chatstore.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "Incorrect username or user does not exist")
			return
		}
		slog.Error("Login lookup failed", "username", username, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		writeError(w, http.StatusBadRequest, "Incorrect password")
		return
	}

	token, err := a.issuer.Issue(user.ID)
	if err != nil {
		slog.Error("Token issue failed", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

type userResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	writeJSON(w, http.StatusOK, userResponse{UserID: u.ID, Username: u.Username, Name: u.Name, Email: u.Email})
}

func (a *API) handleMyChats(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	limit := queryInt(r, "limit", 10)
	offset := queryInt(r, "offset", 0)
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}

	chats, err := a.store.MyChats(r.Context(), u.ID, limit, offset)
	if err != nil {
		slog.Error("Chat list failed", "user", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if chats == nil {
		chats = []chatstore.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

type chatResponse struct {
	ChatID     int64                `json:"chat_id"`
	Messages   []event.Message      `json:"messages"`
	Pagination chatstore.Pagination `json:"pagination"`
}

func (a *API) handleGetChat(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	chatID, err := strconv.ParseInt(r.PathValue("chatID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}
	limit := queryInt(r, "limit", 20)
	if limit < 1 {
		limit = 1
	}

	ok, err := a.store.IsMember(r.Context(), chatID, u.ID)
	if err != nil {
		slog.Error("Membership check failed", "chat", chatID, "user", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "you do not have access to this chat")
		return
	}

	messages, page, err := a.store.ChatMessages(r.Context(), chatID, limit, r.URL.Query().Get("older_cursor"))
	if errors.Is(err, chatstore.ErrBadCursor) {
		writeError(w, http.StatusBadRequest, "invalid older_cursor")
		return
	}
	if err != nil {
		slog.Error("History query failed", "chat", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if messages == nil {
		messages = []event.Message{}
	}
	writeJSON(w, http.StatusOK, chatResponse{ChatID: chatID, Messages: messages, Pagination: page})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// handleSendMessage persists a message for a member and fans it out through
// the bridge, exactly as a socket send would.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	chatID, err := strconv.ParseInt(r.PathValue("chatID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "message content cannot be empty")
		return
	}

	ok, err := a.store.IsMember(r.Context(), chatID, u.ID)
	if err != nil {
		slog.Error("Membership check failed", "chat", chatID, "user", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "you are not allowed to send messages to this chat")
		return
	}

	msg, err := a.store.PersistMessage(r.Context(), chatID, u.ID, content)
	if err != nil {
		slog.Error("Message persist failed", "chat", chatID, "user", u.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	a.publisher.Publish(r.Context(), event.ChatMessage(msg))

	writeJSON(w, http.StatusOK, msg)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
