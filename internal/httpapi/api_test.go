package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/IngEluckie/tesis-server/internal/auth"
	"github.com/IngEluckie/tesis-server/internal/chatstore"
	"github.com/IngEluckie/tesis-server/internal/event"
)

type fakeStore struct {
	users     map[int64]*chatstore.User
	byName    map[string]*chatstore.User
	members   map[int64]map[int64]bool
	messages  []event.Message
	page      chatstore.Pagination
	chats     []chatstore.ChatSummary
	nextID    int64
	persisted []event.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[int64]*chatstore.User),
		byName:  make(map[string]*chatstore.User),
		members: make(map[int64]map[int64]bool),
	}
}

func (s *fakeStore) addUser(u chatstore.User) {
	s.users[u.ID] = &u
	s.byName[u.Username] = &u
}

func (s *fakeStore) allow(chatID, userID int64) {
	if s.members[chatID] == nil {
		s.members[chatID] = make(map[int64]bool)
	}
	s.members[chatID][userID] = true
}

func (s *fakeStore) FindUserByUsername(ctx context.Context, username string) (*chatstore.User, error) {
	if u, ok := s.byName[username]; ok {
		return u, nil
	}
	return nil, chatstore.ErrNotFound
}

func (s *fakeStore) FindUserByID(ctx context.Context, userID int64) (*chatstore.User, error) {
	if u, ok := s.users[userID]; ok {
		return u, nil
	}
	return nil, chatstore.ErrNotFound
}

func (s *fakeStore) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	return s.members[chatID][userID], nil
}

func (s *fakeStore) PersistMessage(ctx context.Context, chatID, userID int64, content string) (*event.Message, error) {
	s.nextID++
	msg := event.Message{
		MessageID:      s.nextID,
		ChatID:         chatID,
		UserID:         userID,
		SenderUsername: s.users[userID].Username,
		Content:        content,
		CreatedAt:      "2026-08-29T10:00:00.000Z",
	}
	s.persisted = append(s.persisted, msg)
	return &msg, nil
}

func (s *fakeStore) ChatMessages(ctx context.Context, chatID int64, limit int, olderCursor string) ([]event.Message, chatstore.Pagination, error) {
	if olderCursor != "" {
		if _, err := strconv.ParseInt(olderCursor, 10, 64); err != nil {
			return nil, chatstore.Pagination{}, chatstore.ErrBadCursor
		}
	}
	return s.messages, s.page, nil
}

func (s *fakeStore) MyChats(ctx context.Context, userID int64, limit, offset int) ([]chatstore.ChatSummary, error) {
	return s.chats, nil
}

type fakePublisher struct {
	events []event.Event
}

func (p *fakePublisher) Publish(ctx context.Context, ev event.Event) {
	p.events = append(p.events, ev)
}

type fixture struct {
	store     *fakeStore
	publisher *fakePublisher
	authority *auth.HMACAuthority
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newFakeStore()
	publisher := &fakePublisher{}
	authority := auth.NewHMACAuthority("test-secret", time.Hour)
	api := New(store, authority, authority, publisher, []string{"http://localhost:3000"})
	return &fixture{store: store, publisher: publisher, authority: authority, handler: api.Routes()}
}

func (f *fixture) addUserWithPassword(t *testing.T, id int64, username, password string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	f.store.addUser(chatstore.User{ID: id, Username: username, Name: "Test User", Email: username + "@example.com", PasswordHash: hash})
}

func (f *fixture) bearer(t *testing.T, userID int64) string {
	t.Helper()
	token, err := f.authority.Issue(userID)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return "Bearer " + token
}

func do(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("Undecodable body %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := do(f, httptest.NewRequest(http.MethodGet, "/ison", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.addUserWithPassword(t, 1, "ana", "hunter2")

	login := func(username, password string) *httptest.ResponseRecorder {
		form := url.Values{"username": {username}, "password": {password}}
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return do(f, req)
	}

	rec := login("ana", "hunter2")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["token_type"] != "bearer" || body["access_token"] == "" {
		t.Errorf("Unexpected login body %v", body)
	}

	// The minted token must verify back to the user.
	userID, err := f.authority.Verify(body["access_token"])
	if err != nil || userID != 1 {
		t.Errorf("Expected token for user 1, got %d, %v", userID, err)
	}

	if rec := login("ana", "wrong"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for wrong password, got %d", rec.Code)
	}
	if rec := login("nobody", "hunter2"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown user, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	f.addUserWithPassword(t, 1, "ana", "hunter2")

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", f.bearer(t, 1))
	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body userResponse
	decodeBody(t, rec, &body)
	if body.UserID != 1 || body.Username != "ana" {
		t.Errorf("Unexpected identity %+v", body)
	}
}

func TestAuthRejected(t *testing.T) {
	f := newFixture(t)
	f.addUserWithPassword(t, 1, "ana", "hunter2")

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if rec := do(f, req); rec.Code != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", rec.Code)
			}
		})
	}

	// A valid token for a deleted user is still unauthorized.
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", f.bearer(t, 99))
	if rec := do(f, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unknown user, got %d", rec.Code)
	}
}

func TestGetChat(t *testing.T) {
	f := newFixture(t)
	f.addUserWithPassword(t, 1, "ana", "hunter2")
	f.store.allow(7, 1)
	f.store.messages = []event.Message{{MessageID: 5, ChatID: 7, UserID: 1, Content: "old"}}
	f.store.page = chatstore.Pagination{OlderCursor: "5", HasMoreOlder: true}

	req := httptest.NewRequest(http.MethodGet, "/chats/7?limit=1", nil)
	req.Header.Set("Authorization", f.bearer(t, 1))
	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body chatResponse
	decodeBody(t, rec, &body)
	if body.ChatID != 7 || len(body.Messages) != 1 || !body.Pagination.HasMoreOlder {
		t.Errorf("Unexpected chat body %+v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/chats/8", nil)
	req.Header.Set("Authorization", f.bearer(t, 1))
	if rec := do(f, req); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-member, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/chats/7?older_cursor=bogus", nil)
	req.Header.Set("Authorization", f.bearer(t, 1))
	if rec := do(f, req); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed cursor, got %d", rec.Code)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t)
	f.addUserWithPassword(t, 1, "ana", "hunter2")
	f.store.allow(7, 1)

	post := func(chat, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chats/"+chat+"/send_message", strings.NewReader(body))
		req.Header.Set("Authorization", f.bearer(t, 1))
		req.Header.Set("Content-Type", "application/json")
		return do(f, req)
	}

	rec := post("7", `{"content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var msg event.Message
	decodeBody(t, rec, &msg)
	if msg.MessageID != 1 || msg.Content != "hello" || msg.SenderUsername != "ana" {
		t.Errorf("Unexpected message %+v", msg)
	}
	if len(f.publisher.events) != 1 || f.publisher.events[0].Type != event.TypeChatMessage {
		t.Errorf("Expected one chat.message published, got %+v", f.publisher.events)
	}

	if rec := post("7", `{"content":"   "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for blank content, got %d", rec.Code)
	}
	if rec := post("8", `{"content":"hello"}`); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-member, got %d", rec.Code)
	}
	if len(f.store.persisted) != 1 {
		t.Errorf("Expected exactly one persisted message, got %d", len(f.store.persisted))
	}
}

func TestMyChats(t *testing.T) {
	f := newFixture(t)
	f.addUserWithPassword(t, 1, "ana", "hunter2")
	f.store.chats = []chatstore.ChatSummary{{ChatID: 7, ChatName: "bob", LastActivity: "2026-08-29T10:00:00.000Z"}}

	req := httptest.NewRequest(http.MethodGet, "/chats/my_chats", nil)
	req.Header.Set("Authorization", f.bearer(t, 1))
	rec := do(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Chats []chatstore.ChatSummary `json:"chats"`
	}
	decodeBody(t, rec, &body)
	if len(body.Chats) != 1 || body.Chats[0].ChatName != "bob" {
		t.Errorf("Unexpected chats %+v", body.Chats)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := do(f, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected allow-origin echo, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ison", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = do(f, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow-origin for unknown origin, got %q", got)
	}
}
