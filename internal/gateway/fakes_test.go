package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IngEluckie/tesis-server/internal/config"
	"github.com/IngEluckie/tesis-server/internal/event"
	"github.com/IngEluckie/tesis-server/internal/presence"
)

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatInterval:     50 * time.Millisecond,
		IdleTimeout:           200 * time.Millisecond,
		PresenceTouchInterval: time.Hour,
		PresenceTTL:           2 * time.Hour,
		WriteTimeout:          time.Second,
		MaxMessageSize:        64 * 1024,
		SendBuffer:            32,
		RateLimitPerSec:       1000,
		RateLimitBurst:        1000,
	}
}

type fakeBus struct {
	mu        sync.Mutex
	published [][]byte
	fail      bool
	handler   func([]byte)
}

func (b *fakeBus) Publish(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("bus down")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.published = append(b.published, cp)
	return nil
}

func (b *fakeBus) Subscribe(handler func(data []byte)) (func(), error) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return func() {}, nil
}

// inject simulates a payload arriving from the bus.
func (b *fakeBus) inject(data []byte) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (b *fakeBus) publishedEvents() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]event.Event, 0, len(b.published))
	for _, data := range b.published {
		if ev, err := event.Decode(data); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

type fakePresence struct {
	mu          sync.Mutex
	counts      map[int64]int64
	disconnects map[int64]int
	terminals   map[int64]string
	reasserts   int
	failAll     bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		counts:      make(map[int64]int64),
		disconnects: make(map[int64]int),
		terminals:   make(map[int64]string),
	}
}

func (p *fakePresence) Connect(ctx context.Context, userID int64, info presence.Info) (presence.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return presence.Record{}, errors.New("store down")
	}
	p.counts[userID]++
	return presence.Record{
		Status:          presence.StatusConnected,
		Username:        info.Username,
		LastSeen:        presence.Now(),
		ConnectionCount: p.counts[userID],
	}, nil
}

func (p *fakePresence) Disconnect(ctx context.Context, userID int64, terminalStatus string) (presence.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return presence.Record{}, errors.New("store down")
	}
	p.disconnects[userID]++
	p.counts[userID]--
	if p.counts[userID] < 0 {
		p.counts[userID] = 0
	}
	status := presence.StatusConnected
	if p.counts[userID] == 0 {
		status = terminalStatus
		p.terminals[userID] = terminalStatus
	}
	return presence.Record{Status: status, LastSeen: presence.Now(), ConnectionCount: p.counts[userID]}, nil
}

func (p *fakePresence) Touch(ctx context.Context, userID int64) error { return nil }

func (p *fakePresence) Reassert(ctx context.Context, userID int64, localCount int64, info presence.Info) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasserts++
	return nil
}

func (p *fakePresence) disconnectCount(userID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects[userID]
}

func (p *fakePresence) connectionCount(userID int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[userID]
}

func (p *fakePresence) terminalStatus(userID int64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminals[userID]
}

type fakeMembership struct {
	mu      sync.Mutex
	members map[int64]map[int64]bool // chatID -> userID -> member
	fail    bool
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{members: make(map[int64]map[int64]bool)}
}

func (m *fakeMembership) allow(chatID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[chatID] == nil {
		m.members[chatID] = make(map[int64]bool)
	}
	m.members[chatID][userID] = true
}

func (m *fakeMembership) IsMember(ctx context.Context, chatID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, errors.New("authority down")
	}
	return m.members[chatID][userID], nil
}

type fakeSink struct {
	mu        sync.Mutex
	nextID    int64
	persisted []event.Message
	fail      bool
}

func (s *fakeSink) PersistMessage(ctx context.Context, chatID, userID int64, content string) (*event.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("database down")
	}
	s.nextID++
	msg := event.Message{
		MessageID:      s.nextID,
		ChatID:         chatID,
		UserID:         userID,
		SenderUsername: "user",
		Content:        content,
		CreatedAt:      presence.Now(),
	}
	s.persisted = append(s.persisted, msg)
	return &msg, nil
}

func (s *fakeSink) persistedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

type fakeVerifier struct {
	identities map[string]Identity
}

func (v *fakeVerifier) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if id, ok := v.identities[token]; ok {
		return id, nil
	}
	return Identity{}, errors.New("invalid token")
}
