// Package gateway is the realtime core: it owns live websocket connections,
// per-session chat subscriptions, heartbeat supervision, and the event
// bridge that keeps multiple gateway instances consistent.
package gateway

import "sync"

// Registry tracks this process's live connections and the chat rooms each
// user's session wants events for. One lock guards all of it; critical
// sections stay short and never perform network I/O.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*conn             // connection token -> handle
	users map[int64]map[string]*conn   // userID -> token -> handle
	subs  map[int64]map[int64]struct{} // userID -> chatIDs this session follows
	chats map[int64]map[int64]struct{} // chatID -> userIDs interested
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*conn),
		users: make(map[int64]map[string]*conn),
		subs:  make(map[int64]map[int64]struct{}),
		chats: make(map[int64]map[int64]struct{}),
	}
}

// admit registers a handle. Every call admits a distinct connection; a user
// may hold any number of simultaneous connections.
func (r *Registry) admit(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.token] = c
	if r.users[c.identity.UserID] == nil {
		r.users[c.identity.UserID] = make(map[string]*conn)
	}
	r.users[c.identity.UserID][c.token] = c
}

// removeResult describes the state removed with a connection.
type removeResult struct {
	found      bool
	lastOfUser bool
}

// remove unregisters a handle by token and closes its send channel. A second
// removal of the same token is a no-op. When the user's last connection
// goes, their whole subscription set is dropped: subscriptions are session
// state and must be re-established after reconnecting.
func (r *Registry) remove(token string) removeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[token]
	if !ok {
		return removeResult{}
	}
	delete(r.conns, token)

	userID := c.identity.UserID
	if tokens, ok := r.users[userID]; ok {
		delete(tokens, token)
		if len(tokens) == 0 {
			delete(r.users, userID)
			r.dropSubscriptionsLocked(userID)
			close(c.send)
			return removeResult{found: true, lastOfUser: true}
		}
	}
	close(c.send)
	return removeResult{found: true}
}

func (r *Registry) dropSubscriptionsLocked(userID int64) {
	for chatID := range r.subs[userID] {
		if members, ok := r.chats[chatID]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(r.chats, chatID)
			}
		}
	}
	delete(r.subs, userID)
}

// isOnline reports whether the user holds at least one live local connection.
func (r *Registry) isOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// subscribe records the user's interest in a chat room. Callers must have
// consulted the membership authority first; the table enforces nothing.
func (r *Registry) subscribe(userID, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.users[userID]) == 0 {
		// No live connection, nothing to subscribe on behalf of.
		return
	}
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[int64]struct{})
	}
	r.subs[userID][chatID] = struct{}{}
	if r.chats[chatID] == nil {
		r.chats[chatID] = make(map[int64]struct{})
	}
	r.chats[chatID][userID] = struct{}{}
}

// unsubscribe drops the user's interest in a chat room. Unsubscribing from a
// room never followed is a no-op.
func (r *Registry) unsubscribe(userID, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if chats, ok := r.subs[userID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(r.subs, userID)
		}
	}
	if members, ok := r.chats[chatID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.chats, chatID)
		}
	}
}

// isSubscribed reports whether the user's session follows the chat.
func (r *Registry) isSubscribed(userID, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[userID][chatID]
	return ok
}

// membersInterested returns the users whose sessions follow the chat.
func (r *Registry) membersInterested(chatID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.chats[chatID]
	if len(members) == 0 {
		return nil
	}
	out := make([]int64, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	return out
}

// connsForUsers snapshots the live handles of the given users, skipping
// every connection owned by exceptUser.
func (r *Registry) connsForUsers(userIDs []int64, exceptUser int64) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*conn
	for _, uid := range userIDs {
		if uid == exceptUser {
			continue
		}
		for _, c := range r.users[uid] {
			out = append(out, c)
		}
	}
	return out
}

// allConnsExcept snapshots every live handle not owned by exceptUser.
func (r *Registry) allConnsExcept(exceptUser int64) []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*conn
	for _, c := range r.conns {
		if c.identity.UserID == exceptUser {
			continue
		}
		out = append(out, c)
	}
	return out
}

// allConns snapshots every live handle.
func (r *Registry) allConns() []*conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// localPresence reports, per user with live local connections, the
// connection count and identity. Feeds the presence reconciler.
func (r *Registry) localPresence() map[int64]localUserState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64]localUserState, len(r.users))
	for uid, tokens := range r.users {
		st := localUserState{count: int64(len(tokens))}
		for _, c := range tokens {
			st.identity = c.identity
			break
		}
		out[uid] = st
	}
	return out
}

type localUserState struct {
	count    int64
	identity Identity
}

// safeSend queues data on the connection's send channel without blocking.
// The registered check under the read lock keeps the send from racing the
// channel close in remove.
func (r *Registry) safeSend(c *conn, data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.conns[c.token]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
