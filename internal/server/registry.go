package server

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/google/uuid"
)

// Registry errors.
var (
	ErrUsernameTaken   = errors.New("username already in use")
	ErrAlreadyJoined   = errors.New("connection already joined")
	ErrSessionNotFound = errors.New("session not found")
)

// Session binds one live connection to a user identity.
type Session struct {
	ConnectionID string
	UserID       string
	Username     string
	JoinedAt     time.Time
	LastPing     time.Time
}

// User returns the public identity of the session.
func (s Session) User() protocol.User {
	return protocol.User{ID: s.UserID, Username: s.Username, JoinedAt: s.JoinedAt}
}

// Roster is an insertion-ordered snapshot of live sessions. It is a copy and
// is never mutated after it leaves the Registry.
type Roster []Session

// Users converts the roster to its wire form.
func (r Roster) Users() []protocol.User {
	users := make([]protocol.User, len(r))
	for i, s := range r {
		users[i] = s.User()
	}
	return users
}

// Registry is the authoritative map of joined connections. Every mutation and
// every snapshot handed to a broadcast happens under one mutex, so a broadcast
// never mixes two roster states.
//
// Usernames are unique, compared case-insensitively after trimming; a second
// join with a taken name is rejected and the existing session is untouched.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	names    map[string]string
	now      func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		names:    make(map[string]string),
		now:      time.Now,
	}
}

func nameKey(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Add registers a session for connID.
func (r *Registry) Add(connID, username string) (Session, error) {
	return r.Join(connID, username, nil)
}

// Join registers a session for connID and, while still holding the lock,
// passes the new session and the resulting roster to fn.
func (r *Registry) Join(connID, username string, fn func(Session, Roster)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connID]; exists {
		return Session{}, ErrAlreadyJoined
	}
	key := nameKey(username)
	if _, taken := r.names[key]; taken {
		return Session{}, ErrUsernameTaken
	}

	now := r.now()
	session := &Session{
		ConnectionID: connID,
		UserID:       uuid.NewString(),
		Username:     strings.TrimSpace(username),
		JoinedAt:     now,
		LastPing:     now,
	}
	r.sessions[connID] = session
	r.names[key] = connID
	r.order = append(r.order, connID)

	if fn != nil {
		fn(*session, r.snapshotLocked())
	}
	return *session, nil
}

// Remove drops the session for connID. It is a no-op if none exists.
func (r *Registry) Remove(connID string) {
	r.Leave(connID, nil)
}

// Leave drops the session for connID and passes it and the remaining roster
// to fn under the lock. It reports false, without calling fn, if connID had
// no session.
func (r *Registry) Leave(connID string, fn func(Session, Roster)) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}

	delete(r.sessions, connID)
	delete(r.names, nameKey(session.Username))
	for i, id := range r.order {
		if id == connID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if fn != nil {
		fn(*session, r.snapshotLocked())
	}
	return *session, true
}

// Get returns a copy of the session for connID.
func (r *Registry) Get(connID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *session, nil
}

// Snapshot returns the current roster.
func (r *Registry) Snapshot() Roster {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// View passes the current roster to fn under the lock, so fan-out sees the
// same membership as concurrent joins and leaves.
func (r *Registry) View(fn func(Roster)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.snapshotLocked())
}

// Touch refreshes the LastPing of connID's session, if any.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[connID]; ok {
		session.LastPing = r.now()
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshotLocked() Roster {
	roster := make(Roster, 0, len(r.order))
	for _, id := range r.order {
		roster = append(roster, *r.sessions[id])
	}
	return roster
}
