package server

import (
	"sync"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

// Broadcaster fans a frame out to every session except one.
type Broadcaster interface {
	BroadcastExcept(connID string, payload []byte) int
}

type typingFlag struct {
	gen       uint64
	timer     *time.Timer
	expiresAt time.Time
}

// Typing tracks which users are typing. A flag expires on its own after the
// configured timeout, whether or not the typer is still connected.
//
// Frames for a user are broadcast while holding the tracker lock, so peers
// see start and stop in the order they were processed.
type Typing struct {
	mu      sync.Mutex
	flags   map[string]*typingFlag
	gen     uint64
	timeout time.Duration
	out     Broadcaster
	closed  bool
	now     func() time.Time
	log     zerolog.Logger
}

// NewTyping creates a tracker that broadcasts through out.
func NewTyping(timeout time.Duration, out Broadcaster, logger zerolog.Logger) *Typing {
	return &Typing{
		flags:   make(map[string]*typingFlag),
		timeout: timeout,
		out:     out,
		now:     time.Now,
		log:     logger.With().Str("component", "typing").Logger(),
	}
}

// Start sets or refreshes the session's typing flag. Only the transition into
// typing is broadcast.
func (t *Typing) Start(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.gen++
	gen := t.gen
	now := t.now()

	if flag, ok := t.flags[s.UserID]; ok {
		flag.timer.Stop()
		flag.gen = gen
		flag.expiresAt = now.Add(t.timeout)
		flag.timer = t.arm(s, gen)
		return
	}

	t.flags[s.UserID] = &typingFlag{
		gen:       gen,
		expiresAt: now.Add(t.timeout),
		timer:     t.arm(s, gen),
	}
	t.broadcast(s, protocol.EventTypingStart, now)
}

// Stop clears the session's typing flag and broadcasts typing:stop. It is a
// no-op if the user is not typing.
func (t *Typing) Stop(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flag, ok := t.flags[s.UserID]
	if !ok {
		return
	}
	flag.timer.Stop()
	delete(t.flags, s.UserID)
	t.broadcast(s, protocol.EventTypingStop, t.now())
}

// Clear is Stop for a session that is going away.
func (t *Typing) Clear(s Session) {
	t.Stop(s)
}

// IsTyping reports whether userID currently holds a typing flag.
func (t *Typing) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flags[userID]
	return ok
}

// Close stops every pending expiry timer. Later Start calls are ignored.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for userID, flag := range t.flags {
		flag.timer.Stop()
		delete(t.flags, userID)
	}
	t.closed = true
}

func (t *Typing) arm(s Session, gen uint64) *time.Timer {
	return time.AfterFunc(t.timeout, func() {
		t.expire(s, gen)
	})
}

func (t *Typing) expire(s Session, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flag, ok := t.flags[s.UserID]
	if !ok || flag.gen != gen {
		return
	}
	delete(t.flags, s.UserID)
	t.log.Debug().Str("user_id", s.UserID).Msg("typing flag expired")
	t.broadcast(s, protocol.EventTypingStop, t.now())
}

func (t *Typing) broadcast(s Session, event string, at time.Time) {
	t.out.BroadcastExcept(s.ConnectionID, protocol.MustEncode(event, protocol.TypingPayload{
		UserID:    s.UserID,
		Username:  s.Username,
		Timestamp: at.UTC(),
	}))
}
