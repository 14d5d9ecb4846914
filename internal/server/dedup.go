package server

import (
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
)

// ackCache remembers the acknowledgment of every accepted (username, tempId)
// so a resent message is acknowledged again instead of stored twice. Each
// user keeps at most window entries, each for at most ttl.
type ackCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	window int
	users  map[string]*ackWindow
	now    func() time.Time
}

type ackWindow struct {
	order []string
	acks  map[string]ackEntry
}

type ackEntry struct {
	ack protocol.SentAck
	at  time.Time
}

func newAckCache(window int, ttl time.Duration) *ackCache {
	return &ackCache{
		ttl:    ttl,
		window: window,
		users:  make(map[string]*ackWindow),
		now:    time.Now,
	}
}

func (c *ackCache) lookup(username, tempID string) (protocol.SentAck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(username)
	w, ok := c.users[key]
	if !ok {
		return protocol.SentAck{}, false
	}
	c.expire(key, w)

	entry, ok := w.acks[tempID]
	if !ok {
		return protocol.SentAck{}, false
	}
	return entry.ack, true
}

func (c *ackCache) store(username string, ack protocol.SentAck) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(username)
	w, ok := c.users[key]
	if !ok {
		w = &ackWindow{acks: make(map[string]ackEntry)}
		c.users[key] = w
	}

	if _, exists := w.acks[ack.TempID]; !exists {
		w.order = append(w.order, ack.TempID)
	}
	w.acks[ack.TempID] = ackEntry{ack: ack, at: c.now()}

	for len(w.order) > c.window {
		delete(w.acks, w.order[0])
		w.order = w.order[1:]
	}
}

// expire drops entries older than ttl from the front of w. Entries are
// appended in time order so the scan stops at the first live one.
func (c *ackCache) expire(key string, w *ackWindow) {
	cutoff := c.now().Add(-c.ttl)
	n := 0
	for n < len(w.order) && w.acks[w.order[n]].at.Before(cutoff) {
		delete(w.acks, w.order[n])
		n++
	}
	w.order = w.order[n:]
	if len(w.order) == 0 {
		delete(c.users, key)
	}
}
