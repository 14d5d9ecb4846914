package client

import (
	"sync"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
)

// Status is the delivery state of a timeline entry.
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message in the local view. Outgoing entries are found by
// TempID until the server acknowledges them, then by ID.
type Entry struct {
	TempID    string
	ID        string
	Content   string
	Type      string
	Sender    protocol.User
	Timestamp time.Time
	Status    Status
	Outgoing  bool
	Err       error
}

// Timeline is the client's ordered message list.
type Timeline struct {
	mu      sync.RWMutex
	entries []*Entry
	byTemp  map[string]*Entry
	byID    map[string]*Entry
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byTemp: make(map[string]*Entry),
		byID:   make(map[string]*Entry),
	}
}

// AddOutgoing appends a local message in the Sending state.
func (t *Timeline) AddOutgoing(tempID, content, msgType string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{
		TempID:    tempID,
		Content:   content,
		Type:      msgType,
		Timestamp: at,
		Status:    StatusSending,
		Outgoing:  true,
	}
	t.entries = append(t.entries, e)
	t.byTemp[tempID] = e
}

// MarkSending puts a failed entry back in flight.
func (t *Timeline) MarkSending(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return false
	}
	e.Status = StatusSending
	e.Err = nil
	return true
}

// MarkSent records the server id and re-keys the entry by it.
func (t *Timeline) MarkSent(tempID, id string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return false
	}
	delete(t.byTemp, tempID)
	e.ID = id
	e.Timestamp = at
	e.Status = StatusSent
	e.Err = nil
	t.byID[id] = e
	return true
}

// MarkFailed records a terminal failure. The entry stays keyed by tempID so
// it can be retried.
func (t *Timeline) MarkFailed(tempID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byTemp[tempID]
	if !ok {
		return false
	}
	e.Status = StatusFailed
	e.Err = err
	return true
}

// AddReceived appends a message from the server with status Delivered. It
// reports false if a message with that id is already present.
func (t *Timeline) AddReceived(msg protocol.ReceivedPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[msg.ID]; ok {
		return false
	}
	e := &Entry{
		ID:        msg.ID,
		Content:   msg.Content,
		Type:      msg.Type,
		Sender:    msg.Sender,
		Timestamp: msg.Timestamp,
		Status:    StatusDelivered,
	}
	t.entries = append(t.entries, e)
	t.byID[msg.ID] = e
	return true
}

// ByTempID returns the unacknowledged or failed entry for tempID.
func (t *Timeline) ByTempID(tempID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byTemp[tempID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ByID returns the entry with server id id.
func (t *Timeline) ByID(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of the timeline in insertion order.
func (t *Timeline) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
