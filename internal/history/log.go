// Package history stores accepted chat messages. The server only relies on
// append-then-id semantics; ListRecent feeds the join payload.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a log after Close.
var ErrClosed = errors.New("history log closed")

// Record is one accepted message.
type Record struct {
	ID         string    `json:"id"`
	TempID     string    `json:"tempId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

// Log is the persistent message log.
type Log interface {
	// Append stores rec and returns its id.
	Append(ctx context.Context, rec Record) (string, error)
	// ListRecent returns up to limit of the newest records, oldest first.
	ListRecent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
