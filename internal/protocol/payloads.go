package protocol

import "time"

// User is the public identity of a session as seen by peers.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ServerInfo describes server-side limits a client may want to honour locally.
type ServerInfo struct {
	Name             string `json:"name"`
	Version          string `json:"version"`
	MaxMessageLength int    `json:"maxMessageLength"`
	TypingTimeoutMs  int64  `json:"typingTimeoutMs"`
}

// JoinRequest is sent by a client to claim a username for its connection.
type JoinRequest struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// JoinedPayload is unicast to a newly admitted session.
type JoinedPayload struct {
	User           User              `json:"user"`
	OnlineUsers    []User            `json:"onlineUsers"`
	ServerInfo     *ServerInfo       `json:"serverInfo,omitempty"`
	RecentMessages []ReceivedPayload `json:"recentMessages,omitempty"`
}

// JoinErrorPayload rejects a join request.
type JoinErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// MemberJoinedPayload is broadcast to every other session on admission.
type MemberJoinedPayload struct {
	NewMember   User   `json:"newMember"`
	OnlineUsers []User `json:"onlineUsers"`
}

// LeftPayload is broadcast to the remaining sessions on removal.
type LeftPayload struct {
	User        User   `json:"user"`
	OnlineUsers []User `json:"onlineUsers"`
}

// SendRequest submits a chat message. TempID correlates the acknowledgment.
type SendRequest struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	TempID    string    `json:"tempId"`
}

// MessageType returns the request type, defaulting to text.
func (r SendRequest) MessageType() string {
	if r.Type == "" {
		return defaultMessageType
	}
	return r.Type
}

// ReceivedPayload is a chat message fanned out to peers.
type ReceivedPayload struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    User      `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
}

// SentAck acknowledges an accepted message to its sender.
type SentAck struct {
	TempID    string    `json:"tempId"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// SendErrorPayload reports a permanent rejection of a submitted message.
type SendErrorPayload struct {
	TempID  string `json:"tempId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TypingPayload carries typing:start and typing:stop in both directions.
// Username is only filled in by the server.
type TypingPayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
