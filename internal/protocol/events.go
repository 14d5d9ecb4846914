// Package protocol defines the JSON wire format shared by the huddle server
// and its clients: event names, payload shapes, and error codes.
package protocol

// Event names. These strings are the compatibility surface between server and
// client and must not change.
const (
	EventJoin         = "user:join"
	EventJoined       = "user:joined"
	EventJoinError    = "user:join:error"
	EventMemberJoined = "user:new-member-joined"
	EventLeft         = "user:left"
	EventMessageSend  = "message:send"
	EventReceived     = "message:received"
	EventSent         = "message:sent"
	EventSendError    = "message:send:error"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
)

// Message types carried in message:send and message:received.
const (
	MessageTypeText    = "text"
	MessageTypeSystem  = "system"
	defaultMessageType = MessageTypeText
)

// Error codes carried by user:join:error and message:send:error frames.
const (
	CodeInvalidPayload  = "INVALID_PAYLOAD"
	CodeInvalidUsername = "INVALID_USERNAME"
	CodeUsernameTaken   = "USERNAME_TAKEN"
	CodeAlreadyJoined   = "ALREADY_JOINED"
	CodeNotJoined       = "NOT_JOINED"
	CodeEmptyMessage    = "EMPTY_MESSAGE"
	CodeMessageTooLong  = "MESSAGE_TOO_LONG"
	CodeInvalidContent  = "INVALID_CONTENT"
	CodeInternal        = "INTERNAL_ERROR"
)

// IsServerEvent reports whether name is an event the server emits.
func IsServerEvent(name string) bool {
	switch name {
	case EventJoined, EventJoinError, EventMemberJoined, EventLeft,
		EventReceived, EventSent, EventSendError, EventTypingStart, EventTypingStop:
		return true
	}
	return false
}
