package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frame, err := Encode(EventSent, SentAck{TempID: "tmp_1", MessageID: "m-1", Timestamp: ts})
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"event":"message:sent","data":{"tempId":"tmp_1","messageId":"m-1","timestamp":"2026-01-02T03:04:05Z"}}`,
		string(frame))

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventSent, env.Event)

	var ack SentAck
	require.NoError(t, env.Bind(&ack))
	assert.Equal(t, "tmp_1", ack.TempID)
	assert.Equal(t, "m-1", ack.MessageID)
	assert.True(t, ack.Timestamp.Equal(ts))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "hello"},
		{name: "array", raw: "[1,2]"},
		{name: "missing event", raw: `{"data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.Error(t, err)
		})
	}

	_, err := Decode([]byte(`{"data":{"a":1}}`))
	assert.True(t, errors.Is(err, ErrMissingEvent))
}

func TestBind(t *testing.T) {
	env := Envelope{Event: EventJoin}
	var req JoinRequest
	assert.Error(t, env.Bind(&req), "empty payload must not bind")

	env.Data = []byte(`{"username": 12}`)
	assert.Error(t, env.Bind(&req))

	env.Data = []byte(`{"username":"alice"}`)
	require.NoError(t, env.Bind(&req))
	assert.Equal(t, "alice", req.Username)
}

func TestSendRequestMessageType(t *testing.T) {
	assert.Equal(t, MessageTypeText, SendRequest{}.MessageType())
	assert.Equal(t, MessageTypeSystem, SendRequest{Type: MessageTypeSystem}.MessageType())
}

func TestIsServerEvent(t *testing.T) {
	assert.True(t, IsServerEvent(EventReceived))
	assert.True(t, IsServerEvent(EventTypingStop))
	assert.False(t, IsServerEvent(EventJoin))
	assert.False(t, IsServerEvent(EventMessageSend))
	assert.False(t, IsServerEvent("bogus"))
}
