package server

import (
	"context"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
)

// frameTimeout bounds the store calls made while handling one frame.
const frameTimeout = 5 * time.Second

// HandleFrame decodes one client frame and routes it by event name.
func (s *Server) HandleFrame(c *Client, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return malformed(err)
	}
	s.registry.Touch(c.id)

	ctx, cancel := s.frameContext()
	defer cancel()

	switch env.Event {
	case protocol.EventJoin:
		var req protocol.JoinRequest
		if err := env.Bind(&req); err != nil {
			s.presence.rejectJoin(c.id, validationErrorf(protocol.CodeInvalidPayload, "invalid join payload"))
			return malformed(err)
		}
		_, _ = s.presence.Join(ctx, c.id, req.Username)
		return nil

	case protocol.EventMessageSend:
		var req protocol.SendRequest
		if err := env.Bind(&req); err != nil {
			s.presence.Unicast(c.id, protocol.MustEncode(protocol.EventSendError, protocol.SendErrorPayload{
				Code:    protocol.CodeInvalidPayload,
				Message: "invalid message payload",
			}))
			return malformed(err)
		}
		_, _ = s.router.Submit(ctx, c.id, req)
		return nil

	case protocol.EventTypingStart, protocol.EventTypingStop:
		session, err := s.registry.Get(c.id)
		if err != nil {
			c.log.Debug().Str("event", env.Event).Msg("typing event before join ignored")
			return nil
		}
		if env.Event == protocol.EventTypingStart {
			s.typing.Start(session)
		} else {
			s.typing.Stop(session)
		}
		return nil

	default:
		return malformed(&unknownEventError{event: env.Event})
	}
}

// HandlePong refreshes the session's liveness.
func (s *Server) HandlePong(c *Client) {
	s.registry.Touch(c.id)
}

// HandleDisconnect clears the typing flag and removes the session, telling
// the remaining peers.
func (s *Server) HandleDisconnect(c *Client) {
	if session, err := s.registry.Get(c.id); err == nil {
		s.typing.Clear(session)
	}
	s.presence.Leave(c.id)
}

type unknownEventError struct {
	event string
}

func (e *unknownEventError) Error() string {
	return "unknown event " + e.event
}

// frameContext is not cancelled by hub shutdown: a frame already being
// handled finishes its history call rather than failing with INTERNAL_ERROR,
// which the sender would treat as permanent.
func (s *Server) frameContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(s.hub.Context()), frameTimeout)
}
