package server

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/huddle/internal/history"
	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Router accepts chat messages from joined sessions, stores them, fans them
// out to peers and acknowledges the sender.
type Router struct {
	registry *Registry
	presence *Presence
	typing   *Typing
	store    history.Log
	acks     *ackCache
	maxLen   int
	now      func() time.Time
	log      zerolog.Logger
}

// NewRouter creates a router. typing may be nil.
func NewRouter(cfg Config, registry *Registry, presence *Presence, typing *Typing, store history.Log, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		presence: presence,
		typing:   typing,
		store:    store,
		acks:     newAckCache(cfg.DedupWindow, cfg.DedupTTL),
		maxLen:   cfg.MaxMessageLength,
		now:      time.Now,
		log:      logger.With().Str("component", "router").Logger(),
	}
}

// Submit processes one message:send from connID. Rejections are sent to the
// connection as message:send:error and returned as *ValidationError.
func (r *Router) Submit(ctx context.Context, connID string, req protocol.SendRequest) (protocol.SentAck, error) {
	ack, err := r.submit(ctx, connID, req)
	if err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			r.log.Error().Err(err).Str("conn", connID).Str("temp_id", req.TempID).Msg("failed to accept message")
			verr = validationErrorf(protocol.CodeInternal, "message could not be stored")
		}
		r.presence.Unicast(connID, protocol.MustEncode(protocol.EventSendError, protocol.SendErrorPayload{
			TempID:  req.TempID,
			Code:    verr.Code,
			Message: verr.Message,
		}))
		return protocol.SentAck{}, verr
	}
	return ack, nil
}

func (r *Router) submit(ctx context.Context, connID string, req protocol.SendRequest) (protocol.SentAck, error) {
	session, err := r.registry.Get(connID)
	if err != nil {
		return protocol.SentAck{}, validationErrorf(protocol.CodeNotJoined, "join before sending messages")
	}
	if req.TempID == "" {
		return protocol.SentAck{}, validationErrorf(protocol.CodeInvalidPayload, "tempId is required")
	}
	if err := r.validateContent(req.Content); err != nil {
		return protocol.SentAck{}, err
	}

	if ack, ok := r.acks.lookup(session.Username, req.TempID); ok {
		r.log.Debug().Str("conn", connID).Str("temp_id", req.TempID).Str("message_id", ack.MessageID).Msg("duplicate submission re-acknowledged")
		r.presence.Unicast(connID, protocol.MustEncode(protocol.EventSent, ack))
		return ack, nil
	}

	rec := history.Record{
		ID:         uuid.NewString(),
		TempID:     req.TempID,
		SenderID:   session.UserID,
		SenderName: session.Username,
		Content:    req.Content,
		Type:       req.MessageType(),
		Timestamp:  r.now().UTC(),
	}
	if r.store != nil {
		id, err := r.store.Append(ctx, rec)
		if err != nil {
			return protocol.SentAck{}, err
		}
		rec.ID = id
	}

	ack := protocol.SentAck{TempID: req.TempID, MessageID: rec.ID, Timestamp: rec.Timestamp}
	r.acks.store(session.Username, ack)

	delivered := r.presence.BroadcastExcept(connID, protocol.MustEncode(protocol.EventReceived, protocol.ReceivedPayload{
		ID:        rec.ID,
		Content:   rec.Content,
		Sender:    session.User(),
		Timestamp: rec.Timestamp,
		Type:      rec.Type,
	}))
	r.presence.Unicast(connID, protocol.MustEncode(protocol.EventSent, ack))

	if r.typing != nil {
		r.typing.Stop(session)
	}

	r.log.Debug().
		Str("conn", connID).
		Str("message_id", rec.ID).
		Str("temp_id", req.TempID).
		Int("recipients", delivered).
		Msg("message accepted")
	return ack, nil
}

func (r *Router) validateContent(content string) *ValidationError {
	if strings.TrimSpace(content) == "" {
		return validationErrorf(protocol.CodeEmptyMessage, "message content is empty")
	}
	if utf8.RuneCountInString(content) > r.maxLen {
		return validationErrorf(protocol.CodeMessageTooLong, "message exceeds %d characters", r.maxLen)
	}
	if !utf8.ValidString(content) {
		return validationErrorf(protocol.CodeInvalidContent, "message is not valid UTF-8")
	}
	return nil
}
