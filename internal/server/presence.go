package server

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Tyrowin/huddle/internal/history"
	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Deliverer enqueues an encoded frame for one connection without blocking.
// It reports false if the frame could not be queued.
type Deliverer interface {
	Deliver(connID string, payload []byte) bool
}

// Presence admits and removes sessions and tells every peer about it. The
// frames for a join or leave are built from the roster captured in the same
// critical section as the mutation.
type Presence struct {
	registry    *Registry
	out         Deliverer
	store       history.Log
	info        protocol.ServerInfo
	onJoin      int
	maxUsername int
	log         zerolog.Logger

	// loads collapses concurrent history reads from a burst of joins.
	loads singleflight.Group
}

// NewPresence creates a broadcaster over registry. store may be nil, in which
// case joiners receive no recent messages.
func NewPresence(cfg Config, registry *Registry, out Deliverer, store history.Log, logger zerolog.Logger) *Presence {
	return &Presence{
		registry:    registry,
		out:         out,
		store:       store,
		info:        serverInfo(cfg),
		onJoin:      cfg.HistoryOnJoin,
		maxUsername: cfg.MaxUsernameLength,
		log:         logger.With().Str("component", "presence").Logger(),
	}
}

// Join validates username and admits connID. On failure the connection gets
// a user:join:error frame and the error is returned.
func (p *Presence) Join(ctx context.Context, connID, username string) (Session, error) {
	if verr := p.validateUsername(username); verr != nil {
		p.rejectJoin(connID, verr)
		return Session{}, verr
	}

	recent := p.recentMessages(ctx)

	session, err := p.registry.Join(connID, username, func(joined Session, roster Roster) {
		users := roster.Users()
		p.out.Deliver(connID, protocol.MustEncode(protocol.EventJoined, protocol.JoinedPayload{
			User:           joined.User(),
			OnlineUsers:    users,
			ServerInfo:     &p.info,
			RecentMessages: recent,
		}))

		announce := protocol.MustEncode(protocol.EventMemberJoined, protocol.MemberJoinedPayload{
			NewMember:   joined.User(),
			OnlineUsers: users,
		})
		for _, peer := range roster {
			if peer.ConnectionID != connID {
				p.out.Deliver(peer.ConnectionID, announce)
			}
		}
	})
	if err != nil {
		verr := joinValidationError(err)
		p.rejectJoin(connID, verr)
		return Session{}, verr
	}

	p.log.Info().
		Str("conn", connID).
		Str("user_id", session.UserID).
		Str("username", session.Username).
		Msg("user joined")
	return session, nil
}

// Leave removes connID's session and broadcasts user:left to the remaining
// sessions. It reports false if the connection never joined.
func (p *Presence) Leave(connID string) (Session, bool) {
	session, ok := p.registry.Leave(connID, func(left Session, roster Roster) {
		frame := protocol.MustEncode(protocol.EventLeft, protocol.LeftPayload{
			User:        left.User(),
			OnlineUsers: roster.Users(),
		})
		for _, peer := range roster {
			p.out.Deliver(peer.ConnectionID, frame)
		}
	})
	if ok {
		p.log.Info().
			Str("conn", connID).
			Str("user_id", session.UserID).
			Str("username", session.Username).
			Msg("user left")
	}
	return session, ok
}

// BroadcastExcept queues payload for every session except connID and returns
// how many sessions accepted it.
func (p *Presence) BroadcastExcept(connID string, payload []byte) int {
	delivered := 0
	p.registry.View(func(roster Roster) {
		for _, peer := range roster {
			if peer.ConnectionID == connID {
				continue
			}
			if p.out.Deliver(peer.ConnectionID, payload) {
				delivered++
			}
		}
	})
	return delivered
}

// Unicast queues payload for connID alone.
func (p *Presence) Unicast(connID string, payload []byte) bool {
	return p.out.Deliver(connID, payload)
}

func (p *Presence) rejectJoin(connID string, verr *ValidationError) {
	p.log.Debug().Str("conn", connID).Str("code", verr.Code).Msg("join rejected")
	p.out.Deliver(connID, protocol.MustEncode(protocol.EventJoinError, protocol.JoinErrorPayload{
		Error: verr.Message,
		Code:  verr.Code,
	}))
}

func (p *Presence) validateUsername(username string) *ValidationError {
	if !utf8.ValidString(username) {
		return validationErrorf(protocol.CodeInvalidUsername, "username is not valid UTF-8")
	}
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return validationErrorf(protocol.CodeInvalidUsername, "username is required")
	}
	if utf8.RuneCountInString(trimmed) > p.maxUsername {
		return validationErrorf(protocol.CodeInvalidUsername, "username exceeds %d characters", p.maxUsername)
	}
	if strings.IndexFunc(trimmed, unicode.IsControl) >= 0 {
		return validationErrorf(protocol.CodeInvalidUsername, "username contains control characters")
	}
	return nil
}

func (p *Presence) recentMessages(ctx context.Context) []protocol.ReceivedPayload {
	if p.store == nil || p.onJoin <= 0 {
		return nil
	}

	val, err, shared := p.loads.Do("recent", func() (any, error) {
		return p.store.ListRecent(ctx, p.onJoin)
	})
	if err != nil {
		p.log.Error().Err(err).Msg("failed to load recent messages for join")
		return nil
	}
	if shared {
		p.log.Debug().Msg("recent messages shared with a concurrent join")
	}

	records, _ := val.([]history.Record)
	recent := make([]protocol.ReceivedPayload, len(records))
	for i, rec := range records {
		recent[i] = protocol.ReceivedPayload{
			ID:      rec.ID,
			Content: rec.Content,
			Sender: protocol.User{
				ID:       rec.SenderID,
				Username: rec.SenderName,
			},
			Timestamp: rec.Timestamp,
			Type:      rec.Type,
		}
	}
	return recent
}

func joinValidationError(err error) *ValidationError {
	switch {
	case errors.Is(err, ErrUsernameTaken):
		return validationErrorf(protocol.CodeUsernameTaken, "username is already in use")
	case errors.Is(err, ErrAlreadyJoined):
		return validationErrorf(protocol.CodeAlreadyJoined, "connection has already joined")
	default:
		return validationErrorf(protocol.CodeInternal, "join failed")
	}
}

func serverInfo(cfg Config) protocol.ServerInfo {
	return protocol.ServerInfo{
		Name:             ServerName,
		Version:          Version,
		MaxMessageLength: cfg.MaxMessageLength,
		TypingTimeoutMs:  cfg.TypingTimeout.Milliseconds(),
	}
}
