package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Local event names delivered alongside protocol events.
const (
	EventStateChanged = "client:state"
	EventReceipt      = "client:receipt"
)

// Event is something the UI may want to render. Data holds the decoded
// payload: a protocol payload type for server events, State for
// EventStateChanged and Receipt for EventReceipt.
type Event struct {
	Name string
	Data any
}

// Manager drives one client session: it dials, joins, reconnects after
// unexpected drops, and feeds acknowledgments to its Sender.
//
// A generation counter is bumped on every state change that abandons a
// connection, so read loops and reconnect attempts for an older connection
// become no-ops.
type Manager struct {
	cfg      Config
	dialer   Dialer
	log      zerolog.Logger
	sender   *Sender
	timeline *Timeline

	mu        sync.Mutex
	state     State
	gen       uint64
	link      Link
	url       string
	username  string
	self      protocol.User
	roster    []protocol.User
	stopRetry context.CancelFunc

	eventsMu sync.Mutex
	events   chan Event
	closed   bool
}

// New creates a disconnected manager.
func New(cfg Config, dialer Dialer, logger zerolog.Logger) *Manager {
	cfg = cfg.sanitize()
	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		log:      logger.With().Str("component", "client").Logger(),
		timeline: NewTimeline(),
		events:   make(chan Event, cfg.EventBuffer),
	}
	m.sender = NewSender(cfg, m.timeline, func(r Receipt) {
		m.emit(EventReceipt, r)
	}, logger)
	return m
}

// Connect dials url and joins as username. It returns once the server has
// admitted the session, or with a *JoinError if it refused. Refusals are not
// retried; messages submitted while connecting fail with the same error.
func (m *Manager) Connect(ctx context.Context, url, username string) (protocol.User, error) {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return protocol.User{}, ErrAlreadyConnected
	}
	m.gen++
	gen := m.gen
	m.state = StateConnecting
	m.url = url
	m.username = username
	m.mu.Unlock()
	m.emit(EventStateChanged, StateConnecting)

	user, err := m.establish(ctx, gen)
	if err != nil {
		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		if current {
			_ = m.sender.RejectAll(err)
			m.emit(EventStateChanged, StateDisconnected)
		}
		return protocol.User{}, err
	}
	return user, nil
}

// establish dials, joins and, if gen is still current, installs the link.
func (m *Manager) establish(ctx context.Context, gen uint64) (protocol.User, error) {
	m.mu.Lock()
	url, username := m.url, m.username
	m.mu.Unlock()

	link, err := m.dialer.Dial(ctx, url)
	if err != nil {
		return protocol.User{}, err
	}

	joined, err := m.join(ctx, link, username)
	if err != nil {
		_ = link.Close()
		return protocol.User{}, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = link.Close()
		return protocol.User{}, ErrConnectionLost
	}
	m.state = StateConnected
	m.link = link
	m.self = joined.User
	m.roster = joined.OnlineUsers
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()

	for _, msg := range joined.RecentMessages {
		m.timeline.AddReceived(msg)
	}
	if err := m.sender.Attach(link); err != nil {
		return protocol.User{}, err
	}

	go m.readLoop(gen, link)

	m.log.Info().Str("user_id", joined.User.ID).Str("username", joined.User.Username).Int("online", len(joined.OnlineUsers)).Msg("joined")
	m.emit(EventStateChanged, StateConnected)
	m.emit(protocol.EventJoined, joined)
	return joined.User, nil
}

// join sends user:join and waits for the verdict.
func (m *Manager) join(ctx context.Context, link Link, username string) (protocol.JoinedPayload, error) {
	frame, err := protocol.Encode(protocol.EventJoin, protocol.JoinRequest{Username: username, Timestamp: time.Now().UTC()})
	if err != nil {
		return protocol.JoinedPayload{}, err
	}
	if err := link.WriteFrame(frame); err != nil {
		return protocol.JoinedPayload{}, fmt.Errorf("failed to send join: %w", err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()
	stop := context.AfterFunc(joinCtx, func() { _ = link.Close() })
	defer stop()

	for {
		raw, err := link.ReadFrame()
		if err != nil {
			if errors.Is(joinCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return protocol.JoinedPayload{}, ErrJoinTimeout
			}
			if ctx.Err() != nil {
				return protocol.JoinedPayload{}, ctx.Err()
			}
			return protocol.JoinedPayload{}, fmt.Errorf("failed to read join reply: %w", err)
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			m.log.Warn().Err(err).Msg("ignoring malformed frame during join")
			continue
		}

		switch env.Event {
		case protocol.EventJoined:
			var joined protocol.JoinedPayload
			if err := env.Bind(&joined); err != nil {
				return protocol.JoinedPayload{}, err
			}
			return joined, nil
		case protocol.EventJoinError:
			var rejected protocol.JoinErrorPayload
			if err := env.Bind(&rejected); err != nil {
				return protocol.JoinedPayload{}, err
			}
			return protocol.JoinedPayload{}, &JoinError{Code: rejected.Code, Message: rejected.Error}
		}
	}
}

func (m *Manager) readLoop(gen uint64, link Link) {
	for {
		raw, err := link.ReadFrame()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.dispatch(gen, raw)
	}
}

func (m *Manager) dispatch(gen uint64, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		m.log.Warn().Err(err).Msg("ignoring malformed frame")
		return
	}

	switch env.Event {
	case protocol.EventReceived:
		var msg protocol.ReceivedPayload
		if m.bind(env, &msg) {
			m.timeline.AddReceived(msg)
			m.emit(env.Event, msg)
		}

	case protocol.EventSent:
		var ack protocol.SentAck
		if m.bind(env, &ack) {
			_ = m.sender.HandleAck(ack)
		}

	case protocol.EventSendError:
		var rejected protocol.SendErrorPayload
		if m.bind(env, &rejected) {
			_ = m.sender.HandleSendError(rejected)
		}

	case protocol.EventMemberJoined:
		var joined protocol.MemberJoinedPayload
		if m.bind(env, &joined) && m.setRoster(gen, joined.OnlineUsers) {
			m.emit(env.Event, joined)
		}

	case protocol.EventLeft:
		var left protocol.LeftPayload
		if m.bind(env, &left) && m.setRoster(gen, left.OnlineUsers) {
			m.emit(env.Event, left)
		}

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var typing protocol.TypingPayload
		if m.bind(env, &typing) {
			m.emit(env.Event, typing)
		}

	default:
		m.log.Debug().Str("event", env.Event).Msg("ignoring unexpected event")
	}
}

func (m *Manager) bind(env protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		m.log.Warn().Err(err).Msg("ignoring frame with bad payload")
		return false
	}
	return true
}

func (m *Manager) setRoster(gen uint64, users []protocol.User) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.roster = users
	return true
}

// handleDrop moves a connected manager to Reconnecting. Drops of abandoned
// connections are ignored.
func (m *Manager) handleDrop(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	m.state = StateReconnecting
	m.link = nil
	if m.stopRetry != nil {
		m.stopRetry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopRetry = cancel
	m.mu.Unlock()

	m.log.Warn().Err(cause).Msg("connection lost; reconnecting")
	_ = m.sender.Detach()
	m.emit(EventStateChanged, StateReconnecting)

	go m.reconnect(ctx, next)
}

func (m *Manager) reconnect(ctx context.Context, gen uint64) {
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(m.cfg.reconnectDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		_, err := m.establish(ctx, gen)
		if err == nil {
			return
		}

		var rejected *JoinError
		if errors.As(err, &rejected) {
			m.giveUp(gen, rejected)
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}

	m.giveUp(gen, ErrReconnectExhausted)
}

// giveUp ends a reconnect cycle and fails every pending message with cause.
func (m *Manager) giveUp(gen uint64, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = StateDisconnected
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()

	m.log.Error().Err(cause).Msg("giving up on reconnect")
	_ = m.sender.RejectAll(cause)
	m.emit(EventStateChanged, StateDisconnected)
}

// Disconnect closes the connection, cancels any reconnect in progress and
// fails every pending message with ErrConnectionLost.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = StateDisconnected
	link := m.link
	m.link = nil
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	_ = m.sender.Detach()
	_ = m.sender.RejectAll(ErrConnectionLost)
	m.emit(EventStateChanged, StateDisconnected)
}

// Submit queues content for delivery. It is accepted in every state except
// Disconnected; while reconnecting the message waits for the new connection.
func (m *Manager) Submit(content string) (*Pending, error) {
	if m.State() == StateDisconnected {
		return nil, ErrNotConnected
	}
	return m.sender.Submit(content)
}

// Send submits content and waits for its receipt.
func (m *Manager) Send(ctx context.Context, content string) (Receipt, error) {
	p, err := m.Submit(content)
	if err != nil {
		return Receipt{}, err
	}
	return p.Wait(ctx)
}

// Retry resubmits a failed message with its original tempId.
func (m *Manager) Retry(tempID string) (*Pending, error) {
	if m.State() == StateDisconnected {
		return nil, ErrNotConnected
	}
	return m.sender.Retry(tempID)
}

// StartTyping tells peers the user is typing.
func (m *Manager) StartTyping() error {
	return m.sendTyping(protocol.EventTypingStart)
}

// StopTyping tells peers the user stopped typing.
func (m *Manager) StopTyping() error {
	return m.sendTyping(protocol.EventTypingStop)
}

func (m *Manager) sendTyping(event string) error {
	m.mu.Lock()
	link, self := m.link, m.self
	m.mu.Unlock()
	if link == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(event, protocol.TypingPayload{UserID: self.ID, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return link.WriteFrame(frame)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Self returns the identity assigned by the last successful join.
func (m *Manager) Self() protocol.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Roster returns the latest online user list.
func (m *Manager) Roster() []protocol.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.User(nil), m.roster...)
}

// Timeline returns the local message view.
func (m *Manager) Timeline() *Timeline {
	return m.timeline
}

// Events delivers state changes, receipts and server events. It is closed by
// Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Close disconnects, stops the sender and closes Events.
func (m *Manager) Close() {
	m.Disconnect()
	m.sender.Close()

	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

func (m *Manager) emit(name string, data any) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- Event{Name: name, Data: data}:
	default:
		m.log.Warn().Str("event", name).Msg("event buffer full; dropping event")
	}
}
