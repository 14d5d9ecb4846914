package client

import (
	"context"
	"strings"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/rs/zerolog"
)

const tempIDPrefix = "tmp_"

// FrameWriter sends one encoded frame to the server.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// Receipt is the terminal outcome of one submission.
type Receipt struct {
	TempID    string
	MessageID string
	Timestamp time.Time
	Status    Status
	// Attempts counts frames written; Retries counts ack timeouts that led to
	// a resend.
	Attempts int
	Retries  int
	Err      error
}

// Pending tracks a submission until its Receipt is ready.
type Pending struct {
	TempID  string
	done    chan struct{}
	receipt Receipt
}

// Done is closed once the receipt is final.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Receipt returns the final receipt. It blocks until Done is closed.
func (p *Pending) Receipt() Receipt {
	<-p.done
	return p.receipt
}

// Wait blocks until the submission settles or ctx ends. A failed receipt is
// returned together with its error.
func (p *Pending) Wait(ctx context.Context) (Receipt, error) {
	select {
	case <-p.done:
		return p.receipt, p.receipt.Err
	case <-ctx.Done():
		return Receipt{TempID: p.TempID, Status: StatusSending}, ctx.Err()
	}
}

type phase int

const (
	phaseInFlight phase = iota
	phaseBackoff
	phaseQueued
)

type pendingSend struct {
	tempID   string
	content  string
	msgType  string
	attempts int
	retries  int
	phase    phase
	timer    *time.Timer
	gen      uint64
	handle   *Pending
}

// Sender delivers messages with per-attempt ack timeouts, linear backoff
// between attempts and a queue for while the connection is down.
//
// Every pending send is owned by one goroutine. Timers and callers only post
// closures to it, so no two transitions for a tempId can interleave.
type Sender struct {
	cfg       Config
	timeline  *Timeline
	onReceipt func(Receipt)
	newTempID func() string
	now       func() time.Time
	log       zerolog.Logger

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	// Owned by run.
	link    FrameWriter
	pending map[string]*pendingSend
	order   []string
	gen     uint64
}

// NewSender starts a sender. onReceipt, if set, is called from the sender's
// goroutine for every terminal receipt and must not block.
func NewSender(cfg Config, timeline *Timeline, onReceipt func(Receipt), logger zerolog.Logger) *Sender {
	s := &Sender{
		cfg:       cfg.sanitize(),
		timeline:  timeline,
		onReceipt: onReceipt,
		newTempID: newTempIDGenerator(),
		now:       time.Now,
		log:       logger.With().Str("component", "sender").Logger(),
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[string]*pendingSend),
	}
	go s.run()
	return s
}

func newTempIDGenerator() func() string {
	gen, err := nanoid.Standard(21)
	if err != nil {
		panic(err)
	}
	return func() string {
		return tempIDPrefix + gen()
	}
}

func (s *Sender) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.quit:
			for _, tempID := range append([]string(nil), s.order...) {
				s.finish(s.pending[tempID], StatusFailed, ErrSenderClosed)
			}
			return
		}
	}
}

// do runs fn on the sender goroutine and waits for it.
func (s *Sender) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
		<-ran
		return nil
	case <-s.quit:
		return ErrSenderClosed
	}
}

// post queues fn without waiting. Used by timers.
func (s *Sender) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Submit records content in the timeline as Sending and sends it, or queues
// it if no connection is attached.
func (s *Sender) Submit(content string) (*Pending, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	tempID := s.newTempID()
	s.timeline.AddOutgoing(tempID, content, protocol.MessageTypeText, s.now())

	handle := &Pending{TempID: tempID, done: make(chan struct{})}
	err := s.do(func() {
		s.enqueue(&pendingSend{
			tempID:  tempID,
			content: content,
			msgType: protocol.MessageTypeText,
			handle:  handle,
		})
	})
	if err != nil {
		s.timeline.MarkFailed(tempID, err)
		return nil, err
	}
	return handle, nil
}

// Retry resubmits a failed message under its original tempId.
func (s *Sender) Retry(tempID string) (*Pending, error) {
	entry, ok := s.timeline.ByTempID(tempID)
	if !ok || entry.Status != StatusFailed {
		return nil, ErrNotRetryable
	}

	handle := &Pending{TempID: tempID, done: make(chan struct{})}
	var retryErr error
	err := s.do(func() {
		if _, busy := s.pending[tempID]; busy {
			retryErr = ErrNotRetryable
			return
		}
		s.timeline.MarkSending(tempID)
		s.enqueue(&pendingSend{
			tempID:  tempID,
			content: entry.Content,
			msgType: entry.Type,
			handle:  handle,
		})
	})
	if err != nil {
		return nil, err
	}
	if retryErr != nil {
		return nil, retryErr
	}
	return handle, nil
}

// Attach hands the sender a live connection and flushes queued messages in
// submission order.
func (s *Sender) Attach(link FrameWriter) error {
	return s.do(func() {
		s.link = link
		for _, tempID := range append([]string(nil), s.order...) {
			if p := s.pending[tempID]; p != nil && p.phase == phaseQueued {
				s.transmit(p)
			}
		}
	})
}

// Detach marks the connection as lost. In-flight and backing-off messages are
// queued for the next Attach.
func (s *Sender) Detach() error {
	return s.do(func() {
		s.link = nil
		for _, p := range s.pending {
			if p.phase != phaseQueued {
				s.stopTimer(p)
				p.phase = phaseQueued
			}
		}
	})
}

// HandleAck settles the message acknowledged by ack. Unknown tempIds, such as
// a second ack after a resend, are ignored.
func (s *Sender) HandleAck(ack protocol.SentAck) error {
	return s.do(func() {
		p, ok := s.pending[ack.TempID]
		if !ok {
			s.log.Debug().Str("temp_id", ack.TempID).Msg("ack for unknown message ignored")
			return
		}
		p.handle.receipt.MessageID = ack.MessageID
		p.handle.receipt.Timestamp = ack.Timestamp
		s.finish(p, StatusSent, nil)
	})
}

// HandleSendError fails the rejected message without retrying it.
func (s *Sender) HandleSendError(payload protocol.SendErrorPayload) error {
	return s.do(func() {
		p, ok := s.pending[payload.TempID]
		if !ok {
			s.log.Warn().Str("temp_id", payload.TempID).Str("code", payload.Code).Msg("send error for unknown message")
			return
		}
		s.finish(p, StatusFailed, &SendError{Code: payload.Code, Message: payload.Message})
	})
}

// RejectAll fails every pending message with err.
func (s *Sender) RejectAll(err error) error {
	return s.do(func() {
		for _, tempID := range append([]string(nil), s.order...) {
			s.finish(s.pending[tempID], StatusFailed, err)
		}
	})
}

// PendingCount returns how many submissions have not settled.
func (s *Sender) PendingCount() int {
	n := 0
	_ = s.do(func() { n = len(s.pending) })
	return n
}

// Close fails everything still pending with ErrSenderClosed and stops the
// sender goroutine.
func (s *Sender) Close() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
}

func (s *Sender) enqueue(p *pendingSend) {
	s.pending[p.tempID] = p
	s.order = append(s.order, p.tempID)

	if s.link == nil {
		p.phase = phaseQueued
		return
	}
	s.transmit(p)
}

func (s *Sender) transmit(p *pendingSend) {
	frame, err := protocol.Encode(protocol.EventMessageSend, protocol.SendRequest{
		Type:      p.msgType,
		Content:   p.content,
		Timestamp: s.now().UTC(),
		TempID:    p.tempID,
	})
	if err != nil {
		s.finish(p, StatusFailed, err)
		return
	}

	p.attempts++
	if err := s.link.WriteFrame(frame); err != nil {
		s.log.Warn().Err(err).Str("temp_id", p.tempID).Msg("write failed; queueing until reconnect")
		p.phase = phaseQueued
		return
	}

	p.phase = phaseInFlight
	gen := s.arm(p)
	p.timer = time.AfterFunc(s.cfg.AckTimeout, func() {
		s.post(func() { s.onAckTimeout(p.tempID, gen) })
	})
}

func (s *Sender) onAckTimeout(tempID string, gen uint64) {
	p, ok := s.pending[tempID]
	if !ok || p.gen != gen || p.phase != phaseInFlight {
		return
	}

	if p.retries+1 >= s.cfg.MaxAttempts {
		s.finish(p, StatusFailed, ErrAckTimeout)
		return
	}

	p.retries++
	p.phase = phaseBackoff
	delay := time.Duration(p.retries) * s.cfg.RetryBaseDelay
	s.log.Debug().Str("temp_id", tempID).Int("retry", p.retries).Dur("delay", delay).Msg("ack timeout; retrying")

	next := s.arm(p)
	p.timer = time.AfterFunc(delay, func() {
		s.post(func() { s.onBackoffDone(tempID, next) })
	})
}

func (s *Sender) onBackoffDone(tempID string, gen uint64) {
	p, ok := s.pending[tempID]
	if !ok || p.gen != gen || p.phase != phaseBackoff {
		return
	}
	if s.link == nil {
		p.phase = phaseQueued
		return
	}
	s.transmit(p)
}

// arm invalidates p's current timer and returns the generation for the next.
func (s *Sender) arm(p *pendingSend) uint64 {
	s.stopTimer(p)
	s.gen++
	p.gen = s.gen
	return p.gen
}

func (s *Sender) stopTimer(p *pendingSend) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen = 0
}

func (s *Sender) finish(p *pendingSend, status Status, err error) {
	if p == nil {
		return
	}
	s.stopTimer(p)
	delete(s.pending, p.tempID)
	for i, id := range s.order {
		if id == p.tempID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	receipt := p.handle.receipt
	receipt.TempID = p.tempID
	receipt.Status = status
	receipt.Attempts = p.attempts
	receipt.Retries = p.retries
	receipt.Err = err

	switch status {
	case StatusSent:
		s.timeline.MarkSent(p.tempID, receipt.MessageID, receipt.Timestamp)
	case StatusFailed:
		s.timeline.MarkFailed(p.tempID, err)
	}

	p.handle.receipt = receipt
	close(p.handle.done)

	if s.onReceipt != nil {
		s.onReceipt(receipt)
	}
}
