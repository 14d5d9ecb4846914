package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frameRecorder is a FrameWriter that captures message:send requests.
type frameRecorder struct {
	mu     sync.Mutex
	sent   []protocol.SendRequest
	notify chan protocol.SendRequest
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{notify: make(chan protocol.SendRequest, 64)}
}

func (r *frameRecorder) WriteFrame(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	var req protocol.SendRequest
	if err := env.Bind(&req); err != nil {
		return err
	}

	r.mu.Lock()
	r.sent = append(r.sent, req)
	r.mu.Unlock()
	r.notify <- req
	return nil
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *frameRecorder) next(t *testing.T) protocol.SendRequest {
	t.Helper()
	select {
	case req := <-r.notify:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return protocol.SendRequest{}
	}
}

type receiptLog struct {
	mu       sync.Mutex
	receipts []Receipt
}

func (l *receiptLog) add(r Receipt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receipts = append(l.receipts, r)
}

func (l *receiptLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.receipts)
}

func newTestSender(t *testing.T, mutate func(*Config)) (*Sender, *Timeline, *receiptLog) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AckTimeout = 100 * time.Millisecond
	cfg.RetryBaseDelay = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	timeline := NewTimeline()
	receipts := &receiptLog{}
	s := NewSender(cfg, timeline, receipts.add, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, timeline, receipts
}

func waitReceipt(t *testing.T, p *Pending) Receipt {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r, err := p.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "receipt never arrived")
	return r
}

func TestSender_AckSettles(t *testing.T) {
	s, timeline, receipts := newTestSender(t, nil)
	link := newFrameRecorder()
	require.NoError(t, s.Attach(link))

	p, err := s.Submit("hello")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.TempID, "tmp_"))
	assert.Len(t, p.TempID, len("tmp_")+21)

	req := link.next(t)
	assert.Equal(t, p.TempID, req.TempID)
	assert.Equal(t, "hello", req.Content)
	assert.Equal(t, protocol.MessageTypeText, req.Type)

	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.HandleAck(protocol.SentAck{TempID: p.TempID, MessageID: "m-1", Timestamp: at}))

	r := waitReceipt(t, p)
	require.NoError(t, r.Err)
	assert.Equal(t, StatusSent, r.Status)
	assert.Equal(t, "m-1", r.MessageID)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, 0, r.Retries)

	_, ok := timeline.ByTempID(p.TempID)
	assert.False(t, ok, "acked entries are keyed by message id")
	entry, ok := timeline.ByID("m-1")
	require.True(t, ok)
	assert.Equal(t, StatusSent, entry.Status)
	assert.True(t, entry.Timestamp.Equal(at))

	require.NoError(t, s.HandleAck(protocol.SentAck{TempID: p.TempID, MessageID: "m-1"}))
	assert.Equal(t, 1, receipts.count(), "a late duplicate ack produces no second receipt")
	assert.Equal(t, 0, s.PendingCount())
}

func TestSender_EntryIsSendingBeforeNetwork(t *testing.T) {
	s, timeline, _ := newTestSender(t, nil)

	p, err := s.Submit("queued")
	require.NoError(t, err)

	entry, ok := timeline.ByTempID(p.TempID)
	require.True(t, ok)
	assert.Equal(t, StatusSending, entry.Status)
	assert.True(t, entry.Outgoing)
}

func TestSender_TwoDroppedAcksThenSuccess(t *testing.T) {
	s, _, _ := newTestSender(t, nil)
	link := newFrameRecorder()
	require.NoError(t, s.Attach(link))

	p, err := s.Submit("persistent")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req := link.next(t)
		assert.Equal(t, p.TempID, req.TempID, "every attempt reuses the tempId")
	}
	require.NoError(t, s.HandleAck(protocol.SentAck{TempID: p.TempID, MessageID: "m-9", Timestamp: time.Now()}))

	r := waitReceipt(t, p)
	require.NoError(t, r.Err)
	assert.Equal(t, StatusSent, r.Status)
	assert.Equal(t, 2, r.Retries)
	assert.Equal(t, 3, r.Attempts)
}

func TestSender_ExhaustsAttempts(t *testing.T) {
	s, timeline, receipts := newTestSender(t, func(c *Config) { c.AckTimeout = 20 * time.Millisecond })
	link := newFrameRecorder()
	require.NoError(t, s.Attach(link))

	p, err := s.Submit("into the void")
	require.NoError(t, err)

	r := waitReceipt(t, p)
	assert.ErrorIs(t, r.Err, ErrAckTimeout)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 2, r.Retries)
	assert.Equal(t, 3, link.count())

	entry, ok := timeline.ByTempID(p.TempID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, entry.Status)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 3, link.count(), "no sends after the terminal state")
	assert.Equal(t, 1, receipts.count())
}

func TestSender_PermanentErrorIsNotRetried(t *testing.T) {
	s, _, _ := newTestSender(t, func(c *Config) { c.AckTimeout = 20 * time.Millisecond })
	link := newFrameRecorder()
	require.NoError(t, s.Attach(link))

	p, err := s.Submit("too spicy")
	require.NoError(t, err)
	link.next(t)

	require.NoError(t, s.HandleSendError(protocol.SendErrorPayload{
		TempID: p.TempID, Code: protocol.CodeMessageTooLong, Message: "too long",
	}))

	r := waitReceipt(t, p)
	var sendErr *SendError
	require.True(t, errors.As(r.Err, &sendErr))
	assert.Equal(t, protocol.CodeMessageTooLong, sendErr.Code)
	assert.Equal(t, StatusFailed, r.Status)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, link.count())
}

func TestSender_QueueFlushesInSubmissionOrder(t *testing.T) {
	s, _, _ := newTestSender(t, nil)

	var ids []string
	for _, content := range []string{"first", "second", "third"} {
		p, err := s.Submit(content)
		require.NoError(t, err)
		ids = append(ids, p.TempID)
	}
	assert.Equal(t, 3, s.PendingCount())

	link := newFrameRecorder()
	require.NoError(t, s.Attach(link))

	for _, want := range ids {
		assert.Equal(t, want, link.next(t).TempID)
	}
}

func TestSender_DetachRequeuesInFlight(t *testing.T) {
	s, _, _ := newTestSender(t, func(c *Config) { c.AckTimeout = 30 * time.Millisecond })
	first := newFrameRecorder()
	require.NoError(t, s.Attach(first))

	p, err := s.Submit("across a reconnect")
	require.NoError(t, err)
	first.next(t)

	require.NoError(t, s.Detach())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, first.count(), "no retries while detached")

	second := newFrameRecorder()
	require.NoError(t, s.Attach(second))
	assert.Equal(t, p.TempID, second.next(t).TempID)

	require.NoError(t, s.HandleAck(protocol.SentAck{TempID: p.TempID, MessageID: "m-2"}))
	r := waitReceipt(t, p)
	assert.Equal(t, StatusSent, r.Status)
	assert.Equal(t, 0, r.Retries, "a lost connection is not an ack timeout")
}

func TestSender_RejectAll(t *testing.T) {
	s, timeline, receipts := newTestSender(t, nil)

	a, err := s.Submit("a")
	require.NoError(t, err)
	b, err := s.Submit("b")
	require.NoError(t, err)

	require.NoError(t, s.RejectAll(ErrReconnectExhausted))

	for _, p := range []*Pending{a, b} {
		r := waitReceipt(t, p)
		assert.ErrorIs(t, r.Err, ErrReconnectExhausted)
		assert.ErrorIs(t, r.Err, ErrConnectionLost)

		entry, ok := timeline.ByTempID(p.TempID)
		require.True(t, ok)
		assert.Equal(t, StatusFailed, entry.Status)
	}
	assert.Equal(t, 2, receipts.count())
	assert.Equal(t, 0, s.PendingCount())
}

func TestSender_RetryReusesTempID(t *testing.T) {
	s, timeline, _ := newTestSender(t, nil)
	link := newFrameRecorder()
	require.NoError(t, s.Attach(link))

	p, err := s.Submit("again")
	require.NoError(t, err)
	link.next(t)

	_, err = s.Retry(p.TempID)
	assert.ErrorIs(t, err, ErrNotRetryable, "in-flight messages cannot be retried")

	require.NoError(t, s.HandleSendError(protocol.SendErrorPayload{TempID: p.TempID, Code: protocol.CodeInternal}))
	waitReceipt(t, p)

	again, err := s.Retry(p.TempID)
	require.NoError(t, err)
	assert.Equal(t, p.TempID, again.TempID)
	assert.Equal(t, p.TempID, link.next(t).TempID)

	entry, ok := timeline.ByTempID(p.TempID)
	require.True(t, ok)
	assert.Equal(t, StatusSending, entry.Status)
	assert.Equal(t, 1, timeline.Len(), "retry updates the entry in place")

	require.NoError(t, s.HandleAck(protocol.SentAck{TempID: p.TempID, MessageID: "m-3"}))
	assert.Equal(t, StatusSent, waitReceipt(t, again).Status)

	_, err = s.Retry("tmp_unknown")
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestSender_RejectsEmptyContent(t *testing.T) {
	s, timeline, _ := newTestSender(t, nil)

	_, err := s.Submit(" \t\n")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, timeline.Len())
}

func TestSender_Close(t *testing.T) {
	timeline := NewTimeline()
	s := NewSender(DefaultConfig(), timeline, nil, zerolog.Nop())

	p, err := s.Submit("left behind")
	require.NoError(t, err)

	s.Close()
	s.Close()

	r := waitReceipt(t, p)
	assert.ErrorIs(t, r.Err, ErrSenderClosed)

	_, err = s.Submit("too late")
	assert.ErrorIs(t, err, ErrSenderClosed)
}
