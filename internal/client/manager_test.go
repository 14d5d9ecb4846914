package client

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/huddle/internal/history"
	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/Tyrowin/huddle/internal/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingDialer remembers every link it opened and can be told to refuse
// new dials.
type trackingDialer struct {
	inner  Dialer
	refuse atomic.Bool

	mu    sync.Mutex
	links []Link
}

func (d *trackingDialer) Dial(ctx context.Context, url string) (Link, error) {
	if d.refuse.Load() {
		return nil, errors.New("dial refused")
	}
	link, err := d.inner.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.links = append(d.links, link)
	d.mu.Unlock()
	return link, nil
}

func (d *trackingDialer) last() Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[len(d.links)-1]
}

// silentLink accepts writes and never answers.
type silentLink struct {
	closed chan struct{}
	once   sync.Once
}

func (l *silentLink) ReadFrame() ([]byte, error) {
	<-l.closed
	return nil, io.EOF
}

func (l *silentLink) WriteFrame([]byte) error { return nil }

func (l *silentLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type silentDialer struct{}

func (silentDialer) Dial(context.Context, string) (Link, error) {
	return &silentLink{closed: make(chan struct{})}, nil
}

// gatedDialer holds every dial until release is closed, then refuses it.
type gatedDialer struct {
	release chan struct{}
}

func (d gatedDialer) Dial(ctx context.Context, _ string) (Link, error) {
	select {
	case <-d.release:
		return nil, errors.New("dial refused")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func startChatServer(t *testing.T) string {
	t.Helper()
	cfg := *server.NewConfig()
	cfg.RateLimit.Burst = 100

	s := server.New(cfg, history.NewMemoryLog(100), zerolog.Nop())
	s.StartHub()
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		_ = s.ShutdownHub(2 * time.Second)
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckTimeout = time.Second
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.JoinTimeout = 2 * time.Second
	cfg.ReconnectBaseDelay = 50 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	return cfg
}

func newManager(t *testing.T, cfg Config) (*Manager, *trackingDialer) {
	t.Helper()
	dialer := &trackingDialer{inner: WebSocketDialer{}}
	m := New(cfg, dialer, zerolog.Nop())
	t.Cleanup(m.Close)
	return m, dialer
}

func connect(t *testing.T, m *Manager, url, username string) protocol.User {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := m.Connect(ctx, url, username)
	require.NoError(t, err)
	return user
}

// waitEvent drains m's events until one named name arrives.
func waitEvent(t *testing.T, m *Manager, name string) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "events closed while waiting for %s", name)
			if ev.Name == name {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
			return Event{}
		}
	}
}

func TestManager_ConnectAndChat(t *testing.T) {
	url := startChatServer(t)
	alice, _ := newManager(t, testConfig())
	bob, _ := newManager(t, testConfig())

	aliceUser := connect(t, alice, url, "alice")
	assert.Equal(t, StateConnected, alice.State())
	assert.Equal(t, aliceUser, alice.Self())

	connect(t, bob, url, "bob")
	require.Eventually(t, func() bool { return len(alice.Roster()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	receipt, err := alice.Send(ctx, "hello bob")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, receipt.Status)
	assert.NotEmpty(t, receipt.MessageID)

	ev := waitEvent(t, alice, EventReceipt)
	assert.Equal(t, receipt.TempID, ev.Data.(Receipt).TempID)

	ev = waitEvent(t, bob, protocol.EventReceived)
	received := ev.Data.(protocol.ReceivedPayload)
	assert.Equal(t, receipt.MessageID, received.ID)
	assert.Equal(t, aliceUser.ID, received.Sender.ID)

	entry, ok := bob.Timeline().ByID(receipt.MessageID)
	require.True(t, ok)
	assert.Equal(t, StatusDelivered, entry.Status)

	entry, ok = alice.Timeline().ByID(receipt.MessageID)
	require.True(t, ok)
	assert.Equal(t, StatusSent, entry.Status)
	assert.True(t, entry.Outgoing)

	require.NoError(t, bob.StartTyping())
	typing := waitEvent(t, alice, protocol.EventTypingStart).Data.(protocol.TypingPayload)
	assert.Equal(t, "bob", typing.Username)

	bob.Disconnect()
	left := waitEvent(t, alice, protocol.EventLeft).Data.(protocol.LeftPayload)
	assert.Equal(t, "bob", left.User.Username)
	assert.Len(t, alice.Roster(), 1)
}

func TestManager_JoinRejected(t *testing.T) {
	url := startChatServer(t)
	first, _ := newManager(t, testConfig())
	second, _ := newManager(t, testConfig())

	connect(t, first, url, "alice")

	_, err := second.Connect(context.Background(), url, "ALICE")
	var rejected *JoinError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, protocol.CodeUsernameTaken, rejected.Code)
	assert.Equal(t, StateDisconnected, second.State())

	_, err = second.Submit("nobody hears this")
	assert.ErrorIs(t, err, ErrNotConnected)

	connect(t, second, url, "alice-2")
	assert.Equal(t, StateConnected, second.State())
}

func TestManager_ConnectTwice(t *testing.T) {
	url := startChatServer(t)
	m, _ := newManager(t, testConfig())
	connect(t, m, url, "alice")

	_, err := m.Connect(context.Background(), url, "alice")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestManager_JoinTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	m := New(cfg, silentDialer{}, zerolog.Nop())
	defer m.Close()

	_, err := m.Connect(context.Background(), "ws://unused", "alice")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestManager_ReconnectsAfterDrop(t *testing.T) {
	url := startChatServer(t)
	m, dialer := newManager(t, testConfig())
	before := connect(t, m, url, "alice")

	require.NoError(t, dialer.last().Close())
	waitEvent(t, m, EventStateChanged)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, 3*time.Second, 10*time.Millisecond)

	m.mu.Lock()
	assert.Nil(t, m.stopRetry, "a successful reconnect releases its retry context")
	m.mu.Unlock()

	after := m.Self()
	assert.Equal(t, "alice", after.Username)
	assert.NotEqual(t, before.ID, after.ID, "every session gets a fresh user id")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	receipt, err := m.Send(ctx, "back again")
	require.NoError(t, err)
	assert.Equal(t, StatusSent, receipt.Status)
}

func TestManager_ReconnectExhausted(t *testing.T) {
	url := startChatServer(t)
	cfg := testConfig()
	cfg.ReconnectBaseDelay = 100 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	m, dialer := newManager(t, cfg)
	connect(t, m, url, "alice")

	dialer.refuse.Store(true)
	require.NoError(t, dialer.last().Close())
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, 2*time.Second, 2*time.Millisecond)

	p, err := m.Submit("stranded")
	require.NoError(t, err)

	r := waitReceipt(t, p)
	assert.ErrorIs(t, r.Err, ErrReconnectExhausted)
	assert.ErrorIs(t, r.Err, ErrConnectionLost)
	assert.Equal(t, StateDisconnected, m.State())

	entry, ok := m.Timeline().ByTempID(p.TempID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, entry.Status)
}

func TestManager_DisconnectRejectsPending(t *testing.T) {
	url := startChatServer(t)
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Second
	cfg.ReconnectMaxDelay = time.Second
	m, dialer := newManager(t, cfg)
	connect(t, m, url, "alice")

	dialer.refuse.Store(true)
	require.NoError(t, dialer.last().Close())
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, 2*time.Second, 2*time.Millisecond)

	p, err := m.Submit("queued while reconnecting")
	require.NoError(t, err)

	m.Disconnect()

	r := waitReceipt(t, p)
	assert.ErrorIs(t, r.Err, ErrConnectionLost)
	assert.NotErrorIs(t, r.Err, ErrReconnectExhausted)
	assert.Equal(t, StateDisconnected, m.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, m.State(), "cancelled reconnect stays down")
}

func TestManager_FailedConnectRejectsQueued(t *testing.T) {
	dialer := gatedDialer{release: make(chan struct{})}
	m := New(testConfig(), dialer, zerolog.Nop())
	defer m.Close()

	result := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "ws://unused", "alice")
		result <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, 2*time.Second, 2*time.Millisecond)

	p, err := m.Submit("hello")
	require.NoError(t, err)

	close(dialer.release)
	connectErr := <-result
	require.Error(t, connectErr)
	assert.Equal(t, StateDisconnected, m.State())

	r := waitReceipt(t, p)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, connectErr, r.Err)
	assert.Equal(t, 0, m.sender.PendingCount())

	entry, ok := m.Timeline().ByTempID(p.TempID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, entry.Status)
}

func TestManager_RejectedJoinFailsQueued(t *testing.T) {
	url := startChatServer(t)
	first, _ := newManager(t, testConfig())
	connect(t, first, url, "alice")

	gate := make(chan struct{})
	dialer := &trackingDialer{inner: WebSocketDialer{}}
	m := New(testConfig(), dialerFunc(func(ctx context.Context, url string) (Link, error) {
		<-gate
		return dialer.Dial(ctx, url)
	}), zerolog.Nop())
	defer m.Close()

	result := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), url, "alice")
		result <- err
	}()
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, 2*time.Second, 2*time.Millisecond)

	p, err := m.Submit("never admitted")
	require.NoError(t, err)
	close(gate)

	var rejected *JoinError
	require.True(t, errors.As(<-result, &rejected))

	r := waitReceipt(t, p)
	require.True(t, errors.As(r.Err, &rejected))
	assert.Equal(t, protocol.CodeUsernameTaken, rejected.Code)
	assert.Equal(t, StatusFailed, r.Status)
}

type dialerFunc func(ctx context.Context, url string) (Link, error)

func (f dialerFunc) Dial(ctx context.Context, url string) (Link, error) {
	return f(ctx, url)
}
