package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Link is one established connection to the server.
type Link interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens links.
type Dialer interface {
	Dial(ctx context.Context, url string) (Link, error)
}

// WebSocketDialer dials the server's /ws endpoint with gorilla/websocket.
type WebSocketDialer struct {
	// Origin is sent as the Origin header when set.
	Origin           string
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 5 * time.Second
	}

	headers := http.Header{}
	if d.Origin != "" {
		headers.Set("Origin", d.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	link := &wsLink{conn: conn}
	link.setupReadConnection()
	return link, nil
}

type wsLink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// setupReadConnection keeps the read deadline ahead of the server's pings.
func (l *wsLink) setupReadConnection() {
	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPingHandler(func(data string) error {
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := l.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (l *wsLink) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

func (l *wsLink) WriteFrame(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a normal close frame and closes the socket. Repeated calls
// return the first result.
func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
