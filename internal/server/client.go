package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one websocket connection. Its read pump dispatches frames to the
// hub's handler in arrival order; its write pump drains the send buffer.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool // guarded by hub.mutex
	evictOnce      sync.Once
	maxMessageSize int64
	maxStrikes     int
	strikes        int
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

// NewClient wraps conn for hub. The client is inert until registered.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		maxStrikes:     cfg.MaxProtocolErrors,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            hub.log.With().Str("conn", id).Str("remote", addr).Logger(),
	}
}

// ID returns the connection id used as the registry key.
func (c *Client) ID() string {
	return c.id
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		c.hub.handler.HandlePong(c)
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the reason the read loop is ending.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
}

// checkRateLimit reports whether the frame fits in the client's budget.
// Frames over the limit are dropped without a reply.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.log.Warn().
			Int("burst", c.rateLimit.Burst).
			Dur("interval", c.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding frame")
		return false
	}
	return true
}

// processFrame dispatches raw and reports false once the client has sent too
// many malformed frames in a row.
func (c *Client) processFrame(raw []byte) bool {
	err := c.hub.handler.HandleFrame(c, raw)
	if err == nil {
		c.strikes = 0
		return true
	}
	if !errors.Is(err, ErrMalformedFrame) {
		c.log.Error().Err(err).Msg("error handling frame")
		return true
	}

	c.strikes++
	c.log.Warn().Err(err).Int("strikes", c.strikes).Msg("malformed frame")
	if c.strikes < c.maxStrikes {
		return true
	}

	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, "too many malformed frames")
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil && !isExpectedCloseError(err) {
		c.log.Warn().Err(err).Msg("error writing protocol close")
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.handler.HandleDisconnect(c)
		c.hub.unregisterClient(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		if !c.processFrame(raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection")
		}
	}
}

// evict drops a client that cannot keep up.
func (c *Client) evict() {
	c.evictOnce.Do(func() {
		c.log.Warn().Int("buffer", sendBufferSize).Msg("send buffer full; evicting client")
		c.closeConnection()
	})
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline")
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing close message")
		}
	}
	return false
}

// writeTextMessage writes one frame per queued message; peers decode every
// frame as a single envelope.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error writing ping message")
		}
		return false
	}
	return true
}
