package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventHandler receives what the pumps read off a connection.
type EventHandler interface {
	// HandleFrame processes one inbound frame. Errors wrapping
	// ErrMalformedFrame count toward the connection's protocol error limit.
	HandleFrame(c *Client, raw []byte) error
	HandlePong(c *Client)
	// HandleDisconnect runs once, from the read pump, before the client is
	// unregistered.
	HandleDisconnect(c *Client)
}

// Hub owns the transport-level client table. It starts each client's pumps,
// queues outbound frames without blocking, and evicts clients whose send
// buffer is full.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	handler    EventHandler
	cfg        Config
	log        zerolog.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub that dispatches connection events to handler.
func NewHub(cfg Config, handler EventHandler, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		handler:    handler,
		cfg:        cfg,
		log:        logger.With().Str("component", "hub").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Context is cancelled when the hub shuts down.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Register hands c to the run loop, which starts its pumps. It reports false
// if the hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Deliver queues payload on connID's send buffer. A client whose buffer is
// full is evicted: its connection is closed and its read pump runs the
// normal disconnect path.
func (h *Hub) Deliver(connID string, payload []byte) bool {
	h.mutex.RLock()
	client, exists := h.clients[connID]
	if !exists || client.closed {
		h.mutex.RUnlock()
		return false
	}
	ok := h.safeSend(client, payload)
	h.mutex.RUnlock()

	if !ok {
		client.evict()
	}
	return ok
}

// safeSend must be called with h.mutex held for reading.
func (h *Hub) safeSend(client *Client, message []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("conn", client.id).Msg("recovered from panic in safeSend")
			sent = false
		}
	}()

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			client.log.Info().Int("clients", clientCount).Msg("client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if current, ok := h.clients[client.id]; ok && current == client {
				delete(h.clients, client.id)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				client.log.Info().Int("clients", clientCount).Msg("client unregistered")
			} else {
				h.mutex.Unlock()
			}
		}
	}
}

// shutdownClients closes every client connection. The read pumps then run
// their disconnect path and exit.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		delete(h.clients, id)
		client.closed = true
		close(client.send)
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeConnection()
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops the run loop and waits for every pump goroutine to finish
// or for timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
