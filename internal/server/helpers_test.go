package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Tyrowin/huddle/internal/history"
	"github.com/Tyrowin/huddle/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// recorder is a Deliverer that keeps every frame per connection.
type recorder struct {
	mu     sync.Mutex
	frames map[string][]protocol.Envelope
	refuse map[string]bool
}

func newRecorder() *recorder {
	return &recorder{
		frames: make(map[string][]protocol.Envelope),
		refuse: make(map[string]bool),
	}
}

func (r *recorder) Deliver(connID string, payload []byte) bool {
	env, err := protocol.Decode(payload)
	if err != nil {
		panic(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refuse[connID] {
		return false
	}
	r.frames[connID] = append(r.frames[connID], env)
	return true
}

func (r *recorder) events(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.frames[connID]))
	for _, env := range r.frames[connID] {
		names = append(names, env.Event)
	}
	return names
}

func (r *recorder) all(connID, event string) []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range r.frames[connID] {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// last binds the newest frame of event sent to connID into v.
func (r *recorder) last(t *testing.T, connID, event string, v any) {
	t.Helper()
	frames := r.all(connID, event)
	require.NotEmpty(t, frames, "no %s frame for %s", event, connID)
	require.NoError(t, frames[len(frames)-1].Bind(v))
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = make(map[string][]protocol.Envelope)
}

// failingLog rejects every append.
type failingLog struct{}

var errStoreDown = errors.New("store down")

func (failingLog) Append(context.Context, history.Record) (string, error) {
	return "", errStoreDown
}

func (failingLog) ListRecent(context.Context, int) ([]history.Record, error) {
	return nil, errStoreDown
}

func (failingLog) Close() error { return nil }

type fixture struct {
	cfg      Config
	registry *Registry
	out      *recorder
	presence *Presence
	typing   *Typing
	router   *Router
	store    history.Log
}

func newFixture(t *testing.T, mutate func(*Config), store history.Log) *fixture {
	t.Helper()
	cfg := *NewConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	cfg = cfg.sanitize()

	logger := zerolog.Nop()
	f := &fixture{cfg: cfg, registry: NewRegistry(), out: newRecorder(), store: store}
	f.presence = NewPresence(cfg, f.registry, f.out, store, logger)
	f.typing = NewTyping(cfg.TypingTimeout, f.presence, logger)
	f.router = NewRouter(cfg, f.registry, f.presence, f.typing, store, logger)
	t.Cleanup(f.typing.Close)
	return f
}

func (f *fixture) join(t *testing.T, connID, username string) Session {
	t.Helper()
	session, err := f.presence.Join(context.Background(), connID, username)
	require.NoError(t, err)
	return session
}
