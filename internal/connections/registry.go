// Package connections maps each user to the one duplex channel events are
// delivered on.
package connections

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/streamdesk/internal/bus"
)

const defaultWriteTimeout = 10 * time.Second

// Channel is a server→client message pipe. Implementations need not be safe
// for concurrent writes; the registry serializes writes per channel.
type Channel interface {
	Write(ctx context.Context, v any) error
	Close(reason string) error
}

type slot struct {
	ch Channel
	mu sync.Mutex // serializes writes to ch
}

type Registry struct {
	mu    sync.RWMutex
	users map[string]*slot

	bus          *bus.Bus
	logger       *slog.Logger
	writeTimeout time.Duration
}

type Option func(*Registry)

// WithBus publishes connection.opened/closed events.
func WithBus(b *bus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithWriteTimeout bounds each Send; zero keeps the default of 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		users:        make(map[string]*slot),
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect makes ch the user's channel. A previously registered channel is
// closed best-effort in the background after the swap; a websocket close
// waits on the peer's handshake and must not stall the new connection.
func (r *Registry) Connect(_ context.Context, userID string, ch Channel) {
	r.mu.Lock()
	prev := r.users[userID]
	r.users[userID] = &slot{ch: ch}
	r.mu.Unlock()

	if prev != nil {
		go func(old Channel) {
			if err := old.Close("superseded by a newer connection"); err != nil {
				r.logger.Debug("close superseded channel", "user_id", userID, "error", err)
			}
		}(prev.ch)
		r.bus.Publish(bus.TopicConnectionClosed, bus.ConnectionEvent{UserID: userID, Superseded: true})
	}
	r.logger.Info("connection opened", "user_id", userID, "replaced", prev != nil)
	r.bus.Publish(bus.TopicConnectionOpened, bus.ConnectionEvent{UserID: userID})
}

// Disconnect removes the user's mapping only if ch is still the registered
// channel. It reports whether anything was removed.
func (r *Registry) Disconnect(userID string, ch Channel) bool {
	r.mu.Lock()
	cur, ok := r.users[userID]
	if !ok || cur.ch != ch {
		r.mu.Unlock()
		return false
	}
	delete(r.users, userID)
	r.mu.Unlock()

	r.logger.Info("connection closed", "user_id", userID)
	r.bus.Publish(bus.TopicConnectionClosed, bus.ConnectionEvent{UserID: userID})
	return true
}

// Send writes v to the user's channel at most once. It returns false when
// the user has no channel or the write fails; nothing is retried or queued.
func (r *Registry) Send(ctx context.Context, userID string, v any) bool {
	r.mu.RLock()
	s, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()

	s.mu.Lock()
	err := s.ch.Write(wctx, v)
	s.mu.Unlock()
	if err != nil {
		r.logger.Debug("send failed", "user_id", userID, "error", err)
		return false
	}
	return true
}

func (r *Registry) HasConnection(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// CloseAll closes and forgets every channel.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	users := r.users
	r.users = make(map[string]*slot)
	r.mu.Unlock()

	for userID, s := range users {
		if err := s.ch.Close(reason); err != nil {
			r.logger.Debug("close channel", "user_id", userID, "error", err)
		}
		r.bus.Publish(bus.TopicConnectionClosed, bus.ConnectionEvent{UserID: userID})
	}
}
