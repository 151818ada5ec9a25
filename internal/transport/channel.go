// Package transport provides the connection to the chat server. A Channel
// reconnects on its own until closed; connection failures surface as state,
// never as errors returned to callers.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/shohag/msgtrack/internal/models"
)

var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrSendBufferFull = errors.New("transport send buffer full")
	ErrClosed         = errors.New("transport closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Handler func(ev models.Event)

type StateHandler func(s State)

// Channel is one logical connection to the server.
//
// Event and state handlers are never invoked concurrently with each other,
// and events arrive in the order the server sent them.
type Channel interface {
	Connect(ctx context.Context)
	Send(ev models.Event) error
	OnEvent(h Handler)
	OnStateChange(h StateHandler)
	State() State
	Close() error
}

// handlers is the registration and state bookkeeping shared by channel
// implementations.
type handlers struct {
	mu     sync.RWMutex
	events []Handler
	states []StateHandler
	state  State
}

func (h *handlers) OnEvent(fn Handler) {
	h.mu.Lock()
	h.events = append(h.events, fn)
	h.mu.Unlock()
}

func (h *handlers) OnStateChange(fn StateHandler) {
	h.mu.Lock()
	h.states = append(h.states, fn)
	h.mu.Unlock()
}

func (h *handlers) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// setState records s and runs state handlers on the caller's goroutine.
func (h *handlers) setState(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	fns := append([]StateHandler(nil), h.states...)
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (h *handlers) emit(ev models.Event) {
	h.mu.RLock()
	fns := append([]Handler(nil), h.events...)
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
