package transport

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/msgtrack/internal/models"
)

const defaultQueueSize = 1024

// SimulateConfig selects which server responses a Memory channel fakes.
type SimulateConfig struct {
	Auth    bool
	Ack     bool
	Deliver bool
	Read    bool
}

type MemoryConfig struct {
	Simulate  SimulateConfig
	Backoff   Backoff
	QueueSize int
}

// Memory is an in-process Channel. It stands in for the server during
// development and lets tests inject events, drop the connection and make the
// server unreachable.
type Memory struct {
	handlers

	cfg   MemoryConfig
	clock clock.Clock
	log   zerolog.Logger

	// deliverMu keeps event and state handlers from running concurrently.
	deliverMu sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	connected   bool
	unreachable bool
	closed      bool
	attempt     int
	retry       *clock.Timer
	sent        []models.Event

	queue chan func()
	done  chan struct{}
	wg    conc.WaitGroup
}

func NewMemory(cfg MemoryConfig, clk clock.Clock, log zerolog.Logger) *Memory {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if clk == nil {
		clk = clock.New()
	}
	m := &Memory{
		cfg:   cfg,
		clock: clk,
		log:   log.With().Str("component", "transport").Str("driver", "memory").Logger(),
		queue: make(chan func(), cfg.QueueSize),
		done:  make(chan struct{}),
	}
	m.wg.Go(m.dispatchLoop)
	return m
}

func (m *Memory) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.closed || m.connected || m.retry != nil {
		m.mu.Unlock()
		return
	}
	m.ctx = ctx
	m.mu.Unlock()
	m.dial()
}

func (m *Memory) Send(ev models.Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.sent = append(m.sent, ev)
	replies := m.simulate(ev)
	m.mu.Unlock()

	for _, r := range replies {
		m.Inject(r)
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	m.transition(StateDisconnected)
	return nil
}

// Inject queues ev for delivery to event handlers on the dispatch goroutine.
func (m *Memory) Inject(ev models.Event) {
	m.enqueue(func() { m.emit(ev) })
}

// Deliver hands ev to event handlers on the caller's goroutine.
func (m *Memory) Deliver(ev models.Event) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.emit(ev)
}

// Flush blocks until every event queued before the call has been delivered.
func (m *Memory) Flush() {
	ch := make(chan struct{})
	m.enqueue(func() { close(ch) })
	select {
	case <-ch:
	case <-m.done:
	}
}

// Drop breaks the connection as a network failure would. The channel then
// reconnects with backoff.
func (m *Memory) Drop() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	m.transition(StateDisconnected)
	m.scheduleReconnect()
}

func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	m.unreachable = !ok
	m.mu.Unlock()
}

// Sent returns every event accepted by Send so far.
func (m *Memory) Sent() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.sent...)
}

func (m *Memory) SentOfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range m.Sent() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Memory) dial() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	reachable := !m.unreachable
	m.mu.Unlock()

	m.transition(StateConnecting)
	if !reachable {
		m.log.Debug().Msg("server unreachable")
		m.transition(StateDisconnected)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	m.connected = true
	m.attempt = 0
	m.mu.Unlock()
	m.transition(StateConnected)
}

func (m *Memory) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.retry != nil || (m.ctx != nil && m.ctx.Err() != nil) {
		return
	}
	delay := m.cfg.Backoff.Delay(m.attempt)
	m.attempt++
	m.log.Debug().Dur("backoff", delay).Int("attempt", m.attempt).Msg("scheduling reconnect")
	m.retry = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retry = nil
		m.mu.Unlock()
		m.dial()
	})
}

func (m *Memory) transition(s State) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.setState(s)
}

func (m *Memory) enqueue(fn func()) {
	select {
	case m.queue <- fn:
	default:
		m.log.Warn().Msg("event queue full, dropping event")
	}
}

func (m *Memory) dispatchLoop() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.queue:
			m.deliverMu.Lock()
			fn()
			m.deliverMu.Unlock()
		}
	}
}

// simulate returns the events a cooperative server would answer ev with.
// Called with m.mu held.
func (m *Memory) simulate(ev models.Event) []models.Event {
	now := m.clock.Now().UnixMilli()
	sim := m.cfg.Simulate

	switch ev.Type {
	case models.EventAuthenticate:
		if sim.Auth {
			return []models.Event{{Type: models.EventAuthenticate, Success: models.Bool(true), Timestamp: now}}
		}
	case models.EventHeartbeat:
		if sim.Auth {
			return []models.Event{{Type: models.EventHeartbeat, Timestamp: now}}
		}
	case models.EventChatMessage:
		var out []models.Event
		ack := func(t models.EventType) models.Event {
			return models.Event{Type: t, MessageID: ev.MessageID, ThreadID: ev.ThreadID, Timestamp: now}
		}
		if sim.Ack {
			out = append(out, ack(models.EventMessageSent))
		}
		if sim.Deliver {
			out = append(out, ack(models.EventMessageDelivered))
		}
		if sim.Read {
			out = append(out, ack(models.EventMessageRead))
		}
		return out
	}
	return nil
}
