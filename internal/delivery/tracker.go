// Package delivery owns the outbound message lifecycle: submit, resend,
// acknowledgment timeout and the reconciliation of server acknowledgments
// into the status store.
package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/shohag/msgtrack/internal/models"
	"github.com/shohag/msgtrack/internal/status"
	"github.com/shohag/msgtrack/internal/transport"
)

const (
	DefaultAckTimeout = 10 * time.Second
	DefaultAuthGrace  = 5 * time.Second
)

type Config struct {
	// AckTimeout bounds how long a transmitted message may stay pending.
	AckTimeout time.Duration
	// AuthGrace is how long application events are held after connecting
	// while waiting for the authentication ack. Zero disables holding.
	AuthGrace time.Duration
	Token     string
}

type outbound struct {
	msg         *models.Message // nil when tracked lazily from a server event
	attempt     int
	timer       *clock.Timer
	transmitted bool
	held        bool
}

// Tracker is the only writer of its status store. All transitions happen
// under one mutex, so store subscribers run serialized and must not call
// back into the tracker.
type Tracker struct {
	cfg   Config
	ch    transport.Channel
	store *status.Store
	clock clock.Clock
	log   zerolog.Logger

	mu        sync.Mutex
	messages  map[string]*outbound
	held      []string
	control   []models.Event
	connected bool
	authed    bool
	connGen   int
	grace     *clock.Timer
	closed    bool
}

func NewTracker(cfg Config, ch transport.Channel, store *status.Store, clk clock.Clock, log zerolog.Logger) *Tracker {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.AuthGrace < 0 {
		cfg.AuthGrace = DefaultAuthGrace
	}
	if clk == nil {
		clk = clock.New()
	}

	t := &Tracker{
		cfg:      cfg,
		ch:       ch,
		store:    store,
		clock:    clk,
		log:      log.With().Str("component", "tracker").Logger(),
		messages: make(map[string]*outbound),
	}
	ch.OnStateChange(t.handleState)
	ch.OnEvent(t.HandleEvent)
	if ch.State() == transport.StateConnected {
		t.handleState(transport.StateConnected)
	}
	return t
}

// Statuses exposes the store read-only.
func (t *Tracker) Statuses() status.Reader {
	return t.store
}

func (t *Tracker) Status(messageID string) models.DeliveryStatus {
	e, _ := t.store.Get(messageID)
	return e.Status
}

// Optimistic is a rendering hint for UIs: a pending message that was handed
// to the transport reads as sent. It never feeds back into the store.
func (t *Tracker) Optimistic(messageID string) models.DeliveryStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.store.Get(messageID)
	if o, ok := t.messages[messageID]; ok && o.transmitted && e.Status == models.StatusPending {
		return models.StatusSent
	}
	return e.Status
}

func (t *Tracker) Authenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authed
}

// Track registers messageID as pending and starts its ack timeout. Already
// tracked ids are left alone.
func (t *Tracker) Track(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if o, created := t.trackLocked(messageID); created {
		o.attempt++
		t.armLocked(messageID, o)
	}
}

func (t *Tracker) trackLocked(messageID string) (*outbound, bool) {
	o, ok := t.messages[messageID]
	if !ok {
		o = &outbound{}
		t.messages[messageID] = o
		t.store.Set(messageID, models.StatusPending, t.now())
	}
	return o, !ok
}

// Submit tracks msg and hands it to the transport. A rejected send marks the
// message failed before Submit returns; an accepted one stays pending until
// the server acknowledges it or the ack timeout fires.
func (t *Tracker) Submit(msg *models.Message) error {
	if msg == nil || msg.ID == "" || msg.ThreadID == "" {
		return fmt.Errorf("%w: id and thread id are required", ErrInvalidMessage)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if o, ok := t.messages[msg.ID]; ok && o.msg != nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
	}

	o, _ := t.trackLocked(msg.ID)
	o.msg = msg
	t.attemptLocked(msg.ID, o)
	return nil
}

// Resend retries a failed message under the same id.
func (t *Tracker) Resend(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	e, _ := t.store.Get(messageID)
	if e.Status != models.StatusFailed {
		return &InvalidStateError{MessageID: messageID, Status: e.Status, Want: models.StatusFailed}
	}
	o, ok := t.messages[messageID]
	if !ok || o.msg == nil {
		return fmt.Errorf("%w: no content for %s", ErrUnknownMessage, messageID)
	}

	t.store.Reset(messageID, t.now())
	t.log.Info().Str("message_id", messageID).Int("attempt", o.attempt+1).Msg("resending message")
	t.attemptLocked(messageID, o)
	return nil
}

func (t *Tracker) attemptLocked(id string, o *outbound) {
	o.attempt++
	o.transmitted = false

	if !t.connected {
		t.failLocked(id, o, transport.ErrNotConnected)
		return
	}

	t.armLocked(id, o)
	if !t.authed {
		o.held = true
		t.held = append(t.held, id)
		t.log.Debug().Str("message_id", id).Msg("holding message until authenticated")
		return
	}
	t.transmitLocked(id, o)
}

func (t *Tracker) transmitLocked(id string, o *outbound) {
	if err := t.ch.Send(models.ChatEvent(o.msg)); err != nil {
		t.failLocked(id, o, err)
		return
	}
	o.transmitted = true
}

func (t *Tracker) armLocked(id string, o *outbound) {
	t.stopTimerLocked(o)
	attempt := o.attempt
	o.timer = t.clock.AfterFunc(t.cfg.AckTimeout, func() {
		t.expire(id, attempt)
	})
}

func (t *Tracker) expire(id string, attempt int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	o, ok := t.messages[id]
	if !ok || o.attempt != attempt {
		return
	}
	o.timer = nil
	if e, _ := t.store.Get(id); e.Status != models.StatusPending {
		return
	}
	t.failLocked(id, o, ErrAckTimeout)
}

func (t *Tracker) failLocked(id string, o *outbound, reason error) {
	t.stopTimerLocked(o)
	o.held = false
	if t.store.Set(id, models.StatusFailed, t.now()) {
		t.log.Warn().Err(reason).Str("message_id", id).Int("attempt", o.attempt).Msg("message failed")
	}
}

func (t *Tracker) stopTimerLocked(o *outbound) {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// SendControl puts a receipt or other non-chat event on the wire behind the
// same authentication gate as chat messages. Until the session is
// authenticated the event is held; held events are dropped on disconnect.
func (t *Tracker) SendControl(ev models.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if !t.connected {
		return transport.ErrNotConnected
	}
	if !t.authed {
		t.control = append(t.control, ev)
		return nil
	}
	return t.ch.Send(ev)
}

// HandleEvent reconciles a server acknowledgment into the store. Ids never
// seen locally are tracked lazily at the reported status.
func (t *Tracker) HandleEvent(ev models.Event) {
	if ev.Type == models.EventAuthenticate {
		t.handleAuth(ev)
		return
	}
	st, ok := ev.Status()
	if !ok {
		return
	}
	if err := ev.Validate(); err != nil {
		t.log.Warn().Err(err).Msg("dropping malformed event")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	o, known := t.messages[ev.MessageID]
	if !known {
		o = &outbound{}
		t.messages[ev.MessageID] = o
	}

	if !t.store.Set(ev.MessageID, st, ev.Time(t.now())) {
		t.log.Debug().Str("message_id", ev.MessageID).Stringer("status", st).Msg("ignoring stale status")
		return
	}
	t.stopTimerLocked(o)
	o.held = false
	if st == models.StatusFailed {
		t.log.Warn().Str("message_id", ev.MessageID).Str("error", ev.Error).Msg("server rejected message")
		return
	}
	t.log.Debug().Str("message_id", ev.MessageID).Stringer("status", st).Bool("known", known).Msg("status updated")
}

func (t *Tracker) handleAuth(ev models.Event) {
	if !ev.Succeeded() {
		t.log.Warn().Str("error", ev.Error).Msg("authentication rejected")
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.connected || t.authed {
		return
	}
	t.log.Info().Int("held", len(t.held)).Msg("authenticated")
	t.authenticatedLocked()
}

func (t *Tracker) authenticatedLocked() {
	t.authed = true
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}

	control := t.control
	t.control = nil
	for _, ev := range control {
		if err := t.ch.Send(ev); err != nil {
			t.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("held event not sent")
		}
	}

	held := t.held
	t.held = nil
	for _, id := range held {
		o, ok := t.messages[id]
		if !ok || !o.held {
			continue
		}
		o.held = false
		if e, _ := t.store.Get(id); e.Status != models.StatusPending {
			continue
		}
		t.transmitLocked(id, o)
	}
}

func (t *Tracker) handleState(s transport.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if s == transport.StateConnected {
		t.connected = true
		t.authed = false
		t.connGen++

		auth := models.Event{Type: models.EventAuthenticate, Token: t.cfg.Token, Timestamp: t.now().UnixMilli()}
		if err := t.ch.Send(auth); err != nil {
			t.log.Warn().Err(err).Msg("failed to send authenticate")
		}
		if t.cfg.AuthGrace == 0 {
			t.authenticatedLocked()
			return
		}
		gen := t.connGen
		t.grace = t.clock.AfterFunc(t.cfg.AuthGrace, func() { t.graceElapsed(gen) })
		return
	}

	if !t.connected {
		return
	}
	t.connected = false
	t.authed = false
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}

	if len(t.control) > 0 {
		t.log.Debug().Int("dropped", len(t.control)).Msg("dropping held events")
		t.control = nil
	}

	// held messages never reached the wire
	held := t.held
	t.held = nil
	for _, id := range held {
		if o, ok := t.messages[id]; ok && o.held {
			t.failLocked(id, o, transport.ErrNotConnected)
		}
	}
	t.log.Info().Stringer("state", s).Msg("transport down")
}

func (t *Tracker) graceElapsed(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || gen != t.connGen || !t.connected || t.authed {
		return
	}
	t.grace = nil
	t.log.Warn().Dur("grace", t.cfg.AuthGrace).Msg("no authentication ack, sending held messages")
	t.authenticatedLocked()
}

// Close stops every pending timer. Timer callbacks that already fired become
// no-ops. The transport is not closed.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, o := range t.messages {
		t.stopTimerLocked(o)
	}
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
	t.held = nil
	t.control = nil
	return nil
}

func (t *Tracker) now() time.Time {
	return t.clock.Now().UTC()
}
