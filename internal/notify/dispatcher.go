// Package notify surfaces inbound chat messages to application observers,
// at most once per message id.
package notify

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/shohag/msgtrack/internal/models"
	"github.com/shohag/msgtrack/internal/transport"
)

const DefaultDedupSize = 10000

type Config struct {
	// SelfID filters out messages this client sent itself.
	SelfID string
	// DedupSize bounds how many dispatched ids are remembered.
	DedupSize int
	// AutoAcknowledge emits message_received once observers have run.
	AutoAcknowledge bool
}

type Observer func(msg *models.Message)

// Sender puts receipts on the wire.
type Sender interface {
	Send(ev models.Event) error
}

type SenderFunc func(ev models.Event) error

func (f SenderFunc) Send(ev models.Event) error { return f(ev) }

type Dispatcher struct {
	cfg   Config
	out   Sender
	clock clock.Clock
	log   zerolog.Logger

	mu        sync.Mutex
	seen      *lru.Cache[string, struct{}]
	observers []Observer
	threads   map[string][]models.Message
}

// NewDispatcher subscribes to inbound events on ch. Receipts go through out,
// or straight to ch when out is nil.
func NewDispatcher(cfg Config, ch transport.Channel, out Sender, clk clock.Clock, log zerolog.Logger) (*Dispatcher, error) {
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("creating dedup cache: %w", err)
	}

	if out == nil {
		out = ch
	}
	if clk == nil {
		clk = clock.New()
	}

	d := &Dispatcher{
		cfg:     cfg,
		out:     out,
		clock:   clk,
		log:     log.With().Str("component", "dispatcher").Logger(),
		seen:    seen,
		threads: make(map[string][]models.Message),
	}
	ch.OnEvent(d.HandleInbound)
	return d, nil
}

// Notify registers an observer for every new inbound message.
func (d *Dispatcher) Notify(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *Dispatcher) HandleInbound(ev models.Event) {
	switch ev.Type {
	case models.EventChatMessage:
		d.dispatch(ev)
	case models.EventPendingMessages:
		d.log.Debug().Int("count", len(ev.Messages)).Msg("pending messages")
		for _, m := range ev.Messages {
			if m.Type == "" {
				m.Type = models.EventChatMessage
			}
			d.dispatch(m)
		}
	}
}

func (d *Dispatcher) dispatch(ev models.Event) {
	if err := ev.Validate(); err != nil || ev.Type != models.EventChatMessage {
		d.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("dropping malformed inbound message")
		return
	}
	if d.cfg.SelfID != "" && ev.SenderID == d.cfg.SelfID {
		return
	}

	d.mu.Lock()
	if found, _ := d.seen.ContainsOrAdd(ev.MessageID, struct{}{}); found {
		d.mu.Unlock()
		d.log.Debug().Str("message_id", ev.MessageID).Msg("duplicate inbound message")
		return
	}
	msg := ev.Message()
	d.threads[msg.ThreadID] = append(d.threads[msg.ThreadID], *msg)
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()

	for _, o := range observers {
		o(msg)
	}
	if d.cfg.AutoAcknowledge {
		d.Acknowledge(msg)
	}
}

// Acknowledge tells the server msg reached this client. Best effort: a failed
// send is logged and local state is kept.
func (d *Dispatcher) Acknowledge(msg *models.Message) {
	d.send(models.Event{
		Type:        models.EventMessageReceived,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		RecipientID: msg.SenderID,
		Timestamp:   d.clock.Now().UnixMilli(),
	})
}

// MarkRead sends a best-effort read receipt for msg.
func (d *Dispatcher) MarkRead(msg *models.Message) {
	d.send(models.Event{
		Type:        models.EventMarkRead,
		MessageID:   msg.ID,
		ThreadID:    msg.ThreadID,
		RecipientID: msg.SenderID,
		Timestamp:   d.clock.Now().UnixMilli(),
	})
}

func (d *Dispatcher) send(ev models.Event) {
	if err := d.out.Send(ev); err != nil {
		d.log.Warn().Err(err).Str("type", string(ev.Type)).Str("message_id", ev.MessageID).Msg("receipt not sent")
	}
}

// Thread returns the dispatched messages of threadID in receipt order.
func (d *Dispatcher) Thread(threadID string) []models.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Message(nil), d.threads[threadID]...)
}
