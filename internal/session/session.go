// Package session wires one transport, status store, tracker and dispatcher
// into a unit with an explicit lifecycle: created when the user's session
// starts and closed when it ends.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/shohag/msgtrack/internal/config"
	"github.com/shohag/msgtrack/internal/delivery"
	"github.com/shohag/msgtrack/internal/models"
	"github.com/shohag/msgtrack/internal/notify"
	"github.com/shohag/msgtrack/internal/signing"
	"github.com/shohag/msgtrack/internal/status"
	"github.com/shohag/msgtrack/internal/storage"
	"github.com/shohag/msgtrack/internal/transport"
)

const (
	journalTimeout = 5 * time.Second
	journalBuffer  = 1024
)

type Option func(*Session)

func WithClock(clk clock.Clock) Option {
	return func(s *Session) { s.clock = clk }
}

// WithJournal mirrors messages and statuses into j. The session does not
// close it.
func WithJournal(j storage.Storage) Option {
	return func(s *Session) { s.journal = j }
}

// WithChannel overrides the transport selected by configuration.
func WithChannel(ch transport.Channel) Option {
	return func(s *Session) { s.channel = ch }
}

type Session struct {
	userID     string
	clock      clock.Clock
	log        zerolog.Logger
	channel    transport.Channel
	store      *status.Store
	tracker    *delivery.Tracker
	dispatcher *notify.Dispatcher
	journal    storage.Storage
	sub        status.Subscription

	// journal writes run on their own goroutine, in submission order
	jobsMu     sync.Mutex
	jobs       chan func(ctx context.Context)
	jobsClosed bool
	wg         conc.WaitGroup
}

func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Session, error) {
	s := &Session{
		userID: cfg.Auth.UserID,
		log:    log.With().Str("user_id", cfg.Auth.UserID).Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}

	token, err := sessionToken(cfg.Auth, s.clock.Now())
	if err != nil {
		return nil, err
	}

	if s.channel == nil {
		ch, err := NewChannel(cfg.Transport, s.clock, s.log)
		if err != nil {
			return nil, err
		}
		s.channel = ch
	}

	s.store = status.NewStore()
	s.tracker = delivery.NewTracker(delivery.Config{
		AckTimeout: cfg.Tracker.AckTimeout,
		AuthGrace:  cfg.Tracker.AuthGrace,
		Token:      token,
	}, s.channel, s.store, s.clock, s.log)

	d, err := notify.NewDispatcher(notify.Config{
		SelfID:          cfg.Auth.UserID,
		DedupSize:       cfg.Notify.DedupSize,
		AutoAcknowledge: cfg.Notify.AutoAcknowledge,
	}, s.channel, notify.SenderFunc(s.tracker.SendControl), s.clock, s.log)
	if err != nil {
		s.tracker.Close()
		s.channel.Close()
		return nil, err
	}
	s.dispatcher = d

	if s.journal != nil {
		s.jobs = make(chan func(ctx context.Context), journalBuffer)
		s.wg.Go(s.journalLoop)
		s.sub = s.store.Subscribe(s.recordStatus)
		s.dispatcher.Notify(s.recordInbound)
	}
	return s, nil
}

// NewChannel builds the transport named by cfg.Driver.
func NewChannel(cfg config.TransportConfig, clk clock.Clock, log zerolog.Logger) (transport.Channel, error) {
	backoff := transport.Backoff{Initial: cfg.ReconnectInitial, Max: cfg.ReconnectMax}

	switch cfg.Driver {
	case "websocket":
		return transport.NewWebSocket(transport.WebSocketConfig{
			URL:              cfg.URL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Heartbeat:        cfg.Heartbeat,
			SendBuffer:       cfg.SendBuffer,
			Backoff:          backoff,
		}, clk, log), nil
	case "memory":
		return transport.NewMemory(transport.MemoryConfig{
			Simulate: transport.SimulateConfig{
				Auth:    cfg.Simulate.Auth,
				Ack:     cfg.Simulate.Ack,
				Deliver: cfg.Simulate.Deliver,
				Read:    cfg.Simulate.Read,
			},
			Backoff: backoff,
		}, clk, log), nil
	default:
		return nil, fmt.Errorf("unsupported transport driver: %s", cfg.Driver)
	}
}

// sessionToken prefers a configured token and otherwise signs one locally
// when the relay secret is known.
func sessionToken(cfg config.AuthConfig, now time.Time) (string, error) {
	if cfg.Token != "" || cfg.UserID == "" || cfg.Secret == "" {
		return cfg.Token, nil
	}
	token, err := signing.Issue(cfg.Secret, cfg.UserID, cfg.TokenTTL, now)
	if err != nil {
		return "", fmt.Errorf("failed to issue session token: %w", err)
	}
	return token, nil
}

func (s *Session) Start(ctx context.Context) {
	s.log.Info().Msg("session starting")
	s.channel.Connect(ctx)
}

func (s *Session) UserID() string {
	return s.userID
}

// Send creates a message from the session user and submits it.
func (s *Session) Send(threadID, recipientID, content string) (*models.Message, error) {
	msg := models.NewMessage(threadID, s.userID, recipientID, content, s.clock.Now())
	if s.journal != nil {
		s.enqueue(func(ctx context.Context) {
			if err := s.journal.SaveMessage(ctx, msg, storage.Outbound); err != nil {
				s.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to journal message")
			}
		})
	}
	if err := s.tracker.Submit(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Session) Resend(messageID string) error {
	return s.tracker.Resend(messageID)
}

func (s *Session) Status(messageID string) models.DeliveryStatus {
	return s.tracker.Status(messageID)
}

func (s *Session) Optimistic(messageID string) models.DeliveryStatus {
	return s.tracker.Optimistic(messageID)
}

func (s *Session) Statuses() status.Reader {
	return s.tracker.Statuses()
}

func (s *Session) OnMessage(o notify.Observer) {
	s.dispatcher.Notify(o)
}

// Acknowledge sends a delivery receipt for msg. Only needed when automatic
// acknowledgment is off.
func (s *Session) Acknowledge(msg *models.Message) {
	s.dispatcher.Acknowledge(msg)
}

func (s *Session) MarkRead(msg *models.Message) {
	s.dispatcher.MarkRead(msg)
}

func (s *Session) Thread(threadID string) []models.Message {
	return s.dispatcher.Thread(threadID)
}

func (s *Session) State() transport.State {
	return s.channel.State()
}

// Close stops timers, releases the transport, then drains pending journal
// writes.
func (s *Session) Close() error {
	var err error
	err = multierr.Append(err, s.tracker.Close())
	if s.journal != nil {
		s.store.Unsubscribe(s.sub)
	}
	err = multierr.Append(err, s.channel.Close())

	if s.journal != nil {
		s.jobsMu.Lock()
		if !s.jobsClosed {
			s.jobsClosed = true
			close(s.jobs)
		}
		s.jobsMu.Unlock()
		s.wg.Wait()
	}
	s.log.Info().Msg("session closed")
	return err
}

func (s *Session) enqueue(job func(ctx context.Context)) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if s.jobsClosed {
		return
	}
	select {
	case s.jobs <- job:
	default:
		s.log.Warn().Msg("journal queue full, dropping write")
	}
}

func (s *Session) journalLoop() {
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		job(ctx)
		cancel()
	}
}

// recordStatus runs under the tracker lock, so it only queues the write.
func (s *Session) recordStatus(messageID string, st models.DeliveryStatus) {
	e, ok := s.store.Get(messageID)
	if !ok {
		return
	}
	e.Status = st
	s.enqueue(func(ctx context.Context) {
		if err := s.journal.RecordStatus(ctx, e); err != nil {
			s.log.Error().Err(err).Str("message_id", messageID).Stringer("status", st).Msg("failed to journal status")
		}
	})
}

func (s *Session) recordInbound(msg *models.Message) {
	s.enqueue(func(ctx context.Context) {
		if err := s.journal.SaveMessage(ctx, msg, storage.Inbound); err != nil {
			s.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to journal inbound message")
		}
	})
}
