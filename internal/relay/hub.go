// Package relay is a development chat server speaking the client wire
// protocol. It routes chat messages between authenticated users, queues them
// for offline recipients and turns receipts into delivery acknowledgments for
// the original sender.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/msgtrack/internal/models"
	"github.com/shohag/msgtrack/internal/signing"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
)

type Config struct {
	Secret   string
	TokenTTL time.Duration
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

type Hub struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	senders map[string]string
	pending map[string][]models.Event
}

func NewHub(cfg Config, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		log:     log.With().Str("component", "relay").Logger(),
		clients: make(map[string]map[*client]struct{}),
		senders: make(map[string]string),
		pending: make(map[string][]models.Event),
	}
}

// IssueToken returns a session token for userID valid for the configured TTL.
func (h *Hub) IssueToken(userID string) (string, error) {
	return signing.Issue(h.cfg.Secret, userID, h.cfg.TokenTTL, time.Now())
}

// VerifyToken returns the user a token was issued for.
func (h *Hub) VerifyToken(token string) (string, error) {
	return signing.Verify(h.cfg.Secret, token, time.Now())
}

// Online lists users with at least one live connection.
func (h *Hub) Online() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.clients))
	for u := range h.clients {
		users = append(users, u)
	}
	return users
}

// ServeConn runs one client connection until it closes or ctx is done.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	ctx, cancel := context.WithCancel(ctx)

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		h.readLoop(c)
	})
	wg.Go(func() {
		h.writeLoop(ctx, c)
	})
	wg.Wait()

	h.unregister(c)
}

func (h *Hub) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := models.DecodeEvent(data)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			h.log.Warn().Err(err).Msg("dropping malformed client event")
			continue
		}
		h.handle(c, ev)
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	defer c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handle(c *client, ev models.Event) {
	now := time.Now().UnixMilli()

	switch ev.Type {
	case models.EventHeartbeat:
		h.push(c, models.Event{Type: models.EventHeartbeat, Timestamp: now})
		return
	case models.EventAuthenticate:
		h.authenticate(c, ev)
		return
	}

	if c.userID == "" {
		if ev.Type == models.EventChatMessage {
			h.push(c, models.Event{
				Type:      models.EventMessageSent,
				MessageID: ev.MessageID,
				Success:   models.Bool(false),
				Error:     "not authenticated",
				Timestamp: now,
			})
		}
		return
	}

	switch ev.Type {
	case models.EventChatMessage:
		h.route(c, ev, now)
	case models.EventMessageReceived:
		h.notifySender(ev.MessageID, models.EventMessageDelivered, now)
	case models.EventMarkRead:
		h.notifySender(ev.MessageID, models.EventMessageRead, now)
	}
}

func (h *Hub) authenticate(c *client, ev models.Event) {
	userID, err := h.VerifyToken(ev.Token)
	if err != nil {
		h.log.Warn().Err(err).Msg("authentication failed")
		h.push(c, models.Event{Type: models.EventAuthenticate, Success: models.Bool(false), Error: err.Error()})
		return
	}

	h.mu.Lock()
	if c.userID != "" {
		h.removeLocked(c)
	}
	c.userID = userID
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	backlog := h.pending[userID]
	delete(h.pending, userID)
	h.mu.Unlock()

	h.log.Info().Str("user_id", userID).Int("backlog", len(backlog)).Msg("client authenticated")
	h.push(c, models.Event{Type: models.EventAuthenticate, Success: models.Bool(true), Timestamp: time.Now().UnixMilli()})
	if len(backlog) > 0 {
		h.push(c, models.Event{Type: models.EventPendingMessages, Messages: backlog})
	}
}

func (h *Hub) route(c *client, ev models.Event, now int64) {
	ev.SenderID = c.userID
	if ev.Timestamp == 0 {
		ev.Timestamp = now
	}

	h.mu.Lock()
	h.senders[ev.MessageID] = c.userID
	targets := h.connsLocked(ev.RecipientID)
	if len(targets) == 0 && ev.RecipientID != "" {
		h.pending[ev.RecipientID] = append(h.pending[ev.RecipientID], ev)
	}
	h.mu.Unlock()

	h.push(c, models.Event{Type: models.EventMessageSent, MessageID: ev.MessageID, ThreadID: ev.ThreadID, Success: models.Bool(true), Timestamp: now})
	for _, t := range targets {
		h.push(t, ev)
	}
}

func (h *Hub) notifySender(messageID string, typ models.EventType, now int64) {
	h.mu.Lock()
	sender, ok := h.senders[messageID]
	var targets []*client
	if ok {
		targets = h.connsLocked(sender)
	}
	h.mu.Unlock()

	for _, t := range targets {
		h.push(t, models.Event{Type: typ, MessageID: messageID, Timestamp: now})
	}
}

func (h *Hub) connsLocked(userID string) []*client {
	out := make([]*client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		out = append(out, c)
	}
	return out
}

func (h *Hub) push(c *client, ev models.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode event")
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn().Str("type", string(ev.Type)).Msg("client buffer full, dropping event")
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
}
