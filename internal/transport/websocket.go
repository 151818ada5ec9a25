package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/msgtrack/internal/models"
)

const (
	writeWait         = 10 * time.Second
	defaultSendBuffer = 256
	defaultHeartbeat  = 30 * time.Second
)

type WebSocketConfig struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Heartbeat        time.Duration
	SendBuffer       int
	Backoff          Backoff
}

// WebSocket is a Channel over a gorilla/websocket client connection carrying
// one JSON event per text frame.
type WebSocket struct {
	handlers

	cfg    WebSocketConfig
	dialer *websocket.Dialer
	clock  clock.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	out     chan []byte
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	closed  bool
}

func NewWebSocket(cfg WebSocketConfig, clk clock.Clock, log zerolog.Logger) *WebSocket {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &WebSocket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		clock: clk,
		log:   log.With().Str("component", "transport").Str("url", cfg.URL).Logger(),
	}
}

func (w *WebSocket) Connect(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.closed {
		return
	}
	w.running = true

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel, w.done = cancel, done

	go func() {
		defer close(done)
		w.run(ctx)

		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()
}

func (w *WebSocket) Send(ev models.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.out == nil {
		return ErrNotConnected
	}
	select {
	case w.out <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops reconnecting and releases the live connection, if any. It must
// not be called from an event or state handler.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	w.setState(StateDisconnected)
	return nil
}

func (w *WebSocket) run(ctx context.Context) {
	attempt := 0
	for {
		w.setState(StateConnecting)
		conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
		if err == nil {
			attempt = 0
			w.serve(ctx, conn)
		} else if ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("websocket dial failed")
		}
		w.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}

		delay := w.cfg.Backoff.Delay(attempt)
		attempt++
		w.log.Info().Dur("backoff", delay).Int("attempt", attempt).Msg("scheduling reconnect")
		if !w.sleep(ctx, delay) {
			return
		}
	}
}

func (w *WebSocket) sleep(ctx context.Context, d time.Duration) bool {
	t := w.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// serve blocks until the connection breaks or ctx is cancelled. Only one
// serve runs at a time, so inbound events are emitted from a single goroutine.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, w.cfg.SendBuffer)
	w.mu.Lock()
	w.out = out
	w.mu.Unlock()

	w.log.Info().Msg("websocket connected")
	w.setState(StateConnected)

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		w.readLoop(conn)
	})
	wg.Go(func() {
		w.writeLoop(connCtx, conn, out)
	})
	wg.Go(func() {
		w.heartbeatLoop(connCtx)
	})
	wg.Wait()

	w.mu.Lock()
	w.out = nil
	w.mu.Unlock()
	w.log.Info().Msg("websocket disconnected")
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		ev, err := models.DecodeEvent(data)
		if err != nil {
			w.log.Warn().Err(err).Msg("dropping undecodable event")
			continue
		}
		w.emit(ev)
	}
}

func (w *WebSocket) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.log.Warn().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func (w *WebSocket) heartbeatLoop(ctx context.Context) {
	ticker := w.clock.Ticker(w.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := models.Event{Type: models.EventHeartbeat, Timestamp: w.clock.Now().UnixMilli()}
			if err := w.Send(ev); err != nil {
				w.log.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}
