package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/msgtrack/internal/models"
)

// echoServer replies to every frame with a message_sent ack for the same id.
func echoServer(t *testing.T, conns chan<- *websocket.Conn) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns != nil {
			conns <- conn
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := models.DecodeEvent(data)
			if err != nil {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
				continue
			}
			reply, _ := models.Event{Type: models.EventMessageSent, MessageID: ev.MessageID}.Encode()
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_RoundTrip(t *testing.T) {
	srv := echoServer(t, nil)
	ws := NewWebSocket(WebSocketConfig{URL: wsURL(srv), Heartbeat: time.Hour}, nil, zerolog.Nop())
	defer ws.Close()

	got := make(chan models.Event, 4)
	ws.OnEvent(func(ev models.Event) { got <- ev })

	assert.ErrorIs(t, ws.Send(models.Event{Type: models.EventHeartbeat}), ErrNotConnected)

	ws.Connect(context.Background())
	require.Eventually(t, func() bool { return ws.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Send(models.Event{Type: models.EventChatMessage, MessageID: "m1", ThreadID: "t"}))
	require.NoError(t, ws.Send(models.Event{Type: models.EventChatMessage, MessageID: "m2", ThreadID: "t"}))

	for _, want := range []string{"m1", "m2"} {
		select {
		case ev := <-got:
			assert.Equal(t, models.EventMessageSent, ev.Type)
			assert.Equal(t, want, ev.MessageID)
		case <-time.After(2 * time.Second):
			t.Fatalf("no ack for %s", want)
		}
	}
}

func TestWebSocket_ReconnectsAfterServerDrop(t *testing.T) {
	conns := make(chan *websocket.Conn, 4)
	srv := echoServer(t, conns)
	ws := NewWebSocket(WebSocketConfig{
		URL:       wsURL(srv),
		Heartbeat: time.Hour,
		Backoff:   Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}, nil, zerolog.Nop())
	defer ws.Close()

	var mu sync.Mutex
	var states []State
	ws.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ws.Connect(context.Background())
	first := <-conns
	require.Eventually(t, func() bool { return ws.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	first.Close()

	select {
	case <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not reconnect")
	}
	require.Eventually(t, func() bool { return ws.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateDisconnected)
}

func TestWebSocket_CloseDuringDial(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{
		URL:     "ws://127.0.0.1:1/unreachable",
		Backoff: Backoff{Initial: time.Hour, Max: time.Hour},
	}, nil, zerolog.Nop())

	ws.Connect(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ws.Close()
		_ = ws.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked")
	}
	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Send(models.Event{Type: models.EventHeartbeat}), ErrClosed)
}

func TestWebSocket_Heartbeat(t *testing.T) {
	srv := echoServer(t, nil)
	clk := clock.NewMock()
	ws := NewWebSocket(WebSocketConfig{URL: wsURL(srv), Heartbeat: 30 * time.Second}, clk, zerolog.Nop())
	defer ws.Close()

	var replies atomic.Int32
	ws.OnEvent(func(models.Event) { replies.Add(1) })
	ws.Connect(context.Background())

	require.Eventually(t, func() bool {
		return ws.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	// the ticker is created on the serve goroutine, so keep advancing until it fires
	require.Eventually(t, func() bool {
		clk.Add(30 * time.Second)
		return replies.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
}
