package delivery

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/msgtrack/internal/models"
	"github.com/shohag/msgtrack/internal/status"
	"github.com/shohag/msgtrack/internal/transport"
)

type fixture struct {
	tracker *Tracker
	mem     *transport.Memory
	clock   *clock.Mock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewMock()
	mem := transport.NewMemory(transport.MemoryConfig{
		Backoff: transport.Backoff{Initial: time.Hour, Max: time.Hour},
	}, clk, zerolog.Nop())
	tr := NewTracker(cfg, mem, status.NewStore(), clk, zerolog.Nop())
	t.Cleanup(func() {
		tr.Close()
		mem.Close()
	})
	return &fixture{tracker: tr, mem: mem, clock: clk}
}

func connected(t *testing.T) *fixture {
	f := newFixture(t, Config{Token: "tok"})
	f.mem.Connect(context.Background())
	require.True(t, f.tracker.Authenticated())
	return f
}

func (f *fixture) eventuallyStatus(t *testing.T, id string, want models.DeliveryStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.tracker.Status(id) == want
	}, time.Second, time.Millisecond, "want %s", want)
}

func msg(id string) *models.Message {
	return &models.Message{ID: id, ThreadID: "t1", SenderID: "alice", RecipientID: "bob", Content: "hi " + id}
}

func ack(typ models.EventType, id string) models.Event {
	return models.Event{Type: typ, MessageID: id}
}

func TestTracker_SubmitWhileDisconnectedFailsImmediately(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.tracker.Submit(msg("m2")))

	assert.Equal(t, models.StatusFailed, f.tracker.Status("m2"))
	assert.Empty(t, f.mem.Sent())
}

func TestTracker_TimeoutResendAndStaleFailure(t *testing.T) {
	f := connected(t)

	require.NoError(t, f.tracker.Submit(msg("m1")))
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))
	require.Len(t, f.mem.SentOfType(models.EventChatMessage), 1)

	f.clock.Add(9 * time.Second)
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))

	f.clock.Add(time.Second)
	f.eventuallyStatus(t, "m1", models.StatusFailed)

	require.NoError(t, f.tracker.Resend("m1"))
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))

	chats := f.mem.SentOfType(models.EventChatMessage)
	require.Len(t, chats, 2)
	assert.Equal(t, "m1", chats[1].MessageID)
	assert.Equal(t, "hi m1", chats[1].Content)

	f.mem.Deliver(ack(models.EventMessageSent, "m1"))
	assert.Equal(t, models.StatusSent, f.tracker.Status("m1"))

	f.mem.Deliver(ack(models.EventMessageRead, "m1"))
	assert.Equal(t, models.StatusRead, f.tracker.Status("m1"))

	f.mem.Deliver(ack(models.EventMessageFailed, "m1"))
	assert.Equal(t, models.StatusRead, f.tracker.Status("m1"))

	// the resent attempt's timer must not fail an acknowledged message
	f.clock.Add(time.Minute)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, models.StatusRead, f.tracker.Status("m1"))
}

func TestTracker_StaysPendingUntilAcknowledged(t *testing.T) {
	f := connected(t)

	require.NoError(t, f.tracker.Submit(msg("m1")))
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))
	assert.Equal(t, models.StatusSent, f.tracker.Optimistic("m1"))

	f.mem.Deliver(ack(models.EventMessageSent, "m1"))
	f.clock.Add(time.Minute)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, models.StatusSent, f.tracker.Status("m1"), "sent messages do not time out")
}

func TestTracker_ResendRequiresFailed(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.tracker.Submit(msg("m1")))
	require.Equal(t, models.StatusFailed, f.tracker.Status("m1"))

	// disconnected, so the fresh attempt fails straight away
	require.NoError(t, f.tracker.Resend("m1"))
	assert.Equal(t, models.StatusFailed, f.tracker.Status("m1"))

	f.mem.Connect(context.Background())
	require.NoError(t, f.tracker.Resend("m1"))
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))

	err := f.tracker.Resend("m1")
	require.ErrorIs(t, err, ErrInvalidState)
	var ise *InvalidStateError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, models.StatusPending, ise.Status)
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))

	assert.ErrorIs(t, f.tracker.Resend("never-seen"), ErrInvalidState)
}

func TestTracker_ResendLazilyTrackedFailure(t *testing.T) {
	f := connected(t)
	f.mem.Deliver(ack(models.EventMessageFailed, "remote"))

	assert.ErrorIs(t, f.tracker.Resend("remote"), ErrUnknownMessage)
}

func TestTracker_SubmitValidation(t *testing.T) {
	f := connected(t)

	assert.ErrorIs(t, f.tracker.Submit(nil), ErrInvalidMessage)
	assert.ErrorIs(t, f.tracker.Submit(&models.Message{ID: "x"}), ErrInvalidMessage)

	require.NoError(t, f.tracker.Submit(msg("m1")))
	assert.ErrorIs(t, f.tracker.Submit(msg("m1")), ErrDuplicate)
}

func TestTracker_OutOfOrderAcks(t *testing.T) {
	f := connected(t)
	require.NoError(t, f.tracker.Submit(msg("m1")))

	f.mem.Deliver(ack(models.EventMessageRead, "m1"))
	f.mem.Deliver(ack(models.EventMessageDelivered, "m1"))
	f.mem.Deliver(ack(models.EventMessageSent, "m1"))

	assert.Equal(t, models.StatusRead, f.tracker.Status("m1"))
}

func TestTracker_SentWithoutSuccessFails(t *testing.T) {
	f := connected(t)
	require.NoError(t, f.tracker.Submit(msg("m1")))

	f.mem.Deliver(models.Event{Type: models.EventMessageSent, MessageID: "m1", Success: models.Bool(false), Error: "blocked"})
	assert.Equal(t, models.StatusFailed, f.tracker.Status("m1"))
}

func TestTracker_LazilyTracksUnknownIDs(t *testing.T) {
	f := connected(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	f.mem.Deliver(models.Event{Type: models.EventMessageDelivered, MessageID: "old", Timestamp: ts.UnixMilli()})

	e, ok := f.tracker.Statuses().Get("old")
	require.True(t, ok)
	assert.Equal(t, models.StatusDelivered, e.Status)
	assert.Equal(t, ts, e.UpdatedAt)
}

func TestTracker_DropsMalformedEvents(t *testing.T) {
	f := connected(t)
	require.NoError(t, f.tracker.Submit(msg("m1")))

	f.mem.Deliver(models.Event{Type: models.EventMessageSent})
	f.mem.Deliver(models.Event{Type: "bogus", MessageID: "m1"})

	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))
	_, ok := f.tracker.Statuses().Get("")
	assert.False(t, ok)
}

func TestTracker_AuthenticatesBeforeSending(t *testing.T) {
	f := newFixture(t, Config{Token: "secret", AuthGrace: 5 * time.Second})
	f.mem.Connect(context.Background())

	require.NoError(t, f.tracker.Submit(msg("m1")))
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))

	sent := f.mem.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, models.EventAuthenticate, sent[0].Type)
	assert.Equal(t, "secret", sent[0].Token)

	f.mem.Deliver(models.Event{Type: models.EventAuthenticate, Success: models.Bool(false)})
	assert.Len(t, f.mem.Sent(), 1, "rejected auth keeps messages held")

	f.mem.Deliver(models.Event{Type: models.EventAuthenticate, Success: models.Bool(true)})
	sent = f.mem.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, models.EventChatMessage, sent[1].Type)
	assert.Equal(t, "m1", sent[1].MessageID)
}

func TestTracker_AuthGraceElapses(t *testing.T) {
	f := newFixture(t, Config{AuthGrace: 5 * time.Second})
	f.mem.Connect(context.Background())
	require.NoError(t, f.tracker.Submit(msg("m1")))
	assert.Empty(t, f.mem.SentOfType(models.EventChatMessage))

	f.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool {
		return len(f.mem.SentOfType(models.EventChatMessage)) == 1
	}, time.Second, time.Millisecond)
	assert.True(t, f.tracker.Authenticated())
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))
}

func TestTracker_DisconnectFailsHeldMessages(t *testing.T) {
	f := newFixture(t, Config{AuthGrace: 5 * time.Second})
	f.mem.Connect(context.Background())
	require.NoError(t, f.tracker.Submit(msg("held")))

	f.mem.Drop()
	assert.Equal(t, models.StatusFailed, f.tracker.Status("held"))
	assert.False(t, f.tracker.Authenticated())

	require.NoError(t, f.tracker.Submit(msg("later")))
	assert.Equal(t, models.StatusFailed, f.tracker.Status("later"))
}

func TestTracker_ReconnectReauthenticates(t *testing.T) {
	f := connected(t)
	f.mem.Drop()

	f.clock.Add(time.Hour)
	require.Eventually(t, f.tracker.Authenticated, time.Second, time.Millisecond)
	assert.Len(t, f.mem.SentOfType(models.EventAuthenticate), 2)
}

func TestTracker_CloseStopsTimers(t *testing.T) {
	f := connected(t)
	require.NoError(t, f.tracker.Submit(msg("m1")))

	require.NoError(t, f.tracker.Close())
	require.NoError(t, f.tracker.Close())

	f.clock.Add(time.Minute)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))
	assert.ErrorIs(t, f.tracker.Submit(msg("m2")), ErrClosed)
	assert.ErrorIs(t, f.tracker.Resend("m1"), ErrClosed)
}

func TestTracker_SubscribersSeeEveryAcceptedTransition(t *testing.T) {
	f := connected(t)

	var seen []models.DeliveryStatus
	f.tracker.Statuses().Subscribe(func(id string, st models.DeliveryStatus) {
		seen = append(seen, st)
	})

	require.NoError(t, f.tracker.Submit(msg("m1")))
	f.mem.Deliver(ack(models.EventMessageDelivered, "m1"))
	f.mem.Deliver(ack(models.EventMessageSent, "m1"))
	f.mem.Deliver(ack(models.EventMessageRead, "m1"))

	assert.Equal(t, []models.DeliveryStatus{
		models.StatusPending,
		models.StatusDelivered,
		models.StatusRead,
	}, seen)
}

func TestTracker_RandomEventOrderNeverRegresses(t *testing.T) {
	types := []models.EventType{
		models.EventMessageSent,
		models.EventMessageDelivered,
		models.EventMessageRead,
		models.EventMessageFailed,
	}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		f := connected(t)
		require.NoError(t, f.tracker.Submit(msg("m")))

		prev := models.StatusPending
		for j := 0; j < 8; j++ {
			f.mem.Deliver(ack(types[rng.Intn(len(types))], "m"))
			cur := f.tracker.Status("m")

			switch {
			case cur == models.StatusFailed:
				assert.Contains(t, []models.DeliveryStatus{models.StatusPending, models.StatusSent, models.StatusFailed}, prev)
			case prev == models.StatusFailed:
				t.Fatalf("left failed without resend: %s", cur)
			default:
				assert.GreaterOrEqual(t, cur.Rank(), prev.Rank())
			}
			prev = cur
		}
	}
}

func TestTracker_TrackStartsAckTimeout(t *testing.T) {
	f := connected(t)

	f.tracker.Track("m1")
	f.tracker.Track("m1")
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"))
	assert.Empty(t, f.mem.SentOfType(models.EventChatMessage))

	f.clock.Add(10 * time.Second)
	f.eventuallyStatus(t, "m1", models.StatusFailed)

	assert.ErrorIs(t, f.tracker.Resend("m1"), ErrUnknownMessage, "tracked ids carry no content")
}

func TestTracker_TrackThenSubmitUsesSubmitTimer(t *testing.T) {
	f := connected(t)

	f.tracker.Track("m1")
	f.clock.Add(5 * time.Second)
	require.NoError(t, f.tracker.Submit(msg("m1")))

	f.clock.Add(5 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, models.StatusPending, f.tracker.Status("m1"), "timer restarts on submit")

	f.clock.Add(5 * time.Second)
	f.eventuallyStatus(t, "m1", models.StatusFailed)
}

func TestTracker_SendControlHeldUntilAuthenticated(t *testing.T) {
	f := newFixture(t, Config{Token: "tok", AuthGrace: 5 * time.Second})
	receipt := models.Event{Type: models.EventMarkRead, MessageID: "in-1", ThreadID: "t1"}

	assert.ErrorIs(t, f.tracker.SendControl(receipt), transport.ErrNotConnected)

	f.mem.Connect(context.Background())
	require.NoError(t, f.tracker.SendControl(receipt))
	require.NoError(t, f.tracker.Submit(msg("m1")))

	var types []models.EventType
	for _, ev := range f.mem.Sent() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{models.EventAuthenticate}, types)

	f.mem.Deliver(models.Event{Type: models.EventAuthenticate, Success: models.Bool(true)})
	types = types[:0]
	for _, ev := range f.mem.Sent() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.EventType{models.EventAuthenticate, models.EventMarkRead, models.EventChatMessage}, types)

	require.NoError(t, f.tracker.SendControl(receipt))
	assert.Len(t, f.mem.SentOfType(models.EventMarkRead), 2, "sent straight through once authenticated")
}

func TestTracker_SendControlDroppedOnDisconnect(t *testing.T) {
	f := newFixture(t, Config{AuthGrace: 5 * time.Second})
	f.mem.Connect(context.Background())
	require.NoError(t, f.tracker.SendControl(models.Event{Type: models.EventMessageReceived, MessageID: "in-1"}))

	f.mem.Drop()
	f.clock.Add(time.Hour)
	require.Eventually(t, func() bool {
		return len(f.mem.SentOfType(models.EventAuthenticate)) == 2
	}, time.Second, time.Millisecond)

	f.mem.Deliver(models.Event{Type: models.EventAuthenticate, Success: models.Bool(true)})
	assert.Empty(t, f.mem.SentOfType(models.EventMessageReceived))
}
