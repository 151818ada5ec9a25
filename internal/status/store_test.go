package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/msgtrack/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestStore_GetUnknown(t *testing.T) {
	s := NewStore()
	e, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, models.StatusUnknown, e.Status)
	assert.Equal(t, "unknown", e.Status.String())
}

func TestStore_RankNeverRegresses(t *testing.T) {
	s := NewStore()
	require.True(t, s.Set("m1", models.StatusPending, t0))
	require.True(t, s.Set("m1", models.StatusDelivered, t0.Add(time.Second)))

	assert.False(t, s.Set("m1", models.StatusSent, t0.Add(2*time.Second)))
	assert.False(t, s.Set("m1", models.StatusPending, t0.Add(3*time.Second)))

	e, _ := s.Get("m1")
	assert.Equal(t, models.StatusDelivered, e.Status)
	assert.Equal(t, t0.Add(time.Second), e.UpdatedAt)
}

func TestStore_FailedOverride(t *testing.T) {
	cases := []struct {
		from models.DeliveryStatus
		ok   bool
	}{
		{models.StatusPending, true},
		{models.StatusSent, true},
		{models.StatusDelivered, false},
		{models.StatusRead, false},
	}
	for _, tc := range cases {
		t.Run(tc.from.String(), func(t *testing.T) {
			s := NewStore()
			require.True(t, s.Set("m", tc.from, t0))
			assert.Equal(t, tc.ok, s.Set("m", models.StatusFailed, t0))

			e, _ := s.Get("m")
			if tc.ok {
				assert.Equal(t, models.StatusFailed, e.Status)
			} else {
				assert.Equal(t, tc.from, e.Status)
			}
		})
	}
}

func TestStore_FailedIsLeftOnlyByReset(t *testing.T) {
	s := NewStore()
	s.Set("m", models.StatusPending, t0)
	s.Set("m", models.StatusFailed, t0)

	assert.False(t, s.Set("m", models.StatusPending, t0))
	assert.False(t, s.Set("m", models.StatusRead, t0))
	assert.True(t, s.Reset("m", t0))

	e, _ := s.Get("m")
	assert.Equal(t, models.StatusPending, e.Status)
	assert.False(t, s.Reset("m", t0), "reset requires failed")
}

func TestStore_OutOfOrderArrival(t *testing.T) {
	s := NewStore()
	s.Set("m", models.StatusPending, t0)
	s.Set("m", models.StatusRead, t0)
	s.Set("m", models.StatusSent, t0)
	s.Set("m", models.StatusDelivered, t0)
	s.Set("m", models.StatusFailed, t0)

	e, _ := s.Get("m")
	assert.Equal(t, models.StatusRead, e.Status)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RejectsInvalidStatus(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Set("m", models.DeliveryStatus("bogus"), t0))
	assert.False(t, s.Set("m", models.StatusUnknown, t0))
	assert.Equal(t, 0, s.Len())
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore()

	type change struct {
		id string
		st models.DeliveryStatus
	}
	var got []change
	sub := s.Subscribe(func(id string, st models.DeliveryStatus) {
		got = append(got, change{id, st})
		e, _ := s.Get(id)
		assert.Equal(t, st, e.Status)
	})

	s.Set("m", models.StatusPending, t0)
	s.Set("m", models.StatusPending, t0.Add(time.Second))
	s.Set("m", models.StatusSent, t0)
	s.Set("m", models.StatusPending, t0)

	s.Unsubscribe(sub)
	s.Set("m", models.StatusRead, t0)

	assert.Equal(t, []change{
		{"m", models.StatusPending},
		{"m", models.StatusSent},
	}, got)
}

func TestStore_Snapshot(t *testing.T) {
	s := NewStore()
	s.Set("a", models.StatusPending, t0)
	s.Set("b", models.StatusSent, t0)

	snap := s.Snapshot()
	assert.Len(t, snap, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{snap[0].MessageID, snap[1].MessageID})
}
