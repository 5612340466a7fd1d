package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tripcore/internal/gtfs-realtime/consumer"
)

func TestAdaptiveIntervalShrinksWhenStable(t *testing.T) {
	a := NewAdaptiveInterval(16*time.Second, 5*time.Second, time.Minute)

	assert.Equal(t, 16*time.Second, a.Observe(consumer.OK, 3))
	assert.Equal(t, 12*time.Second, a.Observe(consumer.OK, 3))
	assert.Equal(t, 9*time.Second, a.Observe(consumer.OK, 3))

	// a changed count restarts the streak
	assert.Equal(t, 9*time.Second, a.Observe(consumer.OK, 4))
	assert.Equal(t, 6750*time.Millisecond, a.Observe(consumer.OK, 4))
	assert.Equal(t, 5062500*time.Microsecond, a.Observe(consumer.OK, 4))
	assert.Equal(t, 5*time.Second, a.Observe(consumer.OK, 4), "never below Min")
}

func TestAdaptiveIntervalBacksOffOnErrors(t *testing.T) {
	a := NewAdaptiveInterval(15*time.Second, 5*time.Second, 50*time.Second)

	assert.Equal(t, 15*time.Second, a.Observe(consumer.Transient, 0))
	assert.Equal(t, 30*time.Second, a.Observe(consumer.RateLimited, 0))
	assert.Equal(t, 50*time.Second, a.Observe(consumer.Fatal, 0), "never above Max")

	// success breaks the error streak but keeps the interval
	assert.Equal(t, 50*time.Second, a.Observe(consumer.OK, 2))
	assert.Equal(t, 50*time.Second, a.Observe(consumer.Transient, 0))
}

func TestAdaptiveIntervalEmptyResets(t *testing.T) {
	a := NewAdaptiveInterval(15*time.Second, 5*time.Second, time.Minute)
	a.Observe(consumer.Transient, 0)
	a.Observe(consumer.Transient, 0)
	require.Equal(t, 30*time.Second, a.Current())

	assert.Equal(t, 15*time.Second, a.Observe(consumer.Empty, 0))
	assert.Equal(t, 15*time.Second, a.Observe(consumer.Transient, 0), "error streak was reset")

	a.Observe(consumer.OK, 2)
	a.Observe(consumer.OK, 2)
	require.Less(t, a.Current(), 15*time.Second)
	assert.Equal(t, 15*time.Second, a.Observe(consumer.OK, 0))
}

func TestAdaptiveIntervalZeroValue(t *testing.T) {
	a := &AdaptiveInterval{Base: 10 * time.Second, Min: 20 * time.Second, Max: 5 * time.Second}
	assert.Equal(t, 10*time.Second, a.Current())
	assert.Equal(t, 10*time.Second, a.Min)
	assert.Equal(t, 10*time.Second, a.Max)
}

func TestStateTransitions(t *testing.T) {
	var s State
	assert.Equal(t, Idle, s.Phase())
	assert.ErrorIs(t, s.Follow("v1"), ErrNotPolling)

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyPolling)
	assert.Equal(t, Polling, s.Phase())

	assert.ErrorIs(t, s.Follow(""), ErrNoVehicle)
	require.NoError(t, s.Follow("v1"))
	assert.Equal(t, Following, s.Phase())
	assert.Equal(t, "v1", s.Priority())

	require.NoError(t, s.Follow("v2"))
	assert.Equal(t, "v2", s.Priority())

	s.Unfollow()
	assert.Equal(t, Polling, s.Phase())
	assert.Empty(t, s.Priority())

	require.NoError(t, s.Follow("v3"))
	s.Stop()
	assert.Equal(t, Idle, s.Phase())
	assert.Empty(t, s.Priority())

	text, _ := Following.MarshalText()
	assert.Equal(t, "following", string(text))
}
