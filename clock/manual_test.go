package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManualAdvanceRunsDueJobs(t *testing.T) {
	m := NewManual(epoch)
	var ticks []time.Time
	stop := m.Every(10*time.Second, func() { ticks = append(ticks, m.Now()) })
	defer stop()

	m.Advance(9 * time.Second)
	assert.Empty(t, ticks)

	m.Advance(21 * time.Second)
	require.Len(t, ticks, 3)
	assert.Equal(t, epoch.Add(10*time.Second), ticks[0])
	assert.Equal(t, epoch.Add(20*time.Second), ticks[1])
	assert.Equal(t, epoch.Add(30*time.Second), ticks[2])
	assert.Equal(t, epoch.Add(30*time.Second), m.Now())
}

func TestManualInterleavesJobsByDueTime(t *testing.T) {
	m := NewManual(epoch)
	var order []string
	m.Every(10*time.Second, func() { order = append(order, "fast") })
	m.Every(15*time.Second, func() { order = append(order, "slow") })

	m.Advance(30 * time.Second)
	assert.Equal(t, []string{"fast", "slow", "fast", "fast", "slow"}, order)
}

func TestManualStop(t *testing.T) {
	m := NewManual(epoch)
	count := 0
	stop := m.Every(time.Second, func() { count++ })

	m.Advance(2 * time.Second)
	stop()
	stop()
	m.Advance(5 * time.Second)

	assert.Equal(t, 2, count)
	assert.Equal(t, 0, m.Jobs())
}

func TestManualSleepDoesNotRunJobs(t *testing.T) {
	m := NewManual(epoch)
	count := 0
	m.Every(time.Second, func() { count++ })

	require.NoError(t, m.Sleep(context.Background(), 5*time.Second))
	assert.Equal(t, 0, count)
	assert.Equal(t, epoch.Add(5*time.Second), m.Now())
	assert.Equal(t, []time.Duration{5 * time.Second}, m.Slept())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Sleep(ctx, time.Second), context.Canceled)
}

func TestRealEvery(t *testing.T) {
	fired := make(chan struct{}, 1)
	stop := Real{}.Every(5*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("real ticker never fired")
	}
}

func TestRealSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Real{}.Sleep(ctx, time.Hour), context.Canceled)
}
