package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/storage/memory"
)

func TestUUIDv7Generator(t *testing.T) {
	id := UUIDv7Generator{}.Generate("lease")
	require.True(t, strings.HasPrefix(id, "lease_"))

	parsed, err := uuid.Parse(strings.TrimPrefix(id, "lease_"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestSequenceGenerator(t *testing.T) {
	var g SequenceGenerator
	assert.Equal(t, "lease-1", g.Generate("lease"))
	assert.Equal(t, "lease-2", g.Generate("lease"))
	assert.Equal(t, "conflict-1", g.Generate("conflict"))
}

type state struct {
	Items []string `json:"items"`
}

func TestBaseSaveLoad(t *testing.T) {
	store := memory.New()
	b := &Base{Store: store, Logger: logging.Discard()}
	b.Defaults(logging.ComponentRecordStore, "records")
	assert.Equal(t, "consistency:records", b.Key)

	var out state
	assert.False(t, b.Load(&out))

	b.Save(state{Items: []string{"a"}})
	require.True(t, b.Load(&out))
	assert.Equal(t, []string{"a"}, out.Items)
}

func TestBaseSwallowsPersistenceFailures(t *testing.T) {
	store := memory.New()
	b := &Base{Store: store, Logger: logging.Discard()}
	b.Defaults(logging.ComponentRecordStore, "records")

	store.FailWrites = fmt.Errorf("quota exceeded")
	assert.NotPanics(t, func() { b.Save(state{Items: []string{"a"}}) })

	store.FailWrites = nil
	require.NoError(t, store.Set(context.Background(), b.Key, []byte("{corrupt")))
	var out state
	assert.False(t, b.Load(&out))
}

func TestBaseEventStamping(t *testing.T) {
	m := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := &Base{Clock: m, Logger: logging.Discard()}
	b.Defaults(logging.ComponentLeaseManager, "leases")

	var got []events.Event
	b.Bus.SubscribeAll(func(e events.Event) { got = append(got, e) })
	b.Publish([]events.Event{b.Event(events.LockAcquired, "x")})

	require.Len(t, got, 1)
	assert.Equal(t, "lease-manager", got[0].Source)
	assert.Equal(t, m.Now(), got[0].Time)
}

func TestTickerRestart(t *testing.T) {
	m := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var tk Ticker
	a, b := 0, 0

	tk.Start(m, time.Second, func() { a++ })
	m.Advance(2 * time.Second)
	tk.Start(m, time.Second, func() { b++ })
	m.Advance(3 * time.Second)
	tk.Stop()
	tk.Stop()
	m.Advance(3 * time.Second)

	assert.Equal(t, 2, a)
	assert.Equal(t, 3, b)
	assert.False(t, tk.Running())
}
