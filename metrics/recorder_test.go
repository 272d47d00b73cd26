package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-consistency-kit/checkpoint"
	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/freshness"
	"github.com/c0deZ3R0/go-consistency-kit/lease"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/record"
)

func newRecorder(t *testing.T) (*Recorder, *events.Bus) {
	t.Helper()
	r, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	bus := events.NewBus(logging.Discard())
	t.Cleanup(r.Attach(bus))
	return r, bus
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestRecorderCountsEvents(t *testing.T) {
	r, bus := newRecorder(t)

	bus.Publish(events.Event{Kind: events.RecordCreated, Source: "record-store"})
	bus.Publish(events.Event{Kind: events.RecordCreated, Source: "record-store"})
	bus.Publish(events.Event{
		Kind:    events.ValidationFailed,
		Source:  "record-store",
		Payload: errors.NewValidationError("create_record", "record-store", nil),
	})
	bus.Publish(events.Event{
		Kind:    events.ConflictCreated,
		Source:  "record-store",
		Payload: record.Conflict{Kind: record.TimestampConflict},
	})
	bus.Publish(events.Event{
		Kind:    events.ConflictResolved,
		Source:  "record-store",
		Payload: record.Conflict{Kind: record.TimestampConflict, Resolution: record.Merge},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues("record-store", "recordCreated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.validationFailures.WithLabelValues("record-store")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflicts.WithLabelValues("record-store", string(record.TimestampConflict))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.resolutions.WithLabelValues("record-store", "merge")))
}

func TestRecorderOperationsAndFreshness(t *testing.T) {
	r, bus := newRecorder(t)

	bus.Publish(events.Event{
		Kind:    events.OperationCompleted,
		Payload: checkpoint.Snapshot{OperationType: "import", Status: checkpoint.Completed},
	})
	bus.Publish(events.Event{
		Kind: events.OperationFailed,
		Payload: checkpoint.FailureEvent{
			Snapshot: checkpoint.Snapshot{OperationType: "import", Status: checkpoint.Failed},
			Error:    "disk full",
		},
	})
	bus.Publish(events.Event{
		Kind:    events.CheckpointCreated,
		Payload: checkpoint.Snapshot{Checkpoint: checkpoint.Checkpoint{Emergency: true}},
	})
	bus.Publish(events.Event{
		Kind:    events.FreshnessStatusChanged,
		Payload: freshness.StatusChange{Entry: freshness.Entry{Status: freshness.Stale}, Previous: freshness.Fresh},
	})
	bus.Publish(events.Event{
		Kind: events.DataRefreshed,
		Payload: freshness.Refreshed{
			Entry:    freshness.Entry{DataType: "project"},
			Duration: 250 * time.Millisecond,
		},
	})
	bus.Publish(events.Event{
		Kind:    events.RefreshFailed,
		Payload: freshness.RefreshFailure{DataType: "project", Attempts: 2},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("import", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("import", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkpoints.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.freshnessChanges.WithLabelValues("stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.refreshFailures.WithLabelValues("project")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.refreshDuration))
}

func TestRecorderObservesLeaseManager(t *testing.T) {
	r, bus := newRecorder(t)

	m, err := lease.New(
		lease.WithBus(bus),
		lease.WithClock(clock.NewManual(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))),
		lease.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	defer m.Close()

	_, _, err = m.AcquireLease("project", "p1", "alice", lease.AcquireOptions{})
	require.NoError(t, err)
	_, c, err := m.AcquireLease("project", "p1", "bob", lease.AcquireOptions{})
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.events.WithLabelValues("lease-manager", "lockAcquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.conflicts.WithLabelValues("lease-manager", string(c.Kind))))
}
