// Package metrics exports engine activity as Prometheus metrics by
// observing the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c0deZ3R0/go-consistency-kit/checkpoint"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/freshness"
	"github.com/c0deZ3R0/go-consistency-kit/lease"
	"github.com/c0deZ3R0/go-consistency-kit/record"
)

const namespace = "consistency"

// Recorder turns bus events into counters and histograms.
type Recorder struct {
	events             *prometheus.CounterVec
	conflicts          *prometheus.CounterVec
	resolutions        *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	operations         *prometheus.CounterVec
	checkpoints        *prometheus.CounterVec
	freshnessChanges   *prometheus.CounterVec
	refreshFailures    *prometheus.CounterVec
	refreshDuration    *prometheus.HistogramVec
}

// New creates a Recorder and registers its collectors with reg. A nil reg
// uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events published by the engines.",
			},
			[]string{"source", "event"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Conflicts detected, by engine and conflict kind.",
			},
			[]string{"source", "kind"},
		),
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflict_resolutions_total",
				Help:      "Conflicts resolved, by engine and resolution.",
			},
			[]string{"source", "resolution"},
		),
		validationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_failures_total",
				Help:      "Writes rejected by validation.",
			},
			[]string{"source"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "finished_total",
				Help:      "Operations that reached a terminal status.",
			},
			[]string{"type", "status"},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "checkpoints_total",
				Help:      "Checkpoints written.",
			},
			[]string{"emergency"},
		),
		freshnessChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "freshness",
				Name:      "status_changes_total",
				Help:      "Freshness status transitions, by new status.",
			},
			[]string{"status"},
		),
		refreshFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "freshness",
				Name:      "refresh_failures_total",
				Help:      "Refreshes that failed after all retries.",
			},
			[]string{"data_type"},
		),
		refreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "freshness",
				Name:      "refresh_duration_seconds",
				Help:      "Duration of successful refreshes in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"data_type"},
		),
	}
	for _, c := range []prometheus.Collector{
		r.events, r.conflicts, r.resolutions, r.validationFailures,
		r.operations, r.checkpoints, r.freshnessChanges, r.refreshFailures, r.refreshDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Attach subscribes the recorder to every event on bus and returns the
// unsubscribe function.
func (r *Recorder) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(r.Observe)
}

// Observe records one event.
func (r *Recorder) Observe(e events.Event) {
	r.events.WithLabelValues(e.Source, string(e.Kind)).Inc()

	switch e.Kind {
	case events.ConflictCreated:
		if kind, ok := conflictKind(e.Payload); ok {
			r.conflicts.WithLabelValues(e.Source, kind).Inc()
		}
	case events.ConflictResolved:
		if res, ok := conflictResolution(e.Payload); ok {
			r.resolutions.WithLabelValues(e.Source, res).Inc()
		}
	case events.ValidationFailed:
		r.validationFailures.WithLabelValues(e.Source).Inc()
	case events.OperationCompleted, events.OperationCancelled:
		if s, ok := events.As[checkpoint.Snapshot](e); ok {
			r.operations.WithLabelValues(s.OperationType, string(s.Status)).Inc()
		}
	case events.OperationFailed:
		if f, ok := events.As[checkpoint.FailureEvent](e); ok {
			r.operations.WithLabelValues(f.Snapshot.OperationType, string(f.Snapshot.Status)).Inc()
		}
	case events.CheckpointCreated:
		if s, ok := events.As[checkpoint.Snapshot](e); ok {
			emergency := "false"
			if s.Checkpoint.Emergency {
				emergency = "true"
			}
			r.checkpoints.WithLabelValues(emergency).Inc()
		}
	case events.FreshnessStatusChanged:
		if sc, ok := events.As[freshness.StatusChange](e); ok {
			r.freshnessChanges.WithLabelValues(string(sc.Entry.Status)).Inc()
		}
	case events.DataRefreshed:
		if rf, ok := events.As[freshness.Refreshed](e); ok {
			r.refreshDuration.WithLabelValues(rf.Entry.DataType).Observe(rf.Duration.Seconds())
		}
	case events.RefreshFailed:
		if rf, ok := events.As[freshness.RefreshFailure](e); ok {
			r.refreshFailures.WithLabelValues(rf.DataType).Inc()
		}
	}
}

func conflictKind(p any) (string, bool) {
	switch c := p.(type) {
	case lease.Conflict:
		return string(c.Kind), true
	case record.Conflict:
		return string(c.Kind), true
	}
	return "", false
}

func conflictResolution(p any) (string, bool) {
	switch c := p.(type) {
	case lease.Conflict:
		return string(c.Resolution), true
	case record.Conflict:
		return string(c.Resolution), true
	}
	return "", false
}
