// Package consistency wires the lease manager, record store, operation
// checkpointer and freshness tracker around one bus, clock and store.
//
// A Registry is built with NewBuilder:
//
//	reg, err := consistency.NewBuilder().
//		WithStore(sqliteStore).
//		WithMetrics(prometheus.DefaultRegisterer).
//		Build()
//	if err != nil {
//		return err
//	}
//	if err := reg.Start(ctx); err != nil {
//		return err
//	}
//	defer reg.Close()
package consistency

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/c0deZ3R0/go-consistency-kit/checkpoint"
	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/freshness"
	"github.com/c0deZ3R0/go-consistency-kit/lease"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/metrics"
	"github.com/c0deZ3R0/go-consistency-kit/record"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
	"github.com/c0deZ3R0/go-consistency-kit/storage/memory"
)

// Engine names accepted by State.
const (
	EngineLeases     = "leases"
	EngineRecords    = "records"
	EngineOperations = "operations"
	EngineFreshness  = "freshness"
)

// Engines lists the engine names in start order.
var Engines = []string{EngineRecords, EngineLeases, EngineOperations, EngineFreshness}

// Registry owns the four engines and their shared collaborators.
type Registry struct {
	Bus   *events.Bus
	Clock clock.Clock
	Store storage.Store

	Leases     *lease.Manager
	Records    *record.Store
	Operations *checkpoint.Checkpointer
	Freshness  *freshness.Tracker
	Metrics    *metrics.Recorder

	logger    *logging.Logger
	ownsStore bool

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	detach  func()
}

// StorageChange is the payload of a StorageChanged event.
type StorageChange struct {
	Key string `json:"key"`
}

func memoryStore() storage.Store { return memory.New() }

type closer interface{ Close() error }

// Start loads persisted state into every engine and starts their timers.
// When the store supports it, changes made by other writers are published as
// StorageChanged events.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.E(errors.Op("start"), errors.Component(logging.ComponentRegistry), errors.KindInvalid, "registry is closed")
	}
	if r.started {
		return nil
	}

	if r.Metrics != nil {
		r.detach = r.Metrics.Attach(r.Bus)
	}

	starters := []interface{ Start(context.Context) error }{r.Records, r.Leases, r.Operations, r.Freshness}
	for i, s := range starters {
		if err := s.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = starters[j].(closer).Close()
			}
			if r.detach != nil {
				r.detach()
				r.detach = nil
			}
			return errors.E(errors.Op("start"), errors.Component(logging.ComponentRegistry), err)
		}
	}

	if w, ok := r.Store.(storage.Watcher); ok {
		wctx, cancel := context.WithCancel(context.Background())
		if err := w.Watch(wctx, r.storageChanged); err != nil {
			cancel()
			r.logger.LogError(ctx, err, "storage watch unavailable")
		} else {
			r.cancel = cancel
		}
	}

	r.started = true
	r.logger.Info("registry started", slog.Int("engines", len(starters)))
	return nil
}

func (r *Registry) storageChanged(key string) {
	if !strings.HasPrefix(key, storage.Namespace) {
		return
	}
	r.Bus.Publish(events.Event{
		Kind:    events.StorageChanged,
		Source:  string(logging.ComponentRegistry),
		Time:    r.Clock.Now(),
		Payload: StorageChange{Key: key},
	})
}

// Close stops started engines in reverse start order, flushes their state
// and closes the store when the registry owns it. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if r.cancel != nil {
		r.cancel()
	}
	var errs []error
	// Engines that never loaded must not flush their empty state over the
	// persisted one.
	if r.started {
		for _, c := range []closer{r.Freshness, r.Operations, r.Leases, r.Records} {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if r.detach != nil {
		r.detach()
	}
	if r.ownsStore {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, errors.NewStorageError(errors.OpClose, string(logging.ComponentRegistry), err))
		}
	}
	return stderrors.Join(errs...)
}

// LeaseState is the State view of the lease manager.
type LeaseState struct {
	Leases    []*lease.Lease    `json:"leases"`
	Conflicts []*lease.Conflict `json:"conflicts"`
}

// RecordState is the State view of the record store.
type RecordState struct {
	Records   []*record.Record   `json:"records"`
	Conflicts []*record.Conflict `json:"conflicts"`
}

// OperationState is the State view of the checkpointer.
type OperationState struct {
	Snapshots []*checkpoint.Snapshot `json:"snapshots"`
	Resumable []*checkpoint.Snapshot `json:"resumable"`
}

// FreshnessState is the State view of the freshness tracker.
type FreshnessState struct {
	Entries []*freshness.Entry     `json:"entries"`
	Sources []freshness.DataSource `json:"sources"`
	Offline bool                   `json:"offline"`
}

// State returns a JSON-friendly snapshot of one engine.
func (r *Registry) State(engine string) (any, error) {
	switch engine {
	case EngineLeases:
		return LeaseState{Leases: r.Leases.Leases(), Conflicts: r.Leases.Conflicts()}, nil
	case EngineRecords:
		return RecordState{Records: r.Records.Records(), Conflicts: r.Records.Conflicts()}, nil
	case EngineOperations:
		return OperationState{
			Snapshots: r.Operations.Snapshots(),
			Resumable: r.Operations.ResumableOperations(),
		}, nil
	case EngineFreshness:
		return FreshnessState{
			Entries: r.Freshness.Entries(),
			Sources: r.Freshness.DataSources(),
			Offline: r.Freshness.Offline(),
		}, nil
	}
	return nil, errors.E(errors.Op("state"), errors.Component(logging.ComponentRegistry), errors.KindNotFound,
		map[string]any{"engine": engine}, "unknown engine")
}
