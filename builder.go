package consistency

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c0deZ3R0/go-consistency-kit/checkpoint"
	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/config"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/freshness"
	"github.com/c0deZ3R0/go-consistency-kit/internal/engine"
	"github.com/c0deZ3R0/go-consistency-kit/lease"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/metrics"
	"github.com/c0deZ3R0/go-consistency-kit/record"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

// Builder assembles a Registry.
type Builder struct {
	store     storage.Store
	ownsStore bool
	clock     clock.Clock
	bus       *events.Bus
	logger    *logging.Logger
	ids       engine.IDGenerator
	sessionID string

	leaseCfg      lease.Config
	recordCfg     record.Config
	checkpointCfg checkpoint.Config
	freshnessCfg  freshness.Config

	registerer prometheus.Registerer
	err        error
}

// NewBuilder returns a builder with default engine configurations, an
// in-memory store, the real clock and a fresh bus.
func NewBuilder() *Builder {
	return &Builder{
		leaseCfg:      lease.DefaultConfig(),
		recordCfg:     record.DefaultConfig(),
		checkpointCfg: checkpoint.DefaultConfig(),
		freshnessCfg:  freshness.DefaultConfig(),
	}
}

// WithStore sets the store shared by all engines. The registry closes it on
// Close.
func (b *Builder) WithStore(s storage.Store) *Builder {
	b.store = s
	b.ownsStore = true
	return b
}

func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

func (b *Builder) WithBus(bus *events.Bus) *Builder {
	b.bus = bus
	return b
}

func (b *Builder) WithLogger(l *logging.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithIDGenerator(g engine.IDGenerator) *Builder {
	b.ids = g
	return b
}

// WithSessionID sets the session id stamped on leases and snapshots.
func (b *Builder) WithSessionID(id string) *Builder {
	b.sessionID = id
	return b
}

func (b *Builder) WithLeaseConfig(c lease.Config) *Builder {
	b.leaseCfg = c
	return b
}

func (b *Builder) WithRecordConfig(c record.Config) *Builder {
	b.recordCfg = c
	return b
}

func (b *Builder) WithCheckpointConfig(c checkpoint.Config) *Builder {
	b.checkpointCfg = c
	return b
}

func (b *Builder) WithFreshnessConfig(c freshness.Config) *Builder {
	b.freshnessCfg = c
	return b
}

// WithMetrics registers a Prometheus recorder fed from the bus.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	b.registerer = reg
	return b
}

// FromConfig applies a loaded configuration file: engine settings, logger
// and store. An explicit WithStore or WithLogger call wins.
func (b *Builder) FromConfig(f *config.File) *Builder {
	if f == nil {
		return b
	}
	b.leaseCfg = f.LeaseConfig()
	b.recordCfg = f.RecordConfig()
	b.checkpointCfg = f.CheckpointConfig()
	b.freshnessCfg = f.FreshnessConfig()
	if b.logger == nil {
		b.logger = f.Logger()
	}
	if b.store == nil {
		s, err := f.Storage.Open(b.logger)
		if err != nil {
			b.err = err
			return b
		}
		b.store = s
		b.ownsStore = true
	}
	return b
}

// Build creates the engines. It fails only on invalid configuration or a
// store that could not be opened.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.store == nil {
		b.WithStore(memoryStore())
	}
	if b.clock == nil {
		b.clock = clock.Real{}
	}
	if b.logger == nil {
		b.logger = logging.WithComponent(logging.ComponentRegistry)
	}
	if b.bus == nil {
		b.bus = events.NewBus(b.logger)
	}
	if b.ids == nil {
		b.ids = engine.UUIDv7Generator{}
	}
	if b.sessionID == "" {
		b.sessionID = b.ids.Generate("session")
	}

	r := &Registry{
		Bus:       b.bus,
		Clock:     b.clock,
		Store:     b.store,
		logger:    b.logger,
		ownsStore: b.ownsStore,
	}

	var err error
	if r.Leases, err = lease.New(
		lease.WithClock(b.clock), lease.WithBus(b.bus), lease.WithStore(b.store),
		lease.WithLogger(b.logger.WithComponent(logging.ComponentLeaseManager)),
		lease.WithIDGenerator(b.ids), lease.WithSessionID(b.sessionID),
		lease.WithConfig(b.leaseCfg),
	); err != nil {
		return nil, fmt.Errorf("lease manager: %w", err)
	}
	if r.Records, err = record.New(
		record.WithClock(b.clock), record.WithBus(b.bus), record.WithStore(b.store),
		record.WithLogger(b.logger.WithComponent(logging.ComponentRecordStore)),
		record.WithIDGenerator(b.ids),
		record.WithConfig(b.recordCfg),
	); err != nil {
		return nil, fmt.Errorf("record store: %w", err)
	}
	if r.Operations, err = checkpoint.New(
		checkpoint.WithClock(b.clock), checkpoint.WithBus(b.bus), checkpoint.WithStore(b.store),
		checkpoint.WithLogger(b.logger.WithComponent(logging.ComponentCheckpointer)),
		checkpoint.WithIDGenerator(b.ids), checkpoint.WithSessionID(b.sessionID),
		checkpoint.WithConfig(b.checkpointCfg),
	); err != nil {
		return nil, fmt.Errorf("operation checkpointer: %w", err)
	}
	if r.Freshness, err = freshness.New(
		freshness.WithClock(b.clock), freshness.WithBus(b.bus), freshness.WithStore(b.store),
		freshness.WithLogger(b.logger.WithComponent(logging.ComponentFreshness)),
		freshness.WithConfig(b.freshnessCfg),
	); err != nil {
		return nil, fmt.Errorf("freshness tracker: %w", err)
	}

	if b.registerer != nil {
		if r.Metrics, err = metrics.New(b.registerer); err != nil {
			return nil, errors.E(errors.Op("build"), errors.Component(logging.ComponentRegistry), errors.KindInvalid, err)
		}
	}
	return r, nil
}
