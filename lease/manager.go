// Package lease implements optimistic leasing of logical entities: short-lived
// exclusive write claims, contention and version-mismatch detection, and
// rule-driven merging of conflicting writes.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/internal/engine"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/merge"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

const component = string(logging.ComponentLeaseManager)

const (
	opAcquire errors.Op = "acquire_lease"
	opRenew   errors.Op = "renew_lease"
	opUpdate  errors.Op = "update_entity"
	opMerge   errors.Op = "merge_payloads"
)

var (
	// ErrRenewalRejected is returned when a same-holder acquisition would
	// extend the lease past the maximum duration from issuance.
	ErrRenewalRejected = errors.E(opRenew, errors.Component(component), errors.KindInvalid,
		"renewal would exceed the maximum lease duration")

	// ErrMergeDisabled is returned by MergePayloads when merge strategies are
	// turned off.
	ErrMergeDisabled = errors.E(opMerge, errors.Component(component), errors.KindInvalid,
		"merge strategies are disabled")
)

// Manager issues and tracks leases.
//
// Thread-safety: all methods are safe for concurrent use. Events are
// published after the internal lock is released.
type Manager struct {
	base engine.Base

	mu        sync.Mutex
	cfg       Config
	sessionID string
	leases    map[string]*Lease
	byKey     map[string]string
	conflicts map[string]*Conflict
	entities  map[string]*Entity

	sweeper engine.Ticker
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source and sweep scheduler.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.base.Clock = c }
}

// WithBus sets the bus events are published on.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.base.Bus = b }
}

// WithStore enables persistence to s.
func WithStore(s storage.Store) Option {
	return func(m *Manager) { m.base.Store = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.base.Logger = l }
}

func WithIDGenerator(g engine.IDGenerator) Option {
	return func(m *Manager) { m.base.IDs = g }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg } }

// WithSessionID sets the session id recorded in lease metadata.
func WithSessionID(id string) Option { return func(m *Manager) { m.sessionID = id } }

// New creates a Manager. It returns an error only for invalid configuration.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:       DefaultConfig(),
		leases:    make(map[string]*Lease),
		byKey:     make(map[string]string),
		conflicts: make(map[string]*Conflict),
		entities:  make(map[string]*Entity),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.base.Defaults(logging.ComponentLeaseManager, "leases")
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	if m.sessionID == "" {
		m.sessionID = m.base.IDs.Generate("session")
	}
	return m, nil
}

// Start loads persisted state and starts the expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.load()
	m.mu.Lock()
	interval := m.cfg.SweepInterval
	m.mu.Unlock()
	m.sweeper.Start(m.base.Clock, interval, m.Sweep)
	return nil
}

// Close stops the sweep and flushes state.
func (m *Manager) Close() error {
	m.sweeper.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked()
	return nil
}

// SessionID returns the id stamped into lease metadata.
func (m *Manager) SessionID() string { return m.sessionID }

func entityKey(entityType, key string) string {
	return entityType + ":" + key
}

func (m *Manager) validate(op errors.Op, fields map[string]string) error {
	for _, name := range []string{"entityType", "entityKey", "holderId"} {
		if v, ok := fields[name]; ok && v == "" {
			err := errors.NewValidationError(op, component, fmt.Errorf("%s is required", name))
			m.base.Publish([]events.Event{m.base.Event(events.ValidationFailed, err)})
			return err
		}
	}
	return nil
}

// AcquireLease claims (entityType, key) for holderID.
//
// When another holder has a live lease a holder_conflict is recorded and
// returned, and no lease is created. When holderID already holds it, the call
// renews the lease and fails with ErrRenewalRejected if that would exceed the
// maximum duration. An expired lease is dropped and a fresh one issued.
func (m *Manager) AcquireLease(entityType, key, holderID string, opts AcquireOptions) (*Lease, *Conflict, error) {
	if err := m.validate(opAcquire, map[string]string{
		"entityType": entityType, "entityKey": key, "holderId": holderID,
	}); err != nil {
		return nil, nil, err
	}
	meta, err := payload.Normalize(opts.Metadata)
	if err != nil {
		verr := errors.NewValidationError(opAcquire, component, fmt.Errorf("metadata: %w", err))
		m.base.Publish([]events.Event{m.base.Event(events.ValidationFailed, verr)})
		return nil, nil, verr
	}
	opts.Metadata = meta

	m.mu.Lock()
	now := m.base.Clock.Now()
	k := entityKey(entityType, key)
	var evts []events.Event

	if id, ok := m.byKey[k]; ok {
		existing := m.leases[id]
		switch {
		case existing.Expired(now):
			m.dropLocked(existing)
			evts = append(evts, m.base.Event(events.LockExpired, *existing.clone()))

		case existing.HolderID == holderID:
			if !m.renewLocked(existing, opts.Duration, now) {
				m.mu.Unlock()
				return nil, nil, ErrRenewalRejected
			}
			for mk, mv := range opts.Metadata {
				if existing.Metadata == nil {
					existing.Metadata = make(map[string]any)
				}
				existing.Metadata[mk] = mv
			}
			m.persistLocked()
			out := existing.clone()
			evts = append(evts, m.base.Event(events.LockRenewed, *out.clone()))
			m.mu.Unlock()
			m.base.Publish(evts)
			return out, nil, nil

		default:
			c := m.newConflictLocked(existing, entityType, key, holderID, HolderConflict, nil, now)
			m.persistLocked()
			out := c.clone()
			evts = append(evts,
				m.base.Event(events.ConflictCreated, *out.clone()),
				m.base.Event(events.LockConflict, *out.clone()),
			)
			m.mu.Unlock()
			m.base.Publish(evts)
			return nil, out, nil
		}
	}

	metadata := map[string]any{"sessionId": m.sessionID}
	for mk, mv := range opts.Metadata {
		metadata[mk] = mv
	}
	l := &Lease{
		ID:         m.base.IDs.Generate("lease"),
		EntityType: entityType,
		EntityKey:  key,
		HolderID:   holderID,
		IssuedAt:   now,
		Version:    1,
		ExpiresAt:  now.Add(m.clampLocked(opts.Duration)),
		Metadata:   metadata,
	}
	m.leases[l.ID] = l
	m.byKey[k] = l.ID
	m.persistLocked()
	out := l.clone()
	evts = append(evts, m.base.Event(events.LockAcquired, *out.clone()))
	m.mu.Unlock()

	m.base.Publish(evts)
	return out, nil, nil
}

func (m *Manager) clampLocked(d time.Duration) time.Duration {
	if d <= 0 {
		d = m.cfg.DefaultLeaseDuration
	}
	if d > m.cfg.MaxLeaseDuration {
		d = m.cfg.MaxLeaseDuration
	}
	return d
}

// renewLocked extends l to now+d unless that exceeds the maximum duration
// measured from issuance.
func (m *Manager) renewLocked(l *Lease, d time.Duration, now time.Time) bool {
	if d <= 0 {
		d = m.cfg.DefaultLeaseDuration
	}
	newExpiry := now.Add(d)
	if newExpiry.Sub(l.IssuedAt) > m.cfg.MaxLeaseDuration {
		return false
	}
	l.ExpiresAt = newExpiry
	l.Version++
	return true
}

func (m *Manager) dropLocked(l *Lease) {
	delete(m.leases, l.ID)
	k := entityKey(l.EntityType, l.EntityKey)
	if m.byKey[k] == l.ID {
		delete(m.byKey, k)
	}
}

// ReleaseLease removes a lease. Releasing an unknown id returns false.
func (m *Manager) ReleaseLease(leaseID string) bool {
	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.dropLocked(l)
	m.persistLocked()
	evt := m.base.Event(events.LockReleased, *l.clone())
	m.mu.Unlock()

	m.base.Publish([]events.Event{evt})
	return true
}

// RenewLease extends a lease by d (the default duration when zero). It
// returns false for unknown or expired leases and when the new expiry would
// exceed the maximum duration from issuance.
func (m *Manager) RenewLease(leaseID string, d time.Duration) (*Lease, bool) {
	m.mu.Lock()
	l, ok := m.leases[leaseID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	now := m.base.Clock.Now()
	if l.Expired(now) {
		m.dropLocked(l)
		m.persistLocked()
		evt := m.base.Event(events.LockExpired, *l.clone())
		m.mu.Unlock()
		m.base.Publish([]events.Event{evt})
		return nil, false
	}
	if !m.renewLocked(l, d, now) {
		m.mu.Unlock()
		return nil, false
	}
	m.persistLocked()
	out := l.clone()
	evt := m.base.Event(events.LockRenewed, *out.clone())
	m.mu.Unlock()

	m.base.Publish([]events.Event{evt})
	return out, true
}

func (m *Manager) newConflictLocked(l *Lease, entityType, key, holderID string, kind ConflictKind, local payload.Payload, now time.Time) *Conflict {
	c := &Conflict{
		ID:           m.base.IDs.Generate("conflict"),
		EntityType:   entityType,
		EntityKey:    key,
		Kind:         kind,
		RequestedBy:  holderID,
		LocalPayload: local.Clone(),
		CreatedAt:    now,
	}
	if l != nil {
		c.LeaseID = l.ID
		c.CurrentHolder = l.HolderID
	}
	if ent, ok := m.entities[entityKey(entityType, key)]; ok {
		c.RemotePayload = ent.Payload.Clone()
		c.RemoteVersion = ent.Version
	}
	m.conflicts[c.ID] = c
	return c
}

// UpdateEntity commits payload for (entityType, key) on behalf of holderID.
//
// The caller must hold a live lease. An expired lease yields a lock_expired
// conflict; no lease or another holder's lease yields
// concurrent_modification; an ExpectedVersion different from the committed
// entity version yields version_mismatch unless a MergeStrategy is given and
// merging is enabled, in which case the merged payload is committed and the
// conflict is returned already resolved.
func (m *Manager) UpdateEntity(entityType, key, holderID string, p payload.Payload, opts UpdateOptions) (UpdateResult, error) {
	if err := m.validate(opUpdate, map[string]string{
		"entityType": entityType, "entityKey": key, "holderId": holderID,
	}); err != nil {
		return UpdateResult{}, err
	}
	if p == nil {
		err := errors.NewValidationError(opUpdate, component, fmt.Errorf("payload is required"))
		m.base.Publish([]events.Event{m.base.Event(events.ValidationFailed, err)})
		return UpdateResult{}, err
	}
	p, err := payload.Normalize(p)
	if err != nil {
		verr := errors.NewValidationError(opUpdate, component, err)
		m.base.Publish([]events.Event{m.base.Event(events.ValidationFailed, verr)})
		return UpdateResult{}, verr
	}
	if opts.MergeStrategy != nil {
		if err := opts.MergeStrategy.Validate(); err != nil {
			verr := errors.NewValidationError(opUpdate, component, err)
			m.base.Publish([]events.Event{m.base.Event(events.ValidationFailed, verr)})
			return UpdateResult{}, verr
		}
	}

	m.mu.Lock()
	now := m.base.Clock.Now()
	k := entityKey(entityType, key)
	var evts []events.Event

	var l *Lease
	if id, ok := m.byKey[k]; ok {
		l = m.leases[id]
	}

	if l != nil && l.HolderID == holderID && l.Expired(now) {
		m.dropLocked(l)
		c := m.newConflictLocked(l, entityType, key, holderID, LockExpired, p, now)
		m.persistLocked()
		out := c.clone()
		evts = append(evts,
			m.base.Event(events.LockExpired, *l.clone()),
			m.base.Event(events.ConflictCreated, *out.clone()),
		)
		m.mu.Unlock()
		m.base.Publish(evts)
		return UpdateResult{Conflict: out}, nil
	}

	if l == nil || l.HolderID != holderID || l.Expired(now) {
		c := m.newConflictLocked(l, entityType, key, holderID, ConcurrentModification, p, now)
		m.persistLocked()
		out := c.clone()
		evts = append(evts, m.base.Event(events.ConflictCreated, *out.clone()))
		m.mu.Unlock()
		m.base.Publish(evts)
		return UpdateResult{Conflict: out}, nil
	}

	var current int64
	ent := m.entities[k]
	if ent != nil {
		current = ent.Version
	}

	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != current {
		c := m.newConflictLocked(l, entityType, key, holderID, VersionMismatch, p, now)
		c.LocalVersion = *opts.ExpectedVersion
		c.RemoteVersion = current

		var merged payload.Payload
		if opts.MergeStrategy != nil && m.cfg.EnableMergeStrategies {
			remote := merge.Side{}
			if ent != nil {
				remote = merge.Side{Payload: ent.Payload, Timestamp: ent.UpdatedAt}
			}
			merged, err = payload.Normalize(merge.Apply(merge.Side{Payload: p, Timestamp: now}, remote, *opts.MergeStrategy))
			if err != nil {
				m.base.Logger.LogError(context.Background(), err, "merged payload is not JSON encodable",
					slog.String("conflict_id", c.ID))
				merged = nil
			}
		}

		if merged == nil {
			m.persistLocked()
			out := c.clone()
			evts = append(evts, m.base.Event(events.ConflictCreated, *out.clone()))
			m.mu.Unlock()
			m.base.Publish(evts)
			return UpdateResult{Conflict: out}, nil
		}

		committed := m.commitLocked(k, entityType, key, merged, holderID, now)
		l.Version++

		resolvedAt := now
		c.Resolution = Merge
		c.ResolvedBy = holderID
		c.ResolvedAt = &resolvedAt
		c.MergeRules = append([]merge.Rule(nil), opts.MergeStrategy.Rules...)
		m.persistLocked()

		out := c.clone()
		evts = append(evts,
			m.base.Event(events.ConflictCreated, *out.clone()),
			m.base.Event(events.ConflictResolved, *out.clone()),
			m.base.Event(events.EntityUpdated, EntityEvent{Entity: *committed.clone(), Lease: l.clone()}),
		)
		m.mu.Unlock()
		m.base.Publish(evts)
		return UpdateResult{Success: true, Conflict: out, Payload: merged.Clone(), Version: committed.Version}, nil
	}

	committed := m.commitLocked(k, entityType, key, p, holderID, now)
	l.Version++
	m.persistLocked()
	evts = append(evts, m.base.Event(events.EntityUpdated, EntityEvent{Entity: *committed.clone(), Lease: l.clone()}))
	m.mu.Unlock()

	m.base.Publish(evts)
	return UpdateResult{Success: true, Payload: p.Clone(), Version: committed.Version}, nil
}

func (m *Manager) commitLocked(k, entityType, key string, p payload.Payload, by string, now time.Time) *Entity {
	ent, ok := m.entities[k]
	if !ok {
		ent = &Entity{EntityType: entityType, EntityKey: key}
		m.entities[k] = ent
	}
	ent.Payload = p.Clone()
	ent.Version++
	ent.UpdatedAt = now
	ent.UpdatedBy = by
	return ent
}

// ResolveConflict records a decision on an unresolved conflict. local_wins
// and remote_wins commit the chosen payload; merge commits the result of
// merging the local payload over the committed one with s (an empty strategy
// when nil); manual and cancel only record the decision. It returns false for
// unknown or already resolved conflicts, unknown resolutions, and merges
// while merge strategies are disabled.
func (m *Manager) ResolveConflict(conflictID string, resolution Resolution, resolvedBy string, s *merge.Strategy) bool {
	if !resolution.Valid() {
		return false
	}
	if s != nil && s.Validate() != nil {
		return false
	}

	m.mu.Lock()
	c, ok := m.conflicts[conflictID]
	if !ok || c.Resolved() {
		m.mu.Unlock()
		return false
	}
	if resolution == Merge && !m.cfg.EnableMergeStrategies {
		m.mu.Unlock()
		return false
	}

	now := m.base.Clock.Now()
	k := entityKey(c.EntityType, c.EntityKey)
	var evts []events.Event

	var (
		apply payload.Payload
		rules []merge.Rule
	)
	switch resolution {
	case LocalWins:
		apply = c.LocalPayload
	case RemoteWins:
		apply = c.RemotePayload
	case Merge:
		strategy := merge.Strategy{}
		if s != nil {
			strategy = *s
			rules = append([]merge.Rule(nil), s.Rules...)
		}
		remote := merge.Side{Payload: c.RemotePayload, Timestamp: c.CreatedAt}
		if ent, ok := m.entities[k]; ok {
			remote = merge.Side{Payload: ent.Payload, Timestamp: ent.UpdatedAt}
		}
		merged, err := payload.Normalize(merge.Apply(merge.Side{Payload: c.LocalPayload, Timestamp: c.CreatedAt}, remote, strategy))
		if err != nil {
			m.mu.Unlock()
			m.base.Logger.LogError(context.Background(), err, "merged payload is not JSON encodable",
				slog.String("conflict_id", conflictID))
			return false
		}
		apply = merged
		c.MergeRules = rules
	}

	if apply != nil {
		committed := m.commitLocked(k, c.EntityType, c.EntityKey, apply, resolvedBy, now)
		evts = append(evts, m.base.Event(events.EntityUpdated, EntityEvent{Entity: *committed.clone()}))
	}

	c.Resolution = resolution
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	m.persistLocked()
	evts = append([]events.Event{m.base.Event(events.ConflictResolved, *c.clone())}, evts...)
	m.mu.Unlock()

	m.base.Publish(evts)
	return true
}

// MergePayloads merges two payloads with s. It fails when merge strategies
// are disabled.
func (m *Manager) MergePayloads(local, remote merge.Side, s merge.Strategy) (payload.Payload, error) {
	m.mu.Lock()
	enabled := m.cfg.EnableMergeStrategies
	m.mu.Unlock()
	if !enabled {
		return nil, ErrMergeDisabled
	}
	if err := s.Validate(); err != nil {
		return nil, errors.NewValidationError(opMerge, component, err)
	}
	return merge.Apply(local, remote, s), nil
}

// Sweep removes expired leases and resolved conflicts past their retention.
// It runs on the sweep interval and may be called directly.
func (m *Manager) Sweep() {
	m.mu.Lock()
	now := m.base.Clock.Now()
	var evts []events.Event
	changed := false

	for _, l := range m.sortedLeasesLocked() {
		if l.Expired(now) {
			m.dropLocked(l)
			evts = append(evts, m.base.Event(events.LockExpired, *l.clone()))
			changed = true
		}
	}
	for id, c := range m.conflicts {
		if c.ResolvedAt != nil && !now.Before(c.ResolvedAt.Add(m.cfg.ConflictRetention)) {
			delete(m.conflicts, id)
			changed = true
		}
	}
	if changed {
		m.persistLocked()
	}
	m.mu.Unlock()

	m.base.Publish(evts)
}

func (m *Manager) sortedLeasesLocked() []*Lease {
	out := make([]*Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

func (m *Manager) sortedConflictsLocked() []*Conflict {
	out := make([]*Conflict, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Lease returns a copy of the lease with id.
func (m *Manager) Lease(leaseID string) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[leaseID]
	if !ok {
		return nil, false
	}
	return l.clone(), true
}

// ActiveLease returns the live lease on (entityType, key), if any.
func (m *Manager) ActiveLease(entityType, key string) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[entityKey(entityType, key)]
	if !ok {
		return nil, false
	}
	l := m.leases[id]
	if l.Expired(m.base.Clock.Now()) {
		return nil, false
	}
	return l.clone(), true
}

// Leases returns copies of every tracked lease ordered by issuance.
func (m *Manager) Leases() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lease
	for _, l := range m.sortedLeasesLocked() {
		out = append(out, l.clone())
	}
	return out
}

// LeasesByHolder returns the leases held by holderID.
func (m *Manager) LeasesByHolder(holderID string) []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Lease
	for _, l := range m.sortedLeasesLocked() {
		if l.HolderID == holderID {
			out = append(out, l.clone())
		}
	}
	return out
}

// Entity returns the committed payload for (entityType, key).
func (m *Manager) Entity(entityType, key string) (*Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[entityKey(entityType, key)]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Conflict returns a copy of the conflict with id.
func (m *Manager) Conflict(conflictID string) (*Conflict, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[conflictID]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Conflicts returns every retained conflict ordered by creation.
func (m *Manager) Conflicts() []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conflict
	for _, c := range m.sortedConflictsLocked() {
		out = append(out, c.clone())
	}
	return out
}

// UnresolvedConflicts returns conflicts still awaiting a decision.
func (m *Manager) UnresolvedConflicts() []*Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Conflict
	for _, c := range m.sortedConflictsLocked() {
		if !c.Resolved() {
			out = append(out, c.clone())
		}
	}
	return out
}

// Config returns the current configuration.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateConfig validates and installs cfg, restarting the sweep when its
// interval changed.
func (m *Manager) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	restart := cfg.SweepInterval != m.cfg.SweepInterval && m.sweeper.Running()
	m.cfg = cfg
	evt := m.base.Event(events.ConfigUpdated, cfg)
	m.mu.Unlock()

	if restart {
		m.sweeper.Start(m.base.Clock, cfg.SweepInterval, m.Sweep)
	}
	m.base.Publish([]events.Event{evt})
	return nil
}

func (m *Manager) persistLocked() {
	st := state{
		Leases:    m.sortedLeasesLocked(),
		Conflicts: m.sortedConflictsLocked(),
	}
	keys := make([]string, 0, len(m.entities))
	for k := range m.entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		st.Entities = append(st.Entities, m.entities[k])
	}
	m.base.Save(st)
}

func (m *Manager) load() {
	var st state
	if !m.base.Load(&st) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, l := range st.Leases {
		if l == nil || l.ID == "" {
			continue
		}
		k := entityKey(l.EntityType, l.EntityKey)
		if prevID, ok := m.byKey[k]; ok {
			if prev := m.leases[prevID]; prev != nil && prev.ExpiresAt.After(l.ExpiresAt) {
				continue
			}
			delete(m.leases, prevID)
		}
		m.leases[l.ID] = l
		m.byKey[k] = l.ID
	}
	for _, c := range st.Conflicts {
		if c != nil && c.ID != "" {
			m.conflicts[c.ID] = c
		}
	}
	for _, e := range st.Entities {
		if e != nil {
			m.entities[entityKey(e.EntityType, e.EntityKey)] = e
		}
	}
}
