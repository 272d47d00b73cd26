// Package record implements a last-write-wins record store. Records carry a
// version, a timestamp and a checksum so that concurrent writers are detected
// after the fact and resolved by a caller-chosen strategy.
package record

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

const component = string(logging.ComponentRecordStore)

const (
	opCreate errors.Op = "create_record"
	opUpdate errors.Op = "update_record"
	opVerify errors.Op = "verify_checksum"
)

// Store keeps timestamped records and their conflicts.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	base engine.Base

	mu        sync.Mutex
	cfg       Config
	records   map[string]*Record
	conflicts map[string]*Conflict

	sweeper engine.Ticker
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.base.Clock = c }
}

func WithBus(b *events.Bus) Option {
	return func(s *Store) { s.base.Bus = b }
}

// WithStore enables persistence to kv.
func WithStore(kv storage.Store) Option {
	return func(s *Store) { s.base.Store = kv }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.base.Logger = l }
}

func WithIDGenerator(g engine.IDGenerator) Option {
	return func(s *Store) { s.base.IDs = g }
}

func WithConfig(cfg Config) Option {
	return func(s *Store) { s.cfg = cfg }
}

// New creates a Store. It returns an error only for invalid configuration.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		cfg:       DefaultConfig(),
		records:   make(map[string]*Record),
		conflicts: make(map[string]*Conflict),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base.Defaults(logging.ComponentRecordStore, "records")
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start loads persisted records, verifies their checksums and starts the
// conflict sweep.
func (s *Store) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	evts := s.load()
	s.base.Publish(evts)

	s.mu.Lock()
	interval := s.cfg.ConflictSweepInterval
	s.mu.Unlock()
	s.sweeper.Start(s.base.Clock, interval, s.Sweep)
	return nil
}

// Close stops the sweep and flushes state.
func (s *Store) Close() error {
	s.sweeper.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
	return nil
}

func (s *Store) invalid(op errors.Op, format string, args ...any) error {
	err := errors.NewValidationError(op, component, fmt.Errorf(format, args...))
	s.base.Publish([]events.Event{s.base.Event(events.ValidationFailed, err)})
	return err
}

// CreateRecord stores a new record at version 1. Creating over a tombstone
// continues that record's version sequence; creating over a live record is a
// validation error.
func (s *Store) CreateRecord(id string, p payload.Payload, holderID string, opts CreateOptions) (*Record, error) {
	switch {
	case id == "":
		return nil, s.invalid(opCreate, "record id is required")
	case holderID == "":
		return nil, s.invalid(opCreate, "holderId is required")
	case p == nil:
		return nil, s.invalid(opCreate, "payload is required")
	}
	p, err := payload.Normalize(p)
	if err != nil {
		return nil, s.invalid(opCreate, "%v", err)
	}

	s.mu.Lock()
	version := int64(1)
	if existing, ok := s.records[id]; ok {
		if !existing.Deleted() {
			s.mu.Unlock()
			return nil, s.invalid(opCreate, "record %q already exists", id)
		}
		version = existing.Version + 1
	}

	now := s.base.Clock.Now()
	r := &Record{
		ID:               id,
		Payload:          p.Clone(),
		Timestamp:        now,
		Version:          version,
		HolderID:         holderID,
		Checksum:         opts.Checksum,
		LastModified:     now,
		ModifiedBy:       holderID,
		ModificationKind: Create,
		Origin:           opts.Origin,
	}
	if r.Checksum == "" {
		r.Checksum = payload.Checksum(p)
	}
	if r.Origin == "" {
		r.Origin = OriginLocal
	}
	s.records[id] = r
	s.persistLocked()
	out := r.clone()
	evt := s.base.Event(events.RecordCreated, out.clone())
	s.mu.Unlock()

	s.base.Publish([]events.Event{evt})
	return &out, nil
}

// UpdateRecord replaces a live record's payload.
//
// Unless opts.Force is set, an update is rejected with a timestamp_conflict
// when another holder wrote the record within the contention window, and
// with a version_conflict when opts.ExpectedVersion differs from the stored
// version. Updating a missing or deleted record fails with KindNotFound.
func (s *Store) UpdateRecord(id string, p payload.Payload, holderID string, opts UpdateOptions) (UpdateResult, error) {
	switch {
	case id == "":
		return UpdateResult{}, s.invalid(opUpdate, "record id is required")
	case holderID == "":
		return UpdateResult{}, s.invalid(opUpdate, "holderId is required")
	case p == nil:
		return UpdateResult{}, s.invalid(opUpdate, "payload is required")
	}
	p, err := payload.Normalize(p)
	if err != nil {
		return UpdateResult{}, s.invalid(opUpdate, "%v", err)
	}

	s.mu.Lock()
	existing, ok := s.records[id]
	if !ok || existing.Deleted() {
		s.mu.Unlock()
		return UpdateResult{}, errors.E(opUpdate, errors.Component(component), errors.KindNotFound,
			fmt.Sprintf("record %q not found", id))
	}

	now := s.base.Clock.Now()
	checksum := opts.Checksum
	if checksum == "" {
		checksum = payload.Checksum(p)
	}

	if !opts.Force {
		var kind ConflictKind
		switch {
		case s.cfg.EnableConflictDetection &&
			now.Sub(existing.Timestamp) < s.cfg.ContentionWindow &&
			existing.HolderID != holderID:
			kind = TimestampConflict
		case opts.ExpectedVersion != nil && *opts.ExpectedVersion != existing.Version:
			kind = VersionConflict
		}
		if kind != "" {
			remote := existing.clone()
			remote.Payload = p.Clone()
			remote.Timestamp = now
			remote.HolderID = holderID
			remote.Version = existing.Version + 1
			remote.Checksum = checksum
			remote.LastModified = now
			remote.ModifiedBy = holderID
			remote.ModificationKind = Update
			c := s.newConflictLocked(kind, *existing, remote, now)
			s.persistLocked()
			out := c.clone()
			evt := s.base.Event(events.ConflictCreated, *out.clone())
			s.mu.Unlock()

			s.base.Publish([]events.Event{evt})
			return UpdateResult{Conflict: out}, nil
		}
	}

	existing.Payload = p.Clone()
	existing.Timestamp = now
	existing.Version++
	existing.HolderID = holderID
	existing.Checksum = checksum
	existing.LastModified = now
	existing.ModifiedBy = holderID
	existing.ModificationKind = Update
	if opts.Origin != "" {
		existing.Origin = opts.Origin
	}
	s.persistLocked()
	out := existing.clone()
	evt := s.base.Event(events.RecordUpdated, out.clone())
	s.mu.Unlock()

	s.base.Publish([]events.Event{evt})
	return UpdateResult{Success: true, Record: &out}, nil
}

// DeleteRecord replaces a live record with a tombstone. It returns false for
// unknown or already deleted records.
func (s *Store) DeleteRecord(id, holderID string) bool {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok || r.Deleted() {
		s.mu.Unlock()
		return false
	}
	now := s.base.Clock.Now()
	r.Timestamp = now
	r.Version++
	r.HolderID = holderID
	r.LastModified = now
	r.ModifiedBy = holderID
	r.ModificationKind = Delete
	s.persistLocked()
	evt := s.base.Event(events.RecordDeleted, r.clone())
	s.mu.Unlock()

	s.base.Publish([]events.Event{evt})
	return true
}

func (s *Store) newConflictLocked(kind ConflictKind, local, remote Record, now time.Time) *Conflict {
	c := &Conflict{
		ID:        s.base.IDs.Generate("conflict"),
		RecordID:  local.ID,
		Kind:      kind,
		Local:     local.clone(),
		Remote:    remote.clone(),
		CreatedAt: now,
	}
	s.conflicts[c.ID] = c
	return c
}

// ResolveConflict records a decision on an unresolved conflict.
//
// local_wins and remote_wins apply that side's payload; merge applies s
// field by field or, when s is nil, takes whichever side has the later
// timestamp in full; manual only records the decision. The applied record
// always gets a version above both sides and the stored record. It returns
// false for unknown or resolved conflicts and unknown resolutions.
func (s *Store) ResolveConflict(conflictID string, resolution Resolution, resolvedBy string, strategy *merge.Strategy) bool {
	if !resolution.Valid() {
		return false
	}
	if strategy != nil && strategy.Validate() != nil {
		return false
	}

	s.mu.Lock()
	c, ok := s.conflicts[conflictID]
	if !ok || c.Resolved() {
		s.mu.Unlock()
		return false
	}

	now := s.base.Clock.Now()
	var evts []events.Event

	if resolution != Manual {
		var (
			chosen  payload.Payload
			version int64
			origin  = OriginResolution
			rules   []merge.Rule
		)
		switch resolution {
		case LocalWins:
			chosen = c.Local.Payload
			version = c.Local.Version
		case RemoteWins:
			chosen = c.Remote.Payload
			version = c.Remote.Version
		case Merge:
			local := merge.Side{Payload: c.Local.Payload, Timestamp: c.Local.Timestamp}
			remote := merge.Side{Payload: c.Remote.Payload, Timestamp: c.Remote.Timestamp}
			if strategy != nil {
				chosen = merge.Apply(local, remote, *strategy)
				rules = append([]merge.Rule(nil), strategy.Rules...)
			} else {
				chosen = merge.LaterWins(local, remote)
			}
			version = max(c.Local.Version, c.Remote.Version) + 1
			origin = OriginMerge
		}
		normalized, err := payload.Normalize(chosen)
		if err != nil {
			s.mu.Unlock()
			s.base.Logger.LogError(context.Background(), err, "resolved payload is not JSON encodable",
				slog.String("conflict_id", conflictID))
			return false
		}
		chosen = normalized
		if rules != nil {
			c.MergeRules = rules
		}

		r, exists := s.records[c.RecordID]
		if !exists {
			r = &Record{ID: c.RecordID, HolderID: resolvedBy}
			s.records[c.RecordID] = r
		}
		if version <= r.Version {
			version = r.Version + 1
		}
		r.Payload = chosen
		r.Timestamp = now
		r.Version = version
		r.Checksum = payload.Checksum(chosen)
		r.LastModified = now
		r.ModifiedBy = resolvedBy
		r.ModificationKind = Update
		r.Origin = origin
		evts = append(evts, s.base.Event(events.RecordUpdated, r.clone()))
	}

	c.Resolution = resolution
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = &now
	s.persistLocked()
	evts = append([]events.Event{s.base.Event(events.ConflictResolved, *c.clone())}, evts...)
	s.mu.Unlock()

	s.base.Publish(evts)
	return true
}

// VerifyChecksum recomputes a record's checksum. A mismatch records a
// checksum_conflict (once per record until resolved) and returns it; a match
// returns nil.
func (s *Store) VerifyChecksum(id string) (*Conflict, error) {
	s.mu.Lock()
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.E(opVerify, errors.Component(component), errors.KindNotFound,
			fmt.Sprintf("record %q not found", id))
	}
	c, created := s.verifyLocked(r)
	if c == nil {
		s.mu.Unlock()
		return nil, nil
	}
	var evts []events.Event
	if created {
		s.persistLocked()
		evts = append(evts, s.base.Event(events.ConflictCreated, *c.clone()))
	}
	out := c.clone()
	s.mu.Unlock()

	s.base.Publish(evts)
	return out, nil
}

// verifyLocked returns the checksum conflict for r, creating it when none is
// pending. It returns nil when the checksum matches.
func (s *Store) verifyLocked(r *Record) (*Conflict, bool) {
	actual := payload.Checksum(r.Payload)
	if actual == r.Checksum {
		return nil, false
	}
	for _, c := range s.conflicts {
		if c.RecordID == r.ID && c.Kind == ChecksumConflict && !c.Resolved() {
			return c, false
		}
	}
	remote := r.clone()
	remote.Checksum = actual
	return s.newConflictLocked(ChecksumConflict, *r, remote, s.base.Clock.Now()), true
}

// Sweep announces records older than MaxConflictAge with recordConflictCheck
// so an external authority can verify them, and drops resolved conflicts
// older than MaxConflictAge. It runs on the sweep interval.
func (s *Store) Sweep() {
	s.mu.Lock()
	now := s.base.Clock.Now()
	var evts []events.Event
	for _, r := range s.sortedRecordsLocked() {
		if now.Sub(r.Timestamp) > s.cfg.MaxConflictAge {
			evts = append(evts, s.base.Event(events.RecordConflictCheck, r.clone()))
		}
	}
	purged := false
	for id, c := range s.conflicts {
		if c.ResolvedAt != nil && now.After(c.ResolvedAt.Add(s.cfg.MaxConflictAge)) {
			delete(s.conflicts, id)
			purged = true
		}
	}
	if purged {
		s.persistLocked()
	}
	s.mu.Unlock()

	s.base.Publish(evts)
}

// Record returns a copy of the record with id, tombstones included.
func (s *Store) Record(id string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	out := r.clone()
	return &out, true
}

// Records returns copies of every record ordered by id.
func (s *Store) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.sortedRecordsLocked() {
		c := r.clone()
		out = append(out, &c)
	}
	return out
}

func (s *Store) Conflict(id string) (*Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// Conflicts returns every retained conflict ordered by creation.
func (s *Store) Conflicts() []*Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conflict
	for _, c := range s.sortedConflictsLocked() {
		out = append(out, c.clone())
	}
	return out
}

func (s *Store) UnresolvedConflicts() []*Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Conflict
	for _, c := range s.sortedConflictsLocked() {
		if !c.Resolved() {
			out = append(out, c.clone())
		}
	}
	return out
}

func (s *Store) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig validates and installs cfg, restarting the sweep when its
// interval changed.
func (s *Store) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	restart := cfg.ConflictSweepInterval != s.cfg.ConflictSweepInterval && s.sweeper.Running()
	s.cfg = cfg
	evt := s.base.Event(events.ConfigUpdated, cfg)
	s.mu.Unlock()

	if restart {
		s.sweeper.Start(s.base.Clock, cfg.ConflictSweepInterval, s.Sweep)
	}
	s.base.Publish([]events.Event{evt})
	return nil
}

func (s *Store) sortedRecordsLocked() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) sortedConflictsLocked() []*Conflict {
	out := make([]*Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
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

func (s *Store) persistLocked() {
	s.base.Save(state{
		Records:   s.sortedRecordsLocked(),
		Conflicts: s.sortedConflictsLocked(),
	})
}

// load restores persisted state and returns the conflictCreated events for
// records whose checksum no longer matches.
func (s *Store) load() []events.Event {
	var st state
	if !s.base.Load(&st) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range st.Records {
		if r != nil && r.ID != "" {
			s.records[r.ID] = r
		}
	}
	for _, c := range st.Conflicts {
		if c != nil && c.ID != "" {
			s.conflicts[c.ID] = c
		}
	}
	if !s.cfg.EnableChecksumValidation {
		return nil
	}

	var evts []events.Event
	for _, r := range s.sortedRecordsLocked() {
		if c, created := s.verifyLocked(r); created {
			evts = append(evts, s.base.Event(events.ConflictCreated, *c.clone()))
		}
	}
	if len(evts) > 0 {
		s.persistLocked()
	}
	return evts
}
