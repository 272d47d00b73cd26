// Package checkpoint tracks long-running, multi-stage operations as
// periodically checkpointed snapshots and decides whether an interrupted
// operation can be resumed.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/internal/engine"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

const component = string(logging.ComponentCheckpointer)

const (
	opStart  errors.Op = "start_operation"
	opExport errors.Op = "export_operation"
	opImport errors.Op = "import_operation"
)

// Checkpointer owns operation snapshots. Snapshots of finished runs are kept
// as history; at most one non-terminal snapshot exists per operation id.
//
// Thread-safety: all methods are safe for concurrent use.
type Checkpointer struct {
	base engine.Base

	mu        sync.Mutex
	cfg       Config
	sessionID string
	snapshots map[string]*Snapshot
	active    map[string]string // operation id -> snapshot id

	ticker engine.Ticker
}

type Option func(*Checkpointer)

func WithClock(c clock.Clock) Option {
	return func(cp *Checkpointer) { cp.base.Clock = c }
}

func WithBus(b *events.Bus) Option {
	return func(cp *Checkpointer) { cp.base.Bus = b }
}

func WithStore(s storage.Store) Option {
	return func(cp *Checkpointer) { cp.base.Store = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(cp *Checkpointer) { cp.base.Logger = l }
}

func WithIDGenerator(g engine.IDGenerator) Option {
	return func(cp *Checkpointer) { cp.base.IDs = g }
}

func WithConfig(cfg Config) Option {
	return func(cp *Checkpointer) { cp.cfg = cfg }
}

// WithSessionID sets the session id stamped on new snapshots.
func WithSessionID(id string) Option {
	return func(cp *Checkpointer) { cp.sessionID = id }
}

// New creates a Checkpointer. It returns an error only for invalid
// configuration.
func New(opts ...Option) (*Checkpointer, error) {
	cp := &Checkpointer{
		cfg:       DefaultConfig(),
		snapshots: make(map[string]*Snapshot),
		active:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(cp)
	}
	cp.base.Defaults(logging.ComponentCheckpointer, "operations")
	if err := cp.cfg.Validate(); err != nil {
		return nil, err
	}
	if cp.sessionID == "" {
		cp.sessionID = cp.base.IDs.Generate("session")
	}
	return cp, nil
}

// Start loads persisted snapshots, announces resumable ones and starts
// periodic checkpointing. Snapshots a previous process left running are
// reloaded as paused.
func (cp *Checkpointer) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp.load()
	cp.DetectResumable()

	cp.mu.Lock()
	interval := cp.cfg.CheckpointInterval
	cp.mu.Unlock()
	cp.ticker.Start(cp.base.Clock, interval, func() { cp.CreateCheckpoints() })
	return nil
}

// Close stops periodic checkpointing and flushes state.
func (cp *Checkpointer) Close() error {
	cp.ticker.Stop()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.persistLocked()
	return nil
}

func (cp *Checkpointer) SessionID() string { return cp.sessionID }

// StartOperation creates a running snapshot for oc.OperationID. Starting an
// operation that already has a live snapshot is a validation error.
func (cp *Checkpointer) StartOperation(oc OperationContext) (*Snapshot, error) {
	var cause error
	switch {
	case oc.OperationID == "":
		cause = fmt.Errorf("operationId is required")
	case oc.OperationType == "":
		cause = fmt.Errorf("operationType is required")
	}
	meta, err := payload.Normalize(oc.Metadata)
	if cause == nil && err != nil {
		cause = fmt.Errorf("metadata: %w", err)
	}

	cp.mu.Lock()
	if cause == nil {
		if _, ok := cp.active[oc.OperationID]; ok {
			cause = fmt.Errorf("operation %q is already active", oc.OperationID)
		}
	}
	if cause != nil {
		cp.mu.Unlock()
		err := errors.NewValidationError(opStart, component, cause)
		cp.base.Publish([]events.Event{cp.base.Event(events.ValidationFailed, err)})
		return nil, err
	}

	now := cp.base.Clock.Now()
	s := &Snapshot{
		ID:             cp.base.IDs.Generate("snapshot"),
		OperationID:    oc.OperationID,
		OperationType:  oc.OperationType,
		Stage:          "initializing",
		Status:         Running,
		StartTime:      now,
		LastUpdateTime: now,
		Owner: Owner{
			ActorID:   oc.ActorID,
			ScopeID:   oc.ScopeID,
			SessionID: cp.sessionID,
		},
		Checkpoint: Checkpoint{
			Stage:    "initializing",
			Metadata: meta,
		},
		Resume: Resume{
			CanResume:    true,
			ResumePoint:  "start",
			Dependencies: cloneStrings(oc.Dependencies),
		},
	}
	cp.snapshots[s.ID] = s
	cp.active[s.OperationID] = s.ID
	cp.persistLocked()
	out := s.clone()
	evt := cp.base.Event(events.OperationStarted, *out.clone())
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return out, nil
}

func (cp *Checkpointer) activeLocked(operationID string) *Snapshot {
	id, ok := cp.active[operationID]
	if !ok {
		return nil
	}
	return cp.snapshots[id]
}

// UpdateProgress applies u to the live snapshot of operationID. It returns
// false when the operation is not active or u would move it to a terminal
// status; use CompleteOperation, FailOperation or CancelOperation for that.
// Progress is clamped to [0, 100].
func (cp *Checkpointer) UpdateProgress(operationID string, u ProgressUpdate) bool {
	if u.Status != nil && *u.Status != Running && *u.Status != Paused {
		return false
	}
	var data, meta payload.Payload
	if c := u.Checkpoint; c != nil {
		var err error
		if data, err = payload.Normalize(c.Data); err != nil {
			return false
		}
		if meta, err = payload.Normalize(c.Metadata); err != nil {
			return false
		}
	}

	cp.mu.Lock()
	s := cp.activeLocked(operationID)
	if s == nil {
		cp.mu.Unlock()
		return false
	}

	if u.Stage != nil {
		s.Stage = *u.Stage
	}
	if u.Progress != nil {
		s.Progress = clampProgress(*u.Progress)
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.EstimatedRemaining != nil {
		s.EstimatedRemaining = *u.EstimatedRemaining
	}
	if c := u.Counters; c != nil {
		if c.Processed != nil {
			s.Counters.Processed = *c.Processed
		}
		if c.Total != nil {
			s.Counters.Total = *c.Total
		}
		if c.Errors != nil {
			s.Counters.Errors = *c.Errors
		}
		if c.Warnings != nil {
			s.Counters.Warnings = *c.Warnings
		}
	}
	if c := u.Checkpoint; c != nil {
		if c.Stage != nil {
			s.Checkpoint.Stage = *c.Stage
		}
		if data != nil {
			s.Checkpoint.Data = data
		}
		for k, v := range meta {
			if s.Checkpoint.Metadata == nil {
				s.Checkpoint.Metadata = payload.Payload{}
			}
			s.Checkpoint.Metadata[k] = v
		}
	}
	if r := u.Resume; r != nil {
		if r.CanResume != nil {
			s.Resume.CanResume = *r.CanResume
		}
		if r.ResumePoint != nil {
			s.Resume.ResumePoint = *r.ResumePoint
		}
		if r.Dependencies != nil {
			s.Resume.Dependencies = cloneStrings(r.Dependencies)
		}
	}
	s.LastUpdateTime = cp.base.Clock.Now()
	cp.persistLocked()
	evt := cp.base.Event(events.ProgressUpdated, *s.clone())
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return true
}

func clampProgress(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// CompleteOperation marks the operation completed at 100% progress. A
// non-nil finalData becomes the checkpoint data; it must be JSON encodable.
func (cp *Checkpointer) CompleteOperation(operationID string, finalData payload.Payload) bool {
	data, err := payload.Normalize(finalData)
	if err != nil {
		return false
	}
	return cp.finish(operationID, Completed, func(s *Snapshot) events.Event {
		s.Progress = 100
		if data != nil {
			s.Checkpoint.Data = data
		}
		return cp.base.Event(events.OperationCompleted, *s.clone())
	})
}

// FailOperation marks the operation failed and records cause in the
// checkpoint metadata under "error".
func (cp *Checkpointer) FailOperation(operationID string, cause error) bool {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return cp.finish(operationID, Failed, func(s *Snapshot) events.Event {
		if s.Checkpoint.Metadata == nil {
			s.Checkpoint.Metadata = payload.Payload{}
		}
		s.Checkpoint.Metadata["error"] = msg
		return cp.base.Event(events.OperationFailed, FailureEvent{Snapshot: *s.clone(), Error: msg})
	})
}

func (cp *Checkpointer) CancelOperation(operationID string) bool {
	return cp.finish(operationID, Cancelled, func(s *Snapshot) events.Event {
		return cp.base.Event(events.OperationCancelled, *s.clone())
	})
}

func (cp *Checkpointer) finish(operationID string, status Status, apply func(*Snapshot) events.Event) bool {
	cp.mu.Lock()
	s := cp.activeLocked(operationID)
	if s == nil {
		cp.mu.Unlock()
		return false
	}
	s.Status = status
	s.LastUpdateTime = cp.base.Clock.Now()
	evt := apply(s)
	delete(cp.active, operationID)
	cp.persistLocked()
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return true
}

// PauseOperation moves a running operation to paused.
func (cp *Checkpointer) PauseOperation(operationID string) bool {
	cp.mu.Lock()
	s := cp.activeLocked(operationID)
	if s == nil || s.Status != Running {
		cp.mu.Unlock()
		return false
	}
	s.Status = Paused
	s.LastUpdateTime = cp.base.Clock.Now()
	cp.persistLocked()
	evt := cp.base.Event(events.OperationPaused, *s.clone())
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return true
}

// ResumeOperation moves a paused operation back to running. It returns false
// when the operation is not paused or not resumable.
func (cp *Checkpointer) ResumeOperation(operationID string) bool {
	cp.mu.Lock()
	s := cp.activeLocked(operationID)
	now := cp.base.Clock.Now()
	if s == nil || s.Status != Paused || !cp.resumableLocked(s, now) {
		cp.mu.Unlock()
		return false
	}
	s.Status = Running
	s.LastUpdateTime = now
	cp.persistLocked()
	evt := cp.base.Event(events.OperationResumed, *s.clone())
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return true
}

// IsOperationResumable reports whether the snapshot named by id (an
// operation id or a snapshot id) could be resumed now.
func (cp *Checkpointer) IsOperationResumable(id string) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	s := cp.resolveLocked(id)
	return s != nil && cp.resumableLocked(s, cp.base.Clock.Now())
}

// resolveLocked finds the live snapshot of an operation id, then a snapshot
// by id, then the most recently started snapshot of an operation id.
func (cp *Checkpointer) resolveLocked(id string) *Snapshot {
	if s := cp.activeLocked(id); s != nil {
		return s
	}
	if s, ok := cp.snapshots[id]; ok {
		return s
	}
	var latest *Snapshot
	for _, s := range cp.snapshots {
		if s.OperationID != id {
			continue
		}
		if latest == nil || s.StartTime.After(latest.StartTime) ||
			(s.StartTime.Equal(latest.StartTime) && s.ID > latest.ID) {
			latest = s
		}
	}
	return latest
}

// resumableLocked requires the live snapshot of its operation, updated less
// than MaxResumeAge ago, with CanResume set and every dependency completed.
func (cp *Checkpointer) resumableLocked(s *Snapshot, now time.Time) bool {
	if s.Status.Terminal() || !s.Resume.CanResume || cp.active[s.OperationID] != s.ID {
		return false
	}
	if now.Sub(s.LastUpdateTime) >= cp.cfg.MaxResumeAge {
		return false
	}
	for _, dep := range s.Resume.Dependencies {
		d := cp.resolveLocked(dep)
		if d == nil || d.Status != Completed {
			return false
		}
	}
	return true
}

// CreateCheckpoints refreshes and persists the checkpoint of every active
// operation. It runs on the checkpoint interval and returns the number of
// checkpoints written.
func (cp *Checkpointer) CreateCheckpoints() int {
	return cp.checkpointAll(false)
}

// CreateEmergencyCheckpoints is CreateCheckpoints for imminent shutdown or
// disconnection; each checkpoint is flagged as emergency.
func (cp *Checkpointer) CreateEmergencyCheckpoints() int {
	return cp.checkpointAll(true)
}

func (cp *Checkpointer) checkpointAll(emergency bool) int {
	cp.mu.Lock()
	now := cp.base.Clock.Now()
	var evts []events.Event
	for _, s := range cp.activeSortedLocked() {
		s.Checkpoint.Stage = s.Stage
		at := now
		s.Checkpoint.LastCheckpoint = &at
		if emergency {
			s.Checkpoint.Emergency = true
		}
		s.Resume.State = &ResumeState{
			Stage:        s.Stage,
			Progress:     s.Progress,
			Counters:     s.Counters,
			Dependencies: cloneStrings(s.Resume.Dependencies),
			CapturedAt:   now,
		}
		evts = append(evts, cp.base.Event(events.CheckpointCreated, *s.clone()))
	}
	if len(evts) > 0 {
		cp.persistLocked()
	}
	cp.mu.Unlock()

	cp.base.Publish(evts)
	return len(evts)
}

// DetectResumable announces every resumable snapshot with
// resumableOperationDetected and returns them. It does nothing when
// EnableAutoResume is off.
func (cp *Checkpointer) DetectResumable() []*Snapshot {
	cp.mu.Lock()
	if !cp.cfg.EnableAutoResume {
		cp.mu.Unlock()
		return nil
	}
	found := cp.resumableSortedLocked()
	evts := make([]events.Event, 0, len(found))
	for _, s := range found {
		evts = append(evts, cp.base.Event(events.ResumableOperationDetected, *s.clone()))
	}
	cp.mu.Unlock()

	cp.base.Publish(evts)
	return found
}

// HandleHidden checkpoints active operations when the host is backgrounded.
func (cp *Checkpointer) HandleHidden() { cp.CreateCheckpoints() }

// HandleVisible looks for resumable operations when the host is foregrounded.
func (cp *Checkpointer) HandleVisible() { cp.DetectResumable() }

// HandleUnload writes emergency checkpoints before shutdown.
func (cp *Checkpointer) HandleUnload() { cp.CreateEmergencyCheckpoints() }

// HandleOffline writes emergency checkpoints and emits disconnectionDetected.
func (cp *Checkpointer) HandleOffline() {
	cp.CreateEmergencyCheckpoints()
	cp.base.Publish([]events.Event{cp.base.Event(events.DisconnectionDetected, nil)})
}

// HandleOnline looks for resumable operations and emits reconnectionDetected.
func (cp *Checkpointer) HandleOnline() {
	cp.DetectResumable()
	cp.base.Publish([]events.Event{cp.base.Event(events.ReconnectionDetected, nil)})
}

// ResumableOperations returns the snapshots that could be resumed now.
func (cp *Checkpointer) ResumableOperations() []*Snapshot {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.resumableSortedLocked()
}

func (cp *Checkpointer) resumableSortedLocked() []*Snapshot {
	now := cp.base.Clock.Now()
	var out []*Snapshot
	for _, s := range cp.sortedLocked() {
		if cp.resumableLocked(s, now) {
			out = append(out, s.clone())
		}
	}
	return out
}

// OperationHistory returns every snapshot of operationID ordered by start.
func (cp *Checkpointer) OperationHistory(operationID string) []*Snapshot {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.historyLocked(operationID)
}

func (cp *Checkpointer) historyLocked(operationID string) []*Snapshot {
	var out []*Snapshot
	for _, s := range cp.sortedLocked() {
		if s.OperationID == operationID {
			out = append(out, s.clone())
		}
	}
	return out
}

// ActiveOperations returns the running and paused snapshots.
func (cp *Checkpointer) ActiveOperations() []*Snapshot {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var out []*Snapshot
	for _, s := range cp.activeSortedLocked() {
		out = append(out, s.clone())
	}
	return out
}

// Snapshot returns the live snapshot of an operation id, else the snapshot
// with that id, else the latest snapshot of that operation.
func (cp *Checkpointer) Snapshot(id string) (*Snapshot, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	s := cp.resolveLocked(id)
	if s == nil {
		return nil, false
	}
	return s.clone(), true
}

// Snapshots returns every snapshot ordered by start time.
func (cp *Checkpointer) Snapshots() []*Snapshot {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var out []*Snapshot
	for _, s := range cp.sortedLocked() {
		out = append(out, s.clone())
	}
	return out
}

// CleanupOldSnapshots drops snapshots that are not running and were last
// updated more than MaxResumeAge ago. It emits snapshotsCleanedUp with the
// number removed.
func (cp *Checkpointer) CleanupOldSnapshots() int {
	cp.mu.Lock()
	cutoff := cp.base.Clock.Now().Add(-cp.cfg.MaxResumeAge)
	removed := 0
	for id, s := range cp.snapshots {
		if s.Status == Running || !s.LastUpdateTime.Before(cutoff) {
			continue
		}
		delete(cp.snapshots, id)
		if cp.active[s.OperationID] == id {
			delete(cp.active, s.OperationID)
		}
		removed++
	}
	cp.persistLocked()
	evt := cp.base.Event(events.SnapshotsCleanedUp, removed)
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return removed
}

// ExportOperation encodes the history of operationID as indented JSON.
func (cp *Checkpointer) ExportOperation(operationID string) ([]byte, error) {
	cp.mu.Lock()
	doc := Export{
		OperationID: operationID,
		Snapshots:   cp.historyLocked(operationID),
		ExportedAt:  cp.base.Clock.Now(),
		Version:     ExportVersion,
	}
	cp.mu.Unlock()

	if len(doc.Snapshots) == 0 {
		return nil, errors.E(opExport, errors.Component(component), errors.KindNotFound,
			fmt.Sprintf("operation %q has no snapshots", operationID))
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.E(opExport, errors.Component(component), errors.KindInternal, err)
	}
	return data, nil
}

// ImportOperation adds the snapshots of an export, replacing non-terminal
// snapshots with the same id. A stored completed, failed or cancelled
// snapshot is kept as is. Imported non-terminal snapshots become active as
// paused; when their operation already has a different live snapshot they
// are kept as cancelled history instead.
func (cp *Checkpointer) ImportOperation(data []byte) error {
	var doc Export
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return errors.NewValidationError(opImport, component, err)
	}
	if doc.OperationID == "" || doc.Snapshots == nil {
		return errors.NewValidationError(opImport, component, fmt.Errorf("export must name an operation and carry snapshots"))
	}

	cp.mu.Lock()
	for _, s := range doc.Snapshots {
		cp.adoptLocked(s)
	}
	cp.persistLocked()
	evt := cp.base.Event(events.OperationDataImported, doc.OperationID)
	cp.mu.Unlock()

	cp.base.Publish([]events.Event{evt})
	return nil
}

// adoptLocked inserts a snapshot produced by another process. Terminal
// snapshots already stored are final. Every stored non-terminal snapshot is
// the live one of its operation.
func (cp *Checkpointer) adoptLocked(s *Snapshot) {
	if s == nil || s.ID == "" || s.OperationID == "" {
		return
	}
	if prev, ok := cp.snapshots[s.ID]; ok {
		if prev.Status.Terminal() {
			return
		}
		if cp.active[prev.OperationID] == prev.ID {
			delete(cp.active, prev.OperationID)
		}
	}
	cp.snapshots[s.ID] = s
	if s.Status.Terminal() {
		return
	}
	if cur := cp.activeLocked(s.OperationID); cur != nil && cur.ID != s.ID {
		s.Status = Cancelled
		return
	}
	if s.Status == Running {
		s.Status = Paused
	}
	cp.active[s.OperationID] = s.ID
}

func (cp *Checkpointer) Config() Config {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.cfg
}

// UpdateConfig validates and installs cfg, restarting periodic
// checkpointing when its interval changed.
func (cp *Checkpointer) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cp.mu.Lock()
	restart := cfg.CheckpointInterval != cp.cfg.CheckpointInterval && cp.ticker.Running()
	cp.cfg = cfg
	evt := cp.base.Event(events.ConfigUpdated, cfg)
	cp.mu.Unlock()

	if restart {
		cp.ticker.Start(cp.base.Clock, cfg.CheckpointInterval, func() { cp.CreateCheckpoints() })
	}
	cp.base.Publish([]events.Event{evt})
	return nil
}

func (cp *Checkpointer) sortedLocked() []*Snapshot {
	out := make([]*Snapshot, 0, len(cp.snapshots))
	for _, s := range cp.snapshots {
		out = append(out, s)
	}
	sortSnapshots(out)
	return out
}

func (cp *Checkpointer) activeSortedLocked() []*Snapshot {
	out := make([]*Snapshot, 0, len(cp.active))
	for _, id := range cp.active {
		if s, ok := cp.snapshots[id]; ok {
			out = append(out, s)
		}
	}
	sortSnapshots(out)
	return out
}

func sortSnapshots(s []*Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].StartTime.Equal(s[j].StartTime) {
			return s[i].ID < s[j].ID
		}
		return s[i].StartTime.Before(s[j].StartTime)
	})
}

func (cp *Checkpointer) persistLocked() {
	cp.base.Save(state{Snapshots: cp.sortedLocked()})
}

func (cp *Checkpointer) load() {
	var st state
	if !cp.base.Load(&st) {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for _, s := range st.Snapshots {
		cp.adoptLocked(s)
	}
}
