// Package freshness classifies cached data by age and keeps it current by
// refreshing stale entries from registered data sources.
package freshness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/internal/engine"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

const component = string(logging.ComponentFreshness)

const (
	opRegister       errors.Op = "register_data"
	opRegisterSource errors.Op = "register_data_source"
)

var (
	// ErrRefreshSuperseded is returned by a refresh whose result was
	// discarded because a later refresh of the same entry started meanwhile.
	ErrRefreshSuperseded = errors.E(errors.OpRefresh, errors.Component(component), errors.KindContention,
		"refresh superseded by a later refresh")

	// ErrNoDataSource is returned when no registered source serves an entry.
	ErrNoDataSource = errors.E(errors.OpRefresh, errors.Component(component), errors.KindNotFound,
		"no data source registered")

	// ErrUnknownEntry is returned when refreshing data that was never
	// registered.
	ErrUnknownEntry = errors.E(errors.OpRefresh, errors.Component(component), errors.KindNotFound,
		"data is not tracked")
)

// Tracker owns freshness entries and data sources.
//
// Thread-safety: all methods are safe for concurrent use. Fetches run
// without the tracker lock held.
type Tracker struct {
	base engine.Base

	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry
	sources []DataSource
	offline bool
	// refreshGen counts refreshes started per entry id.
	refreshGen map[string]uint64

	ctx    context.Context
	cancel context.CancelFunc

	statusTicker  engine.Ticker
	refreshTicker engine.Ticker
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.base.Clock = c }
}

func WithBus(b *events.Bus) Option {
	return func(t *Tracker) { t.base.Bus = b }
}

func WithStore(s storage.Store) Option {
	return func(t *Tracker) { t.base.Store = s }
}

func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.base.Logger = l }
}

func WithConfig(cfg Config) Option {
	return func(t *Tracker) { t.cfg = cfg }
}

// New creates a Tracker. It returns an error only for invalid configuration.
func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:        DefaultConfig(),
		entries:    make(map[string]*Entry),
		refreshGen: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.base.Defaults(logging.ComponentFreshness, "freshness")
	if err := t.cfg.Validate(); err != nil {
		return nil, err
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Start loads persisted entries and starts status reclassification and
// background refresh. Background refreshes outlive ctx and stop at Close.
func (t *Tracker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.load()

	t.mu.Lock()
	cfg := t.cfg
	t.mu.Unlock()
	t.startTickers(cfg)
	return nil
}

func (t *Tracker) startTickers(cfg Config) {
	t.statusTicker.Start(t.base.Clock, cfg.StatusCheckInterval, func() { t.ReclassifyStatuses() })
	t.refreshTicker.Start(t.base.Clock, cfg.RefreshInterval, func() { t.RefreshStale(t.ctx) })
}

// Close stops the timers, cancels in-flight background refreshes and
// flushes state.
func (t *Tracker) Close() error {
	t.statusTicker.Stop()
	t.refreshTicker.Stop()
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.persistLocked()
	return nil
}

func (t *Tracker) invalid(op errors.Op, format string, args ...any) error {
	err := errors.NewValidationError(op, component, fmt.Errorf(format, args...))
	t.base.Publish([]events.Event{t.base.Event(events.ValidationFailed, err)})
	return err
}

// RegisterData starts tracking (dataType, dataID) as fresh, replacing any
// existing entry.
func (t *Tracker) RegisterData(dataType, dataID string, p payload.Payload, opts RegisterOptions) (*Entry, error) {
	if dataType == "" || dataID == "" {
		return nil, t.invalid(opRegister, "dataType and dataId are required")
	}
	meta, err := t.normalize(p, opts.Metadata)
	if err != nil {
		return nil, err
	}
	opts.Metadata = meta

	t.mu.Lock()
	e := t.registerLocked(dataType, dataID, p, opts)
	t.persistLocked()
	out := e.clone()
	evt := t.base.Event(events.DataRegistered, *e.clone())
	t.mu.Unlock()

	t.base.Publish([]events.Event{evt})
	return out, nil
}

// normalize checks that p is JSON encodable and returns the stored form of
// the caller's metadata.
func (t *Tracker) normalize(p, meta payload.Payload) (payload.Payload, error) {
	if _, err := payload.Normalize(p); err != nil {
		return nil, t.invalid(opRegister, "%v", err)
	}
	out, err := payload.Normalize(meta)
	if err != nil {
		return nil, t.invalid(opRegister, "metadata: %v", err)
	}
	return out, nil
}

func (t *Tracker) registerLocked(dataType, dataID string, p payload.Payload, opts RegisterOptions) *Entry {
	now := t.base.Clock.Now()
	e := &Entry{
		ID:          EntryID(dataType, dataID),
		DataType:    dataType,
		DataID:      dataID,
		LastUpdated: now,
		LastChecked: now,
		Status:      Fresh,
		TTL:         opts.TTL,
		Source:      opts.Source,
		Metadata: Metadata{
			Version:  1,
			Checksum: payload.Checksum(p),
			ActorID:  opts.ActorID,
			ScopeID:  opts.ScopeID,
			Extra:    opts.Metadata.Clone(),
		},
	}
	if e.TTL <= 0 {
		e.TTL = t.cfg.DefaultTTL
	}
	if e.Source == "" {
		e.Source = SourceLocal
	}
	if e.Metadata.ActorID == "" {
		e.Metadata.ActorID = "anonymous"
	}
	t.entries[e.ID] = e
	return e
}

// UpdateData records a new version of tracked data and marks it fresh.
// Untracked data is registered instead.
func (t *Tracker) UpdateData(dataType, dataID string, p payload.Payload, opts UpdateOptions) (*Entry, error) {
	if dataType == "" || dataID == "" {
		return nil, t.invalid(opRegister, "dataType and dataId are required")
	}
	meta, err := t.normalize(p, opts.Metadata)
	if err != nil {
		return nil, err
	}
	opts.Metadata = meta

	t.mu.Lock()
	kind := events.DataUpdated
	e, ok := t.entries[EntryID(dataType, dataID)]
	if ok {
		t.updateLocked(e, p, opts)
	} else {
		kind = events.DataRegistered
		e = t.registerLocked(dataType, dataID, p, RegisterOptions{
			Source:   opts.Source,
			ActorID:  opts.ActorID,
			Metadata: opts.Metadata,
		})
	}
	t.persistLocked()
	out := e.clone()
	evt := t.base.Event(kind, *e.clone())
	t.mu.Unlock()

	t.base.Publish([]events.Event{evt})
	return out, nil
}

func (t *Tracker) updateLocked(e *Entry, p payload.Payload, opts UpdateOptions) {
	now := t.base.Clock.Now()
	e.LastUpdated = now
	e.LastChecked = now
	e.Status = Fresh
	if opts.Source != "" {
		e.Source = opts.Source
	}
	e.Metadata.Version++
	e.Metadata.Checksum = payload.Checksum(p)
	if opts.ActorID != "" {
		e.Metadata.ActorID = opts.ActorID
	}
	for k, v := range opts.Metadata.Clone() {
		if e.Metadata.Extra == nil {
			e.Metadata.Extra = payload.Payload{}
		}
		e.Metadata.Extra[k] = v
	}
}

// Entry returns a copy of the entry for (dataType, dataID).
func (t *Tracker) Entry(dataType, dataID string) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[EntryID(dataType, dataID)]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// IsDataFresh reports whether the data is younger than its TTL. Untracked
// data is never fresh.
func (t *Tracker) IsDataFresh(dataType, dataID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[EntryID(dataType, dataID)]
	return ok && t.freshLocked(e)
}

func (t *Tracker) freshLocked(e *Entry) bool {
	return t.base.Clock.Now().Sub(e.LastUpdated) < e.TTL
}

// IsDataStale reports whether the data's age lies in [stale, expired).
// Untracked data counts as stale.
func (t *Tracker) IsDataStale(dataType, dataID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[EntryID(dataType, dataID)]
	return !ok || t.cfg.classify(t.base.Clock.Now().Sub(e.LastUpdated)) == Stale
}

// IsDataExpired reports whether the data is at least ExpiredThreshold old.
// Untracked data counts as expired.
func (t *Tracker) IsDataExpired(dataType, dataID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[EntryID(dataType, dataID)]
	return !ok || t.cfg.classify(t.base.Clock.Now().Sub(e.LastUpdated)) == Expired
}

// ReclassifyStatuses updates every entry's status from its age and returns
// how many changed. While offline, remote entries marked unknown are left
// alone.
func (t *Tracker) ReclassifyStatuses() int {
	t.mu.Lock()
	evts := t.reclassifyLocked()
	if len(evts) > 0 {
		t.persistLocked()
	}
	t.mu.Unlock()

	t.base.Publish(evts)
	return len(evts)
}

func (t *Tracker) reclassifyLocked() []events.Event {
	now := t.base.Clock.Now()
	var evts []events.Event
	for _, e := range t.sortedLocked() {
		if t.offline && e.Source == SourceRemote && e.Status == Unknown {
			continue
		}
		next := t.cfg.classify(now.Sub(e.LastUpdated))
		if next == e.Status {
			continue
		}
		prev := e.Status
		e.Status = next
		e.LastChecked = now
		evts = append(evts, t.base.Event(events.FreshnessStatusChanged, StatusChange{Entry: *e.clone(), Previous: prev}))
	}
	return evts
}

// RegisterDataSource adds or replaces (by ID) a data source.
func (t *Tracker) RegisterDataSource(src DataSource) error {
	switch {
	case src.ID == "":
		return t.invalid(opRegisterSource, "data source id is required")
	case src.DataType == "":
		return t.invalid(opRegisterSource, "data source %q needs a data type", src.ID)
	case src.Fetcher == nil:
		return t.invalid(opRegisterSource, "data source %q needs a fetcher", src.ID)
	case src.Strategy.RetryAttempts < 0 || src.Strategy.RetryDelay < 0:
		return t.invalid(opRegisterSource, "data source %q has a negative retry setting", src.ID)
	}

	t.mu.Lock()
	replaced := false
	for i, s := range t.sources {
		if s.ID == src.ID {
			t.sources[i] = src
			replaced = true
			break
		}
	}
	if !replaced {
		t.sources = append(t.sources, src)
	}
	evt := t.base.Event(events.DataSourceRegistered, src)
	t.mu.Unlock()

	t.base.Publish([]events.Event{evt})
	return nil
}

// DataSources returns the registered sources in registration order.
func (t *Tracker) DataSources() []DataSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DataSource(nil), t.sources...)
}

func (t *Tracker) sourceLocked(dataType, dataID string) (DataSource, bool) {
	var fallback *DataSource
	for i, s := range t.sources {
		if !s.serves(dataType, dataID) {
			continue
		}
		if s.DataID != "" {
			return s, true
		}
		if fallback == nil {
			fallback = &t.sources[i]
		}
	}
	if fallback == nil {
		return DataSource{}, false
	}
	return *fallback, true
}

// RefreshData fetches the data from its source and records the result as a
// remote update. Fresh data is not fetched unless opts.Force is set. Failed
// fetches are retried per the strategy and reported as refreshFailed; the
// cached entry is left as it was. A refresh overtaken by a later refresh of
// the same entry returns ErrRefreshSuperseded and changes nothing.
func (t *Tracker) RefreshData(ctx context.Context, dataType, dataID string, opts RefreshOptions) (RefreshResult, error) {
	id := EntryID(dataType, dataID)

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return RefreshResult{}, ErrUnknownEntry
	}
	if !opts.Force && t.freshLocked(e) {
		out := e.clone()
		t.mu.Unlock()
		return RefreshResult{Entry: out}, nil
	}
	src, ok := t.sourceLocked(dataType, dataID)
	if !ok {
		t.mu.Unlock()
		return RefreshResult{}, ErrNoDataSource
	}
	strategy := src.Strategy
	if opts.Strategy != nil {
		strategy = *opts.Strategy
	}
	t.refreshGen[id]++
	gen := t.refreshGen[id]
	t.mu.Unlock()

	started := t.base.Clock.Now()
	data, attempts, err := t.fetch(ctx, src, strategy, dataType, dataID)
	elapsed := t.base.Clock.Now().Sub(started)

	if err != nil {
		err = errors.NewRefreshError(errors.OpRefresh, component, err)
		t.base.Logger.LogError(ctx, err, "refresh failed",
			slog.String("entry", id),
			slog.String("source", src.ID),
			slog.Int("attempts", attempts),
		)
		t.base.Publish([]events.Event{t.base.Event(events.RefreshFailed, RefreshFailure{
			DataType: dataType,
			DataID:   dataID,
			Attempts: attempts,
			Error:    err.Error(),
		})})
		return RefreshResult{Attempts: attempts, Duration: elapsed}, err
	}

	t.mu.Lock()
	if t.refreshGen[id] != gen {
		t.mu.Unlock()
		return RefreshResult{Attempts: attempts, Duration: elapsed}, ErrRefreshSuperseded
	}
	e, ok = t.entries[id]
	if !ok {
		t.mu.Unlock()
		return RefreshResult{Attempts: attempts, Duration: elapsed}, ErrUnknownEntry
	}
	t.updateLocked(e, data, UpdateOptions{Source: SourceRemote, ActorID: opts.ActorID})
	t.persistLocked()
	out := e.clone()
	evts := []events.Event{
		t.base.Event(events.DataUpdated, *e.clone()),
		t.base.Event(events.DataRefreshed, Refreshed{
			Entry:    *e.clone(),
			Data:     data.Clone(),
			Attempts: attempts,
			Duration: elapsed,
		}),
	}
	t.mu.Unlock()

	t.base.Publish(evts)
	return RefreshResult{Entry: out, Data: data, Refreshed: true, Attempts: attempts, Duration: elapsed}, nil
}

// fetch calls the source once plus strategy.RetryAttempts retries, waiting
// RetryDelay between attempts.
func (t *Tracker) fetch(ctx context.Context, src DataSource, strategy RefreshStrategy, dataType, dataID string) (payload.Payload, int, error) {
	var (
		data     payload.Payload
		err      error
		attempts int
	)
	for {
		attempts++
		data, err = src.Fetcher.Fetch(ctx, dataType, dataID)
		if err == nil {
			return data, attempts, nil
		}
		if attempts > strategy.RetryAttempts {
			return nil, attempts, err
		}
		if serr := t.base.Clock.Sleep(ctx, strategy.RetryDelay); serr != nil {
			return nil, attempts, fmt.Errorf("%w (retry interrupted: %v)", err, serr)
		}
	}
}

// RefreshStale refreshes every stale entry with BackgroundStrategy and
// returns how many were refreshed. It does nothing when automatic refresh
// is disabled.
func (t *Tracker) RefreshStale(ctx context.Context) int {
	t.mu.Lock()
	if !t.cfg.EnableAutomaticRefresh {
		t.mu.Unlock()
		return 0
	}
	now := t.base.Clock.Now()
	var targets []*Entry
	for _, e := range t.sortedLocked() {
		if t.cfg.classify(now.Sub(e.LastUpdated)) == Stale {
			targets = append(targets, e.clone())
		}
	}
	t.mu.Unlock()

	strategy := BackgroundStrategy
	return t.refreshAll(ctx, targets, RefreshOptions{Strategy: &strategy})
}

func (t *Tracker) refreshAll(ctx context.Context, targets []*Entry, opts RefreshOptions) int {
	n := 0
	for _, e := range targets {
		if ctx.Err() != nil {
			break
		}
		res, err := t.RefreshData(ctx, e.DataType, e.DataID, opts)
		if err == nil && res.Refreshed {
			n++
		}
	}
	return n
}

// HandleOffline marks remote entries unknown until the network returns.
func (t *Tracker) HandleOffline() {
	t.mu.Lock()
	t.offline = true
	now := t.base.Clock.Now()
	var evts []events.Event
	for _, e := range t.sortedLocked() {
		if e.Source != SourceRemote || e.Status == Unknown {
			continue
		}
		prev := e.Status
		e.Status = Unknown
		e.LastChecked = now
		evts = append(evts, t.base.Event(events.FreshnessStatusChanged, StatusChange{Entry: *e.clone(), Previous: prev}))
	}
	t.persistLocked()
	evts = append(evts, t.base.Event(events.DisconnectionDetected, nil))
	t.mu.Unlock()

	t.base.Publish(evts)
}

// HandleOnline reclassifies entries and force-refreshes the expired ones. It
// returns how many were refreshed.
func (t *Tracker) HandleOnline(ctx context.Context) int {
	t.mu.Lock()
	t.offline = false
	evts := t.reclassifyLocked()
	t.persistLocked()
	var targets []*Entry
	for _, e := range t.sortedLocked() {
		if e.Status == Expired {
			targets = append(targets, e.clone())
		}
	}
	evts = append(evts, t.base.Event(events.ReconnectionDetected, nil))
	t.mu.Unlock()

	t.base.Publish(evts)
	return t.refreshAll(ctx, targets, RefreshOptions{Force: true})
}

// HandleVisible refreshes stale and expired entries. Entries still within
// their TTL are skipped.
func (t *Tracker) HandleVisible(ctx context.Context) int {
	t.mu.Lock()
	var targets []*Entry
	for _, e := range t.sortedLocked() {
		if e.Status == Stale || e.Status == Expired {
			targets = append(targets, e.clone())
		}
	}
	t.mu.Unlock()

	return t.refreshAll(ctx, targets, RefreshOptions{})
}

// Offline reports whether HandleOffline was called without a later
// HandleOnline.
func (t *Tracker) Offline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offline
}

// Entries returns all entries ordered by id.
func (t *Tracker) Entries() []*Entry {
	return t.filter(func(*Entry) bool { return true })
}

// StaleEntries returns entries currently classified stale.
func (t *Tracker) StaleEntries() []*Entry {
	return t.filter(func(e *Entry) bool { return e.Status == Stale })
}

// ExpiredEntries returns entries currently classified expired.
func (t *Tracker) ExpiredEntries() []*Entry {
	return t.filter(func(e *Entry) bool { return e.Status == Expired })
}

func (t *Tracker) filter(keep func(*Entry) bool) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Entry
	for _, e := range t.sortedLocked() {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	return out
}

// ClearData drops every entry of dataType, or all entries when dataType is
// empty, and returns how many were removed.
func (t *Tracker) ClearData(dataType string) int {
	t.mu.Lock()
	n := 0
	for id, e := range t.entries {
		if dataType == "" || e.DataType == dataType {
			delete(t.entries, id)
			n++
		}
	}
	t.persistLocked()
	evt := t.base.Event(events.FreshnessDataCleared, dataType)
	t.mu.Unlock()

	t.base.Publish([]events.Event{evt})
	return n
}

func (t *Tracker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// UpdateConfig replaces the configuration and restarts the timers when an
// interval changed. Existing entries keep their TTL.
func (t *Tracker) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	restart := (cfg.StatusCheckInterval != t.cfg.StatusCheckInterval ||
		cfg.RefreshInterval != t.cfg.RefreshInterval) && t.statusTicker.Running()
	t.cfg = cfg
	evt := t.base.Event(events.ConfigUpdated, cfg)
	t.mu.Unlock()

	if restart {
		t.startTickers(cfg)
	}
	t.base.Publish([]events.Event{evt})
	return nil
}

func (t *Tracker) sortedLocked() []*Entry {
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) persistLocked() {
	t.base.Save(state{Entries: t.sortedLocked()})
}

func (t *Tracker) load() {
	var st state
	if !t.base.Load(&st) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range st.Entries {
		if e == nil || e.ID == "" {
			continue
		}
		t.entries[e.ID] = e
	}
}
