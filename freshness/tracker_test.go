package freshness

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
	"github.com/c0deZ3R0/go-consistency-kit/storage/memory"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	tr     *Tracker
	clock  *clock.Manual
	store  *memory.Store
	bus    *events.Bus
	events []events.Event
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.NewManual(epoch),
		store: memory.New(),
		bus:   events.NewBus(logging.Discard()),
	}
	f.bus.SubscribeAll(func(e events.Event) { f.events = append(f.events, e) })
	f.tr = f.open(t, opts...)
	return f
}

func (f *fixture) open(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	base := []Option{
		WithClock(f.clock),
		WithStore(f.store),
		WithBus(f.bus),
		WithLogger(logging.Discard()),
	}
	tr, err := New(append(base, opts...)...)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr
}

func (f *fixture) of(kind events.Kind) []events.Event {
	var out []events.Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// countingFetcher returns responses in order, repeating the last one.
type countingFetcher struct {
	calls     int
	responses []func() (payload.Payload, error)
}

func (c *countingFetcher) Fetch(context.Context, string, string) (payload.Payload, error) {
	i := min(c.calls, len(c.responses)-1)
	c.calls++
	return c.responses[i]()
}

func ok(p payload.Payload) func() (payload.Payload, error) {
	return func() (payload.Payload, error) { return p, nil }
}

func fail(msg string) func() (payload.Payload, error) {
	return func() (payload.Payload, error) { return nil, fmt.Errorf("%s", msg) }
}

func TestRegisterData(t *testing.T) {
	f := newFixture(t)
	data := payload.Payload{"name": "alpha"}

	e, err := f.tr.RegisterData("project", "p1", data, RegisterOptions{ScopeID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "project_p1", e.ID)
	assert.Equal(t, Fresh, e.Status)
	assert.Equal(t, 5*time.Minute, e.TTL)
	assert.Equal(t, SourceLocal, e.Source)
	assert.Equal(t, epoch, e.LastUpdated)
	assert.Equal(t, int64(1), e.Metadata.Version)
	assert.Equal(t, payload.Checksum(data), e.Metadata.Checksum)
	assert.Equal(t, "anonymous", e.Metadata.ActorID)
	assert.Equal(t, "s1", e.Metadata.ScopeID)

	got := f.of(events.DataRegistered)
	require.Len(t, got, 1)
	reg, isEntry := events.As[Entry](got[0])
	require.True(t, isEntry)
	assert.Equal(t, "project_p1", reg.ID)
}

func TestRegisterDataValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.tr.RegisterData("", "p1", nil, RegisterOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
	_, err = f.tr.UpdateData("project", "", nil, UpdateOptions{})
	require.Error(t, err)

	assert.Len(t, f.of(events.ValidationFailed), 2)
	assert.Empty(t, f.tr.Entries())
}

func TestUpdateData(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", payload.Payload{"v": 1}, RegisterOptions{
		ActorID:  "alice",
		Metadata: payload.Payload{"tab": "main"},
	})
	require.NoError(t, err)

	f.clock.Set(epoch.Add(3 * time.Minute))
	next := payload.Payload{"v": 2}
	e, err := f.tr.UpdateData("project", "p1", next, UpdateOptions{
		Source:   SourceCache,
		Metadata: payload.Payload{"reason": "sync"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Metadata.Version)
	assert.Equal(t, payload.Checksum(next), e.Metadata.Checksum)
	assert.Equal(t, "alice", e.Metadata.ActorID)
	assert.Equal(t, SourceCache, e.Source)
	assert.Equal(t, payload.Payload{"tab": "main", "reason": "sync"}, e.Metadata.Extra)
	assert.Equal(t, epoch.Add(3*time.Minute), e.LastUpdated)
	assert.Len(t, f.of(events.DataUpdated), 1)

	// Untracked data is registered.
	e, err = f.tr.UpdateData("user", "u1", payload.Payload{}, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Metadata.Version)
	assert.Len(t, f.of(events.DataRegistered), 2)
}

func TestFreshnessBoundaries(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("file", "f1", nil, RegisterOptions{TTL: time.Minute})
	require.NoError(t, err)

	f.clock.Set(epoch.Add(time.Minute - time.Millisecond))
	assert.True(t, f.tr.IsDataFresh("file", "f1"))
	f.clock.Set(epoch.Add(time.Minute))
	assert.False(t, f.tr.IsDataFresh("file", "f1"))

	f.clock.Set(epoch.Add(2*time.Minute - time.Millisecond))
	assert.False(t, f.tr.IsDataStale("file", "f1"))
	f.clock.Set(epoch.Add(2 * time.Minute))
	assert.True(t, f.tr.IsDataStale("file", "f1"))
	assert.False(t, f.tr.IsDataExpired("file", "f1"))

	f.clock.Set(epoch.Add(10 * time.Minute))
	assert.False(t, f.tr.IsDataStale("file", "f1"))
	assert.True(t, f.tr.IsDataExpired("file", "f1"))
}

func TestUntrackedDataIsStaleAndExpired(t *testing.T) {
	f := newFixture(t)
	assert.False(t, f.tr.IsDataFresh("file", "nope"))
	assert.True(t, f.tr.IsDataStale("file", "nope"))
	assert.True(t, f.tr.IsDataExpired("file", "nope"))
}

func TestTTLScenario(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", payload.Payload{"a": 1}, RegisterOptions{TTL: 60 * time.Second})
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	assert.False(t, f.tr.IsDataFresh("project", "p1"))
	assert.False(t, f.tr.IsDataExpired("project", "p1"))

	f.clock.Advance(10 * time.Minute)
	assert.True(t, f.tr.IsDataExpired("project", "p1"))
}

func TestStatusReclassificationTimer(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{})
	require.NoError(t, err)

	f.clock.Advance(2*time.Minute - time.Second)
	assert.Empty(t, f.of(events.FreshnessStatusChanged))

	f.clock.Advance(time.Second)
	changes := f.of(events.FreshnessStatusChanged)
	require.Len(t, changes, 1)
	sc, isChange := events.As[StatusChange](changes[0])
	require.True(t, isChange)
	assert.Equal(t, Fresh, sc.Previous)
	assert.Equal(t, Stale, sc.Entry.Status)
	assert.Len(t, f.tr.StaleEntries(), 1)

	f.clock.Advance(8 * time.Minute)
	assert.Len(t, f.of(events.FreshnessStatusChanged), 2)
	assert.Len(t, f.tr.ExpiredEntries(), 1)
	assert.Empty(t, f.tr.StaleEntries())
}

func TestRefreshData(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", payload.Payload{"v": 1}, RegisterOptions{TTL: time.Minute})
	require.NoError(t, err)

	fetched := payload.Payload{"v": 2}
	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){ok(fetched)}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "project", Fetcher: fetcher}))
	assert.Len(t, f.of(events.DataSourceRegistered), 1)

	// Within the TTL nothing is fetched.
	res, err := f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{})
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.Equal(t, 0, fetcher.calls)

	f.clock.Set(epoch.Add(90 * time.Second))
	res, err = f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{ActorID: "bob"})
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, fetched, res.Data)
	assert.Equal(t, int64(2), res.Entry.Metadata.Version)
	assert.Equal(t, SourceRemote, res.Entry.Source)
	assert.Equal(t, "bob", res.Entry.Metadata.ActorID)
	assert.Equal(t, payload.Checksum(fetched), res.Entry.Metadata.Checksum)
	assert.Equal(t, Fresh, res.Entry.Status)

	refreshed := f.of(events.DataRefreshed)
	require.Len(t, refreshed, 1)
	r, isRefreshed := events.As[Refreshed](refreshed[0])
	require.True(t, isRefreshed)
	assert.Equal(t, fetched, r.Data)

	// Force fetches even fresh data.
	res, err = f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, 2, fetcher.calls)
}

func TestRefreshDataErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true})
	assert.True(t, stderrors.Is(err, ErrUnknownEntry))

	_, err = f.tr.RegisterData("project", "p1", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true})
	assert.True(t, stderrors.Is(err, ErrNoDataSource))
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.Empty(t, f.of(events.RefreshFailed))
}

func TestRefreshRetries(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{})
	require.NoError(t, err)

	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){
		fail("timeout"), fail("timeout"), ok(payload.Payload{"v": 2}),
	}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{
		ID:       "src",
		DataType: "project",
		Fetcher:  fetcher,
		Strategy: RefreshStrategy{Type: Immediate, Priority: High, RetryAttempts: 2, RetryDelay: time.Second},
	}))

	res, err := f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 2*time.Second, res.Duration)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, f.clock.Slept())
	assert.Empty(t, f.of(events.RefreshFailed))
}

func TestRefreshFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", payload.Payload{"v": 1}, RegisterOptions{})
	require.NoError(t, err)

	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){fail("connection refused")}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "project", Fetcher: fetcher}))

	override := RefreshStrategy{Type: OnDemand, RetryAttempts: 1, RetryDelay: 500 * time.Millisecond}
	_, err = f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true, Strategy: &override})
	require.Error(t, err)
	assert.Equal(t, errors.KindRefresh, errors.KindOf(err))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, 2, fetcher.calls)

	failures := f.of(events.RefreshFailed)
	require.Len(t, failures, 1)
	rf, isFailure := events.As[RefreshFailure](failures[0])
	require.True(t, isFailure)
	assert.Equal(t, 2, rf.Attempts)
	assert.Contains(t, rf.Error, "connection refused")

	e, found := f.tr.Entry("project", "p1")
	require.True(t, found)
	assert.Equal(t, int64(1), e.Metadata.Version)
	assert.Equal(t, SourceLocal, e.Source)
}

func TestRefreshSuperseded(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{})
	require.NoError(t, err)

	inner := payload.Payload{"v": "inner"}
	var innerErr error
	calls := 0
	fetcher := FetcherFunc(func(ctx context.Context, dataType, dataID string) (payload.Payload, error) {
		calls++
		if calls == 1 {
			// A second refresh starts and finishes while the first is in flight.
			_, innerErr = f.tr.RefreshData(ctx, dataType, dataID, RefreshOptions{Force: true})
			return payload.Payload{"v": "outer"}, nil
		}
		return inner, nil
	})
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "project", Fetcher: fetcher}))

	_, err = f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true})
	assert.True(t, stderrors.Is(err, ErrRefreshSuperseded))
	require.NoError(t, innerErr)

	e, _ := f.tr.Entry("project", "p1")
	assert.Equal(t, payload.Checksum(inner), e.Metadata.Checksum)
	assert.Equal(t, int64(2), e.Metadata.Version)
}

func TestDataSourceSelection(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{})
	require.NoError(t, err)
	_, err = f.tr.RegisterData("project", "p2", nil, RegisterOptions{})
	require.NoError(t, err)

	general := &countingFetcher{responses: []func() (payload.Payload, error){ok(payload.Payload{"from": "general"})}}
	specific := &countingFetcher{responses: []func() (payload.Payload, error){ok(payload.Payload{"from": "specific"})}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "all", DataType: "project", Fetcher: general}))
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "one", DataType: "project", DataID: "p2", Fetcher: specific}))

	res, err := f.tr.RefreshData(context.Background(), "project", "p2", RefreshOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "specific", res.Data["from"])
	res, err = f.tr.RefreshData(context.Background(), "project", "p1", RefreshOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, "general", res.Data["from"])

	err = f.tr.RegisterDataSource(DataSource{ID: "broken", DataType: "project"})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
	assert.Len(t, f.tr.DataSources(), 2)
}

func TestScheduledRefresh(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{TTL: time.Minute})
	require.NoError(t, err)
	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){ok(payload.Payload{"v": 2})}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "project", Fetcher: fetcher}))

	f.clock.Advance(90 * time.Second)
	assert.Equal(t, 0, fetcher.calls)

	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, fetcher.calls)
	e, _ := f.tr.Entry("project", "p1")
	assert.Equal(t, int64(2), e.Metadata.Version)
	assert.Equal(t, Fresh, e.Status)
}

func TestScheduledRefreshDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableAutomaticRefresh = false
	f := newFixture(t, WithConfig(cfg))
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{TTL: time.Minute})
	require.NoError(t, err)
	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){ok(payload.Payload{})}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "project", Fetcher: fetcher}))

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, fetcher.calls)
	assert.Equal(t, 0, f.tr.RefreshStale(context.Background()))
}

func TestOfflineAndReconnect(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{Source: SourceRemote})
	require.NoError(t, err)
	_, err = f.tr.RegisterData("user", "u1", nil, RegisterOptions{})
	require.NoError(t, err)

	f.tr.HandleOffline()
	assert.True(t, f.tr.Offline())
	assert.Len(t, f.of(events.DisconnectionDetected), 1)
	e, _ := f.tr.Entry("project", "p1")
	assert.Equal(t, Unknown, e.Status)
	u, _ := f.tr.Entry("user", "u1")
	assert.Equal(t, Fresh, u.Status)

	f.clock.Set(epoch.Add(3 * time.Minute))
	assert.Equal(t, 1, f.tr.ReclassifyStatuses())
	e, _ = f.tr.Entry("project", "p1")
	assert.Equal(t, Unknown, e.Status)
	u, _ = f.tr.Entry("user", "u1")
	assert.Equal(t, Stale, u.Status)

	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){ok(payload.Payload{"v": 2})}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "project", Fetcher: fetcher}))

	f.clock.Set(epoch.Add(11 * time.Minute))
	assert.Equal(t, 1, f.tr.HandleOnline(context.Background()))
	assert.False(t, f.tr.Offline())
	assert.Len(t, f.of(events.ReconnectionDetected), 1)

	e, _ = f.tr.Entry("project", "p1")
	assert.Equal(t, Fresh, e.Status)
	assert.Equal(t, int64(2), e.Metadata.Version)
	u, _ = f.tr.Entry("user", "u1")
	assert.Equal(t, Expired, u.Status)
}

func TestHandleVisibleRefreshesStale(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("file", "f1", nil, RegisterOptions{TTL: time.Minute})
	require.NoError(t, err)
	_, err = f.tr.RegisterData("file", "f2", nil, RegisterOptions{})
	require.NoError(t, err)
	fetcher := &countingFetcher{responses: []func() (payload.Payload, error){ok(payload.Payload{})}}
	require.NoError(t, f.tr.RegisterDataSource(DataSource{ID: "src", DataType: "file", Fetcher: fetcher}))

	f.clock.Set(epoch.Add(3 * time.Minute))
	require.Equal(t, 2, f.tr.ReclassifyStatuses())

	// f2 is stale but still within its 5m TTL.
	assert.Equal(t, 1, f.tr.HandleVisible(context.Background()))
	assert.Equal(t, 1, fetcher.calls)
	e, _ := f.tr.Entry("file", "f1")
	assert.Equal(t, Fresh, e.Status)
}

func TestClearData(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b"} {
		_, err := f.tr.RegisterData("project", id, nil, RegisterOptions{})
		require.NoError(t, err)
	}
	_, err := f.tr.RegisterData("user", "u1", nil, RegisterOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, f.tr.ClearData("project"))
	require.Len(t, f.tr.Entries(), 1)
	assert.Equal(t, "user_u1", f.tr.Entries()[0].ID)

	assert.Equal(t, 1, f.tr.ClearData(""))
	assert.Empty(t, f.tr.Entries())

	cleared := f.of(events.FreshnessDataCleared)
	require.Len(t, cleared, 2)
	assert.Equal(t, "project", cleared[0].Payload)
}

func TestPersistenceRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", payload.Payload{"v": 1}, RegisterOptions{
		Source:   SourceRemote,
		Metadata: payload.Payload{"tab": "main"},
	})
	require.NoError(t, err)
	_, err = f.tr.UpdateData("project", "p1", payload.Payload{"v": 2}, UpdateOptions{})
	require.NoError(t, err)
	want := f.tr.Entries()
	require.NoError(t, f.tr.Close())

	reopened := f.open(t)
	assert.Equal(t, want, reopened.Entries())
}

func TestChecksumSurvivesReload(t *testing.T) {
	type owner struct {
		Name string `json:"name"`
		Team string `json:"team"`
	}
	data := payload.Payload{"seq": int64(9007199254740993), "owner": owner{Name: "alice", Team: "core"}}

	f := newFixture(t)
	e, err := f.tr.RegisterData("project", "p1", data, RegisterOptions{
		Metadata: payload.Payload{"generation": int64(9007199254740995), "owner": owner{Name: "bob"}},
	})
	require.NoError(t, err)
	assert.Equal(t, payload.Checksum(data), e.Metadata.Checksum)
	assert.Equal(t, json.Number("9007199254740995"), e.Metadata.Extra["generation"])
	want := f.tr.Entries()
	require.NoError(t, f.tr.Close())

	reopened := f.open(t)
	assert.Equal(t, want, reopened.Entries())
	reloaded, _ := reopened.Entry("project", "p1")
	assert.Equal(t, e.Metadata.Checksum, reloaded.Metadata.Checksum)

	_, err = reopened.UpdateData("project", "p1", payload.Payload{"bad": make(chan int)}, UpdateOptions{})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
	_, err = reopened.RegisterData("project", "p2", nil, RegisterOptions{Metadata: payload.Payload{"bad": func() {}}})
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.tr.RegisterData("project", "p1", nil, RegisterOptions{})
	require.NoError(t, err)

	bad := DefaultConfig()
	bad.ExpiredThreshold = bad.StaleThreshold
	assert.Equal(t, errors.KindInvalid, errors.KindOf(f.tr.UpdateConfig(bad)))

	cfg := DefaultConfig()
	cfg.StaleThreshold = 30 * time.Second
	cfg.StatusCheckInterval = time.Minute
	require.NoError(t, f.tr.UpdateConfig(cfg))
	assert.Equal(t, cfg, f.tr.Config())
	assert.Len(t, f.of(events.ConfigUpdated), 1)

	f.clock.Advance(59 * time.Second)
	assert.Empty(t, f.of(events.FreshnessStatusChanged))
	f.clock.Advance(time.Second)
	assert.Len(t, f.of(events.FreshnessStatusChanged), 1)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = 0
	_, err := New(WithConfig(cfg))
	assert.Equal(t, errors.KindInvalid, errors.KindOf(err))
}
