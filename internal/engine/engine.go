// Package engine holds the plumbing shared by the four consistency engines:
// id generation, event stamping and best-effort persistence of one JSON blob.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-consistency-kit/clock"
	"github.com/c0deZ3R0/go-consistency-kit/errors"
	"github.com/c0deZ3R0/go-consistency-kit/events"
	"github.com/c0deZ3R0/go-consistency-kit/logging"
	"github.com/c0deZ3R0/go-consistency-kit/storage"
)

// DefaultPersistTimeout bounds a single store read or write.
const DefaultPersistTimeout = 5 * time.Second

// IDGenerator produces entity ids.
type IDGenerator interface {
	Generate(prefix string) string
}

// UUIDv7Generator generates time-sortable ids of the form "<prefix>_<uuidv7>".
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

func (UUIDv7Generator) Generate(prefix string) string {
	return prefix + "_" + uuid.Must(uuid.NewV7()).String()
}

// SequenceGenerator returns "<prefix>-1", "<prefix>-2", ... per prefix. Tests
// use it for predictable ids.
type SequenceGenerator struct {
	mu   sync.Mutex
	next map[string]int
}

func (g *SequenceGenerator) Generate(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next == nil {
		g.next = make(map[string]int)
	}
	g.next[prefix]++
	return fmt.Sprintf("%s-%d", prefix, g.next[prefix])
}

// Base carries the collaborators every engine is built from. The zero value
// is completed by Defaults.
type Base struct {
	Component logging.Component
	Key       string
	Clock     clock.Clock
	Bus       *events.Bus
	Store     storage.Store
	Logger    *logging.Logger
	IDs       IDGenerator

	PersistTimeout time.Duration
}

// Defaults fills unset collaborators. A nil Store disables persistence.
func (b *Base) Defaults(component logging.Component, engineName string) {
	b.Component = component
	if b.Key == "" {
		b.Key = storage.Key(engineName)
	}
	if b.Clock == nil {
		b.Clock = clock.Real{}
	}
	if b.Logger == nil {
		b.Logger = logging.WithComponent(component)
	}
	if b.Bus == nil {
		b.Bus = events.NewBus(b.Logger)
	}
	if b.IDs == nil {
		b.IDs = UUIDv7Generator{}
	}
	if b.PersistTimeout == 0 {
		b.PersistTimeout = DefaultPersistTimeout
	}
}

// Event stamps an event with the engine's component and the current time.
func (b *Base) Event(kind events.Kind, payload any) events.Event {
	return events.Event{
		Kind:    kind,
		Source:  string(b.Component),
		Time:    b.Clock.Now(),
		Payload: payload,
	}
}

// Publish delivers queued events in order. Callers collect events while
// holding their lock and publish after releasing it.
func (b *Base) Publish(evts []events.Event) {
	for _, e := range evts {
		b.Bus.Publish(e)
	}
}

// Save writes v under the engine key. Failures are logged and swallowed: the
// in-memory state stays authoritative for the session.
func (b *Base) Save(v any) {
	if b.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.PersistTimeout)
	defer cancel()
	if err := storage.SaveJSON(ctx, b.Store, b.Key, v); err != nil {
		b.Logger.LogError(ctx, errors.E(errors.OpSave, errors.Component(b.Component), err),
			"failed to persist state", slog.String("key", b.Key))
	}
}

// Load reads the engine blob into v. A missing, unreadable or corrupt blob
// is logged and reported as false so the engine starts empty.
func (b *Base) Load(v any) bool {
	if b.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.PersistTimeout)
	defer cancel()
	found, err := storage.LoadJSON(ctx, b.Store, b.Key, v)
	if err != nil {
		b.Logger.LogError(ctx, errors.E(errors.OpLoad, errors.Component(b.Component), err),
			"failed to load persisted state, starting empty", slog.String("key", b.Key))
		return false
	}
	return found
}

// Ticker owns one periodic job and lets it be restarted with a new interval.
type Ticker struct {
	mu   sync.Mutex
	stop func()
}

// Start replaces any running job with fn every interval.
func (t *Ticker) Start(c clock.Clock, interval time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		t.stop()
	}
	t.stop = c.Every(interval, fn)
}

// Stop halts the job. Stop is idempotent.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

// Running reports whether a job is scheduled.
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
