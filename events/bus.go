// Package events implements the typed message bus the engines publish on.
//
// Handlers run synchronously on the publishing goroutine. Engines publish only
// after releasing their own locks, so a handler may call back into any engine.
package events

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/logging"
)

// Kind names an event.
type Kind string

// Lease events.
const (
	LockAcquired     Kind = "lockAcquired"
	LockConflict     Kind = "lockConflict"
	LockReleased     Kind = "lockReleased"
	LockRenewed      Kind = "lockRenewed"
	LockExpired      Kind = "lockExpired"
	EntityUpdated    Kind = "entityUpdated"
	ConflictCreated  Kind = "conflictCreated"
	ConflictResolved Kind = "conflictResolved"
)

// Record events.
const (
	RecordCreated       Kind = "recordCreated"
	RecordUpdated       Kind = "recordUpdated"
	RecordDeleted       Kind = "recordDeleted"
	RecordConflictCheck Kind = "recordConflictCheck"
)

// Operation events.
const (
	OperationStarted           Kind = "operationStarted"
	ProgressUpdated            Kind = "progressUpdated"
	CheckpointCreated          Kind = "checkpointCreated"
	OperationCompleted         Kind = "operationCompleted"
	OperationFailed            Kind = "operationFailed"
	OperationCancelled         Kind = "operationCancelled"
	OperationPaused            Kind = "operationPaused"
	OperationResumed           Kind = "operationResumed"
	ResumableOperationDetected Kind = "resumableOperationDetected"
	SnapshotsCleanedUp         Kind = "snapshotsCleanedUp"
	OperationDataImported      Kind = "operationDataImported"
)

// Freshness events.
const (
	DataRegistered         Kind = "dataRegistered"
	DataUpdated            Kind = "dataUpdated"
	FreshnessStatusChanged Kind = "freshnessStatusChanged"
	DataRefreshed          Kind = "dataRefreshed"
	RefreshFailed          Kind = "refreshFailed"
	DataSourceRegistered   Kind = "dataSourceRegistered"
	FreshnessDataCleared   Kind = "freshnessDataCleared"
)

// Shared events.
const (
	ReconnectionDetected  Kind = "reconnectionDetected"
	DisconnectionDetected Kind = "disconnectionDetected"
	ConfigUpdated         Kind = "configUpdated"
	ValidationFailed      Kind = "validationFailed"
	StorageChanged        Kind = "storageChanged"
)

// Event is one published notification. Payload holds the engine-specific
// value, usually a copy of the affected entity.
type Event struct {
	Kind    Kind
	Source  string
	Time    time.Time
	Payload any
}

// Handler receives events.
type Handler func(Event)

// As extracts a typed payload from an event.
func As[T any](e Event) (T, bool) {
	v, ok := e.Payload.(T)
	return v, ok
}

type subscription struct {
	id      uint64
	kind    Kind // empty for wildcard subscriptions
	handler Handler
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *logging.Logger
}

// NewBus creates a bus. A nil logger uses the process default.
func NewBus(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.WithComponent(logging.Component("event-bus"))
	}
	return &Bus{logger: logger}
}

// Subscribe registers h for events of kind k and returns a function that
// removes the subscription.
func (b *Bus) Subscribe(k Kind, h Handler) func() {
	return b.add(k, h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.add("", h)
}

func (b *Bus) add(k Kind, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, kind: k, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers e to every matching subscriber. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	matching := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == "" || s.kind == e.Kind {
			matching = append(matching, s)
		}
	}
	b.mu.RUnlock()

	sort.SliceStable(matching, func(i, j int) bool { return matching[i].id < matching[j].id })
	for _, s := range matching {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", string(e.Kind)),
				slog.String("source", e.Source),
				slog.Any("panic", r),
			)
		}
	}()
	s.handler(e)
}

// Subscribers reports how many subscriptions are registered.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
