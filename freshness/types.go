package freshness

import (
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

// Status classifies an entry by age.
type Status string

const (
	Fresh   Status = "fresh"
	Stale   Status = "stale"
	Expired Status = "expired"
	// Unknown marks remote data whose freshness cannot be verified while
	// the network is down.
	Unknown Status = "unknown"
)

// Source says where the tracked data was last obtained from.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
	SourceCache  Source = "cache"
)

// Metadata describes the current version of the tracked data.
type Metadata struct {
	Version  int64           `json:"version"`
	Checksum string          `json:"checksum"`
	ActorID  string          `json:"actor_id"`
	ScopeID  string          `json:"scope_id,omitempty"`
	Extra    payload.Payload `json:"extra,omitempty"`
}

// Entry is the freshness record of one (dataType, dataId) pair.
type Entry struct {
	ID          string        `json:"id"`
	DataType    string        `json:"data_type"`
	DataID      string        `json:"data_id"`
	LastUpdated time.Time     `json:"last_updated"`
	LastChecked time.Time     `json:"last_checked"`
	Status      Status        `json:"status"`
	TTL         time.Duration `json:"ttl"`
	Source      Source        `json:"source"`
	Metadata    Metadata      `json:"metadata"`
}

// EntryID is the key an entry is stored under.
func EntryID(dataType, dataID string) string {
	return dataType + "_" + dataID
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Metadata.Extra = e.Metadata.Extra.Clone()
	return &out
}

// RegisterOptions tune RegisterData. Zero fields take defaults: the
// configured TTL, SourceLocal and actor "anonymous".
type RegisterOptions struct {
	TTL      time.Duration
	Source   Source
	ActorID  string
	ScopeID  string
	Metadata payload.Payload
}

// UpdateOptions tune UpdateData. Empty fields keep the current values;
// Metadata keys are merged into the entry's extra metadata.
type UpdateOptions struct {
	Source   Source
	ActorID  string
	Metadata payload.Payload
}

type StrategyType string

const (
	Immediate  StrategyType = "immediate"
	Background StrategyType = "background"
	OnDemand   StrategyType = "on_demand"
	Scheduled  StrategyType = "scheduled"
)

type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// RefreshStrategy controls how a refresh is retried. A failed fetch is
// retried RetryAttempts more times, RetryDelay apart.
type RefreshStrategy struct {
	Type          StrategyType  `json:"type"`
	Priority      Priority      `json:"priority"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// BackgroundStrategy is used by scheduled refreshes.
var BackgroundStrategy = RefreshStrategy{
	Type:          Background,
	Priority:      Low,
	RetryAttempts: 1,
	RetryDelay:    time.Second,
}

// DataSource binds a Fetcher to a data type. An empty DataID serves every
// id of the type; a source naming the id wins over a type-wide one.
type DataSource struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	DataType string          `json:"data_type"`
	DataID   string          `json:"data_id,omitempty"`
	Fetcher  Fetcher         `json:"-"`
	Strategy RefreshStrategy `json:"strategy"`
}

func (s DataSource) serves(dataType, dataID string) bool {
	return s.DataType == dataType && (s.DataID == "" || s.DataID == dataID)
}

// RefreshOptions tune RefreshData.
type RefreshOptions struct {
	// Force refreshes even when the entry is still within its TTL.
	Force bool
	// Strategy overrides the data source's strategy.
	Strategy *RefreshStrategy
	ActorID  string
}

// RefreshResult describes a completed RefreshData call. Refreshed is false
// when the entry was fresh and no fetch happened.
type RefreshResult struct {
	Entry     *Entry
	Data      payload.Payload
	Refreshed bool
	Attempts  int
	Duration  time.Duration
}

// StatusChange is the payload of freshnessStatusChanged.
type StatusChange struct {
	Entry    Entry
	Previous Status
}

// Refreshed is the payload of dataRefreshed.
type Refreshed struct {
	Entry    Entry
	Data     payload.Payload
	Attempts int
	Duration time.Duration
}

// RefreshFailure is the payload of refreshFailed.
type RefreshFailure struct {
	DataType string
	DataID   string
	Attempts int
	Error    string
}

type state struct {
	Entries []*Entry `json:"entries"`
}
