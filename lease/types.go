package lease

import (
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/merge"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

// ConflictKind classifies a contended acquisition or update.
type ConflictKind string

const (
	ConcurrentModification ConflictKind = "concurrent_modification"
	VersionMismatch        ConflictKind = "version_mismatch"
	LockExpired            ConflictKind = "lock_expired"
	HolderConflict         ConflictKind = "holder_conflict"
)

// Resolution is the decision recorded on a conflict.
type Resolution string

const (
	LocalWins  Resolution = "local_wins"
	RemoteWins Resolution = "remote_wins"
	Merge      Resolution = "merge"
	Manual     Resolution = "manual"
	Cancel     Resolution = "cancel"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case LocalWins, RemoteWins, Merge, Manual, Cancel:
		return true
	}
	return false
}

// Lease is a time-bounded exclusive claim on (EntityType, EntityKey).
type Lease struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityKey  string         `json:"entity_key"`
	HolderID   string         `json:"holder_id"`
	IssuedAt   time.Time      `json:"issued_at"`
	Version    int64          `json:"version"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the lease has lapsed at now. Expiry is inclusive.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

func (l *Lease) clone() *Lease {
	out := *l
	out.Metadata = payload.Payload(l.Metadata).Clone()
	return &out
}

// Conflict records a rejected acquisition or write. Local is the caller's
// proposed payload, Remote the currently committed entity payload.
type Conflict struct {
	ID            string          `json:"id"`
	LeaseID       string          `json:"lease_id,omitempty"`
	EntityType    string          `json:"entity_type"`
	EntityKey     string          `json:"entity_key"`
	Kind          ConflictKind    `json:"kind"`
	RequestedBy   string          `json:"requested_by"`
	CurrentHolder string          `json:"current_holder,omitempty"`
	LocalVersion  int64           `json:"local_version,omitempty"`
	RemoteVersion int64           `json:"remote_version,omitempty"`
	LocalPayload  payload.Payload `json:"local_payload,omitempty"`
	RemotePayload payload.Payload `json:"remote_payload,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`

	Resolution Resolution   `json:"resolution,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	MergeRules []merge.Rule `json:"merge_rules,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (c Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

func (c *Conflict) clone() *Conflict {
	out := *c
	out.LocalPayload = c.LocalPayload.Clone()
	out.RemotePayload = c.RemotePayload.Clone()
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	if c.MergeRules != nil {
		out.MergeRules = append([]merge.Rule(nil), c.MergeRules...)
	}
	return &out
}

// Entity is the last committed payload for (EntityType, EntityKey).
type Entity struct {
	EntityType string          `json:"entity_type"`
	EntityKey  string          `json:"entity_key"`
	Payload    payload.Payload `json:"payload"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	UpdatedBy  string          `json:"updated_by"`
}

func (e *Entity) clone() *Entity {
	out := *e
	out.Payload = e.Payload.Clone()
	return &out
}

// AcquireOptions tunes AcquireLease. A zero Duration uses the configured
// default.
type AcquireOptions struct {
	Duration time.Duration
	Metadata map[string]any
}

// UpdateOptions tunes UpdateEntity. ExpectedVersion is compared with the
// committed entity version; nil skips the check. MergeStrategy, when set and
// merging is enabled, turns a version mismatch into an automatic merge.
type UpdateOptions struct {
	ExpectedVersion *int64
	MergeStrategy   *merge.Strategy
}

// UpdateResult is returned by UpdateEntity.
type UpdateResult struct {
	Success  bool
	Conflict *Conflict
	Payload  payload.Payload
	Version  int64
}

// EntityEvent is the payload of entityUpdated.
type EntityEvent struct {
	Entity Entity
	Lease  *Lease
}

// state is the persisted blob.
type state struct {
	Leases    []*Lease    `json:"leases"`
	Conflicts []*Conflict `json:"conflicts"`
	Entities  []*Entity   `json:"entities"`
}
