package record

import (
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/merge"
	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

// ModificationKind tags the last change applied to a record.
type ModificationKind string

const (
	Create ModificationKind = "create"
	Update ModificationKind = "update"
	Delete ModificationKind = "delete"
)

// ConflictKind classifies a rejected write or a failed integrity check.
type ConflictKind string

const (
	TimestampConflict ConflictKind = "timestamp_conflict"
	VersionConflict   ConflictKind = "version_conflict"
	ChecksumConflict  ConflictKind = "checksum_conflict"
)

// Resolution is the decision recorded on a conflict.
type Resolution string

const (
	LocalWins  Resolution = "local_wins"
	RemoteWins Resolution = "remote_wins"
	Merge      Resolution = "merge"
	Manual     Resolution = "manual"
)

func (r Resolution) Valid() bool {
	switch r {
	case LocalWins, RemoteWins, Merge, Manual:
		return true
	}
	return false
}

// Origin values set by the store itself.
const (
	OriginLocal      = "local"
	OriginMerge      = "merge"
	OriginResolution = "resolution"
)

// Record is one timestamped, checksummed version of a payload. Version grows
// strictly with every create, update, delete and applied resolution.
type Record struct {
	ID               string           `json:"id"`
	Payload          payload.Payload  `json:"payload"`
	Timestamp        time.Time        `json:"timestamp"`
	Version          int64            `json:"version"`
	HolderID         string           `json:"holder_id"`
	Checksum         string           `json:"checksum"`
	LastModified     time.Time        `json:"last_modified"`
	ModifiedBy       string           `json:"modified_by"`
	ModificationKind ModificationKind `json:"modification_kind"`
	Origin           string           `json:"origin"`
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	return r.ModificationKind == Delete
}

func (r Record) clone() Record {
	r.Payload = r.Payload.Clone()
	return r
}

// Conflict pairs the stored record (Local) with the rejected or recomputed
// one (Remote).
type Conflict struct {
	ID        string       `json:"id"`
	RecordID  string       `json:"record_id"`
	Kind      ConflictKind `json:"kind"`
	Local     Record       `json:"local"`
	Remote    Record       `json:"remote"`
	CreatedAt time.Time    `json:"created_at"`

	Resolution Resolution   `json:"resolution,omitempty"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
	MergeRules []merge.Rule `json:"merge_rules,omitempty"`
}

func (c Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

func (c *Conflict) clone() *Conflict {
	out := *c
	out.Local = c.Local.clone()
	out.Remote = c.Remote.clone()
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	if c.MergeRules != nil {
		out.MergeRules = append([]merge.Rule(nil), c.MergeRules...)
	}
	return &out
}

// CreateOptions tunes CreateRecord. A non-empty Checksum is stored verbatim
// instead of being computed, for records imported with a checksum vouched for
// elsewhere.
type CreateOptions struct {
	Origin   string
	Checksum string
}

// UpdateOptions tunes UpdateRecord. Force skips conflict detection.
// ExpectedVersion, when set, must equal the stored version.
type UpdateOptions struct {
	Force           bool
	ExpectedVersion *int64
	Origin          string
	Checksum        string
}

// UpdateResult is returned by UpdateRecord.
type UpdateResult struct {
	Success  bool
	Conflict *Conflict
	Record   *Record
}

type state struct {
	Records   []*Record   `json:"records"`
	Conflicts []*Conflict `json:"conflicts"`
}
