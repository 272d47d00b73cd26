package checkpoint

import (
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

// Status is the lifecycle state of one operation snapshot.
type Status string

const (
	Running   Status = "running"
	Paused    Status = "paused"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is completed, failed or cancelled. Terminal
// snapshots never change status again.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Counters tracks work items of an operation.
type Counters struct {
	Processed int64 `json:"processed"`
	Total     int64 `json:"total"`
	Errors    int64 `json:"errors"`
	Warnings  int64 `json:"warnings"`
}

// Owner identifies who started an operation.
type Owner struct {
	ActorID   string `json:"actor_id,omitempty"`
	ScopeID   string `json:"scope_id,omitempty"`
	SessionID string `json:"session_id"`
}

// Checkpoint is the last persisted restart point of an operation.
type Checkpoint struct {
	Stage          string          `json:"stage"`
	Data           payload.Payload `json:"data"`
	Metadata       payload.Payload `json:"metadata"`
	LastCheckpoint *time.Time      `json:"last_checkpoint,omitempty"`
	Emergency      bool            `json:"emergency,omitempty"`
}

// ResumeState is captured at every checkpoint.
type ResumeState struct {
	Stage        string    `json:"stage"`
	Progress     float64   `json:"progress"`
	Counters     Counters  `json:"counters"`
	Dependencies []string  `json:"dependencies"`
	CapturedAt   time.Time `json:"captured_at"`
}

// Resume holds what is needed to decide and perform a resume. Dependencies
// name snapshot ids or operation ids that must have completed first.
type Resume struct {
	CanResume    bool         `json:"can_resume"`
	ResumePoint  string       `json:"resume_point"`
	Dependencies []string     `json:"dependencies"`
	State        *ResumeState `json:"state,omitempty"`
}

// Snapshot is the progress record of one run of an operation.
type Snapshot struct {
	ID                 string        `json:"id"`
	OperationID        string        `json:"operation_id"`
	OperationType      string        `json:"operation_type"`
	Stage              string        `json:"stage"`
	Progress           float64       `json:"progress"`
	Status             Status        `json:"status"`
	StartTime          time.Time     `json:"start_time"`
	LastUpdateTime     time.Time     `json:"last_update_time"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Counters           Counters      `json:"counters"`
	Owner              Owner         `json:"owner"`
	Checkpoint         Checkpoint    `json:"checkpoint"`
	Resume             Resume        `json:"resume"`
}

func (s *Snapshot) clone() *Snapshot {
	out := *s
	out.Checkpoint.Data = s.Checkpoint.Data.Clone()
	out.Checkpoint.Metadata = s.Checkpoint.Metadata.Clone()
	if s.Checkpoint.LastCheckpoint != nil {
		t := *s.Checkpoint.LastCheckpoint
		out.Checkpoint.LastCheckpoint = &t
	}
	out.Resume.Dependencies = cloneStrings(s.Resume.Dependencies)
	if s.Resume.State != nil {
		st := *s.Resume.State
		st.Dependencies = cloneStrings(s.Resume.State.Dependencies)
		out.Resume.State = &st
	}
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// OperationContext describes an operation being started.
type OperationContext struct {
	OperationID   string
	OperationType string
	ActorID       string
	ScopeID       string
	Metadata      payload.Payload
	Dependencies  []string
}

// ProgressUpdate changes selected fields of a live snapshot. Nil fields are
// left unchanged.
type ProgressUpdate struct {
	Stage              *string
	Progress           *float64
	Status             *Status
	EstimatedRemaining *time.Duration
	Counters           *CountersUpdate
	Checkpoint         *CheckpointUpdate
	Resume             *ResumeUpdate
}

type CountersUpdate struct {
	Processed *int64
	Total     *int64
	Errors    *int64
	Warnings  *int64
}

// CheckpointUpdate replaces Data when non-nil and merges Metadata keys.
type CheckpointUpdate struct {
	Stage    *string
	Data     payload.Payload
	Metadata payload.Payload
}

// ResumeUpdate replaces Dependencies when non-nil.
type ResumeUpdate struct {
	CanResume    *bool
	ResumePoint  *string
	Dependencies []string
}

// FailureEvent is the payload of operationFailed.
type FailureEvent struct {
	Snapshot Snapshot
	Error    string
}

// Export is the document produced by ExportOperation.
type Export struct {
	OperationID string      `json:"operation_id"`
	Snapshots   []*Snapshot `json:"snapshots"`
	ExportedAt  time.Time   `json:"exported_at"`
	Version     string      `json:"version"`
}

// ExportVersion is written into every export.
const ExportVersion = "1.0"

type state struct {
	Snapshots []*Snapshot `json:"snapshots"`
}
