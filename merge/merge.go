// Package merge implements rule-driven field-level merging of two payloads.
// Both the lease manager and the record store resolve "merge" conflicts with
// Apply.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

// FieldStrategy selects how one field is merged.
type FieldStrategy string

const (
	// Latest takes the local value only when the local side is strictly newer.
	Latest FieldStrategy = "latest"
	Local  FieldStrategy = "local"
	Remote FieldStrategy = "remote"
	// Merge and Custom both call the field's Handler and keep the local
	// value when no handler is registered.
	Merge  FieldStrategy = "merge"
	Custom FieldStrategy = "custom"
)

// Valid reports whether s is a known strategy.
func (s FieldStrategy) Valid() bool {
	switch s {
	case Latest, Local, Remote, Merge, Custom:
		return true
	}
	return false
}

// Rule merges one (possibly dotted) field. Rules run in ascending Priority;
// a later rule may overwrite a field written by an earlier one.
type Rule struct {
	Field    string        `json:"field"`
	Strategy FieldStrategy `json:"strategy"`
	Priority int           `json:"priority"`
}

// Handler combines a local and a remote field value. Either value may be nil
// when the field is absent on that side. Returning nil removes the field.
type Handler func(local, remote any, localTS, remoteTS time.Time) any

// Strategy is an ordered rule list plus named field handlers.
type Strategy struct {
	Rules    []Rule             `json:"rules"`
	Handlers map[string]Handler `json:"-"`
}

// Side is one participant of a merge.
type Side struct {
	Payload   payload.Payload
	Timestamp time.Time
}

// Validate checks every rule names a field and a known strategy.
func (s Strategy) Validate() error {
	for i, r := range s.Rules {
		if r.Field == "" {
			return fmt.Errorf("rule %d: field is required", i)
		}
		if !r.Strategy.Valid() {
			return fmt.Errorf("rule %d (%s): unknown strategy %q", i, r.Field, r.Strategy)
		}
	}
	return nil
}

// Apply merges remote into a copy of local according to s. Fields not named
// by any rule keep their local value. Inputs are never mutated.
func Apply(local, remote Side, s Strategy) payload.Payload {
	out := local.Payload.Clone()
	if out == nil {
		out = payload.Payload{}
	}

	rules := make([]Rule, len(s.Rules))
	copy(rules, s.Rules)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		lv, _ := local.Payload.Get(rule.Field)
		rv, _ := remote.Payload.Get(rule.Field)

		var chosen any
		switch rule.Strategy {
		case Latest:
			if local.Timestamp.After(remote.Timestamp) {
				chosen = lv
			} else {
				chosen = rv
			}
		case Local:
			chosen = lv
		case Remote:
			chosen = rv
		case Merge, Custom:
			if h, ok := s.Handlers[rule.Field]; ok && h != nil {
				chosen = h(lv, rv, local.Timestamp, remote.Timestamp)
			} else {
				chosen = lv
			}
		default:
			chosen = lv
		}

		if chosen == nil {
			out.Delete(rule.Field)
			continue
		}
		out.Set(rule.Field, cloneAny(chosen))
	}
	return out
}

// LaterWins returns a copy of whichever side has the later timestamp; ties go
// to remote. It is the coarse default used when no Strategy is supplied.
func LaterWins(local, remote Side) payload.Payload {
	if local.Timestamp.After(remote.Timestamp) {
		return local.Payload.Clone()
	}
	return remote.Payload.Clone()
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(payload.Payload(t).Clone())
	case payload.Payload:
		return t.Clone()
	default:
		return v
	}
}
