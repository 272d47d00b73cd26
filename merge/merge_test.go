package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-consistency-kit/payload"
)

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
)

func TestApplyEmptyStrategyKeepsLocal(t *testing.T) {
	local := Side{Payload: payload.Payload{"amt": 100.0, "note": "a"}, Timestamp: t0}
	remote := Side{Payload: payload.Payload{"amt": 200.0}, Timestamp: t1}

	out := Apply(local, remote, Strategy{})
	assert.Equal(t, local.Payload, out)

	out["amt"] = 1.0
	assert.Equal(t, 100.0, local.Payload["amt"], "input must not be mutated")
}

func TestApplyStrategies(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		localTS  time.Time
		remoteTS time.Time
		want     any
	}{
		{"local", Rule{Field: "amt", Strategy: Local}, t0, t1, 100.0},
		{"remote", Rule{Field: "amt", Strategy: Remote}, t0, t1, 200.0},
		{"latest remote newer", Rule{Field: "amt", Strategy: Latest}, t0, t1, 200.0},
		{"latest local newer", Rule{Field: "amt", Strategy: Latest}, t1, t0, 100.0},
		{"latest tie goes remote", Rule{Field: "amt", Strategy: Latest}, t0, t0, 200.0},
		{"merge without handler keeps local", Rule{Field: "amt", Strategy: Merge}, t0, t1, 100.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := Side{Payload: payload.Payload{"amt": 100.0}, Timestamp: tt.localTS}
			remote := Side{Payload: payload.Payload{"amt": 200.0}, Timestamp: tt.remoteTS}
			out := Apply(local, remote, Strategy{Rules: []Rule{tt.rule}})
			assert.Equal(t, tt.want, out["amt"])
		})
	}
}

func TestApplyPriorityOrder(t *testing.T) {
	local := Side{Payload: payload.Payload{"amt": 100.0}, Timestamp: t0}
	remote := Side{Payload: payload.Payload{"amt": 200.0}, Timestamp: t1}

	s := Strategy{Rules: []Rule{
		{Field: "amt", Strategy: Local, Priority: 2},
		{Field: "amt", Strategy: Remote, Priority: 1},
	}}
	out := Apply(local, remote, s)
	assert.Equal(t, 100.0, out["amt"], "higher priority value runs last and wins")
}

func TestApplyCustomHandlerAndNestedFields(t *testing.T) {
	local := Side{Payload: payload.Payload{
		"totals": map[string]any{"count": 3.0},
		"tags":   "a",
	}, Timestamp: t0}
	remote := Side{Payload: payload.Payload{
		"totals": map[string]any{"count": 4.0},
	}, Timestamp: t1}

	s := Strategy{
		Rules: []Rule{
			{Field: "totals.count", Strategy: Custom},
			{Field: "tags", Strategy: Remote},
		},
		Handlers: map[string]Handler{
			"totals.count": func(l, r any, _, _ time.Time) any {
				return l.(float64) + r.(float64)
			},
		},
	}

	out := Apply(local, remote, s)
	got, ok := out.Get("totals.count")
	require.True(t, ok)
	assert.Equal(t, 7.0, got)
	_, ok = out["tags"]
	assert.False(t, ok, "remote side lacks the field so it is removed")
}

func TestLaterWins(t *testing.T) {
	local := Side{Payload: payload.Payload{"v": "local"}, Timestamp: t1}
	remote := Side{Payload: payload.Payload{"v": "remote"}, Timestamp: t0}
	assert.Equal(t, "local", LaterWins(local, remote)["v"])
	assert.Equal(t, "remote", LaterWins(remote, local)["v"])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Strategy{Rules: []Rule{{Field: "a", Strategy: Latest}}}.Validate())
	assert.Error(t, Strategy{Rules: []Rule{{Field: "", Strategy: Latest}}}.Validate())
	assert.Error(t, Strategy{Rules: []Rule{{Field: "a", Strategy: "newest"}}}.Validate())
}
