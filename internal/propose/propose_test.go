package propose

import (
	"testing"
	"time"

	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/stretchr/testify/assert"
)

func inst(id string, startedAt int) orch.Instance {
	return orch.Instance{
		Id:        orch.InstanceId(id),
		Condition: orch.Running,
		Goal:      orch.GoalRunning,
		StartedAt: time.Unix(int64(startedAt), 0),
	}
}

func TestPropose(t *testing.T) {
	tests := []struct {
		name          string
		running       []orch.Instance
		hint          []orch.Instance
		scaleTo       int
		killSelection orch.KillSelection
		wantKillIds   []string
		wantStart     *int
	}{
		{
			name:        "scale down picks oldest first",
			running:     []orch.Instance{inst("i1", 0), inst("i2", 1000)},
			scaleTo:     1,
			killSelection: orch.OldestFirst,
			wantKillIds: []string{"i1"},
		},
		{
			name:          "scale down picks youngest first",
			running:       []orch.Instance{inst("i1", 0), inst("i2", 1000)},
			scaleTo:       1,
			killSelection: orch.YoungestFirst,
			wantKillIds:   []string{"i2"},
		},
		{
			name:        "explicit hint exactly covers over capacity",
			running:     []orch.Instance{inst("i1", 0), inst("i2", 1000), inst("i3", 2000)},
			hint:        []orch.Instance{inst("i2", 1000)},
			scaleTo:     2,
			wantKillIds: []string{"i2"},
		},
		{
			name:        "hint names an already-gone instance, dropped",
			running:     []orch.Instance{inst("i1", 0)},
			hint:        []orch.Instance{inst("ghost", 5)},
			scaleTo:     1,
			wantKillIds: nil,
		},
		{
			name:    "scale up with no running instances",
			running: nil,
			scaleTo: 2,
			wantStart: intPtr(2),
		},
		{
			name:        "already at target",
			running:     []orch.Instance{inst("i1", 0)},
			scaleTo:     1,
			wantKillIds: nil,
			wantStart:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Propose(tt.running, tt.hint, tt.scaleTo, tt.killSelection)

			var gotIds []string
			for _, inst := range result.InstancesToKill {
				gotIds = append(gotIds, string(inst.Id))
			}
			assert.Equal(t, tt.wantKillIds, gotIds)

			if tt.wantStart == nil {
				assert.Nil(t, result.InstancesToStart)
			} else {
				if assert.NotNil(t, result.InstancesToStart) {
					assert.Equal(t, *tt.wantStart, *result.InstancesToStart)
				}
			}
		})
	}
}

func TestProposeTotal(t *testing.T) {
	// property: running.size - |toKill| + toStart == scaleTo
	running := []orch.Instance{inst("i1", 0), inst("i2", 1), inst("i3", 2)}
	for scaleTo := 0; scaleTo <= 5; scaleTo++ {
		result := Propose(running, nil, scaleTo, orch.OldestFirst)
		killed := len(result.InstancesToKill)
		started := 0
		if result.InstancesToStart != nil {
			started = *result.InstancesToStart
		}
		assert.Equal(t, scaleTo, len(running)-killed+started)
	}
}

func TestProposeDeterministic(t *testing.T) {
	running := []orch.Instance{inst("i2", 1000), inst("i1", 0), inst("i3", 2000)}
	a := Propose(running, nil, 1, orch.OldestFirst)
	b := Propose(running, nil, 1, orch.OldestFirst)
	assert.Equal(t, a, b)
}

func intPtr(n int) *int { return &n }
