package trackerhub

import (
	"testing"
	"time"

	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeSnapshotThenStream(t *testing.T) {
	tracker := NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Running, Goal: orch.GoalRunning})

	stream := tracker.Subscribe()
	require.Len(t, stream.Snapshot, 1)
	assert.Equal(t, orch.InstanceId("i1"), stream.Snapshot[0].Id)

	tracker.Put(orch.Instance{Id: "i2", RunSpecId: "/app", Condition: orch.Starting, Goal: orch.GoalRunning})

	select {
	case change := <-stream.Changes:
		assert.Equal(t, orch.InstanceId("i2"), change.Instance.Id)
		assert.False(t, change.Removed)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}

	stream.Cancel()
}

func TestSetGoalIdempotent(t *testing.T) {
	tracker := NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Running, Goal: orch.GoalRunning})

	require.NoError(t, tracker.SetGoal("i1", orch.GoalDecommissioned, orch.ReasonDeletingApp))
	require.NoError(t, tracker.SetGoal("i1", orch.GoalDecommissioned, orch.ReasonDeletingApp))

	inst, ok := tracker.Get("i1")
	require.True(t, ok)
	assert.Equal(t, orch.GoalDecommissioned, inst.Goal)
}

func TestSetGoalUnknownInstanceIsNoOp(t *testing.T) {
	tracker := NewMemTracker()
	err := tracker.SetGoal("missing", orch.GoalDecommissioned, orch.ReasonOrphaned)
	assert.NoError(t, err)
}

func TestInstancesBySpec(t *testing.T) {
	tracker := NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/a"})
	tracker.Put(orch.Instance{Id: "i2", RunSpecId: "/a"})
	tracker.Put(orch.Instance{Id: "i3", RunSpecId: "/b"})

	bySpec := tracker.InstancesBySpec()
	assert.Len(t, bySpec["/a"], 2)
	assert.Len(t, bySpec["/b"], 1)
}
