package schedactions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusorch/scheduler/internal/launchqueue"
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

func newTestActions() (*Actions, *trackerhub.MemTracker, *launchqueue.MemQueue) {
	tracker := trackerhub.NewMemTracker()
	queue := launchqueue.NewMemQueue()
	return &Actions{Tracker: tracker, Queue: queue}, tracker, queue
}

func TestScaleUpRequestsFromLaunchQueue(t *testing.T) {
	a, _, queue := newTestActions()
	run := orch.RunSpec{Id: "/foo/app1", Instances: 3, KillSelection: orch.OldestFirst}

	a.Scale(run.Id, map[orch.RunSpecId]orch.RunSpec{run.Id: run})

	assert.Equal(t, 3, queue.Pending(run.Id))
}

func TestScaleDownSetsGoalOnExcessInstances(t *testing.T) {
	a, tracker, queue := newTestActions()
	run := orch.RunSpec{Id: "/foo/app1", Instances: 1, KillSelection: orch.OldestFirst}

	tracker.Put(orch.Instance{Id: "i1_1", RunSpecId: run.Id, Condition: orch.Running, StartedAt: time.Unix(100, 0)})
	tracker.Put(orch.Instance{Id: "i1_2", RunSpecId: run.Id, Condition: orch.Running, StartedAt: time.Unix(200, 0)})

	// Kill the victim asynchronously so the watcher the scale call starts
	// actually has something to observe completing, rather than racing
	// a synchronous SetGoal against the watcher's subscribe.
	go func() {
		for {
			victim, ok := tracker.Get("i1_1")
			if ok && victim.Goal == orch.GoalDecommissioned {
				tracker.Put(orch.Instance{Id: "i1_1", RunSpecId: run.Id, Condition: orch.Killed, Goal: orch.GoalDecommissioned})
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	a.Scale(run.Id, map[orch.RunSpecId]orch.RunSpec{run.Id: run})

	victim, ok := tracker.Get("i1_1")
	require.True(t, ok)
	assert.Equal(t, orch.GoalDecommissioned, victim.Goal)

	survivor, ok := tracker.Get("i1_2")
	require.True(t, ok)
	assert.Equal(t, orch.Goal(""), survivor.Goal)

	assert.Equal(t, 0, queue.Pending(run.Id))
}

func TestScaleUnknownRunSpecIsNoOp(t *testing.T) {
	a, _, queue := newTestActions()

	a.Scale("/missing", map[orch.RunSpecId]orch.RunSpec{})

	assert.Equal(t, 0, queue.Pending("/missing"))
}

// TestReconcileOrphansUnknownRunSpec is spec.md's S5: the group root is
// empty, the tracker holds one running instance for a run spec no longer
// in the tree, and ReconcileTasks is expected to decommission it with
// reason Orphaned.
func TestReconcileOrphansUnknownRunSpec(t *testing.T) {
	a, tracker, _ := newTestActions()
	tracker.Put(orch.Instance{Id: "orphan-1", RunSpecId: "/deleted-app", Condition: orch.Running})

	root := &orch.GroupSpec{Id: "/"}

	statuses := a.Reconcile(root)

	assert.Empty(t, statuses)

	orphan, ok := tracker.Get("orphan-1")
	require.True(t, ok)
	assert.Equal(t, orch.GoalDecommissioned, orphan.Goal)
}

func TestReconcileCollectsNonTerminalTaskStatusesForKnownRunSpecs(t *testing.T) {
	a, tracker, _ := newTestActions()
	tracker.Put(orch.Instance{
		Id:        "i1_1",
		RunSpecId: "/foo/app1",
		Condition: orch.Running,
		Tasks: map[string]orch.Task{
			"app1": {Name: "app1", Status: &orch.TaskStatus{Condition: orch.TaskRunning}},
		},
	})
	tracker.Put(orch.Instance{
		Id:        "i1_2",
		RunSpecId: "/foo/app1",
		Condition: orch.Finished,
		Tasks: map[string]orch.Task{
			"app1": {Name: "app1", Status: &orch.TaskStatus{Condition: orch.TaskFinished}},
		},
	})

	root := &orch.GroupSpec{Id: "/", Apps: []orch.RunSpec{{Id: "/foo/app1"}}}

	statuses := a.Reconcile(root)

	require.Len(t, statuses, 1)
	assert.Equal(t, orch.TaskRunning, statuses[0].Status.Condition)
}

func TestReconcileSkipsTasksWithNoStatusYet(t *testing.T) {
	a, tracker, _ := newTestActions()
	tracker.Put(orch.Instance{
		Id:        "i1_1",
		RunSpecId: "/foo/app1",
		Condition: orch.Staging,
		Tasks: map[string]orch.Task{
			"app1": {Name: "app1"},
		},
	})

	root := &orch.GroupSpec{Id: "/", Apps: []orch.RunSpec{{Id: "/foo/app1"}}}

	assert.Empty(t, a.Reconcile(root))
}
