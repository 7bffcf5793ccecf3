package killwatch

import (
	"testing"
	"time"

	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

func waitOrTimeout(t *testing.T, done Done) {
	t.Helper()
	ch := make(chan struct{})
	go func() {
		done.Wait()
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher never completed")
	}
}

func TestWatchForKilledInstancesCompletesOnTerminalCondition(t *testing.T) {
	tracker := trackerhub.NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Running})

	expected := []orch.Instance{{Id: "i1"}}
	done := WatchForKilledInstances(tracker, expected)
	defer done.Cancel()

	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Killed})
	waitOrTimeout(t, done)
}

func TestWatchForKilledInstancesCompletesOnDisappearance(t *testing.T) {
	tracker := trackerhub.NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Running})

	done := WatchForKilledInstances(tracker, []orch.Instance{{Id: "i1"}})
	defer done.Cancel()

	tracker.Remove("i1")
	waitOrTimeout(t, done)
}

func TestWatchForKilledInstancesAlreadySatisfied(t *testing.T) {
	tracker := trackerhub.NewMemTracker()
	// i1 never existed: the watcher should treat it as already gone.
	done := WatchForKilledInstances(tracker, []orch.Instance{{Id: "i1"}})
	waitOrTimeout(t, done)
}

func TestWatchForDecommissionedInstances(t *testing.T) {
	tracker := trackerhub.NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Running, Goal: orch.GoalRunning})

	done := WatchForDecommissionedInstances(tracker, []orch.InstanceId{"i1"})
	defer done.Cancel()

	tracker.SetGoal("i1", orch.GoalDecommissioned, orch.ReasonDeletingApp)
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Killed, Goal: orch.GoalDecommissioned})
	waitOrTimeout(t, done)
}

func TestWatchMultipleInstancesAllMustComplete(t *testing.T) {
	tracker := trackerhub.NewMemTracker()
	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Running})
	tracker.Put(orch.Instance{Id: "i2", RunSpecId: "/app", Condition: orch.Running})

	done := WatchForKilledInstances(tracker, []orch.Instance{{Id: "i1"}, {Id: "i2"}})
	defer done.Cancel()

	tracker.Put(orch.Instance{Id: "i1", RunSpecId: "/app", Condition: orch.Killed})

	select {
	case <-time.After(100 * time.Millisecond):
	case <-doneChan(done):
		t.Fatal("watcher completed before second instance reached terminal condition")
	}

	tracker.Put(orch.Instance{Id: "i2", RunSpecId: "/app", Condition: orch.Killed})
	waitOrTimeout(t, done)
}

func doneChan(d Done) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		d.Wait()
		close(ch)
	}()
	return ch
}
