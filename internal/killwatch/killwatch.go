// Package killwatch watches the instance update stream for a set of
// instances to reach a terminal (or decommissioned) condition, so the step
// executor and scheduler actions know when it's safe to consider a kill
// complete.
package killwatch

import (
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

// Done is the completion signal both watchers return. Cancel detaches the
// underlying subscription without side effects; it is always safe to call,
// including after completion has already been observed.
type Done struct {
	ch     chan struct{}
	cancel func()
}

// Wait blocks until every watched instance has satisfied the watcher's
// condition.
func (d Done) Wait() {
	<-d.ch
}

// Cancel detaches the watcher's subscription.
func (d Done) Cancel() {
	d.cancel()
}

// WatchForKilledInstances completes once every instance in expected is
// observed in a terminal condition, or has disappeared from the tracker
// snapshot. It must be constructed before the goal change that triggers
// termination is issued — the snapshot-first delivery of the update stream
// guarantees no event between subscribe and goal-change is missed.
func WatchForKilledInstances(tracker trackerhub.Tracker, expected []orch.Instance) Done {
	ids := make(map[orch.InstanceId]bool, len(expected))
	for _, inst := range expected {
		ids[inst.Id] = true
	}
	return watch(tracker, ids, func(inst orch.Instance, present bool) bool {
		return !present || inst.Condition.IsTerminal()
	})
}

// WatchForDecommissionedInstances completes once every id is either absent
// from the tracker or has goal Decommissioned and a terminal condition.
func WatchForDecommissionedInstances(tracker trackerhub.Tracker, expectedIds []orch.InstanceId) Done {
	want := make(map[orch.InstanceId]bool, len(expectedIds))
	for _, id := range expectedIds {
		want[id] = true
	}
	return watch(tracker, want, func(inst orch.Instance, present bool) bool {
		return !present || (inst.Goal == orch.GoalDecommissioned && inst.Condition.IsTerminal())
	})
}

// watch is the shared engine behind both exported watchers: subscribe,
// check the snapshot immediately, then consume the live feed until every
// id satisfies satisfied(instance, present).
func watch(tracker trackerhub.Tracker, ids map[orch.InstanceId]bool, satisfied func(orch.Instance, bool) bool) Done {
	stream := tracker.Subscribe()
	signal := make(chan struct{})

	remaining := make(map[orch.InstanceId]bool, len(ids))
	for id := range ids {
		remaining[id] = true
	}

	snapshotById := make(map[orch.InstanceId]orch.Instance, len(stream.Snapshot))
	for _, inst := range stream.Snapshot {
		snapshotById[inst.Id] = inst
	}
	for id := range ids {
		inst, present := snapshotById[id]
		if satisfied(inst, present) {
			delete(remaining, id)
		}
	}

	done := Done{ch: signal, cancel: stream.Cancel}

	if len(remaining) == 0 {
		close(signal)
		return done
	}

	go func() {
		defer close(signal)
		for change := range stream.Changes {
			if !remaining[change.Instance.Id] {
				continue
			}
			if satisfied(change.Instance, !change.Removed) {
				delete(remaining, change.Instance.Id)
			}
			if len(remaining) == 0 {
				return
			}
		}
	}()

	return done
}
