// Package schedactions is the Scheduler Actions of spec.md §4.7: scale and
// reconcile, the two operations the Scheduler Core delegates to rather than
// inlining, the same way the teacher's Scheduler.scheduleService decides a
// desired-vs-actual task delta and the Reconciler's reconcileContainers
// replaces unhealthy ones — generalized here to run spec granularity and
// the goal/condition vocabulary of this core.
package schedactions

import (
	"github.com/nimbusorch/scheduler/internal/coremetrics"
	"github.com/nimbusorch/scheduler/internal/corelog"
	"github.com/nimbusorch/scheduler/internal/killwatch"
	"github.com/nimbusorch/scheduler/internal/launchqueue"
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/propose"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

// Actions bundles the collaborators scale and reconcile need; the
// scheduler core holds one instance and calls into it from the goroutine it
// spawns for each scale or reconcile command. Actions holds no mutable state
// of its own, so no locking is done here — the lock table upstream already
// serializes per-run-spec scale access.
type Actions struct {
	Tracker trackerhub.Tracker
	Queue   launchqueue.Queue
}

// Scale implements spec.md §4.7's scale(runSpecId): resolve the run spec
// from the current group tree, then delegate.
func (a *Actions) Scale(runSpecId orch.RunSpecId, specs map[orch.RunSpecId]orch.RunSpec) {
	run, ok := specs[runSpecId]
	if !ok {
		logger := corelog.WithRunSpecID(string(runSpecId))
		logger.Info().Msg("scale: run spec not found, skipping")
		return
	}
	a.scaleRunSpec(run)
}

func (a *Actions) scaleRunSpec(run orch.RunSpec) {
	log := corelog.WithRunSpecID(string(run.Id))
	instances := a.Tracker.SpecInstances(run.Id)

	var active, scheduled []orch.Instance
	for _, inst := range instances {
		if inst.IsActive() {
			active = append(active, inst)
		}
		if inst.IsScheduled() {
			scheduled = append(scheduled, inst)
		}
	}

	result := propose.Propose(active, nil, run.Instances, run.KillSelection)

	if len(result.InstancesToKill) > 0 {
		a.Queue.Purge(run.Id)
		watcher := killwatch.WatchForKilledInstances(a.Tracker, result.InstancesToKill)
		for _, inst := range result.InstancesToKill {
			goal := orch.GoalDecommissioned
			if inst.HasReservation {
				goal = orch.GoalStopped
			}
			_ = a.Tracker.SetGoal(inst.Id, goal, orch.ReasonOverCapacity)
			coremetrics.InstancesKilled.WithLabelValues(string(orch.ReasonOverCapacity)).Inc()
		}
		watcher.Wait()
	}

	if result.InstancesToStart != nil {
		toAdd := *result.InstancesToStart - len(scheduled)
		if toAdd > 0 {
			a.Queue.Add(run, toAdd)
			coremetrics.InstancesStarted.WithLabelValues(string(run.Kind)).Add(float64(toAdd))
		} else {
			log.Info().Msg("scale: already scheduled at or above target, no-op")
		}
	}

	if len(result.InstancesToKill) == 0 && result.InstancesToStart == nil {
		log.Info().Msg("scale: already at target")
	}
}

// Reconcile implements spec.md §4.6's reconciliation: build the
// authoritative task-status list by walking the group tree, orphan
// instances whose run spec id is no longer known, and return the
// non-terminal statuses for the caller to submit to the external driver.
// The scheduler core owns the context and the repository read and passes
// in the already-fetched root, so this never blocks on the network itself.
func (a *Actions) Reconcile(root *orch.GroupSpec) []orch.Task {
	knownIds := make(map[orch.RunSpecId]bool)
	for _, id := range root.RunSpecIds() {
		knownIds[id] = true
	}
	return a.reconcile(knownIds)
}

func (a *Actions) reconcile(knownIds map[orch.RunSpecId]bool) []orch.Task {
	byId := a.Tracker.InstancesBySpec()

	var statuses []orch.Task
	for runSpecId, instances := range byId {
		if !knownIds[runSpecId] {
			for _, inst := range instances {
				_ = a.Tracker.SetGoal(inst.Id, orch.GoalDecommissioned, orch.ReasonOrphaned)
				coremetrics.InstancesKilled.WithLabelValues(string(orch.ReasonOrphaned)).Inc()
			}
			continue
		}
		for _, inst := range instances {
			for _, task := range inst.Tasks {
				if task.Status == nil {
					continue
				}
				if task.Status.Condition.IsTerminal() {
					continue
				}
				statuses = append(statuses, task)
			}
		}
	}
	return statuses
}
