// Package plan builds a DeploymentPlan from a before/after pair of group
// trees, the diff algorithm spec.md §2.3/§4.3 names but leaves out of scope.
// It walks both trees by run spec id and classifies each id as added,
// removed, changed (different VersionInfo or Instances), or unchanged, then
// emits steps in the same stop-then-replace-then-start batching shape as
// the teacher's rolling update (pkg/deploy/deploy.go's UpdateService):
// removed run specs are stopped first, then changed ones are
// restarted/scaled, then added ones are started and, per
// StartApplicationAction's own follow-up-scale contract, scaled to their
// target count in the step that follows. Within a step, each run spec id
// appears in at most one action, so a single step is always safe to
// execute concurrently.
package plan

import (
	"sort"

	"github.com/google/uuid"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// Build computes the deployment plan transitioning the group tree from
// original to target. toKill pins specific instances to kill for run specs
// being scaled down or stopped; absent entries leave victim selection to
// internal/propose at execution time.
func Build(original, target *orch.GroupSpec, toKill map[orch.RunSpecId][]orch.Instance) orch.DeploymentPlan {
	originalSpecs := original.RunSpecs()
	targetSpecs := target.RunSpecs()

	var removedIds, changedIds, addedIds []orch.RunSpecId
	for id := range originalSpecs {
		if _, ok := targetSpecs[id]; !ok {
			removedIds = append(removedIds, id)
		}
	}
	for id, targetSpec := range targetSpecs {
		originalSpec, ok := originalSpecs[id]
		if !ok {
			addedIds = append(addedIds, id)
			continue
		}
		if changed(originalSpec, targetSpec) {
			changedIds = append(changedIds, id)
		}
	}
	sortIds(removedIds)
	sortIds(changedIds)
	sortIds(addedIds)

	var steps []orch.DeploymentStep

	if len(removedIds) > 0 {
		step := orch.DeploymentStep{}
		for _, id := range removedIds {
			step.Actions = append(step.Actions, orch.StopApplicationAction{Run: originalSpecs[id]})
		}
		steps = append(steps, step)
	}

	if len(changedIds) > 0 {
		step := orch.DeploymentStep{}
		for _, id := range changedIds {
			run := targetSpecs[id]
			if originalSpecs[id].Version != run.Version {
				step.Actions = append(step.Actions, orch.RestartApplicationAction{Run: run})
			} else {
				step.Actions = append(step.Actions, orch.ScaleApplicationAction{
					Run:     run,
					ScaleTo: run.Instances,
					ToKill:  toKill[id],
				})
			}
		}
		steps = append(steps, step)
	}

	if len(addedIds) > 0 {
		start := orch.DeploymentStep{}
		scale := orch.DeploymentStep{}
		for _, id := range addedIds {
			run := targetSpecs[id]
			start.Actions = append(start.Actions, orch.StartApplicationAction{Run: run})
			scale.Actions = append(scale.Actions, orch.ScaleApplicationAction{Run: run, ScaleTo: run.Instances})
		}
		steps = append(steps, start, scale)
	}

	return orch.DeploymentPlan{
		Id:       uuid.NewString(),
		Original: original,
		Target:   target,
		Steps:    steps,
		ToKill:   toKill,
	}
}

// changed reports whether a run spec's definition or desired instance count
// differs between the original and target trees.
func changed(original, target orch.RunSpec) bool {
	return original.Version != target.Version || original.Instances != target.Instances
}

func sortIds(ids []orch.RunSpecId) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
