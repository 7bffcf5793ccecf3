// Package executor is the Step Executor of spec.md §4.4: a per-plan actor
// that runs a DeploymentPlan's steps to completion or failure, reporting
// progress on the event bus. Grounded on the teacher's rolling-update
// batching (pkg/deploy/deploy.go) for the step/action shape, and on the
// teacher's worker-restart intent (pkg/worker) for supervising the child
// TaskStart/TaskReplace workers through internal/backoff.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nimbusorch/scheduler/internal/backoff"
	"github.com/nimbusorch/scheduler/internal/corelog"
	"github.com/nimbusorch/scheduler/internal/coremetrics"
	"github.com/nimbusorch/scheduler/internal/events"
	"github.com/nimbusorch/scheduler/internal/healthchecks"
	"github.com/nimbusorch/scheduler/internal/killwatch"
	"github.com/nimbusorch/scheduler/internal/launchqueue"
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/propose"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

// Outcome is delivered on a Handle's Done channel exactly once.
type Outcome struct {
	Plan    orch.DeploymentPlan
	Success bool
	Cause   string
}

// Handle lets the plan's owner (the Deployment Manager) cancel an in-flight
// execution and observe its outcome.
type Handle struct {
	Done <-chan Outcome

	cancelOnce sync.Once
	cancelFn   context.CancelFunc
	cause      *causeBox
}

// Cancel requests early termination with the given cause. Safe to call more
// than once; only the first call's cause is used.
func (h *Handle) Cancel(cause string) {
	h.cancelOnce.Do(func() {
		h.cause.set(cause)
		h.cancelFn()
	})
}

type causeBox struct {
	mu    sync.Mutex
	value string
}

func (c *causeBox) set(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" {
		c.value = v
	}
}

func (c *causeBox) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Executor holds the collaborators every spawned plan execution needs.
type Executor struct {
	tracker trackerhub.Tracker
	queue   launchqueue.Queue
	health  healthchecks.Manager
	bus     *events.Bus
	policy  backoff.Policy
}

// New creates an Executor. policy governs TaskStart/TaskReplace child
// worker restarts; pass backoff.DefaultPolicy absent an override.
func New(tracker trackerhub.Tracker, queue launchqueue.Queue, health healthchecks.Manager, bus *events.Bus, policy backoff.Policy) *Executor {
	return &Executor{tracker: tracker, queue: queue, health: health, bus: bus, policy: policy}
}

// Start spawns a goroutine that executes plan's steps in order and returns
// a Handle to observe or cancel it.
func (e *Executor) Start(plan orch.DeploymentPlan) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	cause := &causeBox{}
	done := make(chan Outcome, 1)

	h := &Handle{Done: done, cancelFn: cancel, cause: cause}
	go e.run(ctx, plan, cause, done)
	return h
}

func (e *Executor) run(ctx context.Context, plan orch.DeploymentPlan, cause *causeBox, done chan<- Outcome) {
	log := corelog.WithPlanID(plan.Id)
	coremetrics.ActiveDeployments.Inc()
	defer coremetrics.ActiveDeployments.Dec()

	e.bus.Publish(events.Event{Kind: events.DeploymentStarted, PlanId: plan.Id})

	for i, step := range plan.Steps {
		select {
		case <-ctx.Done():
			e.finish(plan, false, cause.get(), done, log)
			return
		default:
		}

		if len(step.Actions) == 0 {
			continue
		}

		e.bus.Publish(events.Event{Kind: events.DeploymentStepInfo, PlanId: plan.Id, StepIndex: i + 1})

		stepErr := make(chan error, 1)
		go func(index int, s orch.DeploymentStep) {
			stepErr <- e.runStep(ctx, plan, index, s)
		}(i, step)

		select {
		case <-ctx.Done():
			e.finish(plan, false, cause.get(), done, log)
			return
		case err := <-stepErr:
			// A Cancel received concurrently with the step's own completion
			// always wins: the cancellation cause is what gets reported,
			// never whatever error the abandoned step happened to return.
			if ctx.Err() != nil {
				e.finish(plan, false, cause.get(), done, log)
				return
			}
			if err != nil {
				e.bus.Publish(events.Event{Kind: events.DeploymentStepFailure, PlanId: plan.Id, StepIndex: i + 1, Message: err.Error()})
				e.finish(plan, false, err.Error(), done, log)
				return
			}
			e.bus.Publish(events.Event{Kind: events.DeploymentStepSuccess, PlanId: plan.Id, StepIndex: i + 1})
		}
	}

	e.finish(plan, true, "", done, log)
}

func (e *Executor) finish(plan orch.DeploymentPlan, success bool, cause string, done chan<- Outcome, log zerolog.Logger) {
	kind := events.DeploymentSuccess
	outcome := "success"
	if !success {
		kind = events.DeploymentFailed
		outcome = "failure"
	}
	log.Info().Bool("success", success).Str("cause", cause).Msg("deployment finished")
	coremetrics.DeploymentsFinished.WithLabelValues(outcome).Inc()
	e.bus.Publish(events.Event{Kind: kind, PlanId: plan.Id, Message: cause})
	done <- Outcome{Plan: plan, Success: success, Cause: cause}
}

// runStep publishes the step's DeploymentStatus event, then runs every
// action concurrently and waits for all of them; the first error (if any)
// fails the step.
func (e *Executor) runStep(ctx context.Context, plan orch.DeploymentPlan, index int, step orch.DeploymentStep) error {
	e.bus.Publish(events.Event{Kind: events.DeploymentStatus, PlanId: plan.Id, StepIndex: index + 1})

	errCh := make(chan error, len(step.Actions))
	for _, action := range step.Actions {
		action := action
		go func() {
			errCh <- e.runAction(ctx, action)
		}()
	}

	var firstErr error
	for range step.Actions {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Executor) runAction(ctx context.Context, action orch.DeploymentAction) error {
	switch a := action.(type) {
	case orch.StartApplicationAction:
		e.registerHealthChecks(a.Run)
		return nil
	case orch.ScaleApplicationAction:
		e.registerHealthChecks(a.Run)
		return e.performScale(ctx, a.Run, a.ScaleTo, a.ToKill)
	case orch.RestartApplicationAction:
		e.registerHealthChecks(a.Run)
		if a.Run.Instances == 0 {
			return nil
		}
		return backoff.Supervise(ctx, e.policy, func(ctx context.Context) error {
			return e.taskReplaceWorker(ctx, a.Run)
		})
	case orch.StopApplicationAction:
		return e.performStop(ctx, a.Run)
	default:
		return fmt.Errorf("executor: unknown action type %T", action)
	}
}

// registerHealthChecks applies for applications only; pods carry no
// per-instance health probe in this core.
func (e *Executor) registerHealthChecks(run orch.RunSpec) {
	if run.Kind != orch.KindApplication {
		return
	}
	e.health.AddAllFor(run.Id, nil)
}

// performScale implements spec.md §4.4's scale action: propose victims and
// a start count, kill first, then start.
func (e *Executor) performScale(ctx context.Context, run orch.RunSpec, scaleTo int, toKillHint []orch.Instance) error {
	instances := e.tracker.SpecInstances(run.Id)
	var active []orch.Instance
	for _, inst := range instances {
		if inst.IsActive() {
			active = append(active, inst)
		}
	}

	result := propose.Propose(active, toKillHint, scaleTo, run.KillSelection)

	if len(result.InstancesToKill) > 0 {
		watcher := killwatch.WatchForKilledInstances(e.tracker, result.InstancesToKill)
		for _, inst := range result.InstancesToKill {
			goal := orch.GoalDecommissioned
			if inst.HasReservation {
				goal = orch.GoalStopped
			}
			if err := e.tracker.SetGoal(inst.Id, goal, orch.ReasonDeploymentScaling); err != nil {
				watcher.Cancel()
				return err
			}
			coremetrics.InstancesKilled.WithLabelValues(string(orch.ReasonDeploymentScaling)).Inc()
		}
		if err := waitDone(ctx, watcher); err != nil {
			return err
		}
	}

	if result.InstancesToStart != nil && *result.InstancesToStart > 0 {
		count := *result.InstancesToStart
		return backoff.Supervise(ctx, e.policy, func(ctx context.Context) error {
			return e.taskStartWorker(ctx, run, count)
		})
	}
	return nil
}

// performStop implements spec.md §4.4's stop action.
func (e *Executor) performStop(ctx context.Context, run orch.RunSpec) error {
	run = run.WithInstances(0)

	e.health.RemoveAllFor(run.Id)
	e.queue.Purge(run.Id) // best-effort; MemQueue never fails

	instances := e.tracker.SpecInstances(run.Id)
	ids := make([]orch.InstanceId, len(instances))
	for i, inst := range instances {
		ids[i] = inst.Id
	}

	watcher := killwatch.WatchForDecommissionedInstances(e.tracker, ids)
	for _, inst := range instances {
		_ = e.tracker.SetGoal(inst.Id, orch.GoalDecommissioned, orch.ReasonDeletingApp)
		coremetrics.InstancesKilled.WithLabelValues(string(orch.ReasonDeletingApp)).Inc()
	}
	// Swallow the watcher's outcome: the deployment must still make
	// progress even if a stray instance never reports terminal.
	_ = waitDone(ctx, watcher)

	e.queue.ResetDelay(run)
	e.bus.Publish(events.Event{Kind: events.AppTerminated, RunSpecId: run.Id})
	return nil
}

// taskReplaceWorker is the TaskReplace child worker: decommission every
// currently active instance with reason Upgrading, then request run's full
// instance count back from the launch queue.
func (e *Executor) taskReplaceWorker(ctx context.Context, run orch.RunSpec) error {
	instances := e.tracker.SpecInstances(run.Id)
	var active []orch.Instance
	for _, inst := range instances {
		if inst.IsActive() {
			active = append(active, inst)
		}
	}
	if len(active) == 0 {
		return e.taskStartWorker(ctx, run, run.Instances)
	}

	ids := make([]orch.InstanceId, len(active))
	for i, inst := range active {
		ids[i] = inst.Id
	}
	watcher := killwatch.WatchForDecommissionedInstances(e.tracker, ids)
	for _, inst := range active {
		if err := e.tracker.SetGoal(inst.Id, orch.GoalDecommissioned, orch.ReasonUpgrading); err != nil {
			watcher.Cancel()
			return err
		}
		coremetrics.InstancesKilled.WithLabelValues(string(orch.ReasonUpgrading)).Inc()
	}
	if err := waitDone(ctx, watcher); err != nil {
		return err
	}

	return e.taskStartWorker(ctx, run, run.Instances)
}

// taskStartWorker is the TaskStart child worker: request count instances
// from the launch queue and wait for that many to reach Running.
func (e *Executor) taskStartWorker(ctx context.Context, run orch.RunSpec, count int) error {
	if count <= 0 {
		return nil
	}
	e.queue.Add(run, count)
	coremetrics.InstancesStarted.WithLabelValues(string(run.Kind)).Add(float64(count))
	return e.waitForRunningIncrease(ctx, run.Id, count)
}

// waitForRunningIncrease blocks until at least delta instances of
// runSpecId beyond the current Running count are observed Running, or ctx
// is cancelled.
func (e *Executor) waitForRunningIncrease(ctx context.Context, runSpecId orch.RunSpecId, delta int) error {
	stream := e.tracker.Subscribe()
	defer stream.Cancel()

	baseline := 0
	for _, inst := range stream.Snapshot {
		if inst.RunSpecId == runSpecId && inst.Condition == orch.Running {
			baseline++
		}
	}
	target := baseline + delta

	current := make(map[orch.InstanceId]bool)
	for _, inst := range stream.Snapshot {
		if inst.RunSpecId == runSpecId && inst.Condition == orch.Running {
			current[inst.Id] = true
		}
	}
	if len(current) >= target {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-stream.Changes:
			if !ok {
				return fmt.Errorf("executor: tracker update stream closed while waiting for %s", runSpecId)
			}
			if change.Instance.RunSpecId != runSpecId {
				continue
			}
			if change.Removed || change.Instance.Condition != orch.Running {
				delete(current, change.Instance.Id)
				continue
			}
			current[change.Instance.Id] = true
			if len(current) >= target {
				return nil
			}
		}
	}
}

// waitDone blocks on a kill/decommission watcher's completion, cancelling
// its subscription if ctx is cancelled first.
func waitDone(ctx context.Context, d killwatch.Done) error {
	signal := make(chan struct{})
	go func() {
		d.Wait()
		close(signal)
	}()
	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		d.Cancel()
		return ctx.Err()
	}
}
