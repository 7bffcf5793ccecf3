// Package schedcore is the Scheduler Core of spec.md §4.6: the single
// serialization point all mutating operations flow through, one command at
// a time, over one channel and one goroutine — the same
// actor-over-a-channel shape the teacher uses for its per-node worker loop
// (pkg/worker/worker.go), generalized here from "apply one cluster command"
// to "apply one deploy/scale/reconcile/leadership command" and paired with
// the lock table and Suspended/Started lifecycle spec.md §4.6 adds on top.
package schedcore

import (
	"context"
	"time"

	"github.com/nimbusorch/scheduler/internal/coremetrics"
	"github.com/nimbusorch/scheduler/internal/corelog"
	"github.com/nimbusorch/scheduler/internal/deploymgr"
	"github.com/nimbusorch/scheduler/internal/election"
	"github.com/nimbusorch/scheduler/internal/executor"
	"github.com/nimbusorch/scheduler/internal/grouprepo"
	"github.com/nimbusorch/scheduler/internal/healthchecks"
	"github.com/nimbusorch/scheduler/internal/launchqueue"
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/schedactions"
)

// ReconcileDriver is the external driver spec.md §4.6's reconciliation
// submits task statuses to, outside this core's scope.
type ReconcileDriver interface {
	ReconcileTasks(ctx context.Context, statuses []orch.Task) error
}

type lifecycle int

const (
	suspended lifecycle = iota
	started
)

// DeployOutcome is what a Deploy call resolves to immediately: either the
// plan was accepted (its eventual success/failure follows later as an
// event on the bus) or it was rejected because of a non-forced conflict.
type DeployOutcome struct {
	Started   bool
	Locked    bool
	Conflicts []orch.DeploymentPlan
}

// Config wires the Scheduler Core to its collaborators.
type Config struct {
	Manager  *deploymgr.Manager
	Actions  *schedactions.Actions
	Repo     grouprepo.Repository
	Health   healthchecks.Manager
	Queue    launchqueue.Queue
	Election <-chan election.Event
	Driver   ReconcileDriver
}

// command is the sealed set of messages the core's single worker consumes.
type command interface{ isCommand() }

type deployCmd struct {
	plan  orch.DeploymentPlan
	force bool
	reply chan DeployOutcome
}

type cancelCmd struct {
	planId string
	cause  string
}

type scaleCmd struct {
	runSpecId orch.RunSpecId
}

type lockReleaseCmd struct {
	runSpecId orch.RunSpecId
}

type deploymentFinishedCmd struct {
	planId  string
	success bool
	cause   string
}

type reconcileCmd struct {
	reply chan reconcileResult
}

type reconcileResult struct {
	statuses []orch.Task
	err      error
}

type reconcileFinishedCmd struct {
	statuses []orch.Task
	err      error
}

func (deployCmd) isCommand()             {}
func (cancelCmd) isCommand()             {}
func (scaleCmd) isCommand()              {}
func (lockReleaseCmd) isCommand()        {}
func (deploymentFinishedCmd) isCommand() {}
func (reconcileCmd) isCommand()          {}
func (reconcileFinishedCmd) isCommand()  {}

// Core is the Scheduler Core. Zero value is not usable; construct with New.
type Core struct {
	manager  *deploymgr.Manager
	actions  *schedactions.Actions
	repo     grouprepo.Repository
	health   healthchecks.Manager
	queue    launchqueue.Queue
	election <-chan election.Event
	driver   ReconcileDriver

	cmds chan command

	state       lifecycle
	locks       map[orch.RunSpecId]int
	deployLocks map[string]map[orch.RunSpecId]bool
	buffered    []command

	reconciling      bool
	reconcileWaiters []chan reconcileResult
}

// New creates a Core in the Suspended state; call Run to start its worker.
func New(cfg Config) *Core {
	return &Core{
		manager:     cfg.Manager,
		actions:     cfg.Actions,
		repo:        cfg.Repo,
		health:      cfg.Health,
		queue:       cfg.Queue,
		election:    cfg.Election,
		driver:      cfg.Driver,
		cmds:        make(chan command, 64),
		state:       suspended,
		locks:       make(map[orch.RunSpecId]int),
		deployLocks: make(map[string]map[orch.RunSpecId]bool),
	}
}

// Run is the core's single worker loop; it blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	log := corelog.WithComponent("schedcore")
	log.Info().Msg("scheduler core started, suspended")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.election:
			if !ok {
				c.election = nil
				continue
			}
			c.handleLeadership(ctx, ev)
		case cmd, ok := <-c.cmds:
			if !ok {
				return
			}
			c.dispatch(ctx, cmd)
		}
	}
}

// dispatch runs exactly one command to completion (including any
// synchronous suspension) before the worker loop reads its next message.
func (c *Core) dispatch(ctx context.Context, cmd command) {
	if c.state == suspended {
		switch cmd.(type) {
		case deployCmd, cancelCmd, scaleCmd, reconcileCmd:
			c.buffered = append(c.buffered, cmd)
			return
		}
		// Self-originated completions (deploymentFinishedCmd, lockReleaseCmd,
		// reconcileFinishedCmd) are processed even while suspended: they only
		// ever touch bookkeeping this core itself holds, and letting them
		// drain keeps buffered commands from blocking behind them forever.
	}

	switch cmd := cmd.(type) {
	case deployCmd:
		c.handleDeploy(cmd)
	case cancelCmd:
		c.manager.Cancel(cmd.planId, cmd.cause)
	case scaleCmd:
		c.handleScale(ctx, cmd)
	case lockReleaseCmd:
		c.removeLock(cmd.runSpecId)
	case deploymentFinishedCmd:
		c.handleDeploymentFinished(cmd)
	case reconcileCmd:
		c.handleReconcileRequest(ctx, cmd)
	case reconcileFinishedCmd:
		c.handleReconcileFinished(cmd)
	}
}

// Deploy submits a plan, blocking until the core accepts or rejects it.
// Eventual success/failure of an accepted plan arrives later as a
// DeploymentSuccess/DeploymentFailed event on the bus, not through this call.
func (c *Core) Deploy(ctx context.Context, plan orch.DeploymentPlan, force bool) (DeployOutcome, error) {
	reply := make(chan DeployOutcome, 1)
	select {
	case c.cmds <- deployCmd{plan: plan, force: force, reply: reply}:
	case <-ctx.Done():
		return DeployOutcome{}, ctx.Err()
	}
	select {
	case o := <-reply:
		return o, nil
	case <-ctx.Done():
		return DeployOutcome{}, ctx.Err()
	}
}

// CancelDeployment requests cancellation of a specific in-flight plan.
func (c *Core) CancelDeployment(planId string, cause string) {
	c.cmds <- cancelCmd{planId: planId, cause: cause}
}

// ScaleRunSpec requests scaling a single run spec toward its target count;
// dropped silently if a conflicting deployment or scale already holds its
// lock.
func (c *Core) ScaleRunSpec(runSpecId orch.RunSpecId) {
	c.cmds <- scaleCmd{runSpecId: runSpecId}
}

// ReconcileTasks triggers (or joins an in-flight) reconciliation, blocking
// until it completes.
func (c *Core) ReconcileTasks(ctx context.Context) ([]orch.Task, error) {
	reply := make(chan reconcileResult, 1)
	select {
	case c.cmds <- reconcileCmd{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.statuses, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Core) handleDeploy(cmd deployCmd) {
	affected := cmd.plan.AffectedRunSpecIds()
	c.addLocks(affected)

	result, handle := c.manager.Start(cmd.plan, cmd.force)
	if !result.Started {
		c.removeLocks(affected)
		cmd.reply <- DeployOutcome{Locked: result.Locked, Conflicts: result.Conflicts}
		return
	}

	c.deployLocks[cmd.plan.Id] = affected
	cmd.reply <- DeployOutcome{Started: true}

	go c.awaitDeployment(cmd.plan.Id, handle)
}

func (c *Core) awaitDeployment(planId string, handle *executor.Handle) {
	o := <-handle.Done
	c.cmds <- deploymentFinishedCmd{planId: planId, success: o.Success, cause: o.Cause}
}

func (c *Core) handleDeploymentFinished(cmd deploymentFinishedCmd) {
	affected, ok := c.deployLocks[cmd.planId]
	if !ok {
		return
	}
	delete(c.deployLocks, cmd.planId)
	c.removeLocks(affected)

	if !cmd.success {
		for id := range affected {
			c.queue.Purge(id)
		}
	}
	// DeploymentSuccess/DeploymentFailed events are already published by the
	// executor itself; the core's job here is purely lock bookkeeping.
}

func (c *Core) handleScale(ctx context.Context, cmd scaleCmd) {
	ids := map[orch.RunSpecId]bool{cmd.runSpecId: true}
	if !c.withLockFor(ids) {
		logger := corelog.WithRunSpecID(string(cmd.runSpecId))
		logger.Info().
			Msg("scale: run spec locked by an active deployment or scale, dropping request")
		return
	}

	go func() {
		root, err := c.repo.Root(ctx)
		if err != nil {
			logger := corelog.WithRunSpecID(string(cmd.runSpecId))
			logger.Error().Err(err).Msg("scale: failed to read group root")
		} else {
			c.actions.Scale(cmd.runSpecId, root.RunSpecs())
		}
		c.cmds <- lockReleaseCmd{runSpecId: cmd.runSpecId}
	}()
}

func (c *Core) handleReconcileRequest(ctx context.Context, cmd reconcileCmd) {
	c.reconcileWaiters = append(c.reconcileWaiters, cmd.reply)
	if c.reconciling {
		return
	}
	c.reconciling = true
	go c.runReconciliation(ctx)
}

func (c *Core) runReconciliation(ctx context.Context) {
	log := corelog.WithComponent("schedcore")
	start := time.Now()

	root, err := c.repo.Root(ctx)
	var statuses []orch.Task
	if err != nil {
		log.Error().Err(err).Msg("reconcile: failed to read group root")
	} else {
		statuses = c.actions.Reconcile(root)
		if len(statuses) > 0 {
			if err := c.driver.ReconcileTasks(ctx, statuses); err != nil {
				log.Error().Err(err).Msg("reconcile: driver call with statuses failed")
			}
		}
		if err := c.driver.ReconcileTasks(ctx, nil); err != nil {
			log.Error().Err(err).Msg("reconcile: empty driver call failed")
		}
	}

	coremetrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	c.cmds <- reconcileFinishedCmd{statuses: statuses, err: err}
}

func (c *Core) handleReconcileFinished(cmd reconcileFinishedCmd) {
	c.reconciling = false
	waiters := c.reconcileWaiters
	c.reconcileWaiters = nil
	for _, w := range waiters {
		w <- reconcileResult{statuses: cmd.statuses, err: cmd.err}
	}
}

func (c *Core) handleLeadership(ctx context.Context, ev election.Event) {
	log := corelog.WithComponent("schedcore")
	switch ev {
	case election.Standby:
		if c.state != started {
			return
		}
		c.health.RemoveAll()
		c.locks = make(map[orch.RunSpecId]int)
		c.deployLocks = make(map[string]map[orch.RunSpecId]bool)
		coremetrics.LockedRunSpecs.Set(0)
		c.state = suspended
		log.Info().Msg("lost leadership, suspended")

	case election.ElectedAsLeaderAndReady:
		if c.state == started {
			return
		}
		c.becomeLeader(ctx)
	}
}

// becomeLeader implements spec.md §4.6's recovery path: restart a Step
// Executor for every persisted plan, lock their affected run specs, then
// flip to Started and replay whatever commands arrived while suspended.
func (c *Core) becomeLeader(ctx context.Context) {
	log := corelog.WithComponent("schedcore")

	recovered, err := c.manager.Recover()
	if err != nil {
		log.Error().Err(err).Msg("recover: failed to load persisted plans, proceeding with none")
	}
	for _, r := range recovered {
		affected := r.Plan.AffectedRunSpecIds()
		c.addLocks(affected)
		c.deployLocks[r.Plan.Id] = affected
		go c.awaitDeployment(r.Plan.Id, r.Handle)
	}

	c.state = started
	log.Info().Int("recovered_plans", len(recovered)).Msg("elected leader, started")

	if root, err := c.repo.Root(ctx); err != nil {
		log.Error().Err(err).Msg("elected leader: failed to read group root for health reconcile")
	} else {
		c.health.Reconcile(root.RunSpecIds())
	}

	buffered := c.buffered
	c.buffered = nil
	for _, cmd := range buffered {
		c.dispatch(ctx, cmd)
	}
}

func (c *Core) addLocks(ids map[orch.RunSpecId]bool) {
	for id := range ids {
		c.locks[id]++
	}
	coremetrics.LockedRunSpecs.Set(float64(len(c.locks)))
}

func (c *Core) removeLocks(ids map[orch.RunSpecId]bool) {
	for id := range ids {
		c.removeLock(id)
	}
}

// removeLock decrements a lock count, deleting the entry at zero. Safe to
// call on an id with no entry (a stale completion arriving after Standby
// already cleared the table).
func (c *Core) removeLock(id orch.RunSpecId) {
	n, ok := c.locks[id]
	if !ok {
		return
	}
	if n <= 1 {
		delete(c.locks, id)
	} else {
		c.locks[id] = n - 1
	}
	coremetrics.LockedRunSpecs.Set(float64(len(c.locks)))
}

// withLockFor acquires every id atomically or none at all.
func (c *Core) withLockFor(ids map[orch.RunSpecId]bool) bool {
	for id := range ids {
		if _, locked := c.locks[id]; locked {
			return false
		}
	}
	c.addLocks(ids)
	return true
}
