package deploymgr

import (
	"sync"

	"github.com/nimbusorch/scheduler/internal/corelog"
	"github.com/nimbusorch/scheduler/internal/executor"
	"github.com/nimbusorch/scheduler/internal/orch"
)

// StartResult is what start() resolves to, mirroring spec.md §4.5's
// future[Done]: either the plan was accepted (possibly after preempting
// conflicts) or it was rejected outright because of a non-forced conflict.
type StartResult struct {
	Started   bool
	Locked    bool
	Conflicts []orch.DeploymentPlan
}

// Manager is the Deployment Manager of spec.md §4.5.
type Manager struct {
	mu     sync.Mutex
	repo   Repository
	exec   *executor.Executor
	active map[string]*entry
}

type entry struct {
	plan   orch.DeploymentPlan
	handle *executor.Handle
}

// New creates a Manager with no active plans.
func New(repo Repository, exec *executor.Executor) *Manager {
	return &Manager{repo: repo, exec: exec, active: make(map[string]*entry)}
}

// Start implements spec.md §4.5's start(plan, force, origSender), returning
// once the plan is accepted or rejected; the caller awaits the returned
// executor.Handle's Done channel itself for eventual completion.
func (m *Manager) Start(plan orch.DeploymentPlan, force bool) (StartResult, *executor.Handle) {
	m.mu.Lock()

	conflicts := m.conflictingLocked(plan)
	if len(conflicts) == 0 {
		return m.acceptLocked(plan)
	}

	if !force {
		m.mu.Unlock()
		return StartResult{Locked: true, Conflicts: conflicts}, nil
	}

	var toCancel []*executor.Handle
	for _, c := range conflicts {
		if e, ok := m.active[c.Id]; ok {
			toCancel = append(toCancel, e.handle)
		}
	}
	m.mu.Unlock()

	for _, h := range toCancel {
		h.Cancel("superseded")
		<-h.Done
	}

	m.mu.Lock()
	return m.acceptLocked(plan)
}

// conflictingLocked must be called with mu held.
func (m *Manager) conflictingLocked(plan orch.DeploymentPlan) []orch.DeploymentPlan {
	var conflicts []orch.DeploymentPlan
	for _, e := range m.active {
		if e.plan.ConflictsWith(plan) {
			conflicts = append(conflicts, e.plan)
		}
	}
	return conflicts
}

// acceptLocked persists the plan, registers it active, and spawns its
// executor. Must be called with mu held; it releases mu before returning.
func (m *Manager) acceptLocked(plan orch.DeploymentPlan) (StartResult, *executor.Handle) {
	defer m.mu.Unlock()

	if err := m.repo.Save(plan); err != nil {
		logger := corelog.WithPlanID(plan.Id)
		logger.Error().Err(err).Msg("failed to persist deployment plan")
	}

	handle := m.exec.Start(plan)
	m.active[plan.Id] = &entry{plan: plan, handle: handle}

	go m.awaitCompletion(plan.Id, handle)

	return StartResult{Started: true}, handle
}

// awaitCompletion removes the plan's active entry and repository record
// once its executor finishes, per spec.md §4.5's lifecycle: "entry exists
// from the moment start accepts the plan until DeploymentFinished arrives".
func (m *Manager) awaitCompletion(planId string, handle *executor.Handle) {
	<-handle.Done

	m.mu.Lock()
	delete(m.active, planId)
	m.mu.Unlock()

	if err := m.repo.Delete(planId); err != nil {
		logger := corelog.WithPlanID(planId)
		logger.Error().Err(err).Msg("failed to delete finished deployment plan")
	}
}

// Cancel requests cancellation of a specific in-flight plan.
func (m *Manager) Cancel(planId string, cause string) {
	m.mu.Lock()
	e, ok := m.active[planId]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.handle.Cancel(cause)
}

// List returns a snapshot of currently active plans.
func (m *Manager) List() []orch.DeploymentPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]orch.DeploymentPlan, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e.plan)
	}
	return out
}

// Recovered pairs a persisted plan with the executor handle restarted for
// it, so the caller (the Scheduler Core) can add lock-table entries keyed
// by the plan's own affected run spec ids.
type Recovered struct {
	Plan   orch.DeploymentPlan
	Handle *executor.Handle
}

// Recover restarts a Step Executor for every plan persisted in the
// repository, skipping the persistence write since it is already
// persisted (spec.md §4.5's recovery-on-leadership-acquisition path).
func (m *Manager) Recover() ([]Recovered, error) {
	plans, err := m.repo.List()
	if err != nil {
		return nil, err
	}

	recovered := make([]Recovered, 0, len(plans))
	m.mu.Lock()
	for _, plan := range plans {
		handle := m.exec.Start(plan)
		m.active[plan.Id] = &entry{plan: plan, handle: handle}
		recovered = append(recovered, Recovered{Plan: plan, Handle: handle})
		go m.awaitCompletion(plan.Id, handle)
	}
	m.mu.Unlock()

	return recovered, nil
}
