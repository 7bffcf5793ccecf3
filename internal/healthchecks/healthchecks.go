// Package healthchecks is this core's concrete Health Check Manager: the
// external collaborator spec.md §3 names as
// HealthCheckManager.{addAllFor(app, checks), removeAllFor(id), removeAll(),
// reconcile(apps)}. Actually running a check (HTTP/TCP/exec probing) belongs
// to the separate Readiness Check Executor collaborator and is out of this
// core's scope; this package only tracks which checks are registered per
// run spec, generalizing the teacher's health.Checker registry
// (pkg/health/health.go) from "one checker per task" down to "the set of
// check definitions currently registered per run spec".
package healthchecks

import (
	"sync"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// CheckType mirrors the teacher's health.CheckType: the kind of probe a
// readiness check executor would run. This core never interprets it.
type CheckType string

const (
	CheckHTTP CheckType = "http"
	CheckTCP  CheckType = "tcp"
	CheckExec CheckType = "exec"
)

// Check is an opaque check definition; the scheduling core only ever adds,
// removes, and reconciles these, never evaluates them.
type Check struct {
	Type CheckType
	Spec string // opaque: URL, address, or command line depending on Type
}

// Manager is the health check manager interface the scheduling core
// consumes.
type Manager interface {
	AddAllFor(runSpecId orch.RunSpecId, checks []Check)
	RemoveAllFor(runSpecId orch.RunSpecId)
	RemoveAll()
	Reconcile(runSpecIds []orch.RunSpecId)
}

// MemManager is an in-memory Manager. Propagating registrations to an
// actual readiness check executor is out of this core's scope; MemManager
// records registrations so tests and internal/executor can observe them.
type MemManager struct {
	mu   sync.Mutex
	byId map[orch.RunSpecId][]Check
}

// NewMemManager creates an empty health check manager.
func NewMemManager() *MemManager {
	return &MemManager{byId: make(map[orch.RunSpecId][]Check)}
}

func (m *MemManager) AddAllFor(runSpecId orch.RunSpecId, checks []Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byId[runSpecId] = checks
}

func (m *MemManager) RemoveAllFor(runSpecId orch.RunSpecId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byId, runSpecId)
}

func (m *MemManager) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byId = make(map[orch.RunSpecId][]Check)
}

// Reconcile drops any registration whose run spec id is not in the given
// authoritative set, used when the scheduler core regains leadership (see
// ElectedAsLeaderAndReady's ReconcileHealthChecks trigger).
func (m *MemManager) Reconcile(runSpecIds []orch.RunSpecId) {
	keep := make(map[orch.RunSpecId]bool, len(runSpecIds))
	for _, id := range runSpecIds {
		keep[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byId {
		if !keep[id] {
			delete(m.byId, id)
		}
	}
}

// RegisteredFor returns the checks currently registered for a run spec, for
// tests and introspection.
func (m *MemManager) RegisteredFor(runSpecId orch.RunSpecId) []Check {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byId[runSpecId]
}
