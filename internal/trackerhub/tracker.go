// Package trackerhub is this core's concrete instance tracker: the
// external collaborator spec.md §3 describes as "persistent authoritative
// store of all known instances and their states". The scheduling core only
// ever consumes it through the Tracker interface; MemTracker exists so the
// rest of the core and its tests have something real to run against, and so
// the bbolt dependency carried from the teacher's storage package gets
// exercised here as optional durability for the instance snapshot.
package trackerhub

import (
	"sync"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// InstanceChange is one event in the update stream.
type InstanceChange struct {
	Instance orch.Instance
	Removed  bool // true when the instance has been dropped from the tracker entirely
}

// UpdateStream is a live subscription: Snapshot is delivered once, up front,
// followed by an ongoing feed of Changes in per-instance causal order.
// Cancel detaches the subscription without side effects on the tracker.
type UpdateStream struct {
	Snapshot []orch.Instance
	Changes  <-chan InstanceChange
	Cancel   func()
}

// Tracker is the instance tracker interface the scheduling core consumes.
type Tracker interface {
	Get(id orch.InstanceId) (orch.Instance, bool)
	SpecInstances(runSpecId orch.RunSpecId) []orch.Instance
	InstancesBySpec() map[orch.RunSpecId][]orch.Instance
	SetGoal(id orch.InstanceId, goal orch.Goal, reason orch.GoalChangeReason) error
	Subscribe() UpdateStream
}

// MemTracker is an in-memory Tracker with an optional bbolt-backed snapshot
// writer for durability across restarts (see NewPersistentMemTracker).
type MemTracker struct {
	mu        sync.RWMutex
	instances map[orch.InstanceId]orch.Instance
	subs      map[chan InstanceChange]bool
	persist   func(orch.Instance)
}

// NewMemTracker creates a tracker with no durability.
func NewMemTracker() *MemTracker {
	return &MemTracker{
		instances: make(map[orch.InstanceId]orch.Instance),
		subs:      make(map[chan InstanceChange]bool),
	}
}

// Put inserts or replaces an instance and notifies subscribers. Tests and
// the (external, out of scope) cluster-offer driver use this to simulate
// instances appearing; it is not part of the Tracker interface itself.
func (m *MemTracker) Put(inst orch.Instance) {
	m.mu.Lock()
	m.instances[inst.Id] = inst
	if m.persist != nil {
		m.persist(inst)
	}
	m.broadcastLocked(InstanceChange{Instance: inst})
	m.mu.Unlock()
}

// Remove drops an instance from the tracker (the cluster reports it gone).
func (m *MemTracker) Remove(id orch.InstanceId) {
	m.mu.Lock()
	inst, ok := m.instances[id]
	delete(m.instances, id)
	if ok {
		m.broadcastLocked(InstanceChange{Instance: inst, Removed: true})
	}
	m.mu.Unlock()
}

func (m *MemTracker) broadcastLocked(change InstanceChange) {
	for sub := range m.subs {
		select {
		case sub <- change:
		default:
		}
	}
}

func (m *MemTracker) Get(id orch.InstanceId) (orch.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

func (m *MemTracker) SpecInstances(runSpecId orch.RunSpecId) []orch.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []orch.Instance
	for _, inst := range m.instances {
		if inst.RunSpecId == runSpecId {
			out = append(out, inst)
		}
	}
	return out
}

func (m *MemTracker) InstancesBySpec() map[orch.RunSpecId][]orch.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[orch.RunSpecId][]orch.Instance)
	for _, inst := range m.instances {
		out[inst.RunSpecId] = append(out[inst.RunSpecId], inst)
	}
	return out
}

// SetGoal is idempotent: setting the same goal again is a safe no-op beyond
// re-notifying subscribers of the (unchanged) instance.
func (m *MemTracker) SetGoal(id orch.InstanceId, goal orch.Goal, reason orch.GoalChangeReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		// Tracker unavailable for this id: treated as a no-op by callers,
		// per spec.md §7 ("tracker unavailable for an id during scaling").
		return nil
	}
	inst.Goal = goal
	m.instances[id] = inst
	if m.persist != nil {
		m.persist(inst)
	}
	m.broadcastLocked(InstanceChange{Instance: inst})
	return nil
}

// Subscribe delivers a snapshot of every known instance, then a live feed.
// The snapshot is taken under the same lock used to register the
// subscription, so no change between snapshot and first event is missed.
func (m *MemTracker) Subscribe() UpdateStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make([]orch.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		snapshot = append(snapshot, inst)
	}

	ch := make(chan InstanceChange, 256)
	m.subs[ch] = true

	cancelled := false
	var cancelMu sync.Mutex
	cancel := func() {
		cancelMu.Lock()
		defer cancelMu.Unlock()
		if cancelled {
			return
		}
		cancelled = true
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}

	return UpdateStream{Snapshot: snapshot, Changes: ch, Cancel: cancel}
}
