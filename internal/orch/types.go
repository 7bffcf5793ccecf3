package orch

import "time"

// RunSpecId is a forward-slash delimited hierarchical path, e.g. "/foo/app1".
type RunSpecId string

// RunSpecKind distinguishes applications from pods. The core treats both
// uniformly except that health-check registration only applies to applications.
type RunSpecKind string

const (
	KindApplication RunSpecKind = "application"
	KindPod         RunSpecKind = "pod"
)

// KillSelection orders instances for scale-down when the propose algorithm
// needs to pick victims beyond an explicit kill hint.
type KillSelection string

const (
	YoungestFirst KillSelection = "youngest-first"
	OldestFirst   KillSelection = "oldest-first"
)

// VersionInfo carries whatever distinguishes one version of a run spec's
// definition from another (image tag, command line, env, ...). The core only
// needs to know whether two versions are equal; opaque to everything else.
type VersionInfo struct {
	Value string
}

// RunSpec is the read-only external description of a workload.
type RunSpec struct {
	Id            RunSpecId
	Kind          RunSpecKind
	Instances     int
	KillSelection KillSelection
	Version       VersionInfo
}

// WithInstances returns a copy of the run spec with Instances replaced.
func (r RunSpec) WithInstances(n int) RunSpec {
	r.Instances = n
	return r
}

// Condition is the observed execution state of an instance.
type Condition string

const (
	Provisioned  Condition = "provisioned"
	Staging      Condition = "staging"
	Starting     Condition = "starting"
	Running      Condition = "running"
	Killing      Condition = "killing"
	Killed       Condition = "killed"
	Finished     Condition = "finished"
	Failed       Condition = "failed"
	Error        Condition = "error"
	Gone         Condition = "gone"
	Dropped      Condition = "dropped"
	Unknown      Condition = "unknown"
	Unreachable  Condition = "unreachable"
)

// terminalConditions are conditions watchForKilledInstances treats as "done".
var terminalConditions = map[Condition]bool{
	Killed:   true,
	Finished: true,
	Failed:   true,
	Gone:     true,
	Dropped:  true,
	Unknown:  true,
	Error:    true,
}

// IsTerminal reports whether the condition is one watchers treat as terminal.
func (c Condition) IsTerminal() bool {
	return terminalConditions[c]
}

// Goal is the sticky desired lifecycle target of an instance.
type Goal string

const (
	GoalRunning        Goal = "running"
	GoalStopped        Goal = "stopped"
	GoalDecommissioned Goal = "decommissioned"
)

// GoalChangeReason is attached to every setGoal call, for events and logs.
type GoalChangeReason string

const (
	ReasonDeploymentScaling GoalChangeReason = "DeploymentScaling"
	ReasonUpgrading         GoalChangeReason = "Upgrading"
	ReasonDeletingApp       GoalChangeReason = "DeletingApp"
	ReasonOverCapacity      GoalChangeReason = "OverCapacity"
	ReasonOrphaned          GoalChangeReason = "Orphaned"
)

// TaskCondition is the cluster-reported condition of one task within an
// instance (an instance may carry more than one task, e.g. for pods).
type TaskCondition string

const (
	TaskRunning  TaskCondition = "running"
	TaskFinished TaskCondition = "finished"
	TaskFailed   TaskCondition = "failed"
	TaskError    TaskCondition = "error"
	TaskKilled   TaskCondition = "killed"
	TaskUnknown  TaskCondition = "unknown"
)

var terminalTaskConditions = map[TaskCondition]bool{
	TaskFinished: true,
	TaskFailed:   true,
	TaskError:    true,
	TaskKilled:   true,
}

// IsTerminal reports whether the task condition is considered done.
func (c TaskCondition) IsTerminal() bool {
	return terminalTaskConditions[c]
}

// TaskStatus is the cluster-reported status of one task, when present.
type TaskStatus struct {
	Condition TaskCondition
	Message   string
}

// Task is one cluster-scheduled unit inside an instance (pods may carry more
// than one; applications carry exactly one).
type Task struct {
	Name   string
	Status *TaskStatus // nil when the cluster has not reported a status yet
}

// InstanceId identifies one instance, tied to exactly one run spec.
type InstanceId string

// Instance is one live (or formerly live) replica of a run spec.
type Instance struct {
	Id             InstanceId
	RunSpecId      RunSpecId
	Condition      Condition
	Goal           Goal
	HasReservation bool
	Tasks          map[string]Task
	StartedAt      time.Time
}

var activeConditions = map[Condition]bool{
	Staging:     true,
	Starting:    true,
	Running:     true,
	Killing:     true,
	Unreachable: true,
}

// IsActive reports whether the instance is in one of the "still alive or
// dying" conditions used to decide scaling headroom.
func (i Instance) IsActive() bool {
	return activeConditions[i.Condition]
}

// IsScheduled reports whether the instance has a reservation or is already
// progressing toward running (used when computing launch-queue deltas).
func (i Instance) IsScheduled() bool {
	return i.HasReservation || i.IsActive()
}
