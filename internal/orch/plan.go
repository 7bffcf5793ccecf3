package orch

import (
	"encoding/json"
	"fmt"
	"time"
)

// DeploymentAction is one of StartApplicationAction, ScaleApplicationAction,
// RestartApplicationAction, StopApplicationAction. Actions within a step are
// mutually independent; the interface exists so a step can hold a
// heterogeneous, ordered list of them.
type DeploymentAction interface {
	// RunSpecID is the run spec this action targets.
	RunSpecID() RunSpecId
	actionTag() string
}

// StartApplicationAction starts a run spec that has no running instances yet.
// Actually launching instances is handled by a follow-up scale to the target
// count; this action's own effect is registering health checks.
type StartApplicationAction struct {
	Run RunSpec
}

func (a StartApplicationAction) RunSpecID() RunSpecId { return a.Run.Id }
func (a StartApplicationAction) actionTag() string    { return "start" }

// ScaleApplicationAction changes a run spec's running instance count,
// optionally pinning specific instances to kill.
type ScaleApplicationAction struct {
	Run     RunSpec
	ScaleTo int
	ToKill  []Instance
}

func (a ScaleApplicationAction) RunSpecID() RunSpecId { return a.Run.Id }
func (a ScaleApplicationAction) actionTag() string    { return "scale" }

// RestartApplicationAction replaces every active instance of a run spec with
// Run.Instances instances running the new version.
type RestartApplicationAction struct {
	Run RunSpec
}

func (a RestartApplicationAction) RunSpecID() RunSpecId { return a.Run.Id }
func (a RestartApplicationAction) actionTag() string    { return "restart" }

// StopApplicationAction decommissions every instance of a run spec and
// removes its bookkeeping (health checks, launch-queue entry).
type StopApplicationAction struct {
	Run RunSpec
}

func (a StopApplicationAction) RunSpecID() RunSpecId { return a.Run.Id }
func (a StopApplicationAction) actionTag() string     { return "stop" }

// DeploymentStep is a set of actions that execute concurrently; no two
// actions within one step may target the same run spec id.
type DeploymentStep struct {
	Actions []DeploymentAction
}

// taggedAction is DeploymentStep's wire representation for one action: a
// type tag alongside the action's own fields, since DeploymentAction is an
// interface and encoding/json cannot decode into one without help.
type taggedAction struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s DeploymentStep) MarshalJSON() ([]byte, error) {
	tagged := make([]taggedAction, len(s.Actions))
	for i, a := range s.Actions {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal action %d: %w", i, err)
		}
		tagged[i] = taggedAction{Type: a.actionTag(), Data: data}
	}
	return json.Marshal(struct {
		Actions []taggedAction `json:"actions"`
	}{Actions: tagged})
}

func (s *DeploymentStep) UnmarshalJSON(b []byte) error {
	var wrapper struct {
		Actions []taggedAction `json:"actions"`
	}
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return err
	}

	actions := make([]DeploymentAction, len(wrapper.Actions))
	for i, t := range wrapper.Actions {
		switch t.Type {
		case "start":
			var a StartApplicationAction
			if err := json.Unmarshal(t.Data, &a); err != nil {
				return err
			}
			actions[i] = a
		case "scale":
			var a ScaleApplicationAction
			if err := json.Unmarshal(t.Data, &a); err != nil {
				return err
			}
			actions[i] = a
		case "restart":
			var a RestartApplicationAction
			if err := json.Unmarshal(t.Data, &a); err != nil {
				return err
			}
			actions[i] = a
		case "stop":
			var a StopApplicationAction
			if err := json.Unmarshal(t.Data, &a); err != nil {
				return err
			}
			actions[i] = a
		default:
			return fmt.Errorf("orch: unknown deployment action type %q", t.Type)
		}
	}
	s.Actions = actions
	return nil
}

// GroupSpec is a node in the run-spec tree a deployment plan transitions
// between. The core never interprets group structure beyond walking it for
// run spec ids; grouping semantics belong to the (out of scope) planner.
type GroupSpec struct {
	Id       string
	Apps     []RunSpec
	Children []*GroupSpec
}

// RunSpecIds returns every run spec id transitively reachable from the group.
func (g *GroupSpec) RunSpecIds() []RunSpecId {
	if g == nil {
		return nil
	}
	var ids []RunSpecId
	var walk func(*GroupSpec)
	walk = func(n *GroupSpec) {
		for _, a := range n.Apps {
			ids = append(ids, a.Id)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(g)
	return ids
}

// RunSpecs returns every run spec transitively reachable from the group,
// keyed by id.
func (g *GroupSpec) RunSpecs() map[RunSpecId]RunSpec {
	out := make(map[RunSpecId]RunSpec)
	if g == nil {
		return out
	}
	var walk func(*GroupSpec)
	walk = func(n *GroupSpec) {
		for _, a := range n.Apps {
			out[a.Id] = a
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(g)
	return out
}

// DeploymentPlan is the immutable, ordered sequence of steps required to
// move a group tree from Original to Target.
type DeploymentPlan struct {
	Id       string
	Original *GroupSpec
	Target   *GroupSpec
	Steps    []DeploymentStep
	Version  time.Time
	ToKill   map[RunSpecId][]Instance
}

// AffectedRunSpecIds is the union of run spec ids referenced by any action
// in any step of the plan.
func (p DeploymentPlan) AffectedRunSpecIds() map[RunSpecId]bool {
	out := make(map[RunSpecId]bool)
	for _, step := range p.Steps {
		for _, action := range step.Actions {
			out[action.RunSpecID()] = true
		}
	}
	return out
}

// ConflictsWith reports whether the two plans' affected run spec id sets
// intersect.
func (p DeploymentPlan) ConflictsWith(other DeploymentPlan) bool {
	affected := p.AffectedRunSpecIds()
	for id := range other.AffectedRunSpecIds() {
		if affected[id] {
			return true
		}
	}
	return false
}
