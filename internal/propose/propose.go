// Package propose implements the scaling proposition: the pure function
// that turns a set of running instances, a desired count, and a kill
// selection policy into "who to kill" and "how many to start".
package propose

import (
	"sort"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// Result is the outcome of Propose. Either field may be nil, meaning "do
// nothing" for that half of the decision — mirroring the spec's "absent
// marker" so callers can short-circuit with a simple nil check.
type Result struct {
	InstancesToKill  []orch.Instance
	InstancesToStart *int
}

// Propose decides which instances to kill and how many to start.
//
//  1. overCapacity = max(0, len(running) - scaleTo)
//  2. sentenced = toKillHint ∩ running (hint may name already-gone instances)
//  3. if len(sentenced) >= overCapacity, sentenced alone is the kill set;
//     otherwise additional victims are chosen from running\sentenced by
//     killSelection order until overCapacity is met.
//  4. toStart = max(0, scaleTo - (len(running) - len(toKill)))
//
// Propose is deterministic: equal inputs produce equal outputs, and ties
// within the selection order are broken by instance id so the total order
// is strict.
func Propose(running []orch.Instance, toKillHint []orch.Instance, scaleTo int, killSelection orch.KillSelection) Result {
	runningById := make(map[orch.InstanceId]orch.Instance, len(running))
	for _, inst := range running {
		runningById[inst.Id] = inst
	}

	sentenced := make(map[orch.InstanceId]orch.Instance)
	for _, hint := range toKillHint {
		if inst, ok := runningById[hint.Id]; ok {
			sentenced[inst.Id] = inst
		}
	}

	overCapacity := len(running) - scaleTo
	if overCapacity < 0 {
		overCapacity = 0
	}

	toKill := make(map[orch.InstanceId]orch.Instance, len(sentenced))
	for id, inst := range sentenced {
		toKill[id] = inst
	}

	if len(sentenced) < overCapacity {
		remaining := overCapacity - len(sentenced)
		var candidates []orch.Instance
		for _, inst := range running {
			if _, already := sentenced[inst.Id]; !already {
				candidates = append(candidates, inst)
			}
		}
		selected := selectVictims(candidates, remaining, killSelection)
		for _, inst := range selected {
			toKill[inst.Id] = inst
		}
	}

	killCount := len(toKill)
	toStart := scaleTo - (len(running) - killCount)
	if toStart < 0 {
		toStart = 0
	}

	res := Result{}
	if len(toKill) > 0 {
		res.InstancesToKill = sortedInstances(toKill)
	}
	if toStart > 0 {
		t := toStart
		res.InstancesToStart = &t
	}
	return res
}

// selectVictims picks up to n instances from candidates in kill-selection
// order (oldest-first ascending start time, youngest-first descending),
// ties broken by instance id lexicographic order for a strict total order.
func selectVictims(candidates []orch.Instance, n int, killSelection orch.KillSelection) []orch.Instance {
	sorted := append([]orch.Instance(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.StartedAt.Equal(b.StartedAt) {
			return a.Id < b.Id
		}
		if killSelection == orch.YoungestFirst {
			return a.StartedAt.After(b.StartedAt)
		}
		return a.StartedAt.Before(b.StartedAt)
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	if n <= 0 {
		return nil
	}
	return sorted[:n]
}

func sortedInstances(m map[orch.InstanceId]orch.Instance) []orch.Instance {
	out := make([]orch.Instance, 0, len(m))
	for _, inst := range m {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}
