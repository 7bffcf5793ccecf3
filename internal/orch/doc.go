// Package orch is the shared vocabulary of the scheduling core: run specs,
// instances, goals, conditions, and deployment plans. Nothing in here talks
// to the network, a store, or a clock beyond time.Time fields — it is pure
// data plus the small derived predicates (IsActive, IsTerminal, ...) every
// other package needs.
package orch
