// Package grouprepo is this core's concrete group repository: the external
// collaborator spec.md §6 calls GroupRepository.root(). The scheduling core
// only consumes it through the Repository interface.
package grouprepo

import (
	"context"

	"github.com/nimbusorch/scheduler/internal/orch"
)

// Repository is the group repository interface the scheduling core
// consumes: the current desired-state tree, read on demand.
type Repository interface {
	Root(ctx context.Context) (*orch.GroupSpec, error)
}

// StaticRepository serves a fixed tree, set by tests and the reconciliation
// scenarios in spec.md §8 that hand the core a literal group tree.
type StaticRepository struct {
	Group *orch.GroupSpec
}

func (r StaticRepository) Root(ctx context.Context) (*orch.GroupSpec, error) {
	return r.Group, nil
}
