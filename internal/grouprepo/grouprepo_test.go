package grouprepo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusorch/scheduler/internal/orch"
)

func TestStaticRepositoryReturnsFixedTree(t *testing.T) {
	group := &orch.GroupSpec{
		Id:  "/",
		Apps: []orch.RunSpec{{Id: "app-a", Kind: orch.KindApplication, Instances: 2}},
	}
	repo := StaticRepository{Group: group}

	got, err := repo.Root(context.Background())
	require.NoError(t, err)
	assert.Same(t, group, got)
}

func TestStaticRepositoryNilGroup(t *testing.T) {
	repo := StaticRepository{}

	got, err := repo.Root(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}
