package launchqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nimbusorch/scheduler/internal/orch"
)

func TestAddAccumulatesPendingCount(t *testing.T) {
	q := NewMemQueue()
	run := orch.RunSpec{Id: "/foo/app1"}

	q.Add(run, 2)
	q.Add(run, 3)

	assert.Equal(t, 5, q.Pending("/foo/app1"))
}

func TestAddIgnoresNonPositiveCount(t *testing.T) {
	q := NewMemQueue()
	run := orch.RunSpec{Id: "/foo/app1"}

	q.Add(run, 0)
	q.Add(run, -1)

	assert.Equal(t, 0, q.Pending("/foo/app1"))
}

func TestPurgeClearsPendingCount(t *testing.T) {
	q := NewMemQueue()
	run := orch.RunSpec{Id: "/foo/app1"}
	q.Add(run, 4)

	q.Purge("/foo/app1")

	assert.Equal(t, 0, q.Pending("/foo/app1"))
}

func TestPendingOnUnknownRunSpecIsZero(t *testing.T) {
	q := NewMemQueue()
	assert.Equal(t, 0, q.Pending("/never/seen"))
}

func TestResetDelayIsIdempotentOnUnknownRunSpec(t *testing.T) {
	q := NewMemQueue()
	run := orch.RunSpec{Id: "/foo/app1"}

	assert.NotPanics(t, func() { q.ResetDelay(run) })
	assert.Equal(t, 0, q.Pending("/foo/app1"))
}
