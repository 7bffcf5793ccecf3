package healthchecks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nimbusorch/scheduler/internal/orch"
)

func TestAddAndRemoveAllFor(t *testing.T) {
	m := NewMemManager()
	m.AddAllFor("/foo/app1", []Check{{Type: CheckHTTP, Spec: "/health"}})
	assert.Len(t, m.RegisteredFor("/foo/app1"), 1)

	m.RemoveAllFor("/foo/app1")
	assert.Empty(t, m.RegisteredFor("/foo/app1"))
}

func TestRemoveAll(t *testing.T) {
	m := NewMemManager()
	m.AddAllFor("/foo/app1", []Check{{Type: CheckTCP, Spec: ":5432"}})
	m.AddAllFor("/foo/app2", []Check{{Type: CheckExec, Spec: "pg_isready"}})

	m.RemoveAll()

	assert.Empty(t, m.RegisteredFor("/foo/app1"))
	assert.Empty(t, m.RegisteredFor("/foo/app2"))
}

func TestReconcileDropsUnknownRunSpecs(t *testing.T) {
	m := NewMemManager()
	m.AddAllFor("/foo/app1", []Check{{Type: CheckHTTP}})
	m.AddAllFor("/foo/app2", []Check{{Type: CheckHTTP}})

	m.Reconcile([]orch.RunSpecId{"/foo/app1"})

	assert.Len(t, m.RegisteredFor("/foo/app1"), 1)
	assert.Empty(t, m.RegisteredFor("/foo/app2"))
}
