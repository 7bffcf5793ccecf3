package schedcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusorch/scheduler/internal/backoff"
	"github.com/nimbusorch/scheduler/internal/deploymgr"
	"github.com/nimbusorch/scheduler/internal/election"
	"github.com/nimbusorch/scheduler/internal/events"
	"github.com/nimbusorch/scheduler/internal/executor"
	"github.com/nimbusorch/scheduler/internal/grouprepo"
	"github.com/nimbusorch/scheduler/internal/healthchecks"
	"github.com/nimbusorch/scheduler/internal/launchqueue"
	"github.com/nimbusorch/scheduler/internal/orch"
	"github.com/nimbusorch/scheduler/internal/schedactions"
	"github.com/nimbusorch/scheduler/internal/trackerhub"
)

// fakeDriver records every ReconcileTasks call the core makes against it.
// When gate is set, each call blocks until gate is closed.
type fakeDriver struct {
	mu    sync.Mutex
	calls [][]orch.Task
	gate  chan struct{}
}

func (d *fakeDriver) ReconcileTasks(ctx context.Context, statuses []orch.Task) error {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, statuses)
	return nil
}

func (d *fakeDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type testCore struct {
	core    *Core
	tracker *trackerhub.MemTracker
	queue   *launchqueue.MemQueue
	health  *healthchecks.MemManager
	repo    *grouprepo.StaticRepository
	driver  *fakeDriver
	leader  chan election.Event
	cancel  context.CancelFunc
}

func newTestCore(t *testing.T, root *orch.GroupSpec) *testCore {
	t.Helper()

	tracker := trackerhub.NewMemTracker()
	queue := launchqueue.NewMemQueue()
	health := healthchecks.NewMemManager()
	bus := events.NewBus()
	policy := backoff.Policy{Min: time.Millisecond, Max: 5 * time.Millisecond}

	exec := executor.New(tracker, queue, health, bus, policy)
	repo := &grouprepo.StaticRepository{Group: root}
	planRepo := deploymgr.NewMemRepository()
	manager := deploymgr.New(planRepo, exec)

	actions := &schedactions.Actions{Tracker: tracker, Queue: queue}
	driver := &fakeDriver{}
	leader := make(chan election.Event, 4)

	core := New(Config{
		Manager:  manager,
		Actions:  actions,
		Repo:     repo,
		Health:   health,
		Queue:    queue,
		Election: leader,
		Driver:   driver,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)

	return &testCore{core: core, tracker: tracker, queue: queue, health: health, repo: repo, driver: driver, leader: leader, cancel: cancel}
}

// becomeLeader elects the core and blocks until it has actually finished
// the recovery path: ReconcileTasks is itself buffered while suspended, so
// a blocking call to it only returns once the core is Started.
func (tc *testCore) becomeLeader(t *testing.T) {
	t.Helper()
	tc.leader <- election.ElectedAsLeaderAndReady
	_, err := tc.core.ReconcileTasks(context.Background())
	require.NoError(t, err)
}

func noopPlan(id string, runSpecId orch.RunSpecId) orch.DeploymentPlan {
	return orch.DeploymentPlan{Id: id, Steps: []orch.DeploymentStep{
		{Actions: []orch.DeploymentAction{orch.StartApplicationAction{Run: orch.RunSpec{Id: runSpecId, Kind: orch.KindApplication}}}},
	}}
}

func TestDeployBufferedWhileSuspendedUntilElected(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{Id: "/"})
	defer tc.cancel()

	deployDone := make(chan DeployOutcome, 1)
	go func() {
		o, err := tc.core.Deploy(context.Background(), noopPlan("p1", "/foo/app1"), false)
		require.NoError(t, err)
		deployDone <- o
	}()

	select {
	case <-deployDone:
		t.Fatal("deploy resolved while core still suspended")
	case <-time.After(20 * time.Millisecond):
	}

	tc.leader <- election.ElectedAsLeaderAndReady

	select {
	case o := <-deployDone:
		assert.True(t, o.Started)
	case <-time.After(2 * time.Second):
		t.Fatal("deploy never resolved after election")
	}
}

func TestDeployAcceptsThenConflictWithoutForceIsLocked(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{Id: "/"})
	defer tc.cancel()
	tc.becomeLeader(t)

	tc.tracker.Put(orch.Instance{Id: "istuck", RunSpecId: "/foo/app1", Condition: orch.Running})
	blocking := orch.DeploymentPlan{Id: "p1", Steps: []orch.DeploymentStep{
		{Actions: []orch.DeploymentAction{orch.StopApplicationAction{Run: orch.RunSpec{Id: "/foo/app1", Instances: 1}}}},
	}}

	o1, err := tc.core.Deploy(context.Background(), blocking, false)
	require.NoError(t, err)
	require.True(t, o1.Started)
	defer tc.core.CancelDeployment("p1", "test cleanup")

	o2, err := tc.core.Deploy(context.Background(), noopPlan("p2", "/foo/app1"), false)
	require.NoError(t, err)
	assert.True(t, o2.Locked)
	require.Len(t, o2.Conflicts, 1)
	assert.Equal(t, "p1", o2.Conflicts[0].Id)
}

func TestScaleRunSpecDroppedWhenLockHeldByActiveDeploy(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{Id: "/"})
	defer tc.cancel()
	tc.becomeLeader(t)

	tc.tracker.Put(orch.Instance{Id: "istuck", RunSpecId: "/foo/app1", Condition: orch.Running})
	blocking := orch.DeploymentPlan{Id: "p1", Steps: []orch.DeploymentStep{
		{Actions: []orch.DeploymentAction{orch.StopApplicationAction{Run: orch.RunSpec{Id: "/foo/app1", Instances: 1}}}},
	}}
	o1, err := tc.core.Deploy(context.Background(), blocking, false)
	require.NoError(t, err)
	require.True(t, o1.Started)
	defer tc.core.CancelDeployment("p1", "test cleanup")

	tc.core.ScaleRunSpec("/foo/app1")

	// No queue add should land for app1: the scale request was dropped
	// because the deploy already holds its lock.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, tc.queue.Pending("/foo/app1"))
}

func TestScaleRunSpecConvergesWhenUnlocked(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{
		Id:   "/",
		Apps: []orch.RunSpec{{Id: "/foo/app1", Instances: 2, KillSelection: orch.OldestFirst}},
	})
	defer tc.cancel()
	tc.becomeLeader(t)

	tc.core.ScaleRunSpec("/foo/app1")

	require.Eventually(t, func() bool {
		return tc.queue.Pending("/foo/app1") == 2
	}, time.Second, time.Millisecond)
}

func TestReconcileTasksOrphansUnknownRunSpec(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{Id: "/"})
	defer tc.cancel()
	tc.becomeLeader(t)

	tc.tracker.Put(orch.Instance{Id: "orphan-1", RunSpecId: "/deleted-app", Condition: orch.Running})

	statuses, err := tc.core.ReconcileTasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, statuses)

	orphan, ok := tc.tracker.Get("orphan-1")
	require.True(t, ok)
	assert.Equal(t, orch.GoalDecommissioned, orphan.Goal)
}

func TestReconcileTasksDeduplicatesConcurrentRequests(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{Id: "/"})
	defer tc.cancel()
	tc.becomeLeader(t) // one reconciliation already ran as part of recovery

	before := tc.driver.callCount()

	// Hold the driver so the first reconciliation is still in flight while
	// the other requests arrive.
	release := make(chan struct{})
	tc.driver.gate = release

	const n = 5
	results := make(chan []orch.Task, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			statuses, err := tc.core.ReconcileTasks(context.Background())
			require.NoError(t, err)
			results <- statuses
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for statuses := range results {
		assert.Empty(t, statuses)
	}
	// Exactly one reconciliation ran for all N concurrent requesters: the
	// driver sees exactly one more trailing empty call, never N of them.
	assert.Equal(t, before+1, tc.driver.callCount())
}

func TestStandbyClearsHealthChecks(t *testing.T) {
	tc := newTestCore(t, &orch.GroupSpec{Id: "/", Apps: []orch.RunSpec{{Id: "/foo/app1"}}})
	defer tc.cancel()
	tc.becomeLeader(t)

	tc.health.AddAllFor("/foo/app1", []healthchecks.Check{{Type: healthchecks.CheckHTTP}})

	tc.leader <- election.Standby
	require.Eventually(t, func() bool {
		return len(tc.health.RegisteredFor("/foo/app1")) == 0
	}, time.Second, time.Millisecond)
}
