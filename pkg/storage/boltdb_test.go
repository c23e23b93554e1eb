package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/corralhq/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClusterCRUD(t *testing.T) {
	store := newTestStore(t)

	c := &types.Cluster{
		ID:              "c1",
		Name:            "web",
		ProfileID:       "fake.small",
		MinSize:         1,
		DesiredCapacity: 3,
		MaxSize:         5,
		Status:          types.ClusterInit,
	}
	require.NoError(t, store.CreateCluster(c))

	got, err := store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.Name)
	assert.Equal(t, 3, got.DesiredCapacity)

	got.Status = types.ClusterActive
	require.NoError(t, store.UpdateCluster(got))
	got, err = store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, types.ClusterActive, got.Status)

	clusters, err := store.ListClusters()
	require.NoError(t, err)
	assert.Len(t, clusters, 1)

	require.NoError(t, store.DeleteCluster("c1"))
	_, err = store.GetCluster("c1")
	assert.True(t, types.IsNotFound(err))
}

func TestAdjustDesiredCapacity(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateCluster(&types.Cluster{ID: "c1", Name: "web"}))

	// concurrent adjustments must not lose increments
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AdjustDesiredCapacity("c1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.GetCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.DesiredCapacity)

	// the returned cluster carries the new value
	c, err := store.AdjustDesiredCapacity("c1", -5)
	require.NoError(t, err)
	assert.Equal(t, 15, c.DesiredCapacity)

	// never drops below zero
	c, err = store.AdjustDesiredCapacity("c1", -100)
	require.NoError(t, err)
	assert.Equal(t, 0, c.DesiredCapacity)

	_, err = store.AdjustDesiredCapacity("missing", 1)
	assert.True(t, types.IsNotFound(err))
}

func TestGetClusterNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetCluster("missing")
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
	assert.Contains(t, err.Error(), "could not be found")
}

func TestNextIndex(t *testing.T) {
	store := newTestStore(t)

	for want := 1; want <= 5; want++ {
		idx, err := store.NextIndex("c1")
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	}

	// a different cluster counts independently
	idx, err := store.NextIndex("c2")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	// deleting the cluster resets its counter
	require.NoError(t, store.DeleteCluster("c1"))
	idx, err = store.NextIndex("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestNodesByCluster(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateNode(&types.Node{ID: "n1", ClusterID: "c1"}))
	require.NoError(t, store.CreateNode(&types.Node{ID: "n2", ClusterID: "c1"}))
	require.NoError(t, store.CreateNode(&types.Node{ID: "n3", ClusterID: "c2"}))
	require.NoError(t, store.CreateNode(&types.Node{ID: "n4"}))

	nodes, err := store.ListNodesByCluster("c1")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	count, err := store.CountByCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.DeleteNode("n1"))
	count, err = store.CountByCluster("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAcquireFirstReadyClaimsOldest(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a-new", Status: types.ActionReady, CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a-old", Status: types.ActionReady, CreatedAt: base,
	}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a-running", Status: types.ActionRunning, CreatedAt: base.Add(-time.Minute),
	}))

	claimed, err := store.AcquireFirstReady("engine-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a-old", claimed.ID)
	assert.Equal(t, types.ActionRunning, claimed.Status)
	assert.Equal(t, "engine-1", claimed.Owner)
	assert.False(t, claimed.StartTime.IsZero())

	claimed, err = store.AcquireFirstReady("engine-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a-new", claimed.ID)

	// nothing READY left
	claimed, err = store.AcquireFirstReady("engine-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestAbandonAction(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.CreateAction(&types.Action{ID: "a1", Status: types.ActionReady, CreatedAt: now}))
	claimed, err := store.AcquireFirstReady("engine-1", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, store.AbandonAction("a1"))
	a, err := store.GetAction("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionReady, a.Status)
	assert.Empty(t, a.Owner)
	assert.True(t, a.StartTime.IsZero())
}

func TestTerminalStatusNeverChanges(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.CreateAction(&types.Action{ID: "a1", Status: types.ActionRunning}))
	require.NoError(t, store.MarkSucceeded("a1", now, "done"))

	// every later transition is a no-op
	require.NoError(t, store.MarkFailed("a1", now.Add(time.Second), "too late"))
	require.NoError(t, store.MarkCancelled("a1", now.Add(time.Second), "too late"))
	require.NoError(t, store.MarkReady("a1", "too late"))
	require.NoError(t, store.AbandonAction("a1"))

	a, err := store.GetAction("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionSucceeded, a.Status)
	assert.Equal(t, "done", a.StatusReason)
	assert.Equal(t, now.Unix(), a.EndTime.Unix())
}

func TestActionSignal(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateAction(&types.Action{ID: "a1", Status: types.ActionRunning}))

	sig, err := store.GetActionSignal("a1")
	require.NoError(t, err)
	assert.Equal(t, types.SignalNone, sig)

	require.NoError(t, store.SetActionSignal("a1", types.SignalCancel))
	sig, err = store.GetActionSignal("a1")
	require.NoError(t, err)
	assert.Equal(t, types.SignalCancel, sig)
}

func TestCheckActionStatusAppliesTimeout(t *testing.T) {
	store := newTestStore(t)
	start := time.Now()

	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a1", Status: types.ActionRunning, Timeout: 60, StartTime: start,
	}))

	status, err := store.CheckActionStatus("a1", start.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.ActionRunning, status)

	status, err = store.CheckActionStatus("a1", start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, status)

	// the stored row is untouched; the timeout is applied on read
	a, err := store.GetAction("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionRunning, a.Status)
}

func TestPurgeActions(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.CreateAction(&types.Action{
		ID: "old-done", Status: types.ActionSucceeded, EndTime: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "recent-done", Status: types.ActionSucceeded, EndTime: now.Add(-time.Minute),
	}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "old-running", Status: types.ActionRunning,
	}))

	purged, err := store.PurgeActions(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.GetAction("old-done")
	assert.True(t, types.IsNotFound(err))
	_, err = store.GetAction("recent-done")
	assert.NoError(t, err)
	_, err = store.GetAction("old-running")
	assert.NoError(t, err)
}

func TestAddDependency(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateAction(&types.Action{ID: "child1", Status: types.ActionReady}))
	require.NoError(t, store.CreateAction(&types.Action{ID: "child2", Status: types.ActionReady}))
	require.NoError(t, store.CreateAction(&types.Action{ID: "parent", Status: types.ActionReady}))

	require.NoError(t, store.AddDependency([]string{"child1", "child2"}, "parent"))

	depended, err := store.GetDepended("parent")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"child1", "child2"}, depended)

	dependents, err := store.GetDependents("child1")
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, dependents)

	// a READY dependent with outstanding dependencies becomes WAITING
	parent, err := store.GetAction("parent")
	require.NoError(t, err)
	assert.Equal(t, types.ActionWaiting, parent.Status)

	// re-adding the same edge is idempotent
	require.NoError(t, store.AddDependency([]string{"child1"}, "parent"))
	depended, err = store.GetDepended("parent")
	require.NoError(t, err)
	assert.Len(t, depended, 2)
}

func TestClusterLockScopes(t *testing.T) {
	store := newTestStore(t)

	// first cluster-scope owner wins
	owners, err := store.AcquireClusterLock("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, owners)

	// a second cluster-scope claimant does not get in
	owners, err = store.AcquireClusterLock("c1", "a2", types.ClusterScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, owners)

	// node scope cannot share with a cluster-scope holder
	owners, err = store.AcquireClusterLock("c1", "a3", types.NodeScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, owners)

	// reentrant for the same action
	owners, err = store.AcquireClusterLock("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, owners)
}

func TestClusterLockNodeScopeSharing(t *testing.T) {
	store := newTestStore(t)

	owners, err := store.AcquireClusterLock("c1", "a1", types.NodeScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, owners)

	owners, err = store.AcquireClusterLock("c1", "a2", types.NodeScope)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2"}, owners)

	// cluster scope is excluded while node-scope holders remain
	owners, err = store.AcquireClusterLock("c1", "a3", types.ClusterScope)
	require.NoError(t, err)
	assert.NotContains(t, owners, "a3")

	removed, err := store.ReleaseClusterLock("c1", "a1", types.NodeScope)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = store.ReleaseClusterLock("c1", "a2", types.NodeScope)
	require.NoError(t, err)
	assert.True(t, removed)

	// empty owner set deletes the lock row
	l, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestStealClusterLock(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.NodeScope)
	require.NoError(t, err)
	_, err = store.AcquireClusterLock("c1", "a2", types.NodeScope)
	require.NoError(t, err)

	owners, err := store.StealClusterLock("c1", "a3", types.ClusterScope)
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, owners)

	l, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, types.ClusterScope, l.Scope)
}

func TestNodeLockMutex(t *testing.T) {
	store := newTestStore(t)

	owner, err := store.AcquireNodeLock("n1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", owner)

	owner, err = store.AcquireNodeLock("n1", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a1", owner)

	// release by a non-owner is a no-op
	released, err := store.ReleaseNodeLock("n1", "a2")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.ReleaseNodeLock("n1", "a1")
	require.NoError(t, err)
	assert.True(t, released)

	owner, err = store.AcquireNodeLock("n1", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", owner)
}

func TestReleaseLocksByAction(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AcquireClusterLock("c1", "a1", types.NodeScope)
	require.NoError(t, err)
	_, err = store.AcquireClusterLock("c1", "a2", types.NodeScope)
	require.NoError(t, err)
	_, err = store.AcquireClusterLock("c2", "a1", types.ClusterScope)
	require.NoError(t, err)
	_, err = store.AcquireNodeLock("n1", "a1")
	require.NoError(t, err)

	require.NoError(t, store.ReleaseLocksByAction("a1"))

	l, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, []string{"a2"}, l.Owners)

	l, err = store.GetClusterLock("c2")
	require.NoError(t, err)
	assert.Nil(t, l)

	nl, err := store.GetNodeLock("n1")
	require.NoError(t, err)
	assert.Nil(t, nl)
}

func TestBindingCRUD(t *testing.T) {
	store := newTestStore(t)

	b := &types.Binding{ClusterID: "c1", PolicyID: "p1", Enabled: true, Priority: 10, Cooldown: 60}
	require.NoError(t, store.CreateBinding(b))

	got, err := store.GetBinding("c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Priority)

	got.Priority = 20
	require.NoError(t, store.UpdateBinding(got))

	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "p2"}))
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c2", PolicyID: "p1"}))

	bindings, err := store.ListBindings("c1")
	require.NoError(t, err)
	assert.Len(t, bindings, 2)

	require.NoError(t, store.DeleteBinding("c1", "p1"))
	_, err = store.GetBinding("c1", "p1")
	assert.True(t, types.IsNotFound(err))
}

func TestListExpiredServices(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID: "s-live", Name: "corral-engine", UpdatedAt: now,
	}))
	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID: "s-dead", Name: "corral-engine", UpdatedAt: now.Add(-5 * time.Minute),
	}))
	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID: "s-other", Name: "other", UpdatedAt: now.Add(-5 * time.Minute),
	}))

	expired, err := store.ListExpiredServices("corral-engine", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "s-dead", expired[0].ID)
}
