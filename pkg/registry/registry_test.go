package registry

import (
	"testing"
	"time"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, clk clock.Clock) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	return New(store, clk, cfg, "test-host", "engine"), store
}

func TestStartRegistersAndStopRemoves(t *testing.T) {
	r, store := newTestRegistry(t, clock.NewReal())

	require.NoError(t, r.Start())

	rec, err := store.GetService(r.ServiceID())
	require.NoError(t, err)
	assert.Equal(t, "test-host", rec.Host)
	assert.False(t, rec.UpdatedAt.IsZero())

	r.Stop()
	_, err = store.GetService(r.ServiceID())
	assert.True(t, types.IsNotFound(err))
}

func TestIsAliveWindow(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r, store := newTestRegistry(t, fake)

	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID:        "peer-1",
		Name:      r.cfg.Name,
		UpdatedAt: fake.Now(),
	}))

	assert.True(t, r.IsAlive("peer-1"))

	// still inside the liveness window
	fake.Advance(time.Duration(r.cfg.ServiceDownTime) * time.Second)
	assert.True(t, r.IsAlive("peer-1"))

	// one tick past it
	fake.Advance(time.Second)
	assert.False(t, r.IsAlive("peer-1"))

	assert.False(t, r.IsAlive("never-registered"))
}

func TestHeartbeatRefreshesRecord(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r, store := newTestRegistry(t, fake)

	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID:        r.ServiceID(),
		Name:      r.cfg.Name,
		UpdatedAt: fake.Now(),
	}))

	fake.Advance(5 * time.Minute)
	r.heartbeat()

	rec, err := store.GetService(r.ServiceID())
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.Equal(fake.Now()))
}

func TestGCByEngine(t *testing.T) {
	r, store := newTestRegistry(t, clock.NewReal())

	// dead engine holds a claimed action plus the locks it took for it
	require.NoError(t, store.CreateService(&types.ServiceRecord{ID: "engine-dead", Name: r.cfg.Name}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID:     "a1",
		Verb:   types.ClusterScaleOutAction,
		Status: types.ActionRunning,
		Owner:  "engine-dead",
	}))
	_, err := store.AcquireClusterLock("c1", "a1", types.ClusterScope)
	require.NoError(t, err)
	_, err = store.AcquireNodeLock("n1", "a1")
	require.NoError(t, err)

	// an action owned by someone else must be untouched
	require.NoError(t, store.CreateAction(&types.Action{
		ID:     "a2",
		Verb:   types.NodeCreateAction,
		Status: types.ActionRunning,
		Owner:  "engine-live",
	}))

	require.NoError(t, r.GCByEngine("engine-dead"))

	a, err := store.GetAction("a1")
	require.NoError(t, err)
	assert.Equal(t, types.ActionReady, a.Status)
	assert.Empty(t, a.Owner)

	cl, err := store.GetClusterLock("c1")
	require.NoError(t, err)
	assert.Nil(t, cl)
	nl, err := store.GetNodeLock("n1")
	require.NoError(t, err)
	assert.Nil(t, nl)

	_, err = store.GetService("engine-dead")
	assert.True(t, types.IsNotFound(err))

	a2, err := store.GetAction("a2")
	require.NoError(t, err)
	assert.Equal(t, types.ActionRunning, a2.Status)
	assert.Equal(t, "engine-live", a2.Owner)
}

func TestGCByEngineWithoutRecordIsHarmless(t *testing.T) {
	r, _ := newTestRegistry(t, clock.NewReal())
	assert.NoError(t, r.GCByEngine("never-existed"))
}

func TestSweepSkipsSelfAndLivePeers(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r, store := newTestRegistry(t, fake)

	stale := fake.Now().Add(-time.Duration(r.cfg.ServiceDownTime+10) * time.Second)
	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID: r.ServiceID(), Name: r.cfg.Name, UpdatedAt: stale,
	}))
	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID: "peer-dead", Name: r.cfg.Name, UpdatedAt: stale,
	}))
	require.NoError(t, store.CreateService(&types.ServiceRecord{
		ID: "peer-live", Name: r.cfg.Name, UpdatedAt: fake.Now(),
	}))

	r.sweepDeadPeers()

	// the dead peer is gone, the live one and this engine survive even
	// though this engine's own record looks stale
	_, err := store.GetService("peer-dead")
	assert.True(t, types.IsNotFound(err))
	_, err = store.GetService("peer-live")
	assert.NoError(t, err)
	_, err = store.GetService(r.ServiceID())
	assert.NoError(t, err)
}

func TestPurgeRetainedActions(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r, store := newTestRegistry(t, fake)
	r.cfg.ActionRetention = 300

	old := fake.Now().Add(-time.Hour)
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a-old", Status: types.ActionSucceeded, CreatedAt: old, EndTime: old,
	}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a-fresh", Status: types.ActionSucceeded, CreatedAt: fake.Now(), EndTime: fake.Now(),
	}))
	require.NoError(t, store.CreateAction(&types.Action{
		ID: "a-running", Status: types.ActionRunning, CreatedAt: old,
	}))

	r.purgeActions()

	_, err := store.GetAction("a-old")
	assert.True(t, types.IsNotFound(err))
	_, err = store.GetAction("a-fresh")
	assert.NoError(t, err)
	_, err = store.GetAction("a-running")
	assert.NoError(t, err)
}
