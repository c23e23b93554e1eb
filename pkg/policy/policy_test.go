package policy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPolicy is a scripted policy instance for pipeline tests
type stubPolicy struct {
	name    string
	typ     string
	targets []Target
	preOp   func(a *types.Action) error
	postOp  func(a *types.Action) error
	preRuns []string // receiver for invocation order
}

func (s *stubPolicy) Name() string      { return s.name }
func (s *stubPolicy) Type() string      { return s.typ }
func (s *stubPolicy) Targets() []Target { return s.targets }

func (s *stubPolicy) PreOp(ctx context.Context, clusterID string, a *types.Action) error {
	if s.preOp != nil {
		return s.preOp(a)
	}
	return nil
}

func (s *stubPolicy) PostOp(ctx context.Context, clusterID string, a *types.Action) error {
	if s.postOp != nil {
		return s.postOp(a)
	}
	return nil
}

func scaleInTargets() []Target {
	return []Target{
		{When: Before, Verb: types.ClusterScaleInAction},
		{When: After, Verb: types.ClusterScaleInAction},
	}
}

func newTestEngine(t *testing.T, clk clock.Clock) (*Engine, *Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := NewRegistry()
	return NewEngine(store, reg, clk), reg, store
}

func TestCheckRunsInPriorityOrder(t *testing.T) {
	e, reg, store := newTestEngine(t, clock.NewReal())

	var order []string
	mk := func(name string) *stubPolicy {
		return &stubPolicy{
			name:    name,
			typ:     "type-" + name,
			targets: scaleInTargets(),
			preOp: func(a *types.Action) error {
				order = append(order, name)
				return nil
			},
		}
	}
	reg.Register(mk("low"))
	reg.Register(mk("high"))
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "low", Enabled: true, Priority: 50}))
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "high", Enabled: true, Priority: 10}))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a))

	assert.Equal(t, []string{"high", "low"}, order)
	assert.Equal(t, types.CheckOK, a.Data.Status)
	assert.Equal(t, "Completed policy checking.", a.Data.Reason)
}

func TestCheckSkipsDisabledAndNonMatching(t *testing.T) {
	e, reg, store := newTestEngine(t, clock.NewReal())

	ran := 0
	reg.Register(&stubPolicy{
		name: "disabled", typ: "t1", targets: scaleInTargets(),
		preOp: func(a *types.Action) error { ran++; return nil },
	})
	reg.Register(&stubPolicy{
		name: "other-verb", typ: "t2",
		targets: []Target{{When: Before, Verb: types.ClusterScaleOutAction}},
		preOp:   func(a *types.Action) error { ran++; return nil },
	})
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "disabled", Enabled: false}))
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "other-verb", Enabled: true}))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a))
	assert.Zero(t, ran)
	assert.Equal(t, types.CheckOK, a.Data.Status)
}

func TestCheckHookErrorAborts(t *testing.T) {
	e, reg, store := newTestEngine(t, clock.NewReal())

	secondRan := false
	reg.Register(&stubPolicy{
		name: "rejecting", typ: "t1", targets: scaleInTargets(),
		preOp: func(a *types.Action) error { return fmt.Errorf("capacity floor reached") },
	})
	reg.Register(&stubPolicy{
		name: "later", typ: "t2", targets: scaleInTargets(),
		preOp: func(a *types.Action) error { secondRan = true; return nil },
	})
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "rejecting", Enabled: true, Priority: 1}))
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "later", Enabled: true, Priority: 2}))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a))

	assert.Equal(t, types.CheckError, a.Data.Status)
	assert.Contains(t, a.Data.Reason, "rejecting")
	assert.Contains(t, a.Data.Reason, "capacity floor reached")
	assert.False(t, secondRan)
}

func TestCheckDataVerdictAborts(t *testing.T) {
	e, reg, store := newTestEngine(t, clock.NewReal())

	reg.Register(&stubPolicy{
		name: "verdict", typ: "t1", targets: scaleInTargets(),
		preOp: func(a *types.Action) error {
			a.Data.Status = types.CheckError
			a.Data.Reason = "not enough headroom"
			return nil
		},
	})
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "verdict", Enabled: true}))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a))
	assert.Equal(t, types.CheckError, a.Data.Status)
	assert.Equal(t, "not enough headroom", a.Data.Reason)
}

func TestPolicyDataHandoff(t *testing.T) {
	e, reg, store := newTestEngine(t, clock.NewReal())

	reg.Register(&stubPolicy{
		name: "deletion", typ: "deletion", targets: scaleInTargets(),
		preOp: func(a *types.Action) error {
			a.Data.Deletion = &types.DeletionData{
				Count:       2,
				Candidates:  []string{"n3", "n5"},
				GracePeriod: 2,
			}
			return nil
		},
	})
	require.NoError(t, store.CreateBinding(&types.Binding{ClusterID: "c1", PolicyID: "deletion", Enabled: true}))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a))

	require.NotNil(t, a.Data.Deletion)
	assert.Equal(t, 2, a.Data.Deletion.Count)
	assert.Equal(t, []string{"n3", "n5"}, a.Data.Deletion.Candidates)
}

func TestCooldownBlocksSecondAction(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, reg, store := newTestEngine(t, fake)

	reg.Register(&stubPolicy{name: "scaling", typ: "scaling", targets: scaleInTargets()})
	require.NoError(t, store.CreateBinding(&types.Binding{
		ClusterID: "c1", PolicyID: "scaling", Enabled: true, Cooldown: 60,
	}))

	// first action completes its BEFORE and AFTER passes
	a1 := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a1))
	assert.Equal(t, types.CheckOK, a1.Data.Status)
	require.NoError(t, e.Check(context.Background(), "c1", After, a1))
	assert.Equal(t, types.CheckOK, a1.Data.Status)

	// a second action inside the window is rejected
	fake.Advance(30 * time.Second)
	a2 := &types.Action{ID: "a2", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a2))
	assert.Equal(t, types.CheckError, a2.Data.Status)
	assert.Contains(t, a2.Data.Reason, "cooldown is still in progress")

	// and admitted once the window passed
	fake.Advance(31 * time.Second)
	a3 := &types.Action{ID: "a3", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a3))
	assert.Equal(t, types.CheckOK, a3.Data.Status)
}

func TestCooldownDoesNotTripOnOwnAfterPass(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e, reg, store := newTestEngine(t, fake)

	reg.Register(&stubPolicy{name: "scaling", typ: "scaling", targets: scaleInTargets()})
	require.NoError(t, store.CreateBinding(&types.Binding{
		ClusterID: "c1", PolicyID: "scaling", Enabled: true, Cooldown: 60,
	}))

	a := &types.Action{ID: "a1", Verb: types.ClusterScaleInAction}
	require.NoError(t, e.Check(context.Background(), "c1", Before, a))

	// the AFTER pass stamps last_op but must not reject its own action
	require.NoError(t, e.Check(context.Background(), "c1", After, a))
	assert.Equal(t, types.CheckOK, a.Data.Status)

	b, err := store.GetBinding("c1", "scaling")
	require.NoError(t, err)
	assert.False(t, b.LastOp.IsZero())
}

func TestAttachRejectsDuplicateAndTypeConflict(t *testing.T) {
	e, reg, _ := newTestEngine(t, clock.NewReal())

	reg.Register(&stubPolicy{name: "scale-a", typ: "scaling", targets: scaleInTargets()})
	reg.Register(&stubPolicy{name: "scale-b", typ: "scaling", targets: scaleInTargets()})
	reg.Register(&stubPolicy{name: "health-a", typ: "health", targets: scaleInTargets()})

	require.NoError(t, e.Attach("c1", "scale-a", 10, 0, true))

	err := e.Attach("c1", "scale-a", 10, 0, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already attached")

	err = e.Attach("c1", "scale-b", 20, 0, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type conflict")

	// a different type attaches fine, and the conflict is per cluster
	require.NoError(t, e.Attach("c1", "health-a", 30, 0, true))
	require.NoError(t, e.Attach("c2", "scale-b", 10, 0, true))
}

func TestAttachUnknownPolicy(t *testing.T) {
	e, _, _ := newTestEngine(t, clock.NewReal())

	err := e.Attach("c1", "ghost", 0, 0, true)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestDetachAndUpdateBinding(t *testing.T) {
	e, reg, store := newTestEngine(t, clock.NewReal())

	reg.Register(&stubPolicy{name: "scaling", typ: "scaling", targets: scaleInTargets()})
	require.NoError(t, e.Attach("c1", "scaling", 10, 60, true))

	enabled := false
	priority := 99
	require.NoError(t, e.UpdateBinding("c1", "scaling", &enabled, &priority, nil))

	b, err := store.GetBinding("c1", "scaling")
	require.NoError(t, err)
	assert.False(t, b.Enabled)
	assert.Equal(t, 99, b.Priority)
	assert.Equal(t, 60, b.Cooldown)

	require.NoError(t, e.Detach("c1", "scaling"))
	err = e.Detach("c1", "scaling")
	assert.True(t, types.IsNotFound(err))
}

func TestCooldownInProgress(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		b    types.Binding
		want bool
	}{
		{"no cooldown", types.Binding{Cooldown: 0, LastOp: now}, false},
		{"never ran", types.Binding{Cooldown: 60}, false},
		{"inside window", types.Binding{Cooldown: 60, LastOp: now.Add(-30 * time.Second)}, true},
		{"window passed", types.Binding{Cooldown: 60, LastOp: now.Add(-2 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.b
			assert.Equal(t, tt.want, CooldownInProgress(&b, now))
		})
	}
}
