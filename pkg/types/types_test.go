package types

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerbClassification(t *testing.T) {
	clusterVerbs := []Verb{
		ClusterCreateAction, ClusterDeleteAction, ClusterUpdateAction,
		ClusterResizeAction, ClusterScaleOutAction, ClusterScaleInAction,
		ClusterAddNodesAction, ClusterDelNodesAction, ClusterReplaceNodesAction,
		ClusterCheckAction, ClusterRecoverAction, ClusterOperationAction,
		ClusterAttachPolicyAction, ClusterDetachPolicyAction, ClusterUpdatePolicyAction,
	}
	nodeVerbs := []Verb{
		NodeCreateAction, NodeDeleteAction, NodeUpdateAction, NodeJoinAction,
		NodeLeaveAction, NodeCheckAction, NodeRecoverAction, NodeOperationAction,
	}

	for _, v := range clusterVerbs {
		assert.True(t, v.IsClusterVerb(), "%s", v)
		assert.False(t, v.IsNodeVerb(), "%s", v)
	}
	for _, v := range nodeVerbs {
		assert.True(t, v.IsNodeVerb(), "%s", v)
		assert.False(t, v.IsClusterVerb(), "%s", v)
	}
}

func TestActionStatusTerminal(t *testing.T) {
	assert.True(t, ActionSucceeded.Terminal())
	assert.True(t, ActionFailed.Terminal())
	assert.True(t, ActionCancelled.Terminal())

	for _, s := range []ActionStatus{ActionInit, ActionWaiting, ActionReady, ActionRunning, ActionSuspended} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestDeletionDataDefaults(t *testing.T) {
	var d *DeletionData
	assert.True(t, d.Destroy())
	assert.True(t, d.ReduceDesired())

	d = &DeletionData{}
	assert.True(t, d.Destroy())
	assert.True(t, d.ReduceDesired())

	f := false
	d = &DeletionData{DestroyAfterDeletion: &f, ReduceDesiredCapacity: &f}
	assert.False(t, d.Destroy())
	assert.False(t, d.ReduceDesired())
}

func TestActionTimedOut(t *testing.T) {
	now := time.Now()

	a := &Action{Timeout: 60, StartTime: now.Add(-2 * time.Minute)}
	assert.True(t, a.TimedOut(now))

	a = &Action{Timeout: 60, StartTime: now.Add(-30 * time.Second)}
	assert.False(t, a.TimedOut(now))

	// never started or no timeout: never times out
	a = &Action{Timeout: 60}
	assert.False(t, a.TimedOut(now))
	a = &Action{StartTime: now.Add(-time.Hour)}
	assert.False(t, a.TimedOut(now))
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFound("cluster", "c-123")
	assert.Equal(t, "the cluster 'c-123' could not be found", err.Error())
	assert.True(t, IsNotFound(err))

	assert.True(t, IsNotFound(fmt.Errorf("wrap: %w", err)))
	assert.False(t, IsNotFound(fmt.Errorf("some other failure")))
	assert.False(t, IsNotFound(nil))
}
