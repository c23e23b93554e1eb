package events

import (
	"testing"
	"time"

	"github.com/corralhq/corral/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversToSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	assert.Equal(t, 1, b.SubscriberCount())

	a := &types.Action{ID: "a1", Verb: types.ClusterCreateAction, Target: "c1"}
	b.Emit(LevelInfo, a, PhaseStart, "CLUSTER_CREATE started")

	select {
	case e := <-sub:
		assert.Equal(t, "a1", e.ActionID)
		assert.Equal(t, types.ClusterCreateAction, e.Verb)
		assert.Equal(t, "c1", e.Target)
		assert.Equal(t, PhaseStart, e.Phase)
		assert.Equal(t, LevelInfo, e.Level)
		assert.Equal(t, "CLUSTER_CREATE started", e.Reason)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBrokerFansOut(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	a := &types.Action{ID: "a1", Verb: types.NodeCreateAction, Target: "n1"}
	b.Emit(LevelError, a, PhaseError, "node creation failed")

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case e := <-sub:
			assert.Equal(t, PhaseError, e.Phase)
		case <-time.After(2 * time.Second):
			t.Fatal("event was not delivered to every subscriber")
		}
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	b := NewBroker()
	// never started: the internal channel fills up and further emits drop
	a := &types.Action{ID: "a1", Verb: types.NodeCheckAction, Target: "n1"}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Emit(LevelDebug, a, PhaseEnd, "tick")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a backlogged broker")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	// channel is closed once unsubscribed
	_, open := <-sub
	assert.False(t, open)
}
