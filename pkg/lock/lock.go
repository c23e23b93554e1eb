package lock

import (
	"context"
	"math/rand"
	"time"

	"github.com/corralhq/corral/pkg/clock"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/metrics"
	"github.com/corralhq/corral/pkg/storage"
	"github.com/corralhq/corral/pkg/types"
	"github.com/rs/zerolog"
)

// Liveness answers whether a peer engine is alive and cleans up after dead
// ones. Implemented by the service registry.
type Liveness interface {
	IsAlive(serviceID string) bool
	GCByEngine(serviceID string) error
}

// Manager implements cooperative cluster- and node-scope locks on top of
// the store's atomic owner-set operations. Lock stealing is driven by peer
// liveness: a lock held by an action whose owning engine stopped
// heartbeating is taken over and the dead engine's state is cleaned up.
type Manager struct {
	store    storage.Store
	liveness Liveness
	clock    clock.Clock
	cfg      *config.Config
	logger   zerolog.Logger
}

// NewManager creates a lock manager
func NewManager(store storage.Store, liveness Liveness, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		store:    store,
		liveness: liveness,
		clock:    clk,
		cfg:      cfg,
		logger:   log.WithComponent("lock"),
	}
}

// retrySleep waits a random 1-2s jitter between attempts
func (m *Manager) retrySleep(ctx context.Context) error {
	jitter := time.Second + time.Duration(rand.Int63n(int64(time.Second)))
	metrics.LockRetriesTotal.Inc()
	return m.clock.Sleep(ctx, jitter)
}

func clusterHeld(owners []string, actionID string) bool {
	for _, id := range owners {
		if id == actionID {
			return true
		}
	}
	return false
}

// AcquireCluster tries to take the cluster lock for an action. It retries
// with jitter, then steals when forced or when the current owner's engine
// is dead. Returns false when the lock stays with a live owner.
func (m *Manager) AcquireCluster(ctx context.Context, clusterID, actionID, engineID string, scope types.LockScope, forced bool) bool {
	retries := m.cfg.LockRetryTimes
	if retries <= 0 {
		retries = 1
	}

	for i := 0; i < retries; i++ {
		owners, err := m.store.AcquireClusterLock(clusterID, actionID, scope)
		if err != nil {
			m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("cluster lock acquire failed")
			return false
		}
		if clusterHeld(owners, actionID) {
			return true
		}
		if i < retries-1 {
			if err := m.retrySleep(ctx); err != nil {
				return false
			}
		}
	}

	if forced {
		if _, err := m.store.StealClusterLock(clusterID, actionID, scope); err != nil {
			m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("cluster lock steal failed")
			return false
		}
		metrics.LockStealsTotal.WithLabelValues(string(scope)).Inc()
		m.logger.Warn().Str("cluster_id", clusterID).Str("action_id", actionID).Msg("cluster lock stolen (forced)")
		return true
	}

	if dead := m.deadOwnerEngine(clusterID); dead != "" {
		if _, err := m.store.StealClusterLock(clusterID, actionID, scope); err != nil {
			m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("cluster lock steal failed")
			return false
		}
		metrics.LockStealsTotal.WithLabelValues(string(scope)).Inc()
		m.logger.Warn().
			Str("cluster_id", clusterID).
			Str("dead_engine", dead).
			Msg("cluster lock stolen from dead engine")
		if err := m.liveness.GCByEngine(dead); err != nil {
			m.logger.Error().Err(err).Str("engine", dead).Msg("dead engine cleanup failed")
		}
		return true
	}

	lock, _ := m.store.GetClusterLock(clusterID)
	if lock != nil {
		m.logger.Info().
			Str("cluster_id", clusterID).
			Strs("owners", lock.Owners).
			Msg("cluster already locked")
	}
	return false
}

// deadOwnerEngine returns the id of a dead engine owning the cluster lock,
// or empty when all owners are alive or unknown.
func (m *Manager) deadOwnerEngine(clusterID string) string {
	lock, err := m.store.GetClusterLock(clusterID)
	if err != nil || lock == nil {
		return ""
	}
	for _, ownerAction := range lock.Owners {
		a, err := m.store.GetAction(ownerAction)
		if err != nil || a.Owner == "" {
			continue
		}
		if !m.liveness.IsAlive(a.Owner) {
			return a.Owner
		}
	}
	return ""
}

// ReleaseCluster removes the action from the cluster's owner set. Safe to
// call when the action never held the lock.
func (m *Manager) ReleaseCluster(clusterID, actionID string, scope types.LockScope) {
	if _, err := m.store.ReleaseClusterLock(clusterID, actionID, scope); err != nil {
		m.logger.Error().Err(err).Str("cluster_id", clusterID).Msg("cluster lock release failed")
	}
}

// AcquireNode takes the per-node mutex with the same retry and dead-engine
// steal path as cluster locks.
func (m *Manager) AcquireNode(ctx context.Context, nodeID, actionID, engineID string, forced bool) bool {
	retries := m.cfg.LockRetryTimes
	if retries <= 0 {
		retries = 1
	}

	for i := 0; i < retries; i++ {
		owner, err := m.store.AcquireNodeLock(nodeID, actionID)
		if err != nil {
			m.logger.Error().Err(err).Str("node_id", nodeID).Msg("node lock acquire failed")
			return false
		}
		if owner == actionID {
			return true
		}
		if i < retries-1 {
			if err := m.retrySleep(ctx); err != nil {
				return false
			}
		}
	}

	if forced {
		if err := m.store.StealNodeLock(nodeID, actionID); err != nil {
			m.logger.Error().Err(err).Str("node_id", nodeID).Msg("node lock steal failed")
			return false
		}
		metrics.LockStealsTotal.WithLabelValues("NODE").Inc()
		return true
	}

	if dead := m.deadNodeOwnerEngine(nodeID); dead != "" {
		if err := m.store.StealNodeLock(nodeID, actionID); err != nil {
			m.logger.Error().Err(err).Str("node_id", nodeID).Msg("node lock steal failed")
			return false
		}
		metrics.LockStealsTotal.WithLabelValues("NODE").Inc()
		m.logger.Warn().
			Str("node_id", nodeID).
			Str("dead_engine", dead).
			Msg("node lock stolen from dead engine")
		if err := m.liveness.GCByEngine(dead); err != nil {
			m.logger.Error().Err(err).Str("engine", dead).Msg("dead engine cleanup failed")
		}
		return true
	}

	lock, _ := m.store.GetNodeLock(nodeID)
	if lock != nil {
		m.logger.Info().
			Str("node_id", nodeID).
			Str("owner", lock.ActionID).
			Msg("node already locked")
	}
	return false
}

func (m *Manager) deadNodeOwnerEngine(nodeID string) string {
	lock, err := m.store.GetNodeLock(nodeID)
	if err != nil || lock == nil {
		return ""
	}
	a, err := m.store.GetAction(lock.ActionID)
	if err != nil || a.Owner == "" {
		return ""
	}
	if !m.liveness.IsAlive(a.Owner) {
		return a.Owner
	}
	return ""
}

// ReleaseNode releases the node mutex. Idempotent.
func (m *Manager) ReleaseNode(nodeID, actionID string) {
	if _, err := m.store.ReleaseNodeLock(nodeID, actionID); err != nil {
		m.logger.Error().Err(err).Str("node_id", nodeID).Msg("node lock release failed")
	}
}
