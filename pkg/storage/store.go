package storage

import (
	"time"

	"github.com/corralhq/corral/pkg/types"
)

// Store is the durable state layer for clusters, nodes, actions, locks,
// policy bindings and the service registry. It is the single source of
// truth; in-memory state elsewhere is advisory only.
//
// The lock and claim primitives are atomic with respect to the store:
// concurrent callers observe a consistent owner set.
type Store interface {
	// Clusters
	CreateCluster(c *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(c *types.Cluster) error
	DeleteCluster(id string) error
	// NextIndex atomically hands out the next node index for a cluster,
	// starting at 1.
	NextIndex(clusterID string) (int, error)
	// AdjustDesiredCapacity atomically adds delta to the cluster's desired
	// capacity, clamping at zero, and returns the updated cluster.
	AdjustDesiredCapacity(id string, delta int) (*types.Cluster, error)

	// Nodes
	CreateNode(n *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	ListNodesByCluster(clusterID string) ([]*types.Node, error)
	CountByCluster(clusterID string) (int, error)
	UpdateNode(n *types.Node) error
	DeleteNode(id string) error

	// Actions
	CreateAction(a *types.Action) error
	GetAction(id string) (*types.Action, error)
	ListActions() ([]*types.Action, error)
	ListActionsByOwner(owner string) ([]*types.Action, error)
	UpdateAction(a *types.Action) error
	DeleteAction(id string) error

	// AcquireFirstReady atomically claims the oldest READY action for the
	// given owner, setting status RUNNING and start time. Returns nil when
	// nothing is claimable.
	AcquireFirstReady(owner string, now time.Time) (*types.Action, error)
	// AcquireAction claims a specific action if it is READY.
	AcquireAction(id, owner string, now time.Time) (bool, error)
	// AbandonAction clears the owner and returns the action to READY so a
	// live engine can re-claim it.
	AbandonAction(id string) error

	MarkSucceeded(id string, ts time.Time, reason string) error
	MarkFailed(id string, ts time.Time, reason string) error
	MarkCancelled(id string, ts time.Time, reason string) error
	MarkReady(id string, reason string) error

	SetActionSignal(id string, sig types.Signal) error
	GetActionSignal(id string) (types.Signal, error)
	// CheckActionStatus returns the action's status with the timeout
	// applied: a non-terminal action past its deadline reads as FAILED.
	CheckActionStatus(id string, now time.Time) (types.ActionStatus, error)
	// PurgeActions deletes terminal actions that ended before the cutoff,
	// returning how many were removed.
	PurgeActions(olderThan time.Time) (int, error)

	// Dependencies. Edges are directed depended -> dependent; a dependent
	// becomes runnable only when every depended action succeeded.
	AddDependency(depended []string, dependent string) error
	GetDepended(id string) ([]string, error)
	GetDependents(id string) ([]string, error)

	// Cluster locks. Acquire returns the resulting owner set; the caller
	// holds the lock iff its action id is a member.
	AcquireClusterLock(clusterID, actionID string, scope types.LockScope) ([]string, error)
	StealClusterLock(clusterID, actionID string, scope types.LockScope) ([]string, error)
	ReleaseClusterLock(clusterID, actionID string, scope types.LockScope) (bool, error)
	GetClusterLock(clusterID string) (*types.ClusterLock, error)

	// Node locks (mutex). Acquire returns the owning action id after the
	// attempt; the caller holds the lock iff it equals its own action id.
	AcquireNodeLock(nodeID, actionID string) (string, error)
	StealNodeLock(nodeID, actionID string) error
	ReleaseNodeLock(nodeID, actionID string) (bool, error)
	GetNodeLock(nodeID string) (*types.NodeLock, error)

	// ReleaseLocksByAction removes the action from every cluster and node
	// lock it holds. Used by dead-engine cleanup.
	ReleaseLocksByAction(actionID string) error

	// Policy bindings
	CreateBinding(b *types.Binding) error
	GetBinding(clusterID, policyID string) (*types.Binding, error)
	ListBindings(clusterID string) ([]*types.Binding, error)
	UpdateBinding(b *types.Binding) error
	DeleteBinding(clusterID, policyID string) error

	// Service registry
	CreateService(s *types.ServiceRecord) error
	GetService(id string) (*types.ServiceRecord, error)
	ListServices() ([]*types.ServiceRecord, error)
	UpdateService(s *types.ServiceRecord) error
	DeleteService(id string) error
	// ListExpiredServices returns peers with the given name whose last
	// heartbeat is older than the cutoff.
	ListExpiredServices(name string, before time.Time) ([]*types.ServiceRecord, error)

	Close() error
}
