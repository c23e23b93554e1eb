package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/corralhq/corral/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketClusters     = []byte("clusters")
	bucketNodes        = []byte("nodes")
	bucketActions      = []byte("actions")
	bucketClusterLocks = []byte("cluster_locks")
	bucketNodeLocks    = []byte("node_locks")
	bucketBindings     = []byte("bindings")
	bucketServices     = []byte("services")
	bucketIndexes      = []byte("indexes")
)

// BoltStore implements Store using BoltDB. bbolt serializes writers, so
// every Update body below is atomic with respect to other store calls.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketClusters,
			bucketNodes,
			bucketActions,
			bucketClusterLocks,
			bucketNodeLocks,
			bucketBindings,
			bucketServices,
			bucketIndexes,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Cluster operations

func (s *BoltStore) CreateCluster(c *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketClusters), c.ID, c)
	})
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get([]byte(id))
		if data == nil {
			return types.NewNotFound("cluster", id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var c types.Cluster
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			clusters = append(clusters, &c)
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) UpdateCluster(c *types.Cluster) error {
	return s.CreateCluster(c) // upsert
}

// AdjustDesiredCapacity reads, adjusts and rewrites the cluster inside a
// single transaction so concurrent node-level adjustments never lose an
// increment.
func (s *BoltStore) AdjustDesiredCapacity(id string, delta int) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClusters)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewNotFound("cluster", id)
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		c.DesiredCapacity += delta
		if c.DesiredCapacity < 0 {
			c.DesiredCapacity = 0
		}
		return put(b, c.ID, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketClusters).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketIndexes).Delete([]byte(id))
	})
}

func (s *BoltStore) NextIndex(clusterID string) (int, error) {
	var next int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIndexes)
		cur := uint64(0)
		if data := b.Get([]byte(clusterID)); data != nil {
			cur = binary.BigEndian.Uint64(data)
		}
		cur++
		next = int(cur)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, cur)
		return b.Put([]byte(clusterID), buf)
	})
	return next, err
}

// Node operations

func (s *BoltStore) CreateNode(n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketNodes), n.ID, n)
	})
}

func (s *BoltStore) GetNode(id string) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get([]byte(id))
		if data == nil {
			return types.NewNotFound("node", id)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			nodes = append(nodes, &n)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) ListNodesByCluster(clusterID string) ([]*types.Node, error) {
	nodes, err := s.ListNodes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Node
	for _, n := range nodes {
		if n.ClusterID == clusterID {
			filtered = append(filtered, n)
		}
	}
	return filtered, nil
}

func (s *BoltStore) CountByCluster(clusterID string) (int, error) {
	nodes, err := s.ListNodesByCluster(clusterID)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (s *BoltStore) UpdateNode(n *types.Node) error {
	return s.CreateNode(n)
}

func (s *BoltStore) DeleteNode(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}

// Action operations

func (s *BoltStore) CreateAction(a *types.Action) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketActions), a.ID, a)
	})
}

func getAction(tx *bolt.Tx, id string) (*types.Action, error) {
	data := tx.Bucket(bucketActions).Get([]byte(id))
	if data == nil {
		return nil, types.NewNotFound("action", id)
	}
	var a types.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func putAction(tx *bolt.Tx, a *types.Action) error {
	return put(tx.Bucket(bucketActions), a.ID, a)
}

func (s *BoltStore) GetAction(id string) (*types.Action, error) {
	var a *types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getAction(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *BoltStore) ListActions() ([]*types.Action, error) {
	var actions []*types.Action
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
			var a types.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			actions = append(actions, &a)
			return nil
		})
	})
	return actions, err
}

func (s *BoltStore) ListActionsByOwner(owner string) ([]*types.Action, error) {
	actions, err := s.ListActions()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Action
	for _, a := range actions {
		if a.Owner == owner {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateAction(a *types.Action) error {
	return s.CreateAction(a)
}

func (s *BoltStore) DeleteAction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActions).Delete([]byte(id))
	})
}

func (s *BoltStore) AcquireFirstReady(owner string, now time.Time) (*types.Action, error) {
	var claimed *types.Action
	err := s.db.Update(func(tx *bolt.Tx) error {
		var oldest *types.Action
		err := tx.Bucket(bucketActions).ForEach(func(k, v []byte) error {
			var a types.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status != types.ActionReady {
				return nil
			}
			if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
				copied := a
				oldest = &copied
			}
			return nil
		})
		if err != nil || oldest == nil {
			return err
		}

		oldest.Status = types.ActionRunning
		oldest.Owner = owner
		oldest.StartTime = now
		oldest.UpdatedAt = now
		if err := putAction(tx, oldest); err != nil {
			return err
		}
		claimed = oldest
		return nil
	})
	return claimed, err
}

func (s *BoltStore) AcquireAction(id, owner string, now time.Time) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAction(tx, id)
		if err != nil {
			return err
		}
		if a.Status != types.ActionReady {
			return nil
		}
		a.Status = types.ActionRunning
		a.Owner = owner
		a.StartTime = now
		a.UpdatedAt = now
		acquired = true
		return putAction(tx, a)
	})
	return acquired, err
}

func (s *BoltStore) AbandonAction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAction(tx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return nil
		}
		a.Owner = ""
		a.Status = types.ActionReady
		a.StartTime = time.Time{}
		return putAction(tx, a)
	})
}

func (s *BoltStore) markTerminal(id string, status types.ActionStatus, ts time.Time, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAction(tx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			// terminal status never changes
			return nil
		}
		a.Status = status
		a.EndTime = ts
		a.UpdatedAt = ts
		a.Owner = ""
		if reason != "" {
			a.StatusReason = reason
		}
		return putAction(tx, a)
	})
}

func (s *BoltStore) MarkSucceeded(id string, ts time.Time, reason string) error {
	return s.markTerminal(id, types.ActionSucceeded, ts, reason)
}

func (s *BoltStore) MarkFailed(id string, ts time.Time, reason string) error {
	return s.markTerminal(id, types.ActionFailed, ts, reason)
}

func (s *BoltStore) MarkCancelled(id string, ts time.Time, reason string) error {
	return s.markTerminal(id, types.ActionCancelled, ts, reason)
}

func (s *BoltStore) MarkReady(id string, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAction(tx, id)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return nil
		}
		a.Status = types.ActionReady
		a.Owner = ""
		a.StartTime = time.Time{}
		if reason != "" {
			a.StatusReason = reason
		}
		return putAction(tx, a)
	})
}

func (s *BoltStore) SetActionSignal(id string, sig types.Signal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAction(tx, id)
		if err != nil {
			return err
		}
		a.Signal = sig
		return putAction(tx, a)
	})
}

func (s *BoltStore) GetActionSignal(id string) (types.Signal, error) {
	a, err := s.GetAction(id)
	if err != nil {
		return types.SignalNone, err
	}
	return a.Signal, nil
}

func (s *BoltStore) CheckActionStatus(id string, now time.Time) (types.ActionStatus, error) {
	a, err := s.GetAction(id)
	if err != nil {
		return "", err
	}
	if !a.Status.Terminal() && a.TimedOut(now) {
		return types.ActionFailed, nil
	}
	return a.Status, nil
}

func (s *BoltStore) PurgeActions(olderThan time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a types.Action
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Status.Terminal() && !a.EndTime.IsZero() && a.EndTime.Before(olderThan) {
				key := make([]byte, len(k))
				copy(key, k)
				expired = append(expired, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// Dependency operations

func (s *BoltStore) AddDependency(depended []string, dependent string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		dep, err := getAction(tx, dependent)
		if err != nil {
			return err
		}
		for _, id := range depended {
			a, err := getAction(tx, id)
			if err != nil {
				return err
			}
			if !contains(a.DependedBy, dependent) {
				a.DependedBy = append(a.DependedBy, dependent)
				if err := putAction(tx, a); err != nil {
					return err
				}
			}
			if !contains(dep.DependsOn, id) {
				dep.DependsOn = append(dep.DependsOn, id)
			}
		}
		// a dependent with outstanding dependencies is not runnable
		if dep.Status == types.ActionReady {
			dep.Status = types.ActionWaiting
		}
		return putAction(tx, dep)
	})
}

func (s *BoltStore) GetDepended(id string) ([]string, error) {
	a, err := s.GetAction(id)
	if err != nil {
		return nil, err
	}
	return a.DependsOn, nil
}

func (s *BoltStore) GetDependents(id string) ([]string, error) {
	a, err := s.GetAction(id)
	if err != nil {
		return nil, err
	}
	return a.DependedBy, nil
}

// Cluster lock operations

func getClusterLock(tx *bolt.Tx, clusterID string) (*types.ClusterLock, error) {
	data := tx.Bucket(bucketClusterLocks).Get([]byte(clusterID))
	if data == nil {
		return nil, nil
	}
	var l types.ClusterLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *BoltStore) AcquireClusterLock(clusterID, actionID string, scope types.LockScope) ([]string, error) {
	var owners []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		l, err := getClusterLock(tx, clusterID)
		if err != nil {
			return err
		}
		if l == nil {
			l = &types.ClusterLock{ClusterID: clusterID, Scope: scope, Owners: []string{actionID}}
			owners = l.Owners
			return put(tx.Bucket(bucketClusterLocks), clusterID, l)
		}
		if contains(l.Owners, actionID) {
			owners = l.Owners
			return nil
		}
		// node-scope holders share; anything else conflicts
		if scope == types.NodeScope && l.Scope == types.NodeScope {
			l.Owners = append(l.Owners, actionID)
			owners = l.Owners
			return put(tx.Bucket(bucketClusterLocks), clusterID, l)
		}
		owners = l.Owners
		return nil
	})
	return owners, err
}

func (s *BoltStore) StealClusterLock(clusterID, actionID string, scope types.LockScope) ([]string, error) {
	var owners []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		l := &types.ClusterLock{ClusterID: clusterID, Scope: scope, Owners: []string{actionID}}
		owners = l.Owners
		return put(tx.Bucket(bucketClusterLocks), clusterID, l)
	})
	return owners, err
}

func (s *BoltStore) ReleaseClusterLock(clusterID, actionID string, scope types.LockScope) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		l, err := getClusterLock(tx, clusterID)
		if err != nil || l == nil {
			return err
		}
		var remaining []string
		for _, id := range l.Owners {
			if id == actionID {
				removed = true
				continue
			}
			remaining = append(remaining, id)
		}
		if !removed {
			return nil
		}
		if len(remaining) == 0 {
			return tx.Bucket(bucketClusterLocks).Delete([]byte(clusterID))
		}
		l.Owners = remaining
		return put(tx.Bucket(bucketClusterLocks), clusterID, l)
	})
	return removed, err
}

func (s *BoltStore) GetClusterLock(clusterID string) (*types.ClusterLock, error) {
	var l *types.ClusterLock
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		l, err = getClusterLock(tx, clusterID)
		return err
	})
	return l, err
}

// Node lock operations

func (s *BoltStore) AcquireNodeLock(nodeID, actionID string) (string, error) {
	var owner string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeLocks)
		data := b.Get([]byte(nodeID))
		if data != nil {
			var l types.NodeLock
			if err := json.Unmarshal(data, &l); err != nil {
				return err
			}
			owner = l.ActionID
			return nil
		}
		l := &types.NodeLock{NodeID: nodeID, ActionID: actionID}
		owner = actionID
		return put(b, nodeID, l)
	})
	return owner, err
}

func (s *BoltStore) StealNodeLock(nodeID, actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		l := &types.NodeLock{NodeID: nodeID, ActionID: actionID}
		return put(tx.Bucket(bucketNodeLocks), nodeID, l)
	})
}

func (s *BoltStore) ReleaseNodeLock(nodeID, actionID string) (bool, error) {
	released := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodeLocks)
		data := b.Get([]byte(nodeID))
		if data == nil {
			return nil
		}
		var l types.NodeLock
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		if l.ActionID != actionID {
			return nil
		}
		released = true
		return b.Delete([]byte(nodeID))
	})
	return released, err
}

func (s *BoltStore) GetNodeLock(nodeID string) (*types.NodeLock, error) {
	var l *types.NodeLock
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodeLocks).Get([]byte(nodeID))
		if data == nil {
			return nil
		}
		var lock types.NodeLock
		if err := json.Unmarshal(data, &lock); err != nil {
			return err
		}
		l = &lock
		return nil
	})
	return l, err
}

func (s *BoltStore) ReleaseLocksByAction(actionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(bucketClusterLocks)
		type clusterUpdate struct {
			key  []byte
			lock *types.ClusterLock
		}
		var updates []clusterUpdate
		var deletes [][]byte
		err := cb.ForEach(func(k, v []byte) error {
			var l types.ClusterLock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if !contains(l.Owners, actionID) {
				return nil
			}
			var remaining []string
			for _, id := range l.Owners {
				if id != actionID {
					remaining = append(remaining, id)
				}
			}
			key := make([]byte, len(k))
			copy(key, k)
			if len(remaining) == 0 {
				deletes = append(deletes, key)
			} else {
				l.Owners = remaining
				copied := l
				updates = append(updates, clusterUpdate{key: key, lock: &copied})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range deletes {
			if err := cb.Delete(k); err != nil {
				return err
			}
		}
		for _, u := range updates {
			data, err := json.Marshal(u.lock)
			if err != nil {
				return err
			}
			if err := cb.Put(u.key, data); err != nil {
				return err
			}
		}

		nb := tx.Bucket(bucketNodeLocks)
		var nodeDeletes [][]byte
		err = nb.ForEach(func(k, v []byte) error {
			var l types.NodeLock
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			if l.ActionID == actionID {
				key := make([]byte, len(k))
				copy(key, k)
				nodeDeletes = append(nodeDeletes, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range nodeDeletes {
			if err := nb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Policy binding operations

func bindingKey(clusterID, policyID string) string {
	return clusterID + "/" + policyID
}

func (s *BoltStore) CreateBinding(b *types.Binding) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketBindings), bindingKey(b.ClusterID, b.PolicyID), b)
	})
}

func (s *BoltStore) GetBinding(clusterID, policyID string) (*types.Binding, error) {
	var b types.Binding
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBindings).Get([]byte(bindingKey(clusterID, policyID)))
		if data == nil {
			return types.NewNotFound("policy binding", policyID)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) ListBindings(clusterID string) ([]*types.Binding, error) {
	var bindings []*types.Binding
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).ForEach(func(k, v []byte) error {
			var b types.Binding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.ClusterID == clusterID {
				bindings = append(bindings, &b)
			}
			return nil
		})
	})
	return bindings, err
}

func (s *BoltStore) UpdateBinding(b *types.Binding) error {
	return s.CreateBinding(b)
}

func (s *BoltStore) DeleteBinding(clusterID, policyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBindings).Delete([]byte(bindingKey(clusterID, policyID)))
	})
}

// Service registry operations

func (s *BoltStore) CreateService(r *types.ServiceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketServices), r.ID, r)
	})
}

func (s *BoltStore) GetService(id string) (*types.ServiceRecord, error) {
	var r types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketServices).Get([]byte(id))
		if data == nil {
			return types.NewNotFound("service", id)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListServices() ([]*types.ServiceRecord, error) {
	var services []*types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var r types.ServiceRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			services = append(services, &r)
			return nil
		})
	})
	return services, err
}

func (s *BoltStore) UpdateService(r *types.ServiceRecord) error {
	return s.CreateService(r)
}

func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete([]byte(id))
	})
}

func (s *BoltStore) ListExpiredServices(name string, before time.Time) ([]*types.ServiceRecord, error) {
	services, err := s.ListServices()
	if err != nil {
		return nil, err
	}

	var expired []*types.ServiceRecord
	for _, r := range services {
		if r.Name == name && r.UpdatedAt.Before(before) {
			expired = append(expired, r)
		}
	}
	return expired, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
