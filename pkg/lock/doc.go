/*
Package lock provides cooperative distributed locks over the store.

Cluster locks have two scopes: CLUSTER_SCOPE admits a single owning action
and excludes everything else; NODE_SCOPE admits many node-level actions
concurrently but is excluded by a cluster-scope holder. Node locks are
plain mutexes.

Acquisition retries a bounded number of times with 1-2s jitter. A lock held
by an action whose engine stopped heartbeating is stolen, and the dead
engine's remaining locks and actions are cleaned up through the registry.
*/
package lock
