/*
Package types defines the shared data model for Corral's action engine.

It contains the persisted entities (Cluster, Node, Action, ClusterLock,
NodeLock, Binding, ServiceRecord), the closed verb set that forms the public
operation surface, the action status FSM vocabulary, handler result codes,
and the typed data bags (CreationData, DeletionData, UpdateData, HealthData)
that policies and handlers use to exchange decisions through an action.

The package has no behavior beyond small helpers; all state transitions are
owned by pkg/action, and all persistence by pkg/storage.
*/
package types
