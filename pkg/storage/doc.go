/*
Package storage persists all engine state in BoltDB.

One bucket per entity (clusters, nodes, actions, cluster_locks, node_locks,
bindings, services, indexes) with JSON-encoded values. The Store interface
is the single source of truth for the engine; no in-memory cache is
authoritative.

The primitives that must be atomic — lock acquire/steal/release, claiming
the first READY action, per-cluster index allocation — each run inside a
single bbolt write transaction. bbolt serializes writers, which gives those
operations compare-and-set semantics without additional coordination.
*/
package storage
