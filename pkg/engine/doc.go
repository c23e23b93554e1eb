/*
Package engine is the execution core.

Requests queue typed actions; a pool of dispatcher workers claims READY
actions from the store and routes each one to the handler for its verb
family. Cluster actions hold the cluster-scope lock and run the policy
pipeline around their verb logic, fanning per-node work out as derived
node actions they wait on. Node actions take the per-node mutex (and a
node-scope share of the cluster lock when requested directly against a
member) and drive the profile driver.

Multiple engine instances may share one store: claims and locks are
atomic, and locks held by an engine that stopped heartbeating are stolen
and cleaned up.
*/
package engine
