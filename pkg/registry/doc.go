/*
Package registry tracks live engine instances.

Each engine registers a ServiceRecord on start and heartbeats it on the
periodic interval. Peers whose heartbeat is older than the configured
down-time are dead: their locks are broken, their claimed actions are
returned to READY, and their records deleted (GCByEngine). The same
cleanup runs from the lock manager when a steal detects a dead owner.
*/
package registry
