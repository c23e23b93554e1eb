/*
Package action owns the action lifecycle.

Manager is the only component allowed to move an action through its FSM
(INIT → READY → RUNNING → SUCCEEDED | FAILED | CANCELLED, with WAITING for
dependency-blocked actions and SUSPENDED after a SUSPEND signal). Handlers
return a result code; SetStatus maps it to the terminal status, emits the
transition event, and walks the dependency graph to wake or unwind
dependents. RES_RETRY re-enqueues with a bounded counter and backoff.

WaitForDependents is the aggregation point for fan-out actions: a parent
blocks until every derived child is terminal, honoring its own timeout and
any pending CANCEL signal on each poll iteration.
*/
package action
