/*
Package policy implements the pre/post check pipeline around actions.

Policies are opaque plug-ins registered by name. A Binding attaches a
policy to a cluster with an enabled flag, a priority (lower runs first) and
a cooldown. Engine.Check loads the enabled bindings in priority order and
invokes PreOp before the handler mutates state and PostOp after, honoring
cooldown and writing the verdict into the action's data bag. Attaching a
second enabled policy of the same type to one cluster is rejected.
*/
package policy
