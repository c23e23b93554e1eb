/*
Package profile defines the driver seam between the action engine and the
systems that actually provision node resources.

Drivers are opaque to the engine: every node mutation funnels through the
Driver interface and failures map to action errors. The Registry resolves a
profile id ("<type>.<name>") to its registered driver. FakeDriver is the
in-memory implementation used by tests and local runs.
*/
package profile
