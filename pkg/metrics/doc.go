/*
Package metrics exposes Prometheus collectors for the action engine:
dispatched actions by verb and result, in-flight work, lock contention and
steals, policy check failures, and registry heartbeats.
*/
package metrics
