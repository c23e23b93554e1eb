/*
Package log provides structured logging for Corral using zerolog.

A single global logger is initialized via Init and refined into per-component
child loggers with WithComponent, WithCluster, WithNode and WithAction.
Console output is the default; JSON output is intended for production.
*/
package log
