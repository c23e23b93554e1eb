/*
Package events distributes action transition events to in-process observers.

The engine emits one event per action phase (start, end, error) through the
Sink interface. Broker is the standard Sink: a non-blocking fan-out over
buffered subscriber channels, so a slow observer can never stall a worker.
*/
package events
