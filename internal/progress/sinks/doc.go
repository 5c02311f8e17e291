// Package sinks implements in-process progress observers: structured logging
// and Prometheus metrics. Each satisfies progress.Sink and never blocks.
package sinks
