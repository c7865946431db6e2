// Package progress carries run telemetry from the executor to pluggable sinks. Events
// are batched on a background goroutine and never block the emitter; the persisted Job
// record stays the only state callers should poll.
package progress
