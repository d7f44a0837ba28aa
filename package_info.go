// Package ldtelemetry is a client-side analytics event pipeline.
//
// The pipeline accepts discrete analytics events from any number of goroutines,
// decides probabilistically whether each event should be recorded (sampling),
// buffers accepted events in memory, and flushes them to a remote collector in
// time- or size-bounded batches grouped by logical stream. It behaves correctly
// before remote stream configuration has been fetched (events are held in a
// bounded queue until the first configuration arrives), keeps memory bounded
// while offline, and coalesces bursts of nearby events into a single
// transmission.
//
// The main entry point is MakeClient, which returns a TelemetryClient. All
// external collaborators - the event delivery transport, the persistent
// key-value store, and the stream configuration source - are injected through
// Config, with default implementations provided in this package.
package ldtelemetry
