package ldtelemetry

import (
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
)

// EventSender defines the interface for delivering an already-formatted batch of events
// for a single stream to the collector service.
//
// The pipeline makes one SendEventData call per stream per flush episode, from a flush
// worker goroutine. Failure of one stream's batch never affects another stream's.
type EventSender interface {
	// SendEventData attempts to deliver a batch of events for the given stream. The data
	// is a JSON array of event objects. Implementations must not retain data after
	// returning.
	SendEventData(config StreamConfig, data []byte, eventCount int) EventSenderResult
}

// EventSenderResult is the return type for EventSender.SendEventData.
type EventSenderResult struct {
	// Success is true if the batch was delivered.
	Success bool
	// StatusCode is the HTTP status of the response, if a response was received.
	StatusCode int
	// MustRetry is true if the collector reported a server-side error (HTTP 5xx) for
	// which the batch ought to be retransmitted. The pipeline currently logs and drops
	// such batches; it surfaces the flag so that a retry policy can be added without
	// changing this interface.
	MustRetry bool
	// TimeFromServer is the last known date/time reported by the collector, if the
	// sender runs in a mode that reads responses.
	TimeFromServer ldtime.UnixMillisecondTime
}

// PersistentStore is a simple durable key-value store used to survive process restarts.
// The pipeline stores the session identifier and the last-known stream configuration
// snapshot in it; both values are opaque strings to the store.
//
// Implementations must be safe for concurrent use.
type PersistentStore interface {
	// Get returns the value for a key, and whether the key was present.
	Get(key string) (string, bool, error)
	// Set writes the value for a key, overwriting any previous value.
	Set(key, value string) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key string) error
}

// StreamConfigUpdateSink receives stream configuration data from a StreamConfigSource.
type StreamConfigUpdateSink interface {
	// Init atomically replaces the entire set of stream configurations.
	Init(configs []StreamConfig)
}

// StreamConfigSource is a component that obtains stream configurations and delivers
// them to a StreamConfigUpdateSink, such as the polling source created by
// PollingConfigSource() or the file source created by FileConfigSource().
type StreamConfigSource interface {
	// Start begins the source's background activity. It should close closeWhenReady
	// once it has delivered configurations to the sink for the first time, or once it
	// has determined that it will never be able to.
	Start(closeWhenReady chan<- struct{})
	// IsInitialized returns true if the source has delivered configurations at least
	// once.
	IsInitialized() bool
	// Refresh synchronously fetches the current configuration set and delivers it to
	// the sink. It returns an error if the fetch fails; the sink keeps its last good
	// data in that case.
	Refresh() error
	// Close permanently shuts down the source's background activity.
	Close() error
}

// StreamConfigSourceFactory is a factory for StreamConfigSource implementations; it is
// the type of Config.ConfigSource.
type StreamConfigSourceFactory interface {
	// CreateStreamConfigSource is called during client construction.
	CreateStreamConfigSource(config Config, sink StreamConfigUpdateSink) (StreamConfigSource, error)
}
