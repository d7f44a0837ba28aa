package ldtelemetry

import (
	"math"
	"net/http"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// DefaultFlushInterval is the default value for Config.FlushInterval. The buffer waits
// this long after the most recent event before sending, so a burst of events collapses
// into one delivery.
const DefaultFlushInterval = 30 * time.Second

// DefaultOutputQueueCapacity is the default value returned by the default CapacitySource
// for the output buffer. While delivery is disabled, the buffer stops accepting events
// once it holds this many.
const DefaultOutputQueueCapacity = 1000

// DefaultPendingQueueCapacity is the default value returned by the default CapacitySource
// for the pre-configuration holding queue.
const DefaultPendingQueueCapacity = 100

// DefaultPollInterval is the default value for PollingConfigSourceBuilder.PollInterval.
const DefaultPollInterval = 5 * time.Minute

// DefaultStoreCacheTTL is the default value for Config.StoreCacheTTL.
const DefaultStoreCacheTTL = 15 * time.Second

// CapacitySource provides the live size limits for the pipeline's two bounded queues.
// It is consulted on every enqueue rather than once at startup, so an implementation
// backed by operator-tunable settings takes effect without a restart.
type CapacitySource interface {
	// PendingQueueCapacity returns the maximum number of events held before the first
	// stream configuration arrives. The oldest event is evicted when it is exceeded.
	PendingQueueCapacity() int
	// OutputQueueCapacity returns the maximum size of the output buffer. While delivery
	// is enabled, reaching it triggers an immediate flush; while disabled, further
	// events are dropped.
	OutputQueueCapacity() int
}

type fixedCapacities struct {
	pending int
	output  int
}

func (c fixedCapacities) PendingQueueCapacity() int { return c.pending }
func (c fixedCapacities) OutputQueueCapacity() int  { return c.output }

// FixedCapacities returns a CapacitySource with constant limits.
func FixedCapacities(pendingQueueCapacity, outputQueueCapacity int) CapacitySource {
	return fixedCapacities{pending: pendingQueueCapacity, output: outputQueueCapacity}
}

// Config contains options affecting the behavior of the telemetry pipeline.
//
// All fields are optional; the zero value is a usable configuration with no remote
// configuration source, an in-memory persistent store, and default capacities.
type Config struct {
	// Capacities provides the live limits for the pending and output queues. If nil,
	// fixed defaults are used (DefaultPendingQueueCapacity, DefaultOutputQueueCapacity).
	Capacities CapacitySource
	// ConfigSource creates the component that populates the stream configuration
	// registry, such as PollingConfigSource() or FileConfigSource(). If nil, the
	// registry is populated only from the persisted snapshot and manual Upsert calls.
	ConfigSource StreamConfigSourceFactory
	// DeviceID is a stable device-scoped identifier supplied by the host application,
	// used for sampling decisions with SamplingUnitDevice.
	DeviceID string
	// EventsURI is the base URI of the event collector. Each stream's Destination is
	// appended to it. Ignored if Sender is set.
	EventsURI string
	// FireAndForgetDelivery selects the delivery mode of the default sender: when true,
	// the sender does not wait for a response body. Normally set from a release channel
	// flag by the host application. Ignored if Sender is set.
	FireAndForgetDelivery bool
	// FlushInterval is the quiet period the output buffer waits for after the most
	// recent event before sending. If zero, DefaultFlushInterval is used.
	FlushInterval time.Duration
	// Headers contains any HTTP headers to send with each request made by the default
	// components, such as authorization.
	Headers http.Header
	// HTTPClient is the HTTP client instance used by the default components. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Loggers is the destination for log output.
	Loggers ldlog.Loggers
	// PersistentStore is the key-value store used for the session identifier and the
	// last-known stream configuration snapshot. If nil, an in-memory store is used, so
	// neither survives a process restart.
	PersistentStore PersistentStore
	// Sender delivers formatted event batches. If nil, the default HTTP sender is used
	// with EventsURI, Headers, HTTPClient, and FireAndForgetDelivery.
	Sender EventSender
	// StoreCacheTTL is how long reads from PersistentStore are cached in memory. A
	// negative value caches forever; zero uses DefaultStoreCacheTTL. Use
	// NoStoreCaching to disable caching.
	StoreCacheTTL time.Duration
}

// NoStoreCaching is a value for Config.StoreCacheTTL that disables the in-memory read
// cache in front of the persistent store.
const NoStoreCaching = time.Duration(math.MinInt64)

func (c Config) storeCacheTTLOrDefault() time.Duration {
	switch {
	case c.StoreCacheTTL == NoStoreCaching:
		return 0
	case c.StoreCacheTTL == 0:
		return DefaultStoreCacheTTL
	default:
		return c.StoreCacheTTL
	}
}

func (c Config) capacitiesOrDefault() CapacitySource {
	if c.Capacities == nil {
		return FixedCapacities(DefaultPendingQueueCapacity, DefaultOutputQueueCapacity)
	}
	return c.Capacities
}

func (c Config) flushIntervalOrDefault() time.Duration {
	if c.FlushInterval <= 0 {
		return DefaultFlushInterval
	}
	return c.FlushInterval
}

func (c Config) httpClientOrDefault() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}
