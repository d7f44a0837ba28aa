package ldtelemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
)

// TelemetryClient is the top-level object of the pipeline. Construct one per process
// with MakeClient and share it by reference; all methods are safe for concurrent use.
type TelemetryClient struct {
	loggers      ldlog.Loggers
	identifiers  *IdentifierScope
	sampler      *SamplingEngine
	registry     *streamConfigRegistry
	pending      *pendingQueue
	buffer       *outputBuffer
	configSource StreamConfigSource
	drainOnce    sync.Once
	closeOnce    sync.Once
}

// MakeClient creates a TelemetryClient with the given configuration.
//
// If a configuration source is set, MakeClient starts it and waits up to waitFor for it
// to deliver the first configuration set. A waitFor of zero returns immediately; events
// submitted before configurations arrive are held in the pending queue either way, so
// waiting is a convenience, not a correctness requirement.
func MakeClient(config Config, waitFor time.Duration) (*TelemetryClient, error) {
	loggers := config.Loggers
	capacities := config.capacitiesOrDefault()

	store := config.PersistentStore
	if store == nil {
		store = NewInMemoryPersistentStore()
	}
	store = newCachedPersistentStore(store, config.storeCacheTTLOrDefault(), loggers)

	registry := newStreamConfigRegistry(store, loggers)
	registry.loadFromPersistent()

	identifiers := NewIdentifierScope(store, loggers)
	sampler := NewSamplingEngine(identifiers, registry, config.DeviceID, loggers)

	sender := config.Sender
	if sender == nil {
		sender = NewDefaultEventSender(config.httpClientOrDefault(), config.EventsURI,
			config.Headers, config.FireAndForgetDelivery, loggers)
	}

	buffer := startOutputBuffer(sender, registry, capacities, config.flushIntervalOrDefault(), loggers)

	client := &TelemetryClient{
		loggers:     config.Loggers,
		identifiers: identifiers,
		sampler:     sampler,
		registry:    registry,
		pending:     newPendingQueue(capacities),
		buffer:      buffer,
	}

	if config.ConfigSource == nil {
		return client, nil
	}

	source, err := config.ConfigSource.CreateStreamConfigSource(config, registry)
	if err != nil {
		buffer.close()
		return nil, err
	}
	client.configSource = source

	closeWhenReady := make(chan struct{})
	source.Start(closeWhenReady)
	go func() {
		<-closeWhenReady
		client.maybeDrainPending()
	}()

	if waitFor > 0 {
		timeout := time.NewTimer(waitFor)
		defer timeout.Stop()
		select {
		case <-closeWhenReady:
		case <-timeout.C:
			config.Loggers.Warnf("Timed out after %v waiting for stream configurations; continuing without them", waitFor)
		}
	}
	return client, nil
}

// Submit records an analytics event. It never blocks on the network and never returns
// an error: before any stream configuration is known the event is held in the bounded
// pending queue, and afterwards it passes through the sampling gate into the output
// buffer. A zero CreationDate is stamped with the current time.
func (c *TelemetryClient) Submit(event Event) {
	if event.Stream == "" {
		c.loggers.Warn("Dropping telemetry event with no stream name")
		return
	}
	if event.CreationDate == 0 {
		event.CreationDate = ldtime.UnixMillisNow()
	}
	if !c.registry.HasConfigs() {
		c.pending.enqueue(event)
		return
	}
	c.maybeDrainPending()
	c.deliver(event)
}

// Flush requests that buffered events be sent as soon as possible instead of waiting
// out the debounce interval. It is asynchronous; delivery may still be in progress when
// it returns.
func (c *TelemetryClient) Flush() {
	c.buffer.flush()
}

// SetEnabled tells the pipeline whether deliveries can currently succeed, typically
// wired to a network-state observer. While disabled, events keep accumulating up to the
// output buffer's capacity; enabling immediately flushes whatever accumulated.
func (c *TelemetryClient) SetEnabled(enabled bool) {
	c.buffer.setEnabled(enabled)
}

// RefreshStreamConfigs synchronously refetches the stream configuration set from the
// configured source. The registry keeps its last good data if the fetch fails.
func (c *TelemetryClient) RefreshStreamConfigs() error {
	if c.configSource == nil {
		return errors.New("no stream configuration source is configured")
	}
	if err := c.configSource.Refresh(); err != nil {
		return err
	}
	c.maybeDrainPending()
	return nil
}

// BeginNewSession starts a new session: the session and pageview identifiers are
// regenerated on next use and all memoized sampling decisions are discarded.
func (c *TelemetryClient) BeginNewSession() {
	c.identifiers.BeginNewSession()
	c.sampler.InvalidateAll()
}

// BeginNewPageView starts a new pageview, regenerating the pageview identifier on next
// use. Memoized decisions for session- and device-scoped streams are unaffected.
func (c *TelemetryClient) BeginNewPageView() {
	c.identifiers.BeginNewPageView()
}

// Identifiers returns the client's identifier scope, for callers that need to read the
// current session or pageview identifier.
func (c *TelemetryClient) Identifiers() *IdentifierScope {
	return c.identifiers
}

// Close shuts down the pipeline: the configuration source is stopped, buffered events
// get a final flush, and in-flight deliveries are allowed to complete.
func (c *TelemetryClient) Close() error {
	c.closeOnce.Do(func() {
		if c.configSource != nil {
			_ = c.configSource.Close()
		}
		c.buffer.close()
	})
	return nil
}

func (c *TelemetryClient) deliver(event Event) {
	if !c.sampler.IsInSample(event) {
		return
	}
	c.buffer.schedule(event)
}

// maybeDrainPending re-submits everything held during cold start through the normal
// sampling and dispatch path. This happens at most once per process; the pending queue
// is not reused afterwards.
func (c *TelemetryClient) maybeDrainPending() {
	if !c.registry.HasConfigs() {
		return
	}
	c.drainOnce.Do(func() {
		for _, event := range c.pending.drainAll() {
			c.deliver(event)
		}
	})
}
