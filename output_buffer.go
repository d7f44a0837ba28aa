package ldtelemetry

import (
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/exp/slices"
)

// maxFlushWorkers is the maximum number of per-stream deliveries in flight at once.
const maxFlushWorkers = 5

// outputBuffer is the main event queue plus the debounce-driven batch dispatch.
//
// Producers post messages to a bounded inbox channel; a single dispatcher goroutine
// owns the queue, the debounce timer, and the enabled flag, so no mutex is needed on
// the queue itself and there is never more than one pending timer. Drained batches are
// handed to a fixed pool of flush workers, one payload per stream, so a slow or
// failing delivery for one stream never affects another.
type outputBuffer struct {
	inboxCh       chan outputBufferMessage
	inboxFullOnce sync.Once
	closeOnce     sync.Once
	loggers       ldlog.Loggers
}

type outputDispatcher struct {
	sender        EventSender
	configs       streamConfigGetter
	capacities    CapacitySource
	flushInterval time.Duration
	loggers       ldlog.Loggers

	// State below is owned by the dispatcher goroutine.
	queue      []Event
	enabled    bool
	debounce   *time.Timer
	debounceCh <-chan time.Time
}

// streamPayload is one stream's share of a drained queue, an isolated unit of work for
// a flush worker.
type streamPayload struct {
	config StreamConfig
	events []Event
}

// Payload of the inboxCh channel.
type outputBufferMessage interface{}

type scheduleEventMessage struct {
	event Event
}

type flushOutputMessage struct{}

type setEnabledMessage struct {
	enabled bool
}

type syncOutputMessage struct {
	replyCh chan struct{}
}

type shutdownOutputMessage struct {
	replyCh chan struct{}
}

func startOutputBuffer(
	sender EventSender,
	configs streamConfigGetter,
	capacities CapacitySource,
	flushInterval time.Duration,
	loggers ldlog.Loggers,
) *outputBuffer {
	inboxCh := make(chan outputBufferMessage, capacities.OutputQueueCapacity())
	d := &outputDispatcher{
		sender:        sender,
		configs:       configs,
		capacities:    capacities,
		flushInterval: flushInterval,
		loggers:       loggers,
		enabled:       true,
	}

	// Start a fixed-size pool of workers that wait on flushCh. This is the maximum
	// number of deliveries we can do concurrently.
	flushCh := make(chan *streamPayload, 1)
	var workersGroup sync.WaitGroup
	for i := 0; i < maxFlushWorkers; i++ {
		startFlushTask(d, flushCh, &workersGroup)
	}
	go d.runMainLoop(inboxCh, flushCh, &workersGroup)

	return &outputBuffer{
		inboxCh: inboxCh,
		loggers: loggers,
	}
}

// schedule records an event asynchronously.
func (b *outputBuffer) schedule(event Event) {
	b.postNonBlockingMessageToInbox(scheduleEventMessage{event: event})
}

// flush specifies that any buffered events should be sent as soon as possible, rather
// than waiting out the debounce interval. It is asynchronous; delivery may still be in
// progress when it returns.
func (b *outputBuffer) flush() {
	b.postNonBlockingMessageToInbox(flushOutputMessage{})
}

// setEnabled toggles whether flushes actually send. Transitioning to enabled
// immediately attempts a flush so that already-queued events do not wait for a new
// arrival.
func (b *outputBuffer) setEnabled(enabled bool) {
	b.postNonBlockingMessageToInbox(setEnabledMessage{enabled: enabled})
}

// waitUntilInactive blocks until the dispatcher has processed all prior messages and
// no flush worker is busy. Used by tests and by Close.
func (b *outputBuffer) waitUntilInactive() {
	m := syncOutputMessage{replyCh: make(chan struct{})}
	b.inboxCh <- m
	<-m.replyCh
}

func (b *outputBuffer) postNonBlockingMessageToInbox(m outputBufferMessage) bool {
	select {
	case b.inboxCh <- m:
		return true
	default:
	}
	// If the inbox is full, the dispatcher is seriously backed up with not-yet-processed
	// events. Blocking here would stall every producing goroutine in the application, so
	// we drop the message instead. The log warning is only shown once.
	b.inboxFullOnce.Do(func() {
		b.loggers.Warn("Events are being produced faster than they can be processed; some events will be dropped")
	})
	return false
}

func (b *outputBuffer) close() {
	b.closeOnce.Do(func() {
		// These go directly into the channel instead of through
		// postNonBlockingMessageToInbox because we *do* want to block until there is
		// room: they are required for an orderly shutdown, not analytics data.
		b.inboxCh <- flushOutputMessage{}
		m := shutdownOutputMessage{replyCh: make(chan struct{})}
		b.inboxCh <- m
		<-m.replyCh
	})
}

func (d *outputDispatcher) runMainLoop(
	inboxCh <-chan outputBufferMessage,
	flushCh chan<- *streamPayload,
	workersGroup *sync.WaitGroup,
) {
	if err := recover(); err != nil {
		d.loggers.Errorf("Unexpected panic in event dispatch goroutine: %+v", err)
	}

	for {
		select {
		case message := <-inboxCh:
			switch m := message.(type) {
			case scheduleEventMessage:
				d.processEvent(m.event, flushCh, workersGroup)
			case flushOutputMessage:
				d.triggerFlush(flushCh, workersGroup)
			case setEnabledMessage:
				if d.enabled == m.enabled {
					break
				}
				d.enabled = m.enabled
				if m.enabled {
					// Deliver whatever accumulated while we were offline without waiting
					// for a new event to arrive.
					d.triggerFlush(flushCh, workersGroup)
				}
			case syncOutputMessage:
				workersGroup.Wait()
				m.replyCh <- struct{}{}
			case shutdownOutputMessage:
				d.stopDebounce()
				workersGroup.Wait() // wait for all in-progress deliveries to complete
				close(flushCh)      // causes all idle flush workers to terminate
				m.replyCh <- struct{}{}
				return
			}
		case <-d.debounceCh:
			d.debounce = nil
			d.debounceCh = nil
			d.triggerFlush(flushCh, workersGroup)
		}
	}
}

func (d *outputDispatcher) processEvent(
	event Event,
	flushCh chan<- *streamPayload,
	workersGroup *sync.WaitGroup,
) {
	if !d.enabled {
		// Disabled accumulation is still bounded, but - unlike the pending queue - it
		// stops accepting at the cap rather than evicting the oldest.
		if len(d.queue) >= d.capacities.OutputQueueCapacity() {
			return
		}
		d.queue = append(d.queue, event)
		return
	}

	d.queue = append(d.queue, event)
	if len(d.queue) >= d.capacities.OutputQueueCapacity() {
		d.triggerFlush(flushCh, workersGroup)
		return
	}
	// Any new arrival during the wait restarts the timer, so a burst of events
	// collapses into one flush after the quiet period following the *last* arrival.
	d.armDebounce()
}

func (d *outputDispatcher) armDebounce() {
	d.stopDebounce()
	d.debounce = time.NewTimer(d.flushInterval)
	d.debounceCh = d.debounce.C
}

func (d *outputDispatcher) stopDebounce() {
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
		d.debounceCh = nil
	}
}

// triggerFlush drains the queue, partitions it by stream, and hands each stream's batch
// to a flush worker. While disabled it does nothing; events stay queued.
func (d *outputDispatcher) triggerFlush(
	flushCh chan<- *streamPayload,
	workersGroup *sync.WaitGroup,
) {
	d.stopDebounce()
	if !d.enabled || len(d.queue) == 0 {
		return
	}

	byStream := make(map[string][]Event)
	var streams []string
	for _, e := range d.queue {
		if _, seen := byStream[e.Stream]; !seen {
			streams = append(streams, e.Stream)
		}
		byStream[e.Stream] = append(byStream[e.Stream], e)
	}
	d.queue = nil
	slices.Sort(streams)

	for _, stream := range streams {
		config, ok := d.configs.Get(stream)
		if !ok {
			// No registered configuration for this stream; its events are dropped, not
			// requeued.
			d.loggers.Debugf("Dropping %d events for unconfigured stream %q", len(byStream[stream]), stream)
			continue
		}
		payload := &streamPayload{config: config, events: byStream[stream]}
		workersGroup.Add(1)
		select {
		case flushCh <- payload:
		default:
			// All the workers are busy and the channel is full; requeue rather than
			// blocking the dispatch loop.
			workersGroup.Done()
			d.queue = append(d.queue, payload.events...)
		}
	}
	if len(d.queue) > 0 {
		// Some events were requeued; make sure another flush attempt happens even if no
		// further events arrive.
		d.armDebounce()
	}
}

// startFlushTask runs a worker goroutine that delivers one stream payload at a time.
func startFlushTask(d *outputDispatcher, flushCh <-chan *streamPayload, workersGroup *sync.WaitGroup) {
	go func() {
		for payload := range flushCh {
			d.deliverPayload(payload)
			workersGroup.Done()
		}
	}()
}

func (d *outputDispatcher) deliverPayload(payload *streamPayload) {
	data, err := marshalEventBatch(payload.events)
	if err != nil {
		d.loggers.Errorf("Failed to serialize %d events for stream %q: %s",
			len(payload.events), payload.config.Stream, err)
		return
	}
	result := d.sender.SendEventData(payload.config, data, len(payload.events))
	switch {
	case result.Success:
		if d.loggers.IsDebugEnabled() {
			d.loggers.Debugf("Delivered %d events for stream %q", len(payload.events), payload.config.Stream)
		}
	case result.MustRetry:
		// The collector reported a server-side error, which ought to be retried;
		// retransmission is not implemented yet, so the batch is dropped.
		d.loggers.Warnf("Dropped %d events for stream %q after a server error (HTTP %d); retry is not implemented",
			len(payload.events), payload.config.Stream, result.StatusCode)
	default:
		d.loggers.Warnf("Dropped %d events for stream %q (HTTP %d)",
			len(payload.events), payload.config.Stream, result.StatusCode)
	}
}
