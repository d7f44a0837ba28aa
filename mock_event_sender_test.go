package ldtelemetry

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockPayload struct {
	config     StreamConfig
	events     []json.RawMessage
	eventCount int
}

type mockEventSender struct {
	payloads   []mockPayload
	payloadsCh chan mockPayload
	result     EventSenderResult
	gateCh     <-chan struct{}
	waitingCh  chan<- struct{}
	lock       sync.Mutex
}

func newMockEventSender() *mockEventSender {
	return &mockEventSender{
		payloadsCh: make(chan mockPayload, 100),
		result:     EventSenderResult{Success: true},
	}
}

func (ms *mockEventSender) SendEventData(config StreamConfig, data []byte, eventCount int) EventSenderResult {
	var dataAsArray []json.RawMessage
	if err := json.Unmarshal(data, &dataAsArray); err != nil {
		panic(err)
	}
	p := mockPayload{config: config, events: dataAsArray, eventCount: eventCount}

	ms.lock.Lock()
	ms.payloads = append(ms.payloads, p)
	ms.payloadsCh <- p
	gateCh, waitingCh := ms.gateCh, ms.waitingCh
	result := ms.result
	ms.lock.Unlock()

	if gateCh != nil {
		// instrumentation used for TestEventsAreRequeuedIfAllFlushWorkersAreBusy
		waitingCh <- struct{}{}
		<-gateCh
	}

	return result
}

func (ms *mockEventSender) setResult(result EventSenderResult) {
	ms.lock.Lock()
	ms.result = result
	ms.lock.Unlock()
}

func (ms *mockEventSender) setGate(gateCh <-chan struct{}, waitingCh chan<- struct{}) {
	ms.lock.Lock()
	ms.gateCh = gateCh
	ms.waitingCh = waitingCh
	ms.lock.Unlock()
}

func (ms *mockEventSender) getPayloadCount() int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return len(ms.payloads)
}

func (ms *mockEventSender) awaitPayload(t *testing.T) mockPayload {
	p, ok := ms.tryAwaitPayload()
	if !ok {
		require.Fail(t, "timed out waiting for event payload")
	}
	return p
}

func (ms *mockEventSender) tryAwaitPayload() (mockPayload, bool) {
	select {
	case p := <-ms.payloadsCh:
		return p, true
	case <-time.After(time.Second):
		break
	}
	return mockPayload{}, false
}

func (ms *mockEventSender) assertNoMorePayloads(t *testing.T) {
	require.Len(t, ms.payloadsCh, 0)
}
