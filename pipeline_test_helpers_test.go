package ldtelemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldtime"
	"github.com/stretchr/testify/require"
)

func ldMillis(n int) ldtime.UnixMillisecondTime {
	return ldtime.UnixMillisecondTime(n)
}

func jsonUnmarshalEvents(raw []json.RawMessage, out *[]Event) error {
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal(r, &e); err != nil {
			return err
		}
		*out = append(*out, e)
	}
	return nil
}

// adjustableCapacities is a CapacitySource whose limits can change mid-test, for
// verifying that the queues consult it on every enqueue.
type adjustableCapacities struct {
	pending int
	output  int
	lock    sync.Mutex
}

func (c *adjustableCapacities) PendingQueueCapacity() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.pending
}

func (c *adjustableCapacities) OutputQueueCapacity() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.output
}

func (c *adjustableCapacities) setPending(n int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.pending = n
}

// mockConfigSink records Init calls from a configuration source.
type mockConfigSink struct {
	initsCh chan []StreamConfig
}

func newMockConfigSink() *mockConfigSink {
	return &mockConfigSink{initsCh: make(chan []StreamConfig, 10)}
}

func (s *mockConfigSink) Init(configs []StreamConfig) {
	s.initsCh <- configs
}

func (s *mockConfigSink) awaitInit(t *testing.T) []StreamConfig {
	select {
	case configs := <-s.initsCh:
		return configs
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for configuration update")
		return nil
	}
}

func (s *mockConfigSink) assertNoInit(t *testing.T) {
	require.Len(t, s.initsCh, 0)
}

var errStoreBroken = errors.New("store is broken")

// failingPersistentStore returns an error from every operation.
type failingPersistentStore struct{}

func (s failingPersistentStore) Get(key string) (string, bool, error) { return "", false, errStoreBroken }
func (s failingPersistentStore) Set(key, value string) error          { return errStoreBroken }
func (s failingPersistentStore) Delete(key string) error              { return errStoreBroken }

// countingPersistentStore wraps another store and counts how often each operation hits
// it, for verifying the read cache.
type countingPersistentStore struct {
	core PersistentStore
	gets int
	lock sync.Mutex
}

func (s *countingPersistentStore) Get(key string) (string, bool, error) {
	s.lock.Lock()
	s.gets++
	s.lock.Unlock()
	return s.core.Get(key)
}

func (s *countingPersistentStore) Set(key, value string) error { return s.core.Set(key, value) }

func (s *countingPersistentStore) Delete(key string) error { return s.core.Delete(key) }

func (s *countingPersistentStore) getCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.gets
}
