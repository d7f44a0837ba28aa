package ldtelemetry

import (
	"testing"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIsEmptyUntilPopulated(t *testing.T) {
	r := newStreamConfigRegistry(NewInMemoryPersistentStore(), ldlog.NewDisabledLoggers())
	assert.False(t, r.HasConfigs())
	_, found := r.Get("s")
	assert.False(t, found)
}

func TestRegistryUpsertAndGet(t *testing.T) {
	r := newStreamConfigRegistry(NewInMemoryPersistentStore(), ldlog.NewDisabledLoggers())
	r.Upsert(StreamConfig{Stream: "s", Destination: "/s"})

	assert.True(t, r.HasConfigs())
	config, found := r.Get("s")
	require.True(t, found)
	assert.Equal(t, "/s", config.Destination)

	r.Upsert(StreamConfig{Stream: "s", Destination: "/elsewhere"})
	config, _ = r.Get("s")
	assert.Equal(t, "/elsewhere", config.Destination)
}

func TestRegistryInitReplacesEntireContents(t *testing.T) {
	r := newStreamConfigRegistry(NewInMemoryPersistentStore(), ldlog.NewDisabledLoggers())
	r.Upsert(StreamConfig{Stream: "old", Destination: "/old"})

	r.Init([]StreamConfig{{Stream: "new", Destination: "/new"}})

	_, found := r.Get("old")
	assert.False(t, found)
	config, found := r.Get("new")
	require.True(t, found)
	assert.Equal(t, "/new", config.Destination)
}

func TestRegistryInitPersistsSnapshotForNextColdStart(t *testing.T) {
	store := NewInMemoryPersistentStore()
	r1 := newStreamConfigRegistry(store, ldlog.NewDisabledLoggers())
	r1.Init([]StreamConfig{
		{Stream: "checkout", Destination: "/events/checkout",
			Sampling: &SamplingConfig{Rate: 0.5, Unit: SamplingUnitSession}},
	})

	r2 := newStreamConfigRegistry(store, ldlog.NewDisabledLoggers())
	assert.False(t, r2.HasConfigs())
	r2.loadFromPersistent()

	require.True(t, r2.HasConfigs())
	config, found := r2.Get("checkout")
	require.True(t, found)
	assert.Equal(t, "/events/checkout", config.Destination)
	require.NotNil(t, config.Sampling)
	assert.Equal(t, 0.5, config.Sampling.Rate)
	assert.Equal(t, SamplingUnitSession, config.Sampling.Unit)
}

func TestRegistryIgnoresMalformedPersistedSnapshot(t *testing.T) {
	store := NewInMemoryPersistentStore()
	require.NoError(t, store.Set(streamConfigsStoreKey, `{"streams": {`))

	mockLog := ldlogtest.NewMockLog()
	r := newStreamConfigRegistry(store, mockLog.Loggers)
	r.loadFromPersistent()

	assert.False(t, r.HasConfigs())
	mockLog.AssertMessageMatch(t, true, ldlog.Error, "snapshot is malformed")
}

func TestRegistryToleratesFailingStore(t *testing.T) {
	mockLog := ldlogtest.NewMockLog()
	r := newStreamConfigRegistry(failingPersistentStore{}, mockLog.Loggers)

	r.loadFromPersistent()
	assert.False(t, r.HasConfigs())

	// Init still updates the in-memory registry even if the snapshot cannot be written.
	r.Init([]StreamConfig{{Stream: "s", Destination: "/s"}})
	assert.True(t, r.HasConfigs())
	mockLog.AssertMessageMatch(t, true, ldlog.Warn, "Failed to persist stream configuration snapshot")
}
