package ldtelemetry

import (
	"testing"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/stretchr/testify/assert"
)

const (
	// Identifiers whose first 8 hex chars map to the extremes of the [0.0, 1.0] range.
	lowestIdentifier  = "00000000aaaaaaaaaaaa"
	highestIdentifier = "ffffffffaaaaaaaaaaaa"
)

func makeSamplingTestEngine(t *testing.T, sessionID, deviceID string) (*SamplingEngine, *streamConfigRegistry) {
	store := NewInMemoryPersistentStore()
	if sessionID != "" {
		assert.NoError(t, store.Set(sessionIDStoreKey, sessionID))
	}
	loggers := ldlog.NewDisabledLoggers()
	registry := newStreamConfigRegistry(store, loggers)
	identifiers := NewIdentifierScope(store, loggers)
	return NewSamplingEngine(identifiers, registry, deviceID, loggers), registry
}

func TestStreamWithoutSamplingConfigIsAlwaysIncluded(t *testing.T) {
	engine, registry := makeSamplingTestEngine(t, highestIdentifier, "")
	registry.Upsert(StreamConfig{Stream: "s", Destination: "/s"})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestRateOfOneAlwaysIncludes(t *testing.T) {
	engine, registry := makeSamplingTestEngine(t, highestIdentifier, "")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 1.0, Unit: SamplingUnitSession}})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestRateOfZeroAlwaysExcludes(t *testing.T) {
	engine, registry := makeSamplingTestEngine(t, lowestIdentifier, "")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.0, Unit: SamplingUnitSession}})
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestDecisionIsDeterministicInSessionIdentifier(t *testing.T) {
	sampling := &SamplingConfig{Rate: 0.5, Unit: SamplingUnitSession}

	engine, registry := makeSamplingTestEngine(t, lowestIdentifier, "")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: sampling})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))

	engine, registry = makeSamplingTestEngine(t, highestIdentifier, "")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: sampling})
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestDeviceUnitUsesConfiguredDeviceID(t *testing.T) {
	sampling := &SamplingConfig{Rate: 0.5, Unit: SamplingUnitDevice}

	engine, registry := makeSamplingTestEngine(t, "", lowestIdentifier)
	registry.Upsert(StreamConfig{Stream: "s", Sampling: sampling})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))

	engine, registry = makeSamplingTestEngine(t, "", highestIdentifier)
	registry.Upsert(StreamConfig{Stream: "s", Sampling: sampling})
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestInclusionBoundaryIsStrict(t *testing.T) {
	// 7fffffff maps just below 0.5 and 80000000 just above it, so a rate of 0.5 divides
	// exactly between them.
	sampling := &SamplingConfig{Rate: 0.5, Unit: SamplingUnitDevice}

	engine, registry := makeSamplingTestEngine(t, "", "7fffffffaaaaaaaaaaaa")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: sampling})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))

	engine, registry = makeSamplingTestEngine(t, "", "80000000aaaaaaaaaaaa")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: sampling})
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestPageviewUnitUsesPageviewIdentifier(t *testing.T) {
	engine, registry := makeSamplingTestEngine(t, "", "")
	engine.identifiers.pageview = highestIdentifier
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.5, Unit: SamplingUnitPageview}})
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestUnconfiguredStreamIsExcludedButNotCached(t *testing.T) {
	engine, registry := makeSamplingTestEngine(t, lowestIdentifier, "")
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))

	// The configuration may simply not have arrived yet; once it does, the stream is
	// re-evaluated rather than stuck on the earlier "no".
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.5, Unit: SamplingUnitSession}})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestDecisionIsMemoizedUntilInvalidated(t *testing.T) {
	engine, registry := makeSamplingTestEngine(t, lowestIdentifier, "")
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.5, Unit: SamplingUnitSession}})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))

	// A changed configuration does not affect the memoized decision.
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.0, Unit: SamplingUnitSession}})
	assert.True(t, engine.IsInSample(Event{Stream: "s"}))

	engine.InvalidateAll()
	assert.False(t, engine.IsInSample(Event{Stream: "s"}))
}

func TestUnknownSamplingUnitSubstitutesRandomValue(t *testing.T) {
	mockLog := ldlogtest.NewMockLog()
	store := NewInMemoryPersistentStore()
	registry := newStreamConfigRegistry(store, mockLog.Loggers)
	engine := NewSamplingEngine(NewIdentifierScope(store, mockLog.Loggers), registry, "", mockLog.Loggers)
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.5, Unit: "carrier-pigeon"}})

	_ = engine.IsInSample(Event{Stream: "s"})
	mockLog.AssertMessageMatch(t, true, ldlog.Error, "Unrecognized sampling unit")
}

func TestMalformedIdentifierSubstitutesRandomValue(t *testing.T) {
	mockLog := ldlogtest.NewMockLog()
	store := NewInMemoryPersistentStore()
	registry := newStreamConfigRegistry(store, mockLog.Loggers)
	engine := NewSamplingEngine(NewIdentifierScope(store, mockLog.Loggers), registry, "not-hex-at-all-here", mockLog.Loggers)
	registry.Upsert(StreamConfig{Stream: "s", Sampling: &SamplingConfig{Rate: 0.5, Unit: SamplingUnitDevice}})

	_ = engine.IsInSample(Event{Stream: "s"})
	mockLog.AssertMessageMatch(t, true, ldlog.Error, "is not hexadecimal")
}
