package ldtelemetry

import (
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// streamConfigGetter is the read-only view of the registry that the sampling engine
// needs.
type streamConfigGetter interface {
	Get(stream string) (StreamConfig, bool)
}

// SamplingEngine makes the deterministic per-stream inclusion decision.
//
// The decision for a stream is a pure function of the identifier for the stream's
// configured sampling unit, so the same session (or pageview, or device) is
// consistently either inside or outside a sampled cohort - a requirement for
// statistically valid analysis downstream, not just bandwidth reduction. Decisions are
// memoized per stream and invalidated only when the identifier scope resets.
type SamplingEngine struct {
	identifiers *IdentifierScope
	configs     streamConfigGetter
	deviceID    string
	loggers     ldlog.Loggers
	decisions   map[string]bool
	lock        sync.RWMutex
}

// NewSamplingEngine creates a SamplingEngine. The deviceID is the externally supplied
// device-scoped identifier used for SamplingUnitDevice.
func NewSamplingEngine(
	identifiers *IdentifierScope,
	configs streamConfigGetter,
	deviceID string,
	loggers ldlog.Loggers,
) *SamplingEngine {
	return &SamplingEngine{
		identifiers: identifiers,
		configs:     configs,
		deviceID:    deviceID,
		loggers:     loggers,
		decisions:   make(map[string]bool),
	}
}

// IsInSample reports whether the event should be recorded.
//
// A stream with no configuration is treated as not in the sample, without caching the
// answer, since the absence may be transient. A stream with no sampling configuration
// or a rate of 1.0 is always included, and a rate of 0.0 always excluded; neither
// constant outcome needs memoizing. Everything else is decided once per identifier
// scope and cached until InvalidateAll.
func (s *SamplingEngine) IsInSample(event Event) bool {
	s.lock.RLock()
	decision, cached := s.decisions[event.Stream]
	s.lock.RUnlock()
	if cached {
		return decision
	}

	config, found := s.configs.Get(event.Stream)
	if !found {
		return false
	}
	sampling := config.Sampling
	if sampling == nil || sampling.Rate >= 1.0 {
		return true
	}
	if sampling.Rate <= 0.0 {
		return false
	}

	decision = s.unitValue(sampling.Unit) < sampling.Rate

	// Two goroutines may both reach here for the same stream; the computation is pure,
	// so last-write-wins is harmless.
	s.lock.Lock()
	s.decisions[event.Stream] = decision
	s.lock.Unlock()
	return decision
}

// InvalidateAll discards every memoized decision. Called when the session resets, since
// session-scoped decisions are derived from the old identifiers.
func (s *SamplingEngine) InvalidateAll() {
	s.lock.Lock()
	s.decisions = make(map[string]bool)
	s.lock.Unlock()
}

// unitValue maps the identifier for the given unit to a value in [0.0, 1.0].
func (s *SamplingEngine) unitValue(unit SamplingUnit) float64 {
	var id string
	switch unit {
	case SamplingUnitSession:
		id = s.identifiers.SessionID()
	case SamplingUnitPageview:
		id = s.identifiers.PageviewID()
	case SamplingUnitDevice:
		id = s.deviceID
	default:
		s.loggers.Errorf("Unrecognized sampling unit %q; substituting a random value", unit)
		return rand.Float64() //nolint:gosec // doesn't need cryptographic security
	}
	return identifierValue(id, s.loggers)
}

// identifierValue interprets the first 8 hex characters of an identifier as an unsigned
// 32-bit integer and scales it to [0.0, 1.0].
func identifierValue(id string, loggers ldlog.Loggers) float64 {
	if len(id) < 8 {
		loggers.Errorf("Identifier %q is too short for a sampling decision; substituting a random value", id)
		return rand.Float64() //nolint:gosec // doesn't need cryptographic security
	}
	n, err := strconv.ParseUint(id[:8], 16, 32)
	if err != nil {
		loggers.Errorf("Identifier %q is not hexadecimal; substituting a random value", id)
		return rand.Float64() //nolint:gosec // doesn't need cryptographic security
	}
	return float64(n) / float64(math.MaxUint32)
}
