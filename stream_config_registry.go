package ldtelemetry

import (
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// streamConfigsStoreKey is the persistent store key for the configuration snapshot.
const streamConfigsStoreKey = "telemetry-stream-configs"

// streamConfigRegistry is the in-memory mapping from stream name to its configuration,
// backed by a lock-striped map. Lookups are fast point reads; writes from a
// configuration source replace the entire map so that readers never observe a torn
// configuration set. Each full replacement is mirrored to the persistent store so that
// the next cold start is non-empty.
type streamConfigRegistry struct {
	configs map[string]StreamConfig
	sync.RWMutex
	store   PersistentStore
	loggers ldlog.Loggers
}

func newStreamConfigRegistry(store PersistentStore, loggers ldlog.Loggers) *streamConfigRegistry {
	return &streamConfigRegistry{
		configs: make(map[string]StreamConfig),
		store:   store,
		loggers: loggers,
	}
}

// Get returns the configuration for one stream.
func (r *streamConfigRegistry) Get(stream string) (StreamConfig, bool) {
	r.RLock()
	defer r.RUnlock()
	config, ok := r.configs[stream]
	return config, ok
}

// HasConfigs reports whether the registry has ever been populated. This is the single
// condition that gates whether new events are held in the pending queue or proceed to
// sampling and dispatch.
func (r *streamConfigRegistry) HasConfigs() bool {
	r.RLock()
	defer r.RUnlock()
	return len(r.configs) > 0
}

// Upsert installs or replaces the configuration for a single stream. It does not touch
// the persisted snapshot; it exists for local overrides and tests.
func (r *streamConfigRegistry) Upsert(config StreamConfig) {
	r.Lock()
	defer r.Unlock()
	r.configs[config.Stream] = config
}

// Init atomically replaces the entire registry content and mirrors it to the persistent
// store. It implements StreamConfigUpdateSink.
func (r *streamConfigRegistry) Init(configs []StreamConfig) {
	all := make(map[string]StreamConfig, len(configs))
	for _, c := range configs {
		all[c.Stream] = c
	}

	r.Lock()
	r.configs = all
	r.Unlock()

	if data, err := marshalStreamConfigs(configs); err != nil {
		r.loggers.Errorf("Failed to serialize stream configurations for persistence: %s", err)
	} else if err := r.store.Set(streamConfigsStoreKey, string(data)); err != nil {
		r.loggers.Warnf("Failed to persist stream configuration snapshot: %s", err)
	}
}

// loadFromPersistent populates the registry from the last persisted snapshot, if one
// exists. Called once at startup, before any refresh has completed; it does not
// re-persist what it read.
func (r *streamConfigRegistry) loadFromPersistent() {
	data, ok, err := r.store.Get(streamConfigsStoreKey)
	if err != nil {
		r.loggers.Warnf("Failed to read stream configuration snapshot: %s", err)
		return
	}
	if !ok || data == "" {
		return
	}
	configs, err := parseStreamConfigsJSON([]byte(data))
	if err != nil {
		r.loggers.Errorf("Persisted stream configuration snapshot is malformed, ignoring it: %s", err)
		return
	}
	all := make(map[string]StreamConfig, len(configs))
	for _, c := range configs {
		all[c.Stream] = c
	}
	r.Lock()
	r.configs = all
	r.Unlock()
}
