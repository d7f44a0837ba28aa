package ldtelemetry

import (
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// inMemoryPersistentStore is the default PersistentStore. Nothing survives a process
// restart, which makes every session a new session; it exists so that the zero-value
// Config works and as a test double.
type inMemoryPersistentStore struct {
	data map[string]string
	sync.RWMutex
}

// NewInMemoryPersistentStore creates a PersistentStore that holds its data in memory.
func NewInMemoryPersistentStore() PersistentStore {
	return &inMemoryPersistentStore{data: make(map[string]string)}
}

func (s *inMemoryPersistentStore) Get(key string) (string, bool, error) {
	s.RLock()
	defer s.RUnlock()
	value, ok := s.data[key]
	return value, ok, nil
}

func (s *inMemoryPersistentStore) Set(key, value string) error {
	s.Lock()
	defer s.Unlock()
	s.data[key] = value
	return nil
}

func (s *inMemoryPersistentStore) Delete(key string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.data, key)
	return nil
}

// storedValue is the cache entry type for cachedPersistentStore; it preserves the
// distinction between "key absent" and "key present with empty value".
type storedValue struct {
	value string
	found bool
}

// cachedPersistentStore decorates a PersistentStore with a TTL read cache and
// single-flight coalescing of concurrent reads for the same key, so a slow store (for
// example one backed by disk or a remote database) is not hit on every session-id
// lookup. Writes go through to the underlying store and update the cache.
type cachedPersistentStore struct {
	core     PersistentStore
	cache    *cache.Cache
	requests singleflight.Group
	loggers  ldlog.Loggers
}

func newCachedPersistentStore(core PersistentStore, cacheTTL time.Duration, loggers ldlog.Loggers) PersistentStore {
	if cacheTTL == 0 {
		return core
	}
	// Note that the documented behavior of go-cache is that if cacheTTL is negative,
	// the cache never expires. That is consistent with how we've defined the parameter.
	return &cachedPersistentStore{
		core:    core,
		cache:   cache.New(cacheTTL, 5*time.Minute),
		loggers: loggers,
	}
}

func (w *cachedPersistentStore) Get(key string) (string, bool, error) {
	if entry, ok := w.cache.Get(key); ok {
		sv := entry.(storedValue)
		return sv.value, sv.found, nil
	}

	// Not cached. Use singleflight to ensure that we'll only query the underlying store
	// once even if multiple goroutines are requesting the same key at the same time.
	entry, err, _ := w.requests.Do(key, func() (interface{}, error) {
		value, found, err := w.core.Get(key)
		if err != nil {
			return nil, err
		}
		sv := storedValue{value: value, found: found}
		w.cache.Set(key, sv, cache.DefaultExpiration)
		return sv, nil
	})
	if err != nil {
		return "", false, err
	}
	sv := entry.(storedValue)
	return sv.value, sv.found, nil
}

func (w *cachedPersistentStore) Set(key, value string) error {
	if err := w.core.Set(key, value); err != nil {
		// Better to stay consistent with old data than to act like we have new data and
		// then fall back to the old value when the cache expires.
		w.cache.Delete(key)
		return err
	}
	w.cache.Set(key, storedValue{value: value, found: true}, cache.DefaultExpiration)
	return nil
}

func (w *cachedPersistentStore) Delete(key string) error {
	if err := w.core.Delete(key); err != nil {
		w.cache.Delete(key)
		return err
	}
	w.cache.Set(key, storedValue{}, cache.DefaultExpiration)
	return nil
}
