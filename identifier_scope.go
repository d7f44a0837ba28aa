package ldtelemetry

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	mathrand "math/rand"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// sessionIDStoreKey is the persistent store key for the session identifier.
const sessionIDStoreKey = "telemetry-session-id"

// identifierBytes is the length of a generated identifier: 10 bytes (80 bits),
// rendered as 20 lowercase hex characters.
const identifierBytes = 10

// IdentifierScope generates and holds the stable pseudo-random identifiers that
// sampling decisions are derived from. The pageview identifier lives only in memory;
// the session identifier is mirrored to the persistent store so that it is stable
// across process restarts until BeginNewSession is called.
type IdentifierScope struct {
	store    PersistentStore
	loggers  ldlog.Loggers
	lock     sync.Mutex
	pageview string
	session  string
}

// NewIdentifierScope creates an IdentifierScope backed by the given store.
func NewIdentifierScope(store PersistentStore, loggers ldlog.Loggers) *IdentifierScope {
	return &IdentifierScope{store: store, loggers: loggers}
}

// PageviewID returns the current pageview identifier, generating one if absent.
func (s *IdentifierScope) PageviewID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.pageview == "" {
		s.pageview = generateIdentifier()
	}
	return s.pageview
}

// SessionID returns the current session identifier. If none is held in memory, it
// attempts to load one from the persistent store; if the store has none either, a new
// identifier is generated and persisted.
func (s *IdentifierScope) SessionID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session != "" {
		return s.session
	}
	if value, ok, err := s.store.Get(sessionIDStoreKey); err != nil {
		s.loggers.Warnf("Failed to read session identifier from persistent store: %s", err)
	} else if ok && value != "" {
		s.session = value
		return s.session
	}
	s.session = generateIdentifier()
	if err := s.store.Set(sessionIDStoreKey, s.session); err != nil {
		// The identifier still works for this process; it just won't survive a restart.
		s.loggers.Warnf("Failed to persist session identifier: %s", err)
	}
	return s.session
}

// BeginNewSession discards the current session identifier, in memory and in the
// persistent store. A new session implies a new pageview, so the pageview identifier is
// discarded as well. Subsequent reads regenerate both.
func (s *IdentifierScope) BeginNewSession() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.session = ""
	s.pageview = ""
	if err := s.store.Delete(sessionIDStoreKey); err != nil {
		s.loggers.Warnf("Failed to clear persisted session identifier: %s", err)
	}
}

// BeginNewPageView discards only the pageview identifier.
func (s *IdentifierScope) BeginNewPageView() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.pageview = ""
}

// generateIdentifier produces 80 bits of randomness rendered as 20 lowercase hex
// characters. Sampling fairness requires unpredictability across sessions and devices,
// but not cryptographic strength; crypto/rand is simply the most convenient source of
// uniform bytes.
func generateIdentifier() string {
	b := make([]byte, identifierBytes)
	if _, err := cryptorand.Read(b); err != nil {
		_, _ = mathrand.Read(b) //nolint:gosec // doesn't need cryptographic security
	}
	return hex.EncodeToString(b)
}
