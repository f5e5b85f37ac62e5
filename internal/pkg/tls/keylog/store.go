package keylog

import (
	"sync"
	"time"

	"github.com/endorses/sslkeylog/internal/pkg/constants"
)

// StoreConfig configures the key store behavior.
type StoreConfig struct {
	// MaxSessions limits the number of sessions stored.
	// When exceeded, the least recently used session is evicted.
	// Default: 10000
	MaxSessions int

	// SessionTTL is how long to keep session keys after last access.
	// Default: 1 hour
	SessionTTL time.Duration

	// CleanupInterval is how often to run the cleanup routine.
	// Default: 5 minutes
	CleanupInterval time.Duration

	// OnKeyAdded is called, outside the store lock, for every entry that
	// adds a secret the session did not have yet.
	OnKeyAdded func(entry *KeyEntry)
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxSessions:     10000,
		SessionTTL:      1 * time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
}

type sessionEntry struct {
	keys       *SessionKeys
	lastAccess time.Time
}

// Store provides thread-safe storage and lookup of TLS session keys.
type Store struct {
	config   StoreConfig
	sessions map[[constants.RandomSize]byte]*sessionEntry
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	totalAdded   uint64
	totalEvicted uint64
}

// NewStore creates a new key store and starts its cleanup goroutine.
func NewStore(config StoreConfig) *Store {
	defaults := DefaultStoreConfig()
	if config.MaxSessions <= 0 {
		config.MaxSessions = defaults.MaxSessions
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = defaults.SessionTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	s := &Store{
		config:   config,
		sessions: make(map[[constants.RandomSize]byte]*sessionEntry),
		stopChan: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

// Add adds a key entry to the store, creating the session if needed.
// Returns true if the entry carried a secret the session did not have.
func (s *Store) Add(entry *KeyEntry) bool {
	s.mu.Lock()

	now := time.Now()
	session, exists := s.sessions[entry.ClientRandom]
	if !exists {
		if len(s.sessions) >= s.config.MaxSessions {
			s.evictOldestLocked()
		}
		session = &sessionEntry{keys: &SessionKeys{ClientRandom: entry.ClientRandom}}
		s.sessions[entry.ClientRandom] = session
	}

	isNew := !session.keys.Has(entry.Label)
	session.keys.AddEntry(entry)
	session.lastAccess = now
	s.totalAdded++

	s.mu.Unlock()

	if isNew && s.config.OnKeyAdded != nil {
		s.config.OnKeyAdded(entry)
	}

	return isNew
}

// Get retrieves session keys by client random. Returns nil if not found.
func (s *Store) Get(clientRandom [constants.RandomSize]byte) *SessionKeys {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[clientRandom]
	if !exists {
		return nil
	}
	session.lastAccess = time.Now()
	return session.keys
}

// Size returns the number of sessions in the store.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StoreStats contains store statistics.
type StoreStats struct {
	TotalSessions    int
	TLS12Sessions    int
	TLS13Sessions    int
	CompleteSessions int
	TotalAdded       uint64
	TotalEvicted     uint64
}

// Stats returns store statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		TotalSessions: len(s.sessions),
		TotalAdded:    s.totalAdded,
		TotalEvicted:  s.totalEvicted,
	}
	for _, session := range s.sessions {
		if session.keys.IsTLS12() {
			stats.TLS12Sessions++
		}
		if session.keys.IsTLS13() {
			stats.TLS13Sessions++
		}
		if session.keys.HasDecryptionKeys() {
			stats.CompleteSessions++
		}
	}
	return stats
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stopChan:
			return
		}
	}
}

// cleanup removes sessions idle for longer than the TTL.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for clientRandom, session := range s.sessions {
		if now.Sub(session.lastAccess) > s.config.SessionTTL {
			delete(s.sessions, clientRandom)
			s.totalEvicted++
		}
	}
}

// evictOldestLocked removes the least recently used session.
// Must be called with lock held.
func (s *Store) evictOldestLocked() {
	var oldestKey [constants.RandomSize]byte
	var oldestTime time.Time
	first := true

	for clientRandom, session := range s.sessions {
		if first || session.lastAccess.Before(oldestTime) {
			oldestKey = clientRandom
			oldestTime = session.lastAccess
			first = false
		}
	}

	if !first {
		delete(s.sessions, oldestKey)
		s.totalEvicted++
	}
}
