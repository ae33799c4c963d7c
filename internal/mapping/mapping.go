// Package mapping implements the per-request PII mapping and the
// tenant-namespaced mapping store with TTL semantics.
package mapping

import (
	"fmt"
	"sync"
	"time"
)

// Entry is a single forward mapping between an original value and its
// placeholder, tagged with the strategy that produced it.
type Entry struct {
	EntityType    string
	OriginalValue string
	Placeholder   string
	Strategy      string
	CreatedAt     time.Time
}

// SyntheticEntry maps a synthetic replacement value back to the original.
type SyntheticEntry struct {
	EntityType    string
	OriginalValue string
	SyntheticValue string
	CreatedAt     time.Time
}

// RequestMapping is the per-request bidirectional dictionary built up
// during anonymization. Insertion order is preserved; lookups in both
// directions are O(1). Safe for concurrent use, though in practice it is
// owned by a single request's goroutine.
type RequestMapping struct {
	SessionID string
	CreatedAt time.Time

	mu               sync.RWMutex
	forward          map[string]map[string]string // entity_type -> original -> placeholder
	reverse          map[string]string            // placeholder -> original
	entries          []Entry
	synthetic        map[string]SyntheticEntry // synthetic_value -> entry
	syntheticReverse map[string]string         // original -> synthetic_value
}

func NewRequestMapping(sessionID string) *RequestMapping {
	return &RequestMapping{
		SessionID:        sessionID,
		CreatedAt:        time.Now(),
		forward:          make(map[string]map[string]string),
		reverse:          make(map[string]string),
		synthetic:        make(map[string]SyntheticEntry),
		syntheticReverse: make(map[string]string),
	}
}

func (m *RequestMapping) Add(entityType, original, placeholder, strategy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.forward[entityType]; !ok {
		m.forward[entityType] = make(map[string]string)
	}
	m.forward[entityType][original] = placeholder
	m.reverse[placeholder] = original
	m.entries = append(m.entries, Entry{
		EntityType:    entityType,
		OriginalValue: original,
		Placeholder:   placeholder,
		Strategy:      strategy,
		CreatedAt:     time.Now(),
	})
}

func (m *RequestMapping) GetPlaceholder(entityType, original string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.forward[entityType][original]
	return v, ok
}

func (m *RequestMapping) GetOriginal(placeholder string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.reverse[placeholder]
	return v, ok
}

func (m *RequestMapping) AddSynthetic(entityType, original, synthetic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synthetic[synthetic] = SyntheticEntry{
		EntityType:     entityType,
		OriginalValue:  original,
		SyntheticValue: synthetic,
		CreatedAt:      time.Now(),
	}
	m.syntheticReverse[original] = synthetic
}

func (m *RequestMapping) GetSynthetic(original string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.syntheticReverse[original]
	return v, ok
}

func (m *RequestMapping) GetOriginalFromSynthetic(synthetic string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.synthetic[synthetic]
	if !ok {
		return "", false
	}
	return e.OriginalValue, true
}

// SyntheticValuesLongestFirst returns all synthetic value strings, longest first, so
// callers can safely substring-replace without prefix collisions.
func (m *RequestMapping) SyntheticValuesLongestFirst() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]string, 0, len(m.synthetic))
	for v := range m.synthetic {
		values = append(values, v)
	}
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && len(values[j-1]) < len(values[j]); j-- {
			values[j-1], values[j] = values[j], values[j-1]
		}
	}
	return values
}

func (m *RequestMapping) HasSyntheticMappings() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.synthetic) > 0
}

func (m *RequestMapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reverse) + len(m.synthetic)
}

// storeEntry pairs a RequestMapping with its store-level expiry.
type storeEntry struct {
	mapping   *RequestMapping
	expiresAt time.Time
}

// Store is the tenant-namespaced mapping store from spec §4.A. Every key
// is namespaced by tenant, including the default tenant, to eliminate
// cross-tenant collision.
type Store struct {
	mu            sync.RWMutex
	entries       map[string]*storeEntry
	cleanupEvery  time.Duration
	defaultTenant string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStore creates a mapping store and starts its background reaper.
// cleanupInterval defaults to 60s per spec §4.A when zero is passed.
func NewStore(cleanupInterval time.Duration, defaultTenant string) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	s := &Store{
		entries:       make(map[string]*storeEntry),
		cleanupEvery:  cleanupInterval,
		defaultTenant: defaultTenant,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

func (s *Store) key(tenant, requestID string) string {
	if tenant == "" {
		tenant = s.defaultTenant
	}
	return fmt.Sprintf("%s:%s", tenant, requestID)
}

func (s *Store) Save(requestID string, m *RequestMapping, ttl time.Duration, tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[s.key(tenant, requestID)] = &storeEntry{mapping: m, expiresAt: time.Now().Add(ttl)}
}

func (s *Store) Get(requestID, tenant string) (*RequestMapping, bool) {
	k := s.key(tenant, requestID)

	s.mu.RLock()
	e, ok := s.entries[k]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, k)
		s.mu.Unlock()
		return nil, false
	}
	return e.mapping, true
}

func (s *Store) Delete(requestID, tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, s.key(tenant, requestID))
}

func (s *Store) DeleteTenant(tenant string) int {
	prefix := tenant + ":"
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// ExtendTTL shifts the entry's expiry to now+ttl. Refused for an absent or
// already-expired entry, per spec §4.A and §8's testable property.
func (s *Store) ExtendTTL(requestID, tenant string, ttl time.Duration) bool {
	k := s.key(tenant, requestID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, k)
		return false
	}
	e.expiresAt = time.Now().Add(ttl)
	return true
}

func (s *Store) CleanupExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) reapLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.CleanupExpired()
		case <-s.stopCh:
			return
		}
	}
}

// Shutdown stops the reaper and joins it, bounded by the given timeout.
func (s *Store) Shutdown(timeout time.Duration) error {
	close(s.stopCh)
	select {
	case <-s.doneCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("mapping store reaper did not stop within %s", timeout)
	}
}
