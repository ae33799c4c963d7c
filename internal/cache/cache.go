// Package cache caches upstream LLM responses keyed by a fingerprint of
// the anonymized request, so repeated requests skip the upstream call
// entirely. Disabled by default; gated by PII_AIRLOCK_CACHE_ENABLED.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pii_airlock_cache_hits_total",
			Help: "Total response cache hits",
		},
		[]string{"tenant_id", "model"},
	)
	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pii_airlock_cache_misses_total",
			Help: "Total response cache misses",
		},
		[]string{"tenant_id", "model"},
	)
	cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pii_airlock_cache_size",
			Help: "Number of cached responses",
		},
		[]string{"tenant_id"},
	)
)

// Fingerprint computes the cache key for a request: SHA-256 of the
// canonical (sorted-key) JSON of tenant, model, the anonymized
// messages and the sampling parameters that affect output.
func Fingerprint(tenantID, model string, anonymizedMessages []map[string]any, samplingParams map[string]any) string {
	keyData := map[string]any{
		"tenant":   tenantID,
		"model":    model,
		"messages": anonymizedMessages,
	}
	for k, v := range samplingParams {
		keyData[k] = v
	}
	canonical := canonicalJSON(keyData)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON serializes v with object keys sorted, like Python's
// json.dumps(..., sort_keys=True), so the same logical request always
// hashes to the same fingerprint regardless of map iteration order.
func canonicalJSON(v any) string {
	b, _ := json.Marshal(sortKeys(v))
	return string(b)
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedObject, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedField{k, sortKeys(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortKeys(item)
		}
		return out
	default:
		return v
	}
}

type orderedField struct {
	Key   string
	Value any
}

// orderedObject is a list of fields rendered as one JSON object.
type orderedObject []orderedField

// MarshalJSON renders ordered fields as a JSON object, preserving the
// order they were appended in (callers build them from sorted keys).
func (o orderedObject) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(f.Key)
		b.Write(key)
		b.WriteByte(':')
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// Entry is one cached response.
type Entry struct {
	TenantID     string
	Model        string
	ResponseData map[string]any
	CreatedAt    time.Time
	ExpiresAt    time.Time
	HitCount     int
}

func (e *Entry) isExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// Cache is a tenant-isolated, TTL-and-size-bounded response cache. It
// is safe for concurrent use.
type Cache struct {
	mu           sync.Mutex
	store        map[string]*Entry
	defaultTTL   time.Duration
	maxSize      int
	cleanupEvery time.Duration
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// Enabled reports whether PII_AIRLOCK_CACHE_ENABLED is set to a truthy
// value, matching the Python original's gate.
func Enabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PII_AIRLOCK_CACHE_ENABLED")))
	return v == "1" || v == "true" || v == "yes"
}

// New creates a Cache with the given default TTL, max entry count and
// cleanup cadence, and starts its background reaper.
func New(defaultTTL time.Duration, maxSize int, cleanupInterval time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	c := &Cache{
		store:        make(map[string]*Entry),
		defaultTTL:   defaultTTL,
		maxSize:      maxSize,
		cleanupEvery: cleanupInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go c.reapLoop()
	return c
}

func (c *Cache) internalKey(tenantID, key string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return tenantID + ":" + key
}

// Get returns the cached entry for key under tenantID, or nil on a
// miss (absent, expired, or belonging to a different tenant).
func (c *Cache) Get(key, tenantID string) *Entry {
	internal := c.internalKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store[internal]
	if !ok {
		cacheMisses.WithLabelValues(orUnknown(tenantID), "unknown").Inc()
		return nil
	}
	if entry.isExpired() {
		delete(c.store, internal)
		cacheMisses.WithLabelValues(orUnknown(tenantID), entry.Model).Inc()
		return nil
	}
	entry.HitCount++
	cacheHits.WithLabelValues(entry.TenantID, entry.Model).Inc()
	return entry
}

// Put stores a response under key for tenantID/model with ttl (falling
// back to the cache default when ttl is zero). If the cache is at
// capacity, the entry with the smallest created_at is evicted first.
func (c *Cache) Put(key string, responseData map[string]any, tenantID, model string, ttl time.Duration) *Entry {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	entry := &Entry{
		TenantID:     tenantID,
		Model:        model,
		ResponseData: responseData,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	internal := c.internalKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.store) >= c.maxSize {
		if _, exists := c.store[internal]; exists {
			break
		}
		oldestKey := ""
		var oldestAt time.Time
		for k, e := range c.store {
			if oldestKey == "" || e.CreatedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.CreatedAt
			}
		}
		if oldestKey == "" {
			break
		}
		delete(c.store, oldestKey)
	}

	c.store[internal] = entry
	cacheSize.WithLabelValues(orUnknown(tenantID)).Set(float64(c.tenantCountLocked(tenantID)))
	return entry
}

func (c *Cache) tenantCountLocked(tenantID string) int {
	prefix := c.internalKey(tenantID, "")
	n := 0
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// InvalidateTenant removes every entry belonging to tenantID and
// returns the count removed.
func (c *Cache) InvalidateTenant(tenantID string) int {
	prefix := c.internalKey(tenantID, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			delete(c.store, k)
			n++
		}
	}
	return n
}

// CleanupExpired removes every expired entry and returns the count
// removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.store {
		if e.isExpired() {
			delete(c.store, k)
			n++
		}
	}
	return n
}

// Size returns the total number of cached entries across all tenants.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = make(map[string]*Entry)
}

func (c *Cache) reapLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-c.stopCh:
			return
		}
	}
}

// Shutdown stops the background reaper, waiting up to timeout for it
// to exit.
func (c *Cache) Shutdown(timeout time.Duration) {
	close(c.stopCh)
	select {
	case <-c.doneCh:
	case <-time.After(timeout):
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
