// Package fingerprint implements C1: a content-hash key for a normalized
// submission, an LRU-bounded in-memory cache of audit verdicts keyed by
// that hash, and a per-key singleflight gate so concurrent cache misses on
// the same key collapse into a single in-flight audit invocation.
//
// The bounded cache reuses hashicorp/golang-lru/v2 rather than hand-rolling
// a container/list-backed LRU — see DESIGN.md's "LRU implementation
// strategy" note.
package fingerprint

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Result is the cached unit of work: an arbitrary payload plus the instant
// it was stored, so age-based eviction can be enforced in addition to the
// LRU's count bound.
type Result[V any] struct {
	Value     V
	StoredAt  time.Time
}

// Cache is a bounded, best-effort, in-memory memo of AuditResult-shaped
// values keyed by a 256-bit fingerprint hex string. It is generic so the
// engine can use the same implementation for both the audit-result cache
// and (if needed) other fingerprint-keyed lookups.
type Cache[V any] struct {
	lru    *lru.Cache[string, Result[V]]
	maxAge time.Duration
	group  singleflight.Group
}

// NewCache constructs a cache bounded by maxEntries and maxAge. A maxAge of
// zero disables age-based eviction (LRU count bound still applies).
func NewCache[V any](maxEntries int, maxAge time.Duration) (*Cache[V], error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	backing, err := lru.New[string, Result[V]](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: backing, maxAge: maxAge}, nil
}

// Lookup returns the cached value for key, or ok=false on a miss or an
// expired entry (an expired entry is evicted as a side effect).
func (c *Cache[V]) Lookup(key string) (V, bool) {
	var zero V
	entry, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if c.maxAge > 0 && time.Since(entry.StoredAt) > c.maxAge {
		c.lru.Remove(key)
		return zero, false
	}
	return entry.Value, true
}

// Store records value under key, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *Cache[V]) Store(key string, value V) {
	c.lru.Add(key, Result[V]{Value: value, StoredAt: time.Now()})
}

// Once runs fn at most once concurrently per key: concurrent callers with
// the same key block on the first call's result instead of each spawning
// their own work, satisfying §4.1's "concurrent build coordination" and
// §8's per-fingerprint single-in-flight invariant.
func (c *Cache[V]) Once(key string, fn func() (V, error)) (V, error, bool) {
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		return fn()
	})
	val, _ := v.(V)
	return val, err, shared
}

// Len reports the current number of live entries, for metrics/tests.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

var (
	whitespaceRun = regexp.MustCompile(`[\s\p{Z}]+`)
	fenceLang     = regexp.MustCompile("(?m)^```([A-Za-z0-9_+-]*)")
	auditConfig   = regexp.MustCompile("(?s)```(?:(?i:json)\\s+)?audit-config\\s*\\n.*?\\n```")
)

// Normalize implements §4.1's normalization: collapse Unicode whitespace
// runs, lowercase fenced-code language tags, and strip any inline
// audit-config block before hashing so that cosmetic differences (and the
// per-request config block, which is not part of the content being
// audited) do not defeat the cache.
func Normalize(submission string) string {
	s := auditConfig.ReplaceAllString(submission, "")
	s = fenceLang.ReplaceAllStringFunc(s, strings.ToLower)
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimFunc(s, unicode.IsSpace)
}

// Fingerprint computes the 256-bit hex-encoded content hash of an already
// normalized submission.
func Fingerprint(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(sum)*2)
	for _, b := range sum {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}
