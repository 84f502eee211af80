//go:build property

package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestPropertyCacheStoreThenLookupRoundTrips checks the cache's basic set
// then get law: any value stored under a key is returned by a Lookup for
// that key until evicted, which cannot happen within a single Store
// immediately followed by a Lookup at generous capacity.
func TestPropertyCacheStoreThenLookupRoundTrips(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cache, err := NewCache[int](64, 0)
		require.NoError(t, err)

		key := rapid.StringMatching(`[0-9a-f]{8}`).Draw(t, "key")
		value := rapid.Int().Draw(t, "value")

		cache.Store(key, value)
		got, ok := cache.Lookup(key)
		require.True(t, ok)
		require.Equal(t, value, got)
	})
}

// TestPropertyFingerprintIsDeterministicAndStable checks §4.1's implicit
// contract: fingerprinting the same normalized text twice yields the same
// hex digest, and the digest is always 64 lowercase hex characters (a
// blake2b-256 sum).
func TestPropertyFingerprintIsDeterministicAndStable(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")

		a := Fingerprint(Normalize(text))
		b := Fingerprint(Normalize(text))
		require.Equal(t, a, b)
		require.Len(t, a, 64)
		for _, r := range a {
			require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'))
		}
	})
}

// TestPropertyNormalizeIsIdempotent checks that normalizing an already
// normalized submission is a no-op, which the cache relies on implicitly
// by never re-normalizing a value it stores.
func TestPropertyNormalizeIsIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		once := Normalize(text)
		twice := Normalize(once)
		require.Equal(t, once, twice)
	})
}
