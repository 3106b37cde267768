package badge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseMissingPrefix(t *testing.T) {
	codes, ok := Parse("just a regular comment")
	assert.False(t, ok)
	assert.Nil(t, codes)
}

func TestParseEmptyList(t *testing.T) {
	codes, ok := Parse("harmony_badges:v1:")
	require.True(t, ok)
	assert.Empty(t, codes)
}

func TestNormalizeDedupOrderAndCap(t *testing.T) {
	got := Normalize([]string{"vip", "mod", "vip", "a", "b", "c", "d"})
	assert.Equal(t, []string{"vip", "mod", "a", "b", "c"}, got)
}

func TestNormalizeDropsInvalid(t *testing.T) {
	got := Normalize([]string{"Has-Upper", "ok_code", "too-" + string(make([]byte, 40)), "", "fine-1"})
	assert.Equal(t, []string{"ok_code", "fine-1"}, got)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	s := Encode([]string{"vip", "mod"})
	assert.Equal(t, "harmony_badges:v1:vip,mod", s)
	codes, ok := Parse(s)
	require.True(t, ok)
	assert.Equal(t, []string{"vip", "mod"}, codes)
}

func legalCodeGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9_-]{1,32}`)
}

func TestBadgeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		xs := make([]string, n)
		for i := range xs {
			xs[i] = legalCodeGen().Draw(t, "code")
		}
		encoded := Encode(xs)
		parsed, ok := Parse(encoded)
		require.True(t, ok)
		assert.Equal(t, Normalize(xs), parsed)
	})
}

func TestNormalizeIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		xs := make([]string, n)
		for i := range xs {
			xs[i] = legalCodeGen().Draw(t, "code")
		}
		once := Normalize(xs)
		twice := Normalize(once)
		assert.Equal(t, once, twice)
		assert.LessOrEqual(t, len(once), maxCodes)
	})
}
