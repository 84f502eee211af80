package stagnation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckDoesNotActivateBeforeStartLoop(t *testing.T) {
	d := New(10, 0.95, 3)
	info := d.Check(2, []string{"same text"}, "same text")
	assert.False(t, IsStagnant(info))
}

func TestCheckActivatesOnNearDuplicateAboveThreshold(t *testing.T) {
	d := New(1, 0.9, 3)
	info := d.Check(10, []string{"the quick brown fox jumps over the lazy dog"}, "the quick brown fox jumps over the lazy dog")
	assert.True(t, IsStagnant(info))
	assert.Equal(t, 11, info.DetectedAtLoop)
}

func TestCheckDoesNotActivateOneLoopBeforeStartLoop(t *testing.T) {
	d := New(10, 0.9, 3)
	info := d.Check(9, []string{"the quick brown fox jumps over the lazy dog"}, "the quick brown fox jumps over the lazy dog")
	assert.False(t, IsStagnant(info))
}

func TestCheckActivatesExactlyAtStartLoop(t *testing.T) {
	d := New(10, 0.9, 3)
	info := d.Check(10, []string{"the quick brown fox jumps over the lazy dog"}, "the quick brown fox jumps over the lazy dog")
	assert.True(t, IsStagnant(info))
	assert.Equal(t, 11, info.DetectedAtLoop)
}

func TestCheckDoesNotActivateOnSubstantivelyDifferentText(t *testing.T) {
	d := New(1, 0.95, 3)
	info := d.Check(10, []string{"func Add(a, b int) int { return a + b }"}, "package main\n\nimport \"fmt\"\n\nfunc main() { fmt.Println(\"totally unrelated rewrite\") }")
	assert.False(t, IsStagnant(info))
}

func TestCheckWithNoPriorSubmissionsNeverFires(t *testing.T) {
	d := New(1, 0.5, 3)
	info := d.Check(10, nil, "anything")
	assert.False(t, IsStagnant(info))
	assert.Equal(t, 0.0, info.Similarity)
}

func TestCheckOnlyConsidersLastWindowEntries(t *testing.T) {
	d := New(1, 0.99, 2)
	prior := []string{"exact match text", "aaaaaaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbbbbbb"}
	info := d.Check(10, prior, "exact match text")
	// "exact match text" is outside the last-2 window, so it must not
	// contribute to the max similarity.
	assert.False(t, IsStagnant(info))
}

func TestTrigramJaccardIdenticalStringsIsOne(t *testing.T) {
	assert.Equal(t, 1.0, trigramJaccard("hello world", "hello world"))
}

func TestEditDistanceRatioIdenticalStringsIsOne(t *testing.T) {
	assert.Equal(t, 1.0, editDistanceRatio("abc", "abc"))
}

func TestLevenshteinKnownDistances(t *testing.T) {
	assert.Equal(t, 3, levenshtein([]rune("kitten"), []rune("sitting")))
	assert.Equal(t, 0, levenshtein([]rune("same"), []rune("same")))
	assert.Equal(t, 4, levenshtein([]rune(""), []rune("abcd")))
}
