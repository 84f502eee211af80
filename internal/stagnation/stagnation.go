// Package stagnation implements C5: detecting when a session's recent
// submissions have stopped changing in substance.
//
// Grounded on the only similarity primitive anywhere in the example
// corpus, a numeric cosine-similarity helper in
// jordigilh-kubernaut/pkg/shared/math/statistics.go. That helper operates
// on float slices, not text, so it cannot be reused directly; no example
// repo or other_examples/ file implements text trigram/edit-distance
// similarity, so this package is plain standard-library string
// processing (see DESIGN.md's justification for this being one of the
// few stdlib-only components).
package stagnation

import "github.com/ganaudit/auditor-mcp/internal/domain"

// Detector checks recent submission text against new submissions for
// near-duplication (§4.5).
type Detector struct {
	startLoop int
	threshold float64
	window    int
}

// New constructs a Detector. startLoop is the minimum current_loop at
// which the detector activates (default 10); threshold is the similarity
// above which stagnation fires (default 0.95); window is how many prior
// normalized submissions are compared against (default 3).
func New(startLoop int, threshold float64, window int) *Detector {
	if window <= 0 {
		window = 3
	}
	return &Detector{startLoop: startLoop, threshold: threshold, window: window}
}

// IsStagnant reports whether info represents an activated detection.
func IsStagnant(info domain.StagnationInfo) bool {
	return info.DetectedAtLoop > 0
}

// Check reports whether newNormalized is a near-duplicate of any of the
// last d.window normalized submissions in priorNormalized (§4.5).
// priorNormalized holds the session's recent normalized submission texts
// in chronological order; the engine keeps this alongside the session
// since IterationRecord itself stores only the submission fingerprint,
// not its text, to keep session files small. currentLoop is the
// session's loop count before this iteration is appended.
func (d *Detector) Check(currentLoop int, priorNormalized []string, newNormalized string) domain.StagnationInfo {
	if currentLoop < d.startLoop || len(priorNormalized) == 0 {
		return domain.StagnationInfo{}
	}
	loop := currentLoop + 1

	start := 0
	if len(priorNormalized) > d.window {
		start = len(priorNormalized) - d.window
	}

	maxSim := 0.0
	for _, p := range priorNormalized[start:] {
		if sim := similarity(p, newNormalized); sim > maxSim {
			maxSim = sim
		}
	}

	info := domain.StagnationInfo{Similarity: maxSim}
	if maxSim > d.threshold {
		info.DetectedAtLoop = loop
	}
	return info
}

// similarity combines trigram Jaccard and a normalized edit-distance
// ratio, averaged, each already in [0, 1] (§4.5).
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return (trigramJaccard(a, b) + editDistanceRatio(a, b)) / 2.0
}

// trigramJaccard computes the Jaccard index over the sets of character
// trigrams of a and b.
func trigramJaccard(a, b string) float64 {
	ta := trigramSet(a)
	tb := trigramSet(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

func trigramSet(s string) map[string]bool {
	runes := []rune(s)
	if len(runes) < 3 {
		set := make(map[string]bool, 1)
		if len(runes) > 0 {
			set[string(runes)] = true
		}
		return set
	}
	set := make(map[string]bool, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}

// editDistanceRatio returns 1 - (levenshtein(a,b) / max(len(a),len(b))),
// i.e. 1.0 for identical strings and 0.0 for completely unrelated ones of
// the same length.
func editDistanceRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein(ra, rb)
	return 1.0 - float64(dist)/float64(maxLen)
}

// levenshtein computes classic single-character edit distance with a
// two-row rolling DP table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
