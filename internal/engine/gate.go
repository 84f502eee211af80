package engine

import "regexp"

// codeLikePattern implements §4.8 step 3's must-audit gate heuristic:
// code fences, unified-diff markers, or common language keywords. Any
// one of these marks a submission as worth auditing; their absence lets
// the engine skip C2-C6 entirely for plain conversational text.
var codeLikePattern = regexp.MustCompile(
	"(?m)(^```)|(^diff --git )|(^--- )|(^\\+\\+\\+ )|(^@@ )|" +
		"\\b(func|class|def|import|package|struct|interface|public|private|void|return)\\b",
)

// looksLikeCode reports whether thought contains code-like content per
// the must-audit gate (§4.8 step 3).
func looksLikeCode(thought string) bool {
	return codeLikePattern.MatchString(thought)
}
