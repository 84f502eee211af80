// Package response implements C7: assembling the FeedbackPayload
// returned to the caller from an audit result, a completion decision,
// and session context.
//
// Grounded on the example SDK's nested result-envelope shape
// (ToolExecutionResult wrapping ToolStreamChunk-like substructures) in
// tool.go: one top-level struct, always-present fields plus optional
// nested blocks populated only when applicable.
package response

import (
	"sort"

	"github.com/ganaudit/auditor-mcp/internal/completion"
	"github.com/ganaudit/auditor-mcp/internal/domain"
)

// DetailLevel bounds how much of a terminal response's detail is
// surfaced (§4.7).
type DetailLevel string

const (
	DetailMinimal       DetailLevel = "minimal"
	DetailStandard      DetailLevel = "standard"
	DetailDetailed      DetailLevel = "detailed"
	DetailComprehensive DetailLevel = "comprehensive"
)

// topKStandard bounds how many critical inline comments are surfaced
// in a termination block under "standard" detail; "detailed" and
// "comprehensive" raise the cap.
const (
	topKStandard      = 3
	topKDetailed      = 10
	topKComprehensive = 1 << 30 // effectively unbounded
)

// severityRank orders inline-comment severities so security/correctness
// issues are ranked ahead of style/perf ones (§4.7).
var severityRank = map[string]int{
	"security":    0,
	"correctness": 1,
	"perf":        2,
	"style":       3,
}

// Assembler builds FeedbackPayloads (§4.7).
type Assembler struct {
	detailLevel DetailLevel
}

// New constructs an Assembler bounding payloads to the given detail
// level.
func New(detailLevel DetailLevel) *Assembler {
	if detailLevel == "" {
		detailLevel = DetailStandard
	}
	return &Assembler{detailLevel: detailLevel}
}

// Build assembles the response for one audit_and_wait call (§4.7).
// recentScores is the session's score history including the just-run
// audit, oldest first, used only to compute the loop_info progress
// trend; progressWindow bounds how much of it is considered.
func (a *Assembler) Build(
	audit *domain.AuditResult,
	decision domain.CompletionDecision,
	sess *domain.Session,
	stag domain.StagnationInfo,
	recentScores []int,
	progressWindow int,
	maxLoops int,
) domain.FeedbackPayload {
	payload := domain.FeedbackPayload{
		Audit:       audit,
		Completion:  decision,
		CurrentLoop: sess.CurrentLoop,
	}

	if len(sess.Iterations) >= 2 {
		payload.LoopInfo = &domain.LoopInfo{
			CurrentLoop:        sess.CurrentLoop,
			MaxLoops:           maxLoops,
			ProgressTrend:      completion.ProgressTrend(completion.Window(recentScores, progressWindow)),
			StagnationDetected: stag.DetectedAtLoop > 0,
		}
	}

	if decision.IsComplete {
		payload.Termination = a.buildTermination(audit, decision)
	}

	return payload
}

// buildTermination synthesizes the termination block (§4.7).
func (a *Assembler) buildTermination(audit *domain.AuditResult, decision domain.CompletionDecision) *domain.TerminationInfo {
	info := &domain.TerminationInfo{
		Reason:          decision.Reason,
		FinalAssessment: finalAssessment(audit, decision),
	}

	if audit != nil && (decision.Reason == domain.ReasonStagnation || decision.Reason == domain.ReasonHardStop) {
		info.CriticalIssues = topCriticalIssues(audit.InlineComments, a.topK())
	}

	return info
}

func (a *Assembler) topK() int {
	switch a.detailLevel {
	case DetailMinimal:
		return 1
	case DetailDetailed:
		return topKDetailed
	case DetailComprehensive:
		return topKComprehensive
	default:
		return topKStandard
	}
}

// finalAssessment synthesizes a human-readable one-liner from the
// evaluator's reason and the last audit's summary (§4.7).
func finalAssessment(audit *domain.AuditResult, decision domain.CompletionDecision) string {
	summary := ""
	if audit != nil {
		summary = audit.Summary
	}

	switch decision.Reason {
	case domain.ReasonTier1, domain.ReasonTier2, domain.ReasonTier3:
		if summary != "" {
			return "Submission met the completion threshold: " + summary
		}
		return "Submission met the completion threshold."
	case domain.ReasonHardStop:
		return "Maximum loop count reached without meeting a completion threshold."
	case domain.ReasonStagnation:
		return "Submissions stopped changing in substance across recent iterations."
	case domain.ReasonExternalTerminate:
		return "Session was terminated by its external loop."
	default:
		return summary
	}
}

// topCriticalIssues returns up to k inline-comment texts, security and
// correctness issues first (§4.7).
func topCriticalIssues(comments []domain.InlineComment, k int) []string {
	if len(comments) == 0 {
		return nil
	}

	ranked := make([]domain.InlineComment, len(comments))
	copy(ranked, comments)
	sort.SliceStable(ranked, func(i, j int) bool {
		return rankOf(ranked[i].Severity) < rankOf(ranked[j].Severity)
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]string, 0, k)
	for _, c := range ranked[:k] {
		out = append(out, c.Comment)
	}
	return out
}

func rankOf(severity string) int {
	if r, ok := severityRank[severity]; ok {
		return r
	}
	return len(severityRank)
}
