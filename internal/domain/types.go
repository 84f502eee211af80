// Package domain holds the data model shared across components (§3):
// Session, IterationRecord, AuditResult, CompletionDecision, and
// FeedbackPayload. Keeping these in one package avoids import cycles
// between session, auditor, completion, response, and engine, all of
// which need to name these types in their public contracts.
package domain

import "time"

// Verdict is the closed set of audit outcomes (§3).
type Verdict string

const (
	VerdictPass   Verdict = "pass"
	VerdictRevise Verdict = "revise"
	VerdictReject Verdict = "reject"
)

// CompletionReason is the closed set of reasons a session can terminate
// (§3, §4.6).
type CompletionReason string

const (
	ReasonTier1              CompletionReason = "tier1"
	ReasonTier2              CompletionReason = "tier2"
	ReasonTier3              CompletionReason = "tier3"
	ReasonHardStop           CompletionReason = "hard_stop"
	ReasonStagnation         CompletionReason = "stagnation"
	ReasonExternalTerminate  CompletionReason = "external_terminate"
	ReasonNone               CompletionReason = ""
)

// ProgressTrend classifies score movement over a recent window (§4.6).
type ProgressTrend string

const (
	TrendImproving ProgressTrend = "improving"
	TrendStagnant  ProgressTrend = "stagnant"
	TrendDeclining ProgressTrend = "declining"
)

// Dimension is one named, scored axis of an audit rubric (§3).
type Dimension struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// InlineComment anchors auditor feedback to a location in the submission
// (§3).
type InlineComment struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Comment  string `json:"comment"`
	Severity string `json:"severity,omitempty"` // "security" | "correctness" | "style" | "perf"
}

// JudgeCard is one scoring opinion contributing to overall_score (§3).
type JudgeCard struct {
	JudgeID string `json:"judge_id"`
	Score   int    `json:"score"`
	Notes   string `json:"notes,omitempty"`
}

// AuditResult is the structured verdict produced by one auditor
// invocation, real or synthetic (§3).
type AuditResult struct {
	OverallScore   int             `json:"overall_score"`
	Verdict        Verdict         `json:"verdict"`
	Dimensions     []Dimension     `json:"dimensions"`
	Summary        string          `json:"summary"`
	InlineComments []InlineComment `json:"inline_comments"`
	JudgeCards     []JudgeCard     `json:"judge_cards"`
	RawAuditorID   string          `json:"raw_auditor_id"`
}

// StagnationInfo records when and at what similarity stagnation fired
// (§3).
type StagnationInfo struct {
	DetectedAtLoop int     `json:"detected_at_loop"`
	Similarity     float64 `json:"similarity"`
}

// IterationRecord is one submit->audit->feedback cycle appended to a
// Session (§3).
type IterationRecord struct {
	ThoughtNumber         int          `json:"thought_number"`
	SubmittedAt           time.Time    `json:"submitted_at"`
	SubmissionFingerprint string       `json:"submission_fingerprint"`
	Audit                 *AuditResult `json:"audit,omitempty"`
	AuditError            string       `json:"audit_error,omitempty"`
	CacheHit              bool         `json:"cache_hit"`
}

// Session is the durable per-session_id trajectory of iterations (§3).
// Invariant: len(Iterations) == CurrentLoop. Invariant: once IsComplete,
// no further mutation is permitted.
type Session struct {
	ID                    string            `json:"id"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CurrentLoop           int               `json:"current_loop"`
	Iterations            []IterationRecord `json:"iterations"`
	IsComplete            bool              `json:"is_complete"`
	CompletionReason      CompletionReason  `json:"completion_reason,omitempty"`
	StagnationInfo        *StagnationInfo   `json:"stagnation_info,omitempty"`
	ExternalContextActive bool              `json:"external_context_active"`
	ExternalContextID     string            `json:"external_context_id,omitempty"`
	ExternalLoopID        string            `json:"external_loop_id,omitempty"`

	// HardStopOverride is a per-session override of the hard-stop loop cap,
	// set from the inline audit-config block's "maxCycles" key (§6). Zero
	// means no override is in effect and the configured default applies.
	HardStopOverride int `json:"hard_stop_override,omitempty"`
}

// CompletionDecision is C6's output (§3).
type CompletionDecision struct {
	IsComplete     bool             `json:"is_complete"`
	Reason         CompletionReason `json:"reason"`
	ThresholdScore int              `json:"threshold_score"`
	ThresholdLoops int              `json:"threshold_loops"`
}

// LoopInfo is the optional loop-progress block of a FeedbackPayload (§3).
type LoopInfo struct {
	CurrentLoop        int           `json:"current_loop"`
	MaxLoops           int           `json:"max_loops"`
	ProgressTrend      ProgressTrend `json:"progress_trend"`
	StagnationDetected bool          `json:"stagnation_detected"`
}

// TerminationInfo is the optional termination block of a FeedbackPayload
// (§3).
type TerminationInfo struct {
	Reason          CompletionReason `json:"reason"`
	CriticalIssues  []string         `json:"critical_issues,omitempty"`
	FinalAssessment string           `json:"final_assessment"`
}

// FeedbackPayload is C7's output (§3), excluding the JSON-RPC transport
// envelope.
type FeedbackPayload struct {
	Audit       *AuditResult       `json:"audit,omitempty"`
	Completion  CompletionDecision `json:"completion"`
	LoopInfo    *LoopInfo          `json:"loop_info,omitempty"`
	Termination *TerminationInfo   `json:"termination,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`

	// CurrentLoop mirrors the session's loop count at assembly time. It is
	// not part of the transport envelope described by §6 directly, but the
	// mcp transport layer needs it to populate completionStatus.currentLoop
	// even on loop 1, before LoopInfo (which only appears at >= 2
	// iterations) would otherwise carry it.
	CurrentLoop int `json:"current_loop"`
}

// Rubric is a scoring-dimension name with a relative weight, passed to the
// auditor (§4.2).
type Rubric struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Budget bounds one audit invocation (§4.2).
type Budget struct {
	MaxCycles      int `json:"max_cycles"`
	ThresholdScore int `json:"threshold_score"`
	Candidates     int `json:"candidates"`
}

// AuditRequest is C2's input contract (§4.2).
type AuditRequest struct {
	SubmissionText    string
	ContextPack       string
	Rubric            []Rubric
	Budget            Budget
	Timeout           time.Duration
	WorkingDirectory  string
	ExternalContextID string
	Judges            []string
}
