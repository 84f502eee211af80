package response

import (
	"testing"

	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseSession(iterations int) *domain.Session {
	iters := make([]domain.IterationRecord, iterations)
	return &domain.Session{ID: "s", CurrentLoop: iterations, Iterations: iters}
}

func TestBuildOmitsLoopInfoBeforeTwoIterations(t *testing.T) {
	a := New(DetailStandard)
	payload := a.Build(&domain.AuditResult{OverallScore: 50}, domain.CompletionDecision{}, baseSession(1), domain.StagnationInfo{}, []int{50}, 3, 25)
	assert.Nil(t, payload.LoopInfo)
}

func TestBuildIncludesLoopInfoFromTwoIterations(t *testing.T) {
	a := New(DetailStandard)
	payload := a.Build(&domain.AuditResult{OverallScore: 80}, domain.CompletionDecision{}, baseSession(2), domain.StagnationInfo{}, []int{70, 80}, 3, 25)
	require.NotNil(t, payload.LoopInfo)
	assert.Equal(t, domain.TrendImproving, payload.LoopInfo.ProgressTrend)
}

func TestBuildOmitsTerminationWhenNotComplete(t *testing.T) {
	a := New(DetailStandard)
	payload := a.Build(&domain.AuditResult{OverallScore: 50}, domain.CompletionDecision{IsComplete: false}, baseSession(1), domain.StagnationInfo{}, []int{50}, 3, 25)
	assert.Nil(t, payload.Termination)
}

func TestBuildIncludesTerminationForTier1(t *testing.T) {
	a := New(DetailStandard)
	audit := &domain.AuditResult{OverallScore: 97, Summary: "excellent work"}
	decision := domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonTier1}
	payload := a.Build(audit, decision, baseSession(3), domain.StagnationInfo{}, []int{90, 95, 97}, 3, 25)
	require.NotNil(t, payload.Termination)
	assert.Contains(t, payload.Termination.FinalAssessment, "excellent work")
	assert.Nil(t, payload.Termination.CriticalIssues)
}

func TestBuildIncludesCriticalIssuesForStagnation(t *testing.T) {
	a := New(DetailStandard)
	audit := &domain.AuditResult{
		OverallScore: 40,
		InlineComments: []domain.InlineComment{
			{Comment: "style nit", Severity: "style"},
			{Comment: "sql injection risk", Severity: "security"},
			{Comment: "off by one", Severity: "correctness"},
		},
	}
	decision := domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonStagnation}
	payload := a.Build(audit, decision, baseSession(10), domain.StagnationInfo{DetectedAtLoop: 10, Similarity: 0.99}, []int{40, 40, 40}, 3, 25)
	require.NotNil(t, payload.Termination)
	require.Len(t, payload.Termination.CriticalIssues, 3)
	assert.Equal(t, "sql injection risk", payload.Termination.CriticalIssues[0])
	assert.Equal(t, "off by one", payload.Termination.CriticalIssues[1])
}

func TestBuildRespectsMinimalDetailLevelTopK(t *testing.T) {
	a := New(DetailMinimal)
	audit := &domain.AuditResult{
		InlineComments: []domain.InlineComment{
			{Comment: "a", Severity: "security"},
			{Comment: "b", Severity: "security"},
		},
	}
	decision := domain.CompletionDecision{IsComplete: true, Reason: domain.ReasonHardStop}
	payload := a.Build(audit, decision, baseSession(25), domain.StagnationInfo{}, []int{10, 10, 10}, 3, 25)
	require.NotNil(t, payload.Termination)
	assert.Len(t, payload.Termination.CriticalIssues, 1)
}

func TestTopCriticalIssuesEmptyWhenNoComments(t *testing.T) {
	assert.Nil(t, topCriticalIssues(nil, 3))
}
