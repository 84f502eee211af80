package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ganaudit/auditor-mcp/internal/auditor"
	"github.com/ganaudit/auditor-mcp/internal/config"
	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/ganaudit/auditor-mcp/internal/externalcontext"
	"github.com/ganaudit/auditor-mcp/internal/metrics"
	"github.com/ganaudit/auditor-mcp/internal/session"
	"github.com/ganaudit/auditor-mcp/internal/stagnation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeSnippet = "```js\nfunction add(a,b){return a+b}\n```"

func writeFakeAuditor(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-auditor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestEngine(t *testing.T, auditorScript string) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.SessionStateDir = t.TempDir()
	cfg.AuditTimeout = 5 * time.Second

	store, err := session.New(cfg.SessionStateDir, cfg.SessionMaxAge, true, nil)
	require.NoError(t, err)

	driverPath := writeFakeAuditor(t, auditorScript)
	drv := auditor.New(driverPath, nil)

	ectx, err := externalcontext.New(64, nil, nil)
	require.NoError(t, err)

	e, err := New(cfg, store, drv, ectx, metrics.New(), nil)
	require.NoError(t, err)
	return e
}

func TestAuditAndWaitCompletesOnTier1(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":96,"verdict":"pass","summary":"clean"}'`)

	payload, err := e.AuditAndWait(context.Background(), Request{
		SessionID:     "s1",
		ThoughtNumber: 1,
		Thought:       codeSnippet,
	})
	require.NoError(t, err)
	assert.True(t, payload.Completion.IsComplete)
	assert.Equal(t, domain.ReasonTier1, payload.Completion.Reason)
	require.NotNil(t, payload.Termination)
	assert.NotEmpty(t, payload.Termination.FinalAssessment)
}

func TestAuditAndWaitCacheHitsOnIdenticalSubmission(t *testing.T) {
	var invocations int
	script := `
cat > /dev/null
count_file="` + filepath.Join(os.TempDir(), "engine-test-invocations") + `"
n=0
if [ -f "$count_file" ]; then n=$(cat "$count_file"); fi
n=$((n+1))
echo "$n" > "$count_file"
echo '{"overall_score":60,"verdict":"revise","summary":"needs work"}'
`
	countFile := filepath.Join(os.TempDir(), "engine-test-invocations")
	os.Remove(countFile)
	defer os.Remove(countFile)

	e := newTestEngine(t, script)

	req := Request{SessionID: "s2", ThoughtNumber: 1, Thought: codeSnippet}
	p1, err := e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, p1.Completion.IsComplete)

	req.ThoughtNumber = 2
	p2, err := e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, p1.Audit.OverallScore, p2.Audit.OverallScore)

	data, readErr := os.ReadFile(countFile)
	require.NoError(t, readErr)
	assert.Equal(t, "1\n", string(data))
	_ = invocations
}

func TestAuditAndWaitReauditsOnIdenticalSubmissionWhenCachingDisabled(t *testing.T) {
	script := `
cat > /dev/null
count_file="` + filepath.Join(os.TempDir(), "engine-test-invocations-nocache") + `"
n=0
if [ -f "$count_file" ]; then n=$(cat "$count_file"); fi
n=$((n+1))
echo "$n" > "$count_file"
echo '{"overall_score":60,"verdict":"revise","summary":"needs work"}'
`
	countFile := filepath.Join(os.TempDir(), "engine-test-invocations-nocache")
	os.Remove(countFile)
	defer os.Remove(countFile)

	e := newTestEngine(t, script)
	e.cfg.EnableCaching = false

	req := Request{SessionID: "s2b", ThoughtNumber: 1, Thought: codeSnippet}
	_, err := e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)

	req.ThoughtNumber = 2
	_, err = e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)

	data, readErr := os.ReadFile(countFile)
	require.NoError(t, readErr)
	assert.Equal(t, "2\n", string(data))
}

func TestAuditAndWaitDegradesOnTimeout(t *testing.T) {
	e := newTestEngine(t, `sleep 5`)
	e.cfg.AuditTimeout = 200 * time.Millisecond

	start := time.Now()
	payload, err := e.AuditAndWait(context.Background(), Request{
		SessionID:     "s3",
		ThoughtNumber: 1,
		Thought:       codeSnippet,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, payload.Audit)
	assert.Equal(t, 50, payload.Audit.OverallScore)
	assert.Contains(t, payload.Audit.Summary, "could not be completed")
	assert.Less(t, elapsed, 3*time.Second)
}

func TestAuditAndWaitSkipsAuditForPlainText(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":10,"verdict":"reject"}'`)

	payload, err := e.AuditAndWait(context.Background(), Request{
		SessionID:     "s4",
		ThoughtNumber: 1,
		Thought:       "just thinking out loud about next steps, nothing concrete yet",
	})
	require.NoError(t, err)
	assert.Nil(t, payload.Audit)
	assert.False(t, payload.Completion.IsComplete)
}

func TestAuditAndWaitReturnsTerminalResponsePastCompletion(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":96,"verdict":"pass"}'`)

	_, err := e.AuditAndWait(context.Background(), Request{SessionID: "s5", ThoughtNumber: 1, Thought: codeSnippet})
	require.NoError(t, err)

	payload, err := e.AuditAndWait(context.Background(), Request{SessionID: "s5", ThoughtNumber: 2, Thought: codeSnippet})
	require.NoError(t, err)
	assert.True(t, payload.Completion.IsComplete)
}

func TestAuditAndWaitHonorsHardStop(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":70,"verdict":"revise"}'`)
	e.completionPolicy.Tier1.Score = 101
	e.completionPolicy.Tier2.Score = 101
	e.completionPolicy.Tier3.Score = 101
	e.completionPolicy.HardStopLoop = 3

	var last domain.FeedbackPayload
	for i := 1; i <= 3; i++ {
		p, err := e.AuditAndWait(context.Background(), Request{
			SessionID:     "s6",
			ThoughtNumber: i,
			Thought:       codeSnippet + " revision " + string(rune('a'+i)),
		})
		require.NoError(t, err)
		last = p
	}
	assert.True(t, last.Completion.IsComplete)
	assert.Equal(t, domain.ReasonHardStop, last.Completion.Reason)
}

func TestAuditAndWaitExternalContextLifecycle(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":70,"verdict":"revise"}'`)

	req := Request{SessionID: "s7", ExternalLoopID: "loop-L", ThoughtNumber: 1, Thought: codeSnippet}
	_, err := e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, e.extctx.Active("loop-L"))

	req.ThoughtNumber = 2
	req.Thought = codeSnippet + " revision b"
	_, err = e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, e.extctx.Active("loop-L"))

	e.completionPolicy.Tier1.Score = 50
	e.completionPolicy.Tier1.Loops = 10
	req.ThoughtNumber = 3
	req.Thought = codeSnippet + " revision c"
	payload, err := e.AuditAndWait(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, payload.Completion.IsComplete)
	assert.False(t, e.extctx.Active("loop-L"))
}

func TestAuditAndWaitDetectsStagnationAfterRepeatedSubmissions(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":60,"verdict":"revise"}'`)
	e.stagnation = stagnation.New(2, 0.9, 3)
	e.completionPolicy.Tier1.Score = 101
	e.completionPolicy.Tier2.Score = 101
	e.completionPolicy.Tier3.Score = 101
	e.completionPolicy.HardStopLoop = 100

	var last domain.FeedbackPayload
	for i := 1; i <= 4; i++ {
		p, err := e.AuditAndWait(context.Background(), Request{
			SessionID:     "s8",
			ThoughtNumber: i,
			Thought:       codeSnippet,
		})
		require.NoError(t, err)
		last = p
	}
	assert.True(t, last.Completion.IsComplete)
	assert.Equal(t, domain.ReasonStagnation, last.Completion.Reason)
}

func TestAuditAndWaitEnforcesSessionCap(t *testing.T) {
	e := newTestEngine(t, `echo '{"overall_score":50,"verdict":"revise"}'`)
	e.cfg.MaxConcurrentSessions = 1

	_, err := e.AuditAndWait(context.Background(), Request{SessionID: "only", ThoughtNumber: 1, Thought: codeSnippet})
	require.NoError(t, err)

	_, err = e.AuditAndWait(context.Background(), Request{SessionID: "other", ThoughtNumber: 1, Thought: codeSnippet})
	require.Error(t, err)
}
