package auditor

import (
	"testing"

	"github.com/ganaudit/auditor-mcp/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryParseStrictJSON(t *testing.T) {
	result, ok := TryParse([]byte(`{"overall_score":96,"verdict":"pass","summary":"great"}`))
	require.True(t, ok)
	assert.Equal(t, 96, result.OverallScore)
	assert.Equal(t, domain.VerdictPass, result.Verdict)
}

func TestTryParseJSONLinesTakesTerminalRecord(t *testing.T) {
	input := "{\"progress\":\"starting\"}\n{\"progress\":\"halfway\"}\n{\"overall_score\":80,\"verdict\":\"revise\",\"summary\":\"ok\"}\n"
	result, ok := TryParse([]byte(input))
	require.True(t, ok)
	assert.Equal(t, 80, result.OverallScore)
}

func TestTryParseGreedyExtractsLongestBalancedObject(t *testing.T) {
	input := "garbage before {\"overall_score\":70,\"verdict\":\"revise\",\"summary\":\"partial\"} trailing noise"
	result, ok := TryParse([]byte(input))
	require.True(t, ok)
	assert.Equal(t, 70, result.OverallScore)
}

func TestTryParseRepairsUnquotedKeysAndTrailingCommas(t *testing.T) {
	input := `{overall_score: 60, verdict: 'revise', summary: 'needs work',}`
	result, ok := TryParse([]byte(input))
	require.True(t, ok)
	assert.Equal(t, 60, result.OverallScore)
	assert.Equal(t, domain.VerdictRevise, result.Verdict)
}

func TestTryParseFailsOnUnrecoverableGarbage(t *testing.T) {
	_, ok := TryParse([]byte("not json at all, no braces here"))
	assert.False(t, ok)
}

func TestTryParseEmptyInput(t *testing.T) {
	_, ok := TryParse([]byte(""))
	assert.False(t, ok)
}
