package engine

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ganaudit/auditor-mcp/internal/apperrors"
)

// auditConfigBlock matches the fenced inline configuration block
// recognized in a thought's body (§6). Mirrors the pattern
// fingerprint.Normalize strips before hashing, but captures its content
// instead of discarding it.
var auditConfigBlock = regexp.MustCompile("(?s)```(?:(?i:json)\\s+)?audit-config\\s*\\n(.*?)\\n```")

// InlineConfig is the decoded, validated form of the optional inline
// audit-config block (§6).
type InlineConfig struct {
	Task       string
	Scope      string
	Threshold  *int
	MaxCycles  *int
	Judges     []string
	Candidates *int
}

var validScopes = map[string]bool{"diff": true, "paths": true, "workspace": true}

// parseInlineConfig extracts and validates the thought's inline
// audit-config block, if any (§6). Unknown keys are ignored and
// reported as warnings; malformed or out-of-range values for recognized
// keys reject the request with InputInvalid.
func parseInlineConfig(thought string) (InlineConfig, []string, error) {
	match := auditConfigBlock.FindStringSubmatch(thought)
	if match == nil {
		return InlineConfig{}, nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(match[1]), &raw); err != nil {
		return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "inline audit-config block is not valid JSON").WithCause(err)
	}

	var cfg InlineConfig
	var warnings []string

	for key, value := range raw {
		switch key {
		case "task":
			if err := json.Unmarshal(value, &cfg.Task); err != nil {
				return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "audit-config.task must be a string").WithCause(err)
			}
		case "scope":
			if err := json.Unmarshal(value, &cfg.Scope); err != nil || !validScopes[cfg.Scope] {
				return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "audit-config.scope must be one of diff, paths, workspace")
			}
		case "threshold":
			var v int
			if err := json.Unmarshal(value, &v); err != nil || v < 0 || v > 100 {
				return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "audit-config.threshold must be an integer in 0..100")
			}
			cfg.Threshold = &v
		case "maxCycles":
			var v int
			if err := json.Unmarshal(value, &v); err != nil || v < 1 {
				return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "audit-config.maxCycles must be an integer >= 1")
			}
			cfg.MaxCycles = &v
		case "judges":
			if err := json.Unmarshal(value, &cfg.Judges); err != nil {
				return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "audit-config.judges must be a list of strings").WithCause(err)
			}
		case "candidates":
			var v int
			if err := json.Unmarshal(value, &v); err != nil || v < 1 {
				return InlineConfig{}, nil, apperrors.New(apperrors.KindInputInvalid, "audit-config.candidates must be an integer >= 1")
			}
			cfg.Candidates = &v
		default:
			warnings = append(warnings, fmt.Sprintf("unknown audit-config key %q ignored", key))
		}
	}

	return cfg, warnings, nil
}

// clampMaxCycles enforces the server-side absolute ceiling on a
// per-session maxCycles override (§6: "must respect server-side absolute
// ceiling"). Values above the ceiling are clamped rather than rejected,
// with a warning appended.
func clampMaxCycles(requested, ceiling int, warnings []string) (int, []string) {
	if requested > ceiling {
		warnings = append(warnings, fmt.Sprintf("audit-config.maxCycles %d exceeds the server ceiling, clamped to %d", requested, ceiling))
		return ceiling, warnings
	}
	return requested, warnings
}
