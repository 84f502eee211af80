package auditor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ganaudit/auditor-mcp/internal/domain"
)

// TryParse implements §4.2's three-strategy result parsing, tried in
// order: strict JSON, greedy longest-balanced-brace extraction, then a
// repair pass for common near-JSON mistakes. It also accepts a
// JSON-lines stream whose terminal line is the AuditResult.
func TryParse(output []byte) (*domain.AuditResult, bool) {
	output = bytes.TrimSpace(output)
	if len(output) == 0 {
		return nil, false
	}

	if result, ok := parseStrict(output); ok {
		return result, true
	}
	if result, ok := parseJSONLines(output); ok {
		return result, true
	}
	if result, ok := parseGreedy(output); ok {
		return result, true
	}
	if result, ok := parseRepaired(output); ok {
		return result, true
	}
	return nil, false
}

func parseStrict(output []byte) (*domain.AuditResult, bool) {
	var result domain.AuditResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, false
	}
	return &result, true
}

// parseJSONLines treats output as JSON-lines and attempts to parse only
// the last non-blank line as the terminal AuditResult record (§4.2).
func parseJSONLines(output []byte) (*domain.AuditResult, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var lastLine string
	lines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lastLine = line
		lines++
	}
	if lines < 2 || lastLine == "" {
		return nil, false
	}
	return parseStrict([]byte(lastLine))
}

// parseGreedy scans for the longest balanced {...} substring and retries
// strict parsing against it (§4.2).
func parseGreedy(output []byte) (*domain.AuditResult, bool) {
	best := longestBalancedObject(string(output))
	if best == "" {
		return nil, false
	}
	return parseStrict([]byte(best))
}

func longestBalancedObject(s string) string {
	var bestStart, bestEnd int
	bestLen := -1

	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			if inString {
				if escaped {
					escaped = false
				} else if c == '\\' {
					escaped = true
				} else if c == '"' {
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					if i-start+1 > bestLen {
						bestLen = i - start + 1
						bestStart = start
						bestEnd = i + 1
					}
					break
				}
			}
			if depth == 0 && c == '}' {
				break
			}
		}
	}
	if bestLen < 0 {
		return ""
	}
	return s[bestStart:bestEnd]
}

var (
	trailingComma   = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKey     = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
)

// parseRepaired fixes unquoted keys, single-quoted strings, and trailing
// commas before retrying the greedy extraction (§4.2's "repair pass").
func parseRepaired(output []byte) (*domain.AuditResult, bool) {
	s := string(output)
	s = strings.ReplaceAll(s, "'", `"`)
	s = unquotedKey.ReplaceAllString(s, `$1"$2"$3`)
	s = trailingComma.ReplaceAllString(s, "$1")

	best := longestBalancedObject(s)
	if best == "" {
		return nil, false
	}
	return parseStrict([]byte(best))
}
