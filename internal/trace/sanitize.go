// Package trace sanitises execution traces before they leave the
// process and syncs them to the cloud in best-effort FIFO batches.
package trace

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

const (
	maxDepth             = 20
	maxStringBytes       = 10 * 1024
	truncatePreviewChars = 100
)

const redacted = "[REDACTED]"

// sensitiveKeyPattern matches object keys whose value should always be
// redacted outright, regardless of its contents.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)(api_key|token|password|secret|authorization|bearer|credential|private_key|access_key|session_id|cookie|auth)`)

// secretPatterns matches known secret shapes inside otherwise-kept
// string values.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`tvly-[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`exa[_\-][A-Za-z0-9_\-]+`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.=]+`),
	regexp.MustCompile(`[A-Za-z0-9_]*_API_KEY\s*=\s*\S+`),
}

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	ssnPattern    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ccPattern     = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
	phonePattern  = regexp.MustCompile(`\b(?:\+?\d{1,2}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
)

// Sanitize walks v recursively (depth-capped at 20) and returns a copy
// safe to ship off this host: sensitive keys are redacted, known secret
// shapes and PII inside strings are masked, oversized strings are
// truncated to a preview, and non-JSON-safe values are normalised.
func Sanitize(v interface{}) interface{} {
	return sanitizeValue(v, 0)
}

func sanitizeValue(v interface{}, depth int) interface{} {
	if depth > maxDepth {
		return "[MAX_DEPTH_EXCEEDED]"
	}
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			if sensitiveKeyPattern.MatchString(k) {
				out[k] = redacted
				continue
			}
			out[k] = sanitizeValue(child, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = sanitizeValue(child, depth+1)
		}
		return out
	case string:
		return sanitizeString(val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case nil, bool, int, int64:
		return val
	default:
		return sanitizeViaJSON(val, depth)
	}
}

// sanitizeViaJSON handles any value that isn't already one of the plain
// JSON-ish types above: structs, typed slices/maps (e.g.
// []orchestrator.ToolCallRecord), pointers. It round-trips the value
// through its JSON encoding so the result is one of the plain types and
// can be walked and redacted like the rest of the tree, instead of
// being stringified and shipped unredacted.
func sanitizeViaJSON(v interface{}, depth int) interface{} {
	b, err := json.Marshal(v)
	if err != nil {
		return sanitizeString(fmt.Sprintf("%v", v))
	}
	var decoded interface{}
	if err := json.Unmarshal(b, &decoded); err != nil {
		return sanitizeString(fmt.Sprintf("%v", v))
	}
	return sanitizeValue(decoded, depth)
}

func sanitizeString(s string) interface{} {
	for _, pat := range secretPatterns {
		s = pat.ReplaceAllString(s, redacted)
	}
	s = emailPattern.ReplaceAllString(s, "[EMAIL]")
	s = ssnPattern.ReplaceAllString(s, "[SSN]")
	s = ccPattern.ReplaceAllString(s, "[CREDIT_CARD]")
	s = phonePattern.ReplaceAllString(s, "[PHONE]")

	if len(s) > maxStringBytes {
		preview := s
		if len(preview) > truncatePreviewChars {
			preview = preview[:truncatePreviewChars]
		}
		return map[string]interface{}{
			"truncated": true,
			"preview":   preview,
			"length":    len(s),
		}
	}
	return s
}
