package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cognihq/graphcore/internal/run"
)

const (
	maxScrubDepth  = 10
	maxPayloadSize = 50 << 10

	redactedValue = "[REDACTED]"
	depthExceeded = "[DEPTH_EXCEEDED]"
)

// Secret-shaped substrings, masked wherever they appear in free text.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9._-]{10,}`),
}

// Field names whose values are dropped wholesale, case-insensitive.
var sensitiveKeys = map[string]struct{}{
	"password":      {},
	"passwd":        {},
	"secret":        {},
	"token":         {},
	"authorization": {},
	"apikey":        {},
	"api_key":       {},
	"access_key":    {},
	"private_key":   {},
	"master_key":    {},
	"credential":    {},
	"credentials":   {},
	"cookie":        {},
	"session_key":   {},
}

// ScrubString masks secret-shaped substrings in free text.
func ScrubString(s string) string {
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, redactedValue)
	}
	return s
}

// ScrubValue walks a JSON-shaped value, dropping values of sensitive
// keys and masking secret patterns in strings. Recursion stops after
// ten levels; anything deeper is replaced outright.
func ScrubValue(v any) any {
	return scrub(v, 0)
}

func scrub(v any, depth int) any {
	if depth >= maxScrubDepth {
		return depthExceeded
	}
	switch t := v.(type) {
	case string:
		return ScrubString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
				out[k] = redactedValue
				continue
			}
			out[k] = scrub(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scrub(val, depth+1)
		}
		return out
	default:
		return v
	}
}

// ScrubMessages scrubs chat content for telemetry. Masked callers get a
// digest instead of content at all.
func ScrubMessages(messages []run.Message, mask bool) []run.Message {
	out := make([]run.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if mask {
			out[i].Content = digest([]byte(m.Content))
			continue
		}
		out[i].Content = ScrubString(m.Content)
	}
	return out
}

// Payload renders v as JSON for a trace attribute, capped at 50 KiB; an
// oversize payload is replaced by its size and hash.
func Payload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"unserializable":%q}`, err.Error())
	}
	if len(b) > maxPayloadSize {
		return fmt.Sprintf(`{"truncated":true,"bytes":%d,"sha256":%q}`, len(b), digest(b))
	}
	return string(b)
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
