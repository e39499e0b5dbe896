// Package extraction parses raw oracle text into a user-facing message and an
// untrusted structured payload, and defines the turn-level text protocol.
package extraction

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Delimiter separates the prose message from the JSON payload.
const Delimiter = "---JSON---"

// maxSpanAttempts bounds how many candidate '{' positions the fallback scanner tries.
const maxSpanAttempts = 32

var (
	leadingFence  = regexp.MustCompile("(?i)^```(?:json)?\\s*")
	trailingFence = regexp.MustCompile("\\s*```\\s*$")
)

// Result is the outcome of parsing one oracle response.
type Result struct {
	// Message is the prose shown to the user.
	Message string
	// Payload is nil when no usable structured data was found.
	Payload *Payload
	// Malformed is set when a structured region was present but could not be decoded.
	Malformed bool
}

// Parse splits raw oracle text into message and payload. It never panics and
// never returns an error: unusable JSON degrades to a prose-only result.
func Parse(raw string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("extraction.Parse: recovered from panic", "panic", r)
			res = Result{Message: strings.TrimSpace(raw), Malformed: true}
		}
	}()

	if idxs := delimiterOffsets(raw); len(idxs) > 0 {
		// The prose may itself mention the delimiter; the payload follows the
		// occurrence whose remainder decodes.
		for _, idx := range idxs {
			if p, err := decode(stripFences(raw[idx+len(Delimiter):])); err == nil {
				return Result{Message: proseBefore(raw, idx), Payload: p}
			}
		}
		// Trailing chatter after the JSON is common; retry on the balanced span.
		for i := len(idxs) - 1; i >= 0; i-- {
			region := stripFences(raw[idxs[i]+len(Delimiter):])
			if start, end, ok := findObject(region, json.Valid); ok {
				if p, err := decode(region[start:end]); err == nil {
					return Result{Message: proseBefore(raw, idxs[i]), Payload: p}
				}
			}
		}
		last := idxs[len(idxs)-1]
		slog.Warn("extraction.Parse: malformed JSON after delimiter", "region_length", len(raw)-last-len(Delimiter))
		return Result{Message: proseBefore(raw, last), Malformed: true}
	}

	// Without a delimiter only an object carrying an instances key is a payload;
	// any other JSON is part of the prose.
	if start, end, ok := findObject(raw, carriesInstances); ok {
		if p, err := decode(raw[start:end]); err == nil {
			message := removeFencedSpan(raw, start, end)
			return Result{Message: message, Payload: p}
		}
		slog.Warn("extraction.Parse: brace span found but not decodable")
		return Result{Message: strings.TrimSpace(raw), Malformed: true}
	}

	return Result{Message: strings.TrimSpace(raw)}
}

func delimiterOffsets(raw string) []int {
	var idxs []int
	for from := 0; ; {
		rel := strings.Index(raw[from:], Delimiter)
		if rel < 0 {
			return idxs
		}
		idxs = append(idxs, from+rel)
		from += rel + len(Delimiter)
	}
}

func proseBefore(raw string, idx int) string {
	return strings.TrimSpace(trimDanglingFence(raw[:idx]))
}

func decode(region string) (*Payload, error) {
	region = strings.TrimSpace(region)
	if region == "" || (region[0] != '{' && region[0] != '[') {
		return nil, errNotObject
	}
	var p Payload
	if err := json.Unmarshal([]byte(region), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = leadingFence.ReplaceAllString(s, "")
	s = trailingFence.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// trimDanglingFence removes a "```json" opener left at the end of the prose.
func trimDanglingFence(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	lower := strings.ToLower(s)
	for _, opener := range []string{"```json", "```"} {
		if strings.HasSuffix(lower, opener) {
			return s[:len(s)-len(opener)]
		}
	}
	return s
}

// removeFencedSpan cuts raw[start:end] out of raw, along with a code fence wrapping it.
func removeFencedSpan(raw string, start, end int) string {
	before := strings.TrimRight(raw[:start], " \t\r\n")
	after := strings.TrimLeft(raw[end:], " \t\r\n")
	if strings.HasPrefix(after, "```") {
		before = trimDanglingFence(before)
		after = strings.TrimPrefix(after, "```")
	}
	before = strings.TrimSpace(before)
	after = strings.TrimSpace(after)
	switch {
	case before == "":
		return after
	case after == "":
		return before
	default:
		return before + "\n\n" + after
	}
}

// findObject locates the first balanced {...} span, honouring JSON string
// escapes, whose contents satisfy accept. Returns byte offsets [start, end).
func findObject(s string, accept func([]byte) bool) (int, int, bool) {
	from := 0
	for attempt := 0; attempt < maxSpanAttempts; attempt++ {
		rel := strings.IndexByte(s[from:], '{')
		if rel < 0 {
			return 0, 0, false
		}
		start := from + rel
		if end, ok := balancedEnd(s, start); ok {
			if accept([]byte(s[start:end])) {
				return start, end, true
			}
		}
		from = start + 1
	}
	return 0, 0, false
}

func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
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
				return i + 1, true
			}
		}
	}
	return 0, false
}

// Render produces the wire text for a message and payload. Parse(Render(m, p))
// yields m (trimmed) and an equal payload.
func Render(message string, p *Payload) string {
	message = strings.TrimSpace(message)
	if p == nil {
		return message
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		slog.Error("extraction.Render: failed to marshal payload", "error", err)
		return message
	}
	return message + "\n" + Delimiter + "\n" + string(data)
}
