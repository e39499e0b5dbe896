package extraction

import (
	"regexp"
	"strings"
)

// SentinelInit is the synthetic first user turn that triggers the greeting.
// It carries no user evidence.
const SentinelInit = "__init__"

var uploadPattern = regexp.MustCompile(`(?is)^\s*\[uploaded:\s*(.*?)\s*\]\s*$`)

// IsSentinel reports whether content is the initialization sentinel.
func IsSentinel(content string) bool {
	return strings.TrimSpace(content) == SentinelInit
}

// FormatUploadNotification renders the synthetic turn announcing indexed files.
func FormatUploadNotification(names []string) string {
	return "[Uploaded: " + strings.Join(names, ", ") + "]"
}

// ParseUploadNotification extracts file names from an upload notification turn.
func ParseUploadNotification(content string) ([]string, bool) {
	m := uploadPattern.FindStringSubmatch(content)
	if m == nil {
		return nil, false
	}
	var names []string
	for _, n := range strings.Split(m[1], ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return nil, false
	}
	return names, true
}

// TurnKind classifies a user turn for evidence checks.
type TurnKind int

const (
	// TurnUser is ordinary user prose.
	TurnUser TurnKind = iota
	// TurnSentinel is the initialization sentinel.
	TurnSentinel
	// TurnUpload is an upload notification.
	TurnUpload
)

// Classify reports the kind of a user turn and, for uploads, the file names.
func Classify(content string) (TurnKind, []string) {
	if IsSentinel(content) {
		return TurnSentinel, nil
	}
	if names, ok := ParseUploadNotification(content); ok {
		return TurnUpload, names
	}
	return TurnUser, nil
}
