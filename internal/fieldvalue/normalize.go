package fieldvalue

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/O1Intake/internal/criteria"
)

// UploadedPrefix marks a list item as a reference to an uploaded file.
const UploadedPrefix = "uploaded:"

// Present is the normalised value for an ongoing end date.
const Present = "present"

// ValidationError reports a value that could not be typed for its field.
type ValidationError struct {
	Type   criteria.FieldType
	Raw    any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s value %v: %s", e.Type, e.Raw, e.Reason)
}

var (
	isoFull  = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
	isoMonth = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})$`)
	isoYear  = regexp.MustCompile(`^\d{4}$`)

	fileName = regexp.MustCompile(`(?i)^[^\s/\\:][^/\\:]*\.(pdf|png|jpe?g|gif|webp|heic|docx?|txt|md|csv|xlsx?|pptx?|json|key|pages|rtf)$`)
)

// placeholders are strings models commonly use instead of null.
var placeholders = map[string]bool{
	"":        true,
	"null":    true,
	"nil":     true,
	"none":    true,
	"n/a":     true,
	"na":      true,
	"unknown": true,
	"tbd":     true,
	"-":       true,
}

var presentWords = map[string]bool{
	"present": true,
	"current": true,
	"now":     true,
	"ongoing": true,
	"today":   true,
}

// Layouts with month names; time.Parse matches month names case-insensitively.
var (
	dayLayouts   = []string{"January 2, 2006", "Jan 2, 2006", "January 2 2006", "Jan 2 2006", "2 January 2006", "2 Jan 2006"}
	monthLayouts = []string{"January 2006", "Jan 2006", "January, 2006", "Jan. 2006"}
)

// Normalize converts an untrusted raw value into a typed Value for the field type.
// It returns (nil, nil) when the value is absent and a *ValidationError when it cannot be typed.
func Normalize(raw any, t criteria.FieldType) (*Value, error) {
	if raw == nil {
		return nil, nil
	}
	switch t {
	case criteria.FieldTypeText:
		return normalizeText(raw)
	case criteria.FieldTypeDate:
		return normalizeDate(raw)
	case criteria.FieldTypeFiles, criteria.FieldTypeFilesOrURLs:
		return normalizeList(raw, t)
	default:
		return nil, &ValidationError{Type: t, Raw: raw, Reason: "unknown field type"}
	}
}

func scalarString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	case *Value:
		if v == nil {
			return "", true
		}
		return v.String(), true
	}
	return "", false
}

func stringItems(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if item == nil {
				continue
			}
			s, ok := scalarString(item)
			if !ok {
				return nil, false
			}
			items = append(items, s)
		}
		return items, true
	case *Value:
		if v != nil && v.Kind == KindList {
			return v.List, true
		}
	}
	return nil, false
}

func isPlaceholder(s string) bool {
	return placeholders[strings.ToLower(strings.TrimSpace(s))]
}

func normalizeText(raw any) (*Value, error) {
	if s, ok := scalarString(raw); ok {
		s = strings.TrimSpace(s)
		if isPlaceholder(s) {
			return nil, nil
		}
		return Text(s), nil
	}
	if items, ok := stringItems(raw); ok {
		var parts []string
		for _, item := range items {
			if item = strings.TrimSpace(item); !isPlaceholder(item) {
				parts = append(parts, item)
			}
		}
		if len(parts) == 0 {
			return nil, nil
		}
		return Text(strings.Join(parts, ", ")), nil
	}
	return nil, &ValidationError{Type: criteria.FieldTypeText, Raw: raw, Reason: "expected a string"}
}

// NormalizeDate parses a date string into the canonical grammar:
// YYYY-MM-DD, YYYY-MM, YYYY or "present".
func NormalizeDate(s string) (string, error) {
	v, err := normalizeDate(s)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return v.Text, nil
}

func normalizeDate(raw any) (*Value, error) {
	s, ok := scalarString(raw)
	if !ok {
		return nil, &ValidationError{Type: criteria.FieldTypeDate, Raw: raw, Reason: "expected a string"}
	}
	s = strings.TrimSpace(s)
	if isPlaceholder(s) {
		return nil, nil
	}
	invalid := func(reason string) (*Value, error) {
		return nil, &ValidationError{Type: criteria.FieldTypeDate, Raw: raw, Reason: reason}
	}

	lower := strings.ToLower(s)
	if presentWords[lower] {
		return Date(Present), nil
	}

	if m := isoFull.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		tm := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
		if tm.Year() != y || int(tm.Month()) != mo || tm.Day() != d {
			return invalid("not a calendar date")
		}
		return Date(tm.Format("2006-01-02")), nil
	}
	if m := isoMonth.FindStringSubmatch(s); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		if mo < 1 || mo > 12 {
			return invalid("month out of range")
		}
		return Date(fmt.Sprintf("%04d-%02d", y, mo)), nil
	}
	if isoYear.MatchString(s) {
		return Date(s), nil
	}
	for _, layout := range dayLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return Date(tm.Format("2006-01-02")), nil
		}
	}
	for _, layout := range monthLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return Date(tm.Format("2006-01")), nil
		}
	}
	return invalid("unsupported date format")
}

func normalizeList(raw any, t criteria.FieldType) (*Value, error) {
	var items []string
	if s, ok := raw.(string); ok {
		items = strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	} else if list, ok := stringItems(raw); ok {
		items = list
	} else if s, ok := scalarString(raw); ok {
		items = []string{s}
	} else {
		return nil, &ValidationError{Type: t, Raw: raw, Reason: "expected a list of strings"}
	}

	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		ref := NormalizeReference(item)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		out = append(out, ref)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return List(out...), nil
}

// NormalizeReference canonicalises one list item. Uploaded files become
// "uploaded:<name>", valid URLs are kept as-is, anything else is kept as opaque text.
func NormalizeReference(item string) string {
	item = strings.TrimSpace(item)
	if isPlaceholder(item) {
		return ""
	}
	if len(item) > len(UploadedPrefix) && strings.EqualFold(item[:len(UploadedPrefix)], UploadedPrefix) {
		name := strings.TrimSpace(item[len(UploadedPrefix):])
		if name == "" {
			return ""
		}
		return UploadedPrefix + name
	}
	if IsURL(item) {
		return item
	}
	if fileName.MatchString(item) {
		return UploadedPrefix + item
	}
	return item
}

// IsURL reports whether s is a syntactically valid http(s) URL.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// UploadedName returns the file name of an "uploaded:" reference.
func UploadedName(ref string) (string, bool) {
	if !strings.HasPrefix(ref, UploadedPrefix) {
		return "", false
	}
	return strings.TrimPrefix(ref, UploadedPrefix), true
}
