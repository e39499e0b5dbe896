package fieldvalue

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/BTreeMap/O1Intake/internal/criteria"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want *Value
	}{
		{"trimmed", "  Led platform architecture  ", Text("Led platform architecture")},
		{"empty is absent", "   ", nil},
		{"null string is absent", "null", nil},
		{"n/a is absent", "N/A", nil},
		{"number stringified", float64(250000), Text("250000")},
		{"array joined", []any{"SF", "NYC"}, Text("SF, NYC")},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, criteria.FieldTypeText)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Normalize(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}

	if _, err := Normalize(map[string]any{"a": 1}, criteria.FieldTypeText); err == nil {
		t.Fatal("expected error for object value")
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"2022-03-01", "2022-03-01"},
		{"2022-3-1", "2022-03-01"},
		{"2022/03/15", "2022-03-15"},
		{"2022-03", "2022-03"},
		{"2022", "2022"},
		{"Present", "present"},
		{"current", "present"},
		{"March 2022", "2022-03"},
		{"Mar 2022", "2022-03"},
		{"march 5, 2022", "2022-03-05"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeDate(tt.raw)
			if err != nil {
				t.Fatalf("NormalizeDate(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeDate(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeDateRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"2022-02-30", "2022-13", "03/01/2022", "last spring", "22"} {
		_, err := Normalize(raw, criteria.FieldTypeDate)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Normalize(%q) err = %v, want ValidationError", raw, err)
		}
	}
}

func TestNormalizeList(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want []string
	}{
		{"uploaded token", []any{"uploaded:roadmap.pdf"}, []string{"uploaded:roadmap.pdf"}},
		{"bare filename", []any{"paystub-jan.pdf"}, []string{"uploaded:paystub-jan.pdf"}},
		{"url kept", []any{"https://example.com/post"}, []string{"https://example.com/post"}},
		{"dedup preserves order", []any{"b.png", "a.png", "b.png"}, []string{"uploaded:b.png", "uploaded:a.png"}},
		{"comma separated string", "uploaded:a.pdf, https://x.io/y", []string{"uploaded:a.pdf", "https://x.io/y"}},
		{"malformed url kept as text", []any{"http//broken link"}, []string{"http//broken link"}},
		{"placeholders dropped", []any{"", "none"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw, criteria.FieldTypeFilesOrURLs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected absent, got %v", got)
				}
				return
			}
			if got == nil || !reflect.DeepEqual(got.List, tt.want) {
				t.Fatalf("Normalize(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestIsCollected(t *testing.T) {
	if IsCollected(nil) {
		t.Error("nil should not be collected")
	}
	if IsCollected(Text("")) {
		t.Error("empty text should not be collected")
	}
	if IsCollected(List()) {
		t.Error("empty list should not be collected")
	}
	if !IsCollected(Date("2022")) || !IsCollected(List("uploaded:a.pdf")) {
		t.Error("populated values should be collected")
	}
}

func TestMergeFieldNoRegression(t *testing.T) {
	def := criteria.FieldDefinition{Name: "start_date", Type: criteria.FieldTypeDate}
	existing := NewFieldState(def).Set(Date("2022-03"))

	for _, incoming := range []FieldState{
		NewFieldState(def),
		{Name: "start_date", Type: criteria.FieldTypeDate, Value: Text(""), Collected: true},
		{Name: "start_date", Type: criteria.FieldTypeDate, Value: nil, Collected: true},
	} {
		got := MergeField(existing, incoming)
		if !got.Collected || got.Value.Text != "2022-03" {
			t.Fatalf("MergeField regressed: %+v", got)
		}
	}

	got := MergeField(existing, NewFieldState(def).Set(Date("2022-03-01")))
	if got.Value.Text != "2022-03-01" {
		t.Fatalf("collected incoming should win, got %v", got.Value)
	}
}

func TestMergeFieldListUnion(t *testing.T) {
	def := criteria.FieldDefinition{Name: "paystubs", Type: criteria.FieldTypeFiles}
	existing := NewFieldState(def).Set(List("uploaded:jan.pdf", "uploaded:feb.pdf"))
	incoming := NewFieldState(def).Set(List("uploaded:feb.pdf", "uploaded:mar.pdf"))

	got := MergeField(existing, incoming)
	want := []string{"uploaded:jan.pdf", "uploaded:feb.pdf", "uploaded:mar.pdf"}
	if !reflect.DeepEqual(got.Value.List, want) {
		t.Fatalf("merged list = %v, want %v", got.Value.List, want)
	}
}

func TestFieldStateRepairsCollectedFlag(t *testing.T) {
	var f FieldState
	if err := json.Unmarshal([]byte(`{"name":"salary","type":"text","value":"","collected":true}`), &f); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if f.Collected {
		t.Fatal("collected flag should be derived from value")
	}

	if err := json.Unmarshal([]byte(`{"name":"paystubs","type":"files","value":["uploaded:a.pdf"],"collected":false}`), &f); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !f.Collected || f.Value.Kind != KindList {
		t.Fatalf("unexpected field state: %+v", f)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	fields := []FieldState{
		NewFieldState(criteria.FieldDefinition{Name: "a", Type: criteria.FieldTypeDate}).Set(Date("2022-03")),
		NewFieldState(criteria.FieldDefinition{Name: "b", Type: criteria.FieldTypeFilesOrURLs}).Set(List("uploaded:x.pdf")),
		NewFieldState(criteria.FieldDefinition{Name: "c", Type: criteria.FieldTypeText}),
	}
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var back []FieldState
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(fields, back) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, fields)
	}
}
