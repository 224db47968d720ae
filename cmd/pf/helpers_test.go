package main

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/paperflow/paperflow/internal/pipeline"
	"github.com/paperflow/paperflow/internal/reference"
	"github.com/paperflow/paperflow/internal/zotero"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"a longer title here", 10, "a longe..."},
		{"具身智能综述与展望", 6, "具身智..."},
		{"abcdef", 3, "abc"},
		{"", 5, ""},
	}

	for _, tt := range tests {
		if got := truncateString(tt.s, tt.max); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
		}
	}
}

func TestFormatAuthorsShort(t *testing.T) {
	tests := []struct {
		authors []string
		want    string
	}{
		{nil, "(no authors)"},
		{[]string{"Jane Doe"}, "Jane Doe"},
		{[]string{"A", "B", "C"}, "A, B, C"},
		{[]string{"A", "B", "C", "D"}, "A, B, C et al."},
	}

	for _, tt := range tests {
		if got := formatAuthorsShort(tt.authors, 3); got != tt.want {
			t.Errorf("formatAuthorsShort(%v) = %q, want %q", tt.authors, got, tt.want)
		}
	}
}

func TestFilterCategory(t *testing.T) {
	recs := []reference.Record{
		{Key: "a", Category: "Embodied AI"},
		{Key: "b", Category: "Perception"},
		{Key: "c", Category: "Embodied AI"},
	}

	tests := []struct {
		category string
		want     []string
	}{
		{"", []string{"a", "b", "c"}},
		{"Embodied AI", []string{"a", "c"}},
		{"Embodied_AI", []string{"a", "c"}}, // file-name form
		{"Planning", nil},
	}

	for _, tt := range tests {
		t.Run(tt.category, func(t *testing.T) {
			var got []string
			for _, r := range filterCategory(recs, tt.category) {
				got = append(got, r.Key)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("filterCategory(%q) mismatch (-want +got):\n%s", tt.category, diff)
			}
		})
	}
}

func TestFormatCounts(t *testing.T) {
	got := formatCounts(map[string]int{"written": 3, "skipped": 2, "not_found": 1})
	want := "not_found=1 skipped=2 written=3"
	if got != want {
		t.Errorf("formatCounts() = %q, want %q", got, want)
	}
	if got := formatCounts(nil); got != "" {
		t.Errorf("formatCounts(nil) = %q, want empty", got)
	}
}

func TestFatalFailure(t *testing.T) {
	auth := &zotero.APIError{StatusCode: 403, Message: "Forbidden"}
	tests := []struct {
		name string
		errs []error
		want bool
	}{
		{"no failures", []error{nil, nil}, false},
		{"ordinary failure", []error{errors.New("no text")}, false},
		{"rejected key", []error{nil, auth}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rep pipeline.Report
			for _, err := range tt.errs {
				rep.Results = append(rep.Results, pipeline.ItemResult{Err: err})
			}
			if got := fatalFailure(rep); got != tt.want {
				t.Errorf("fatalFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "x", "y"); got != "x" {
		t.Errorf("firstNonEmpty() = %q, want %q", got, "x")
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("firstNonEmpty() = %q, want empty", got)
	}
}
