package usecase

import (
	"strings"
	"testing"

	"ObitPipeline/internal/domain"
)

func TestValidateProseHardRejects(t *testing.T) {
	t.Parallel()

	rec := domain.Record{SubjectName: "Eleanor Vance"}
	long := strings.Repeat("Eleanor Vance lived a full life. ", 20)

	cases := []struct {
		name string
		text string
	}{
		{"too short", "Eleanor Vance died."},
		{"too long", strings.Repeat(long, 10)},
		{"model artifact", "As an AI, I cannot speak ill of Eleanor Vance, who died at 78 in Portland after a long illness."},
		{"meta preamble", "Here is the rewritten obituary for Eleanor Vance, who died at 78 in Portland after a long illness."},
		{"never names subject", "A beloved member of the community died on March 14 at the age of 78 after a long illness in Portland."},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			resp := rewriteResponse{RewrittenText: tc.text}
			if _, err := validateProse(rec, resp, 40, 3000); err == nil {
				t.Error("expected hard reject")
			}
		})
	}
}

func TestValidateProseSoftWarnings(t *testing.T) {
	t.Parallel()

	rec := domain.Record{SubjectName: "Eleanor Vance"}
	resp := rewriteResponse{
		RewrittenText: "Eleanor Vance passed away in mid March at her home, surrounded by family and friends.",
		DeathDate:     "2026-03-14",
		Age:           78,
		Location:      "Portland, Oregon",
	}

	warnings, err := validateProse(rec, resp, 40, 3000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(warnings) != 3 {
		t.Errorf("warnings = %v, want death date, age and location flagged", warnings)
	}
}

func TestValidateProseCleanCandidate(t *testing.T) {
	t.Parallel()

	rec := domain.Record{SubjectName: "Eleanor Vance"}
	resp := rewriteResponse{
		RewrittenText: "Eleanor Vance of Portland, Oregon, died on 2026-03-14 at the age of 78 after a long illness.",
		DeathDate:     "2026-03-14",
		Age:           78,
		Location:      "Portland, Oregon",
	}

	warnings, err := validateProse(rec, resp, 40, 3000)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestReferencesName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		name string
		want bool
	}{
		{"bob was a fixture at the mill for forty years", "Robert (Bob) Smith", true},
		{"mrs. smith taught three generations", "Robert (Bob) Smith", true},
		{"a beloved neighbor has died", "Robert (Bob) Smith", false},
		{"maria del carmen was 92", `Maria "Mamá" del Carmen Ruiz`, true},
	}
	for _, tc := range cases {
		if got := referencesName(tc.text, tc.name); got != tc.want {
			t.Errorf("referencesName(%q, %q) = %v, want %v", tc.text, tc.name, got, tc.want)
		}
	}
}
