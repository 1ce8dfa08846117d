package usecase

import (
	"fmt"
	"strings"

	"ObitPipeline/internal/domain"
)

// Generation artifacts that disqualify a rewrite outright. Fact paraphrase
// is tolerated; meta-commentary about being a model is not.
var hardArtifacts = []string{
	"as an ai",
	"as a language model",
	"i'm sorry",
	"i am sorry",
	"i apologize",
	"i cannot",
	"i can't assist",
	"here is the rewritten",
	"here's the rewritten",
	"please note that",
	"disclaimer:",
}

// validateProse applies the hard and soft checks to a rewrite candidate.
// A non-nil error is a hard reject and feeds the quarantine counter; the
// returned warnings are logged and stored but never block the record. An
// over-strict reject here can let a single bad record monopolize the only
// batch slot and starve the whole queue.
func validateProse(rec domain.Record, resp rewriteResponse, minLen, maxLen int) ([]string, error) {
	text := resp.RewrittenText

	if len(text) < minLen {
		return nil, fmt.Errorf("rewritten text too short: %d < %d", len(text), minLen)
	}
	if maxLen > 0 && len(text) > maxLen {
		return nil, fmt.Errorf("rewritten text too long: %d > %d", len(text), maxLen)
	}

	lower := strings.ToLower(text)
	for _, artifact := range hardArtifacts {
		if strings.Contains(lower, artifact) {
			return nil, fmt.Errorf("rewritten text contains generation artifact %q", artifact)
		}
	}

	if rec.SubjectName != "" && !referencesName(lower, rec.SubjectName) {
		return nil, fmt.Errorf("rewritten text never references subject %q", rec.SubjectName)
	}

	var warnings []string
	if resp.DeathDate != "" && !strings.Contains(text, resp.DeathDate) {
		warnings = append(warnings, "death date not verbatim in prose")
	}
	if resp.Age != 0 && !strings.Contains(text, fmt.Sprintf("%d", resp.Age)) {
		warnings = append(warnings, "age not verbatim in prose")
	}
	if resp.Location != "" && !strings.Contains(lower, strings.ToLower(resp.Location)) {
		warnings = append(warnings, "location not verbatim in prose")
	}

	return warnings, nil
}

// referencesName reports whether the prose mentions at least part of the
// subject's name. Parenthetical nicknames count: `Robert (Bob) Smith`
// matches on "robert", "bob" or "smith".
func referencesName(lowerText, name string) bool {
	cleaned := strings.NewReplacer("(", " ", ")", " ", "\"", " ", ",", " ").Replace(name)
	for _, part := range strings.Fields(cleaned) {
		part = strings.ToLower(part)
		if len(part) < 2 {
			continue
		}
		if strings.Contains(lowerText, part) {
			return true
		}
	}
	return false
}
