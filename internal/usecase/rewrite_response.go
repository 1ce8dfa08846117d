package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rewriteResponse is the strict shape the extraction-and-rewrite call must
// return. Every field except the rewritten text is optional; an empty string
// means the source did not state the fact.
type rewriteResponse struct {
	RewrittenText string `json:"rewritten_text"`
	DeathDate     string `json:"death_date"`
	BirthDate     string `json:"birth_date"`
	Age           int    `json:"age"`
	Location      string `json:"location"`
	Organization  string `json:"organization"`
}

const (
	dateLayout = "2006-01-02"
	minAge     = 1
	maxAge     = 120
	// Records older than this are assumed to be extraction garbage.
	earliestPlausibleYear = 1850
)

// parseRewriteResponse decodes the completion content. The mandatory
// rewritten-text field missing is a hard parse failure; everything else is
// cleaned up by reconcileFields.
func parseRewriteResponse(content string) (rewriteResponse, error) {
	var resp rewriteResponse
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &resp); err != nil {
		return rewriteResponse{}, fmt.Errorf("decode rewrite response: %w", err)
	}

	resp.RewrittenText = strings.TrimSpace(resp.RewrittenText)
	if resp.RewrittenText == "" {
		return rewriteResponse{}, fmt.Errorf("rewrite response missing rewritten_text")
	}

	resp.DeathDate = strings.TrimSpace(resp.DeathDate)
	resp.BirthDate = strings.TrimSpace(resp.BirthDate)
	resp.Location = strings.TrimSpace(resp.Location)
	resp.Organization = strings.TrimSpace(resp.Organization)
	return resp, nil
}

// stripCodeFence removes a markdown fence some models wrap JSON in despite
// the response-format hint.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

// validDate checks calendar shape and a plausible range: not in the future,
// not before the earliest plausible year.
func validDate(value string, now time.Time) bool {
	parsed, err := time.Parse(dateLayout, value)
	if err != nil {
		return false
	}
	if parsed.After(now) {
		return false
	}
	return parsed.Year() >= earliestPlausibleYear
}

// reconcileFields sanity-checks every extracted field independently and
// cross-validates age against the date difference. Implausible values are
// dropped rather than failing the record; only the rewritten text itself is
// load-bearing. Returns human-readable notes for every adjustment.
func reconcileFields(resp *rewriteResponse, now time.Time) []string {
	var notes []string

	if resp.DeathDate != "" && !validDate(resp.DeathDate, now) {
		notes = append(notes, fmt.Sprintf("dropped implausible death_date %q", resp.DeathDate))
		resp.DeathDate = ""
	}
	if resp.BirthDate != "" && !validDate(resp.BirthDate, now) {
		notes = append(notes, fmt.Sprintf("dropped implausible birth_date %q", resp.BirthDate))
		resp.BirthDate = ""
	}
	if resp.Age != 0 && (resp.Age < minAge || resp.Age > maxAge) {
		notes = append(notes, fmt.Sprintf("dropped out-of-range age %d", resp.Age))
		resp.Age = 0
	}

	if resp.DeathDate != "" && resp.BirthDate != "" {
		computed := yearsBetween(resp.BirthDate, resp.DeathDate)
		if computed < minAge || computed > maxAge {
			notes = append(notes, fmt.Sprintf("date pair implies implausible age %d, dropped birth_date", computed))
			resp.BirthDate = ""
		} else if resp.Age != 0 && absInt(resp.Age-computed) > 1 {
			// The dates are the harder facts; prefer the computed value.
			notes = append(notes, fmt.Sprintf("age %d disagrees with dates, corrected to %d", resp.Age, computed))
			resp.Age = computed
		} else if resp.Age == 0 {
			resp.Age = computed
		}
	}

	return notes
}

// yearsBetween computes whole years from birth to death, both in dateLayout.
func yearsBetween(birth, death string) int {
	b, err := time.Parse(dateLayout, birth)
	if err != nil {
		return 0
	}
	d, err := time.Parse(dateLayout, death)
	if err != nil {
		return 0
	}

	years := d.Year() - b.Year()
	if d.Month() < b.Month() || (d.Month() == b.Month() && d.Day() < b.Day()) {
		years--
	}
	return years
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
